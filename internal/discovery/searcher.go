package discovery

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/pkg/jina"
)

// JinaSearcher issues profile queries through the Jina search API.
type JinaSearcher struct {
	client  jina.Client
	perPage int
}

// NewJinaSearcher wraps a jina client. perPage caps results per query;
// 0 keeps the provider default.
func NewJinaSearcher(client jina.Client, perPage int) *JinaSearcher {
	return &JinaSearcher{client: client, perPage: perPage}
}

func (s *JinaSearcher) Search(ctx context.Context, q Query) ([]SERPResult, error) {
	// Triage only needs titles and snippets; the fetch lanes visit the
	// pages themselves.
	opts := []jina.SearchOption{jina.WithoutContent()}
	if q.DomainHint != "" {
		opts = append(opts, jina.WithSiteFilter(q.DomainHint))
	}
	if ft := fileTypeFor(q.DocHint); ft != "" {
		opts = append(opts, jina.WithFileType(ft))
	}
	if s.perPage > 0 {
		opts = append(opts, jina.WithMaxResults(s.perPage))
	}
	resp, err := s.client.Search(ctx, q.Text, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: jina search %q", q.Text)
	}

	return s.collect(resp, q), nil
}

// fileTypeFor maps a document hint to a filetype operator. Manuals and
// driver downloads are the hints that reliably mean PDF.
func fileTypeFor(h DocHint) string {
	switch h {
	case HintManual, HintDriver:
		return "pdf"
	default:
		return ""
	}
}

func (s *JinaSearcher) collect(resp *jina.SearchResponse, q Query) []SERPResult {
	results := resp.Data
	if s.perPage > 0 && len(results) > s.perPage {
		results = results[:s.perPage]
	}
	out := make([]SERPResult, 0, len(results))
	for _, r := range results {
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		out = append(out, SERPResult{
			Title:    r.Title,
			URL:      r.URL,
			Snippet:  snippet,
			Provider: "jina",
			Query:    q,
		})
	}
	return out
}
