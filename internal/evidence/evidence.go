// Package evidence maintains the searchable evidence index: deduplicated
// snippet text, assertions, and the refs binding them to sources. Snippet
// ids are content hashes, so identical quotes across sources index once.
package evidence

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/store"
)

// Index wraps the store's evidence tables with hashing, verification and
// quarantine behavior.
type Index struct {
	store store.Store
}

// NewIndex creates an evidence index over the given store.
func NewIndex(st store.Store) *Index {
	return &Index{store: st}
}

// SnippetID derives the content-hash id for a quote. Whitespace is
// collapsed first so trivial reflows of the same sentence dedupe.
func SnippetID(quote string) string {
	norm := strings.Join(strings.Fields(quote), " ")
	return model.ContentHash([]byte(norm))
}

// Record indexes one assertion with its supporting quote. The snippet is
// deduplicated by content hash; the assertion and evidence ref are always
// appended. Returns whether the snippet was new or reused.
func (x *Index) Record(ctx context.Context, a *model.Assertion, quote string, src *model.Source, at time.Time) (store.SnippetStatus, error) {
	if strings.TrimSpace(quote) == "" {
		return "", eris.Errorf("evidence: empty quote for field %s", a.FieldKey)
	}
	norm := strings.Join(strings.Fields(quote), " ")
	snippetID := model.ContentHash([]byte(norm))

	status, err := x.store.UpsertSnippet(ctx, snippetID, norm)
	if err != nil {
		return "", eris.Wrap(err, "evidence: upsert snippet")
	}
	if err := x.store.InsertAssertion(ctx, a); err != nil {
		return "", eris.Wrap(err, "evidence: insert assertion")
	}
	if err := x.store.InsertEvidenceRef(ctx, &model.EvidenceRef{
		SourceID:    src.ID,
		AssertionID: a.ID,
		SnippetID:   snippetID,
		Quote:       quote,
		URL:         src.URL,
		Tier:        src.Tier,
		RetrievedAt: at,
	}); err != nil {
		return "", eris.Wrap(err, "evidence: insert ref")
	}
	return status, nil
}

// Verify recomputes the hash of every snippet backing the run's assertions
// and quarantines assertions whose stored text no longer matches its id.
// Quarantined assertions stay in the index but are excluded from packets
// and search. Returns the number of assertions quarantined.
func (x *Index) Verify(ctx context.Context, runID string) (int, error) {
	assertions, err := x.store.ListAssertions(ctx, runID, "")
	if err != nil {
		return 0, eris.Wrap(err, "evidence: list assertions")
	}
	refs, err := x.store.ListEvidence(ctx, runID, "")
	if err != nil {
		return 0, eris.Wrap(err, "evidence: list refs")
	}

	refsByAssertion := make(map[string][]model.EvidenceRef, len(assertions))
	for _, r := range refs {
		refsByAssertion[r.AssertionID] = append(refsByAssertion[r.AssertionID], r)
	}

	quarantined := 0
	checked := make(map[string]bool)
	broken := make(map[string]bool)
	for _, a := range assertions {
		if a.EvidenceBroken {
			continue
		}
		bad := false
		for _, r := range refsByAssertion[a.ID] {
			if !checked[r.SnippetID] {
				checked[r.SnippetID] = true
				text, err := x.store.GetSnippet(ctx, r.SnippetID)
				if err != nil || model.ContentHash([]byte(text)) != r.SnippetID {
					broken[r.SnippetID] = true
				}
			}
			if broken[r.SnippetID] {
				bad = true
			}
		}
		if bad {
			if err := x.store.MarkAssertionBroken(ctx, a.ID); err != nil {
				return quarantined, eris.Wrapf(err, "evidence: quarantine %s", a.ID)
			}
			quarantined++
			zap.L().Warn("evidence: quarantined assertion with broken snippet",
				zap.String("assertion", a.ID),
				zap.String("field", a.FieldKey))
		}
	}
	return quarantined, nil
}

// Search runs a full-text query over indexed snippets within a scope.
func (x *Index) Search(ctx context.Context, q store.SnippetQuery) ([]store.SnippetHit, error) {
	return x.store.SearchSnippets(ctx, q)
}

// Documents summarizes the indexed footprint of each source in a run.
func (x *Index) Documents(ctx context.Context, runID string) ([]store.DocumentSummary, error) {
	return x.store.ListDocuments(ctx, runID)
}
