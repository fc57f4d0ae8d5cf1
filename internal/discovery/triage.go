package discovery

import (
	"context"
	"sort"
	"strings"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// Candidate is a triaged SERP hit ready for the frontier.
type Candidate struct {
	URL          string
	Title        string
	Snippet      string
	Host         string
	RootDomain   string
	Tier         int
	DocKind      DocHint
	TargetFields []string
	Provider     string
	// Score is the deterministic rerank score; higher fetches earlier.
	Score float64
	// IdentityHits counts identity tokens found in the title and snippet.
	IdentityHits int
}

// docKindMarkers maps URL/title phrases to the document kind they imply.
var docKindMarkers = []struct {
	phrase string
	kind   DocHint
}{
	{"datasheet", HintSpec},
	{"specification", HintSpec},
	{"tech-specs", HintSpec},
	{"specs", HintSpec},
	{"manual", HintManual},
	{"user-guide", HintManual},
	{"support", HintManual},
	{"driver", HintDriver},
	{"download", HintDriver},
	{"firmware", HintDriver},
	{"review", HintReview},
	{"vs-", HintReview},
	{"benchmark", HintReview},
}

// Triage filters raw SERP hits down to candidates: hits must carry at
// least one identity token, get a tier from the contract's domain map,
// and a doc-kind classification from URL and title phrasing.
func Triage(c *contract.Contract, product model.ProductIdentity, hits []SERPResult) []Candidate {
	tokens := product.IdentityTokens()
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		host := model.HostOf(h.URL)
		if host == "" {
			continue
		}
		text := strings.ToLower(h.Title + " " + h.Snippet + " " + h.URL)
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue // hit is about some other product entirely
		}

		root := model.RootDomainOf(host)
		cand := Candidate{
			URL:          model.CanonicalURL(h.URL),
			Title:        strings.TrimSpace(h.Title),
			Snippet:      strings.TrimSpace(h.Snippet),
			Host:         host,
			RootDomain:   root,
			Tier:         c.TierFor(root),
			DocKind:      classifyDoc(h),
			TargetFields: h.Query.TargetFields,
			Provider:     h.Provider,
			IdentityHits: matched,
		}
		cand.Score = rankScore(cand, len(tokens))
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// classifyDoc picks a doc kind from the hit's URL and title, falling back
// to the query's hint.
func classifyDoc(h SERPResult) DocHint {
	text := strings.ToLower(h.URL + " " + h.Title)
	for _, m := range docKindMarkers {
		if strings.Contains(text, m.phrase) {
			return m.kind
		}
	}
	if h.Query.DocHint != "" {
		return h.Query.DocHint
	}
	return HintSpec
}

// rankScore orders candidates deterministically: trust tier dominates,
// then identity coverage, then agreement between the hit's doc kind and
// the query's hint.
func rankScore(c Candidate, totalTokens int) float64 {
	score := float64(5-c.Tier) / 4 // tier 1 → 1.0, tier 4 → 0.25
	if totalTokens > 0 {
		score += 0.5 * float64(c.IdentityHits) / float64(totalTokens)
	}
	if c.DocKind == HintSpec {
		score += 0.15
	}
	return score
}

// Reranker reorders triaged candidates; the LLM triage role implements
// it. Implementations return the same set, possibly truncated.
type Reranker interface {
	Rerank(ctx context.Context, product model.ProductIdentity, cands []Candidate) ([]Candidate, error)
}

// Dedupe collapses candidates that share a canonical URL or a title
// fingerprint across providers, keeping the first (highest ranked).
func Dedupe(cands []Candidate) []Candidate {
	seenURL := make(map[string]bool, len(cands))
	seenTitle := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		fp := titleFingerprint(c.Title)
		if seenURL[c.URL] {
			continue
		}
		if fp != "" && seenTitle[fp+"\x1f"+c.RootDomain] {
			continue
		}
		seenURL[c.URL] = true
		if fp != "" {
			seenTitle[fp+"\x1f"+c.RootDomain] = true
		}
		out = append(out, c)
	}
	return out
}

// titleFingerprint normalizes a title to its sorted significant words so
// the same page syndicated under reordered titles still collapses.
func titleFingerprint(title string) string {
	words := strings.Fields(strings.ToLower(title))
	keep := words[:0]
	for _, w := range words {
		w = strings.Trim(w, ".,:;|-–()[]\"'")
		if len(w) > 2 {
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		return ""
	}
	sort.Strings(keep)
	return strings.Join(keep, " ")
}
