// Package discovery turns a round's NeedSet into search queries and a
// triaged, deduplicated list of candidate URLs for the frontier.
package discovery

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// DocHint tags a query with the kind of document it hopes to find.
type DocHint string

const (
	HintSpec   DocHint = "spec"
	HintReview DocHint = "review"
	HintManual DocHint = "manual"
	HintDriver DocHint = "driver"
)

// Query is one search the profile wants issued.
type Query struct {
	Text         string   `json:"text"`
	TargetFields []string `json:"target_fields,omitempty"`
	DocHint      DocHint  `json:"doc_hint,omitempty"`
	DomainHint   string   `json:"domain_hint,omitempty"`
}

// SearchProfile is the set of queries for one round.
type SearchProfile struct {
	ProductID string  `json:"product_id"`
	Queries   []Query `json:"queries"`
}

// Planner authors queries for a round. The LLM plan role implements
// it; a nil planner or a planner error falls back to the deterministic
// composer.
type Planner interface {
	PlanQueries(ctx context.Context, product model.ProductIdentity, targets []model.NeedRow) ([]Query, error)
}

// SERPResult is one raw search hit from a provider.
type SERPResult struct {
	Title    string
	URL      string
	Snippet  string
	Provider string
	Query    Query
}

// Searcher issues one query against a provider.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]SERPResult, error)
}

// BuildProfile composes the round's search profile. Planner output is
// used when present; otherwise queries are composed from identity plus
// field aliases.
func BuildProfile(ctx context.Context, planner Planner, c *contract.Contract, product model.ProductIdentity, targets []model.NeedRow, maxQueries int) SearchProfile {
	if maxQueries <= 0 {
		maxQueries = 8
	}
	profile := SearchProfile{ProductID: product.ProductID()}

	if planner != nil {
		queries, err := planner.PlanQueries(ctx, product, targets)
		if err != nil {
			zap.L().Warn("discovery: query planner failed, using deterministic profile", zap.Error(err))
		} else if len(queries) > 0 {
			if len(queries) > maxQueries {
				queries = queries[:maxQueries]
			}
			profile.Queries = queries
			return profile
		}
	}

	profile.Queries = deterministicQueries(c, product, targets, maxQueries)
	return profile
}

// deterministicQueries composes queries from brand/model and the target
// fields' labels. The first query always goes wide for the spec sheet.
func deterministicQueries(c *contract.Contract, product model.ProductIdentity, targets []model.NeedRow, maxQueries int) []Query {
	name := strings.TrimSpace(product.Brand + " " + product.Model)
	if product.Variant != "" {
		name += " " + product.Variant
	}

	queries := []Query{{
		Text:    name + " specifications",
		DocHint: HintSpec,
	}}
	if domain := manufacturerDomain(c); domain != "" {
		queries = append(queries, Query{
			Text:       name + " tech specs",
			DocHint:    HintSpec,
			DomainHint: domain,
		})
	}

	for _, t := range targets {
		if len(queries) >= maxQueries {
			break
		}
		if t.NeedScore <= 0 {
			break
		}
		rule := c.ByKey(t.FieldKey)
		if rule == nil {
			continue
		}
		queries = append(queries, Query{
			Text:         name + " " + fieldPhrase(rule),
			TargetFields: []string{t.FieldKey},
			DocHint:      hintFor(rule),
		})
	}
	return queries
}

// manufacturerDomain returns the first tier-1 domain the contract maps.
func manufacturerDomain(c *contract.Contract) string {
	best := ""
	for domain, tier := range c.TierDomains {
		if tier == 1 && (best == "" || domain < best) {
			best = domain
		}
	}
	return best
}

func fieldPhrase(rule *contract.FieldRule) string {
	if rule.Label != "" {
		return strings.ToLower(rule.Label)
	}
	if len(rule.Aliases) > 0 {
		return rule.Aliases[0]
	}
	return strings.ReplaceAll(rule.Key, "_", " ")
}

// hintFor picks a doc hint from the field's shape: manuals for deep
// component properties, reviews for measured values, specs otherwise.
func hintFor(rule *contract.FieldRule) DocHint {
	switch rule.ContextKind {
	case model.ContextComponent:
		return HintManual
	case model.ContextList:
		return HintSpec
	default:
		if rule.FreshnessDays > 0 {
			return HintReview
		}
		return HintSpec
	}
}

// Discover issues every profile query, triages the hits, and returns
// the deduplicated, reranked candidate list.
func Discover(ctx context.Context, searcher Searcher, c *contract.Contract, product model.ProductIdentity, profile SearchProfile, rerank Reranker) ([]Candidate, error) {
	if searcher == nil {
		return nil, eris.New("discovery: no searcher configured")
	}

	var all []SERPResult
	for _, q := range profile.Queries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hits, err := searcher.Search(ctx, q)
		if err != nil {
			zap.L().Warn("discovery: search failed",
				zap.String("query", q.Text),
				zap.Error(err))
			continue
		}
		all = append(all, hits...)
	}

	candidates := Triage(c, product, all)
	candidates = Dedupe(candidates)
	if rerank != nil {
		reranked, err := rerank.Rerank(ctx, product, candidates)
		if err != nil {
			zap.L().Warn("discovery: rerank failed, keeping deterministic order", zap.Error(err))
		} else {
			candidates = reranked
		}
	}
	return candidates, nil
}
