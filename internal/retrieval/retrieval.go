// Package retrieval assembles extraction packets: for one field, the
// ranked prime evidence rows an LLM role needs, plus contradictory
// support rows, under a single contract snapshot.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// EvidenceLister is the slice of the store the assembler reads from.
type EvidenceLister interface {
	ListAssertions(ctx context.Context, runID, fieldKey string) ([]model.Assertion, error)
	ListEvidence(ctx context.Context, runID, fieldKey string) ([]model.EvidenceRef, error)
}

// FieldSnapshot freezes the contract terms the packet was built under.
type FieldSnapshot struct {
	Key           string            `json:"key"`
	Label         string            `json:"label,omitempty"`
	RequiredLevel string            `json:"required_level"`
	ContextKind   model.ContextKind `json:"context_kind"`
	Unit          string            `json:"unit,omitempty"`
	Enum          []string          `json:"enum,omitempty"`
	Aliases       []string          `json:"aliases,omitempty"`
}

// EvidenceRow is one ranked evidence reference inside a packet.
type EvidenceRow struct {
	SnippetID   string    `json:"snippet_id"`
	AssertionID string    `json:"assertion_id"`
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	RootDomain  string    `json:"root_domain"`
	Tier        int       `json:"tier"`
	Quote       string    `json:"quote"`
	Value       string    `json:"value"`
	ValueNorm   string    `json:"value_norm"`
	Unit        string    `json:"unit,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Score       float64   `json:"score"`
}

// Packet is the language-agnostic extraction context for one field.
type Packet struct {
	RunID     string        `json:"run_id"`
	ProductID string        `json:"product_id"`
	FieldKey  string        `json:"field_key"`
	Contract  FieldSnapshot `json:"contract"`
	// Prime rows are the best-ranked evidence, capped at max prime sources.
	Prime []EvidenceRow `json:"prime"`
	// Support rows disagree with the leading value; the validator sees
	// them so contradictions are weighed, not hidden.
	Support []EvidenceRow `json:"support,omitempty"`
}

const (
	defaultMaxPrime = 6
	maxSupport      = 4
	// diversityPenalty discounts repeat root domains during selection.
	// It outweighs one tier step plus the identity bonus, so a distinct
	// domain beats a same-domain repeat unless the repeat is far stronger.
	diversityPenalty = 0.6
)

// Assembler builds packets from the evidence index.
type Assembler struct {
	store    EvidenceLister
	contract *contract.Contract
	maxPrime int
}

// New creates an Assembler. maxPrime caps prime rows per packet; 0 uses
// the default.
func New(st EvidenceLister, c *contract.Contract, maxPrime int) *Assembler {
	if maxPrime <= 0 {
		maxPrime = defaultMaxPrime
	}
	return &Assembler{store: st, contract: c, maxPrime: maxPrime}
}

// Assemble builds the packet for one field of a run. It returns nil with
// no error when the field has no usable evidence.
func (a *Assembler) Assemble(ctx context.Context, runID string, product model.ProductIdentity, fieldKey string) (*Packet, error) {
	rule := a.contract.ByKey(fieldKey)
	if rule == nil {
		return nil, eris.Errorf("retrieval: unknown field %s", fieldKey)
	}

	assertions, err := a.store.ListAssertions(ctx, runID, fieldKey)
	if err != nil {
		return nil, eris.Wrapf(err, "retrieval: list assertions for %s", fieldKey)
	}
	refs, err := a.store.ListEvidence(ctx, runID, fieldKey)
	if err != nil {
		return nil, eris.Wrapf(err, "retrieval: list evidence for %s", fieldKey)
	}

	rows := joinRows(assertions, refs)
	if len(rows) == 0 {
		return nil, nil
	}
	tokens := product.IdentityTokens()
	for i := range rows {
		rows[i].Score = baseScore(rule, &rows[i], tokens, time.Now())
	}

	prime, rest := selectPrime(rows, a.maxPrime)
	return &Packet{
		RunID:     runID,
		ProductID: product.ProductID(),
		FieldKey:  fieldKey,
		Contract:  snapshot(rule),
		Prime:     prime,
		Support:   supportRows(prime, rest),
	}, nil
}

func snapshot(rule *contract.FieldRule) FieldSnapshot {
	return FieldSnapshot{
		Key:           rule.Key,
		Label:         rule.Label,
		RequiredLevel: string(rule.RequiredLevel),
		ContextKind:   rule.ContextKind,
		Unit:          rule.Unit,
		Enum:          rule.Enum,
		Aliases:       rule.Aliases,
	}
}

// joinRows merges assertions with their evidence refs. Assertions whose
// snippet failed hash verification are excluded entirely.
func joinRows(assertions []model.Assertion, refs []model.EvidenceRef) []EvidenceRow {
	byID := make(map[string]*model.Assertion, len(assertions))
	for i := range assertions {
		if assertions[i].EvidenceBroken {
			continue
		}
		byID[assertions[i].ID] = &assertions[i]
	}
	rows := make([]EvidenceRow, 0, len(refs))
	for _, r := range refs {
		a, ok := byID[r.AssertionID]
		if !ok {
			continue
		}
		rows = append(rows, EvidenceRow{
			SnippetID:   r.SnippetID,
			AssertionID: r.AssertionID,
			SourceID:    r.SourceID,
			URL:         r.URL,
			RootDomain:  model.RootDomainOf(model.HostOf(r.URL)),
			Tier:        r.Tier,
			Quote:       r.Quote,
			Value:       a.ValueRaw,
			ValueNorm:   a.ValueNorm,
			Unit:        a.Unit,
			RetrievedAt: r.RetrievedAt,
		})
	}
	return rows
}

// baseScore ranks a row before diversity selection: tier preference
// first, then identity proximity, then freshness.
func baseScore(rule *contract.FieldRule, row *EvidenceRow, tokens []string, now time.Time) float64 {
	score := float64(5-row.Tier) / 4
	if rule.PreferredTier > 0 && row.Tier <= rule.PreferredTier {
		score += 0.25
	}

	if len(tokens) > 0 {
		text := strings.ToLower(row.Quote + " " + row.URL)
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				hits++
			}
		}
		score += 0.5 * float64(hits) / float64(len(tokens))
	}

	if !row.RetrievedAt.IsZero() {
		ageDays := now.Sub(row.RetrievedAt).Hours() / 24
		switch {
		case ageDays <= 7:
			score += 0.15
		case ageDays <= 90:
			score += 0.05
		}
	}
	return score
}

// selectPrime picks up to n rows greedily, discounting candidates whose
// root domain already appears in the selection. Distinct domains win
// over marginally better repeats.
func selectPrime(rows []EvidenceRow, n int) (prime, rest []EvidenceRow) {
	remaining := make([]EvidenceRow, len(rows))
	copy(remaining, rows)
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].Score != remaining[j].Score {
			return remaining[i].Score > remaining[j].Score
		}
		return remaining[i].AssertionID < remaining[j].AssertionID
	})

	seen := make(map[string]bool, n)
	for len(prime) < n && len(remaining) > 0 {
		best, bestEff := -1, 0.0
		for i, r := range remaining {
			eff := r.Score
			if seen[r.RootDomain] {
				eff -= diversityPenalty
			}
			if best == -1 || eff > bestEff {
				best, bestEff = i, eff
			}
		}
		pick := remaining[best]
		seen[pick.RootDomain] = true
		prime = append(prime, pick)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return prime, remaining
}

// supportRows returns leftover rows that contradict the leading prime
// value. Agreeing leftovers add nothing the prime rows do not already say.
func supportRows(prime, rest []EvidenceRow) []EvidenceRow {
	if len(prime) == 0 {
		return nil
	}
	lead := normKey(prime[0])
	var out []EvidenceRow
	for _, r := range rest {
		if normKey(r) == lead {
			continue
		}
		out = append(out, r)
		if len(out) == maxSupport {
			break
		}
	}
	return out
}

func normKey(r EvidenceRow) string {
	v := r.ValueNorm
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(r.Value))
	}
	return v + "\x1f" + r.Unit
}
