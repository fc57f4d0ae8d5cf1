// Package consensus aggregates per-field assertions into ranked value
// clusters and selects a winner with a calibrated confidence.
package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// Input is one assertion with the source context consensus weighs.
type Input struct {
	AssertionID string
	SourceID    string
	RootDomain  string
	Tier        int
	Method      string // parser name or llm role
	Value       string
	Unit        string
	RetrievedAt time.Time
}

// Decision is the selected value for one field.
type Decision struct {
	FieldKey    string
	CandidateID string
	Value       string
	ValueNorm   string
	Unit        string
	Confidence  float64
	ReasonCodes []string
}

const (
	// defaultEpsilon is the relative score gap under which the top two
	// clusters count as conflicting.
	defaultEpsilon = 0.15
	// defaultDiversityMin is the distinct-domain count that earns the
	// diversity bonus.
	defaultDiversityMin = 2
	diversityBonus      = 1.15
	conflictPenalty     = 0.75
	maxConfidence       = 0.99
)

var tierWeights = map[int]float64{1: 1.0, 2: 0.8, 3: 0.55, 4: 0.3}

// methodWeights rank extraction methods by historical reliability.
// Structured markup beats layout heuristics beats OCR.
var methodWeights = map[string]float64{
	"extract":  1.0,
	"jsonld":   0.9,
	"embedded": 0.85,
	"table":    0.85,
	"dom":      0.75,
	"article":  0.6,
	"ocr":      0.5,
	"pdf":      0.65,
}

// Engine aggregates candidates per field.
type Engine struct {
	epsilon      float64
	diversityMin int
}

// New creates an Engine. Zero values take the defaults.
func New(epsilon float64, diversityMin int) *Engine {
	if epsilon <= 0 {
		epsilon = defaultEpsilon
	}
	if diversityMin <= 0 {
		diversityMin = defaultDiversityMin
	}
	return &Engine{epsilon: epsilon, diversityMin: diversityMin}
}

type cluster struct {
	valueNorm  string
	unit       string
	display    string // raw form of the heaviest member
	displayW   float64
	weight     float64
	bestTier   int
	domains    map[string]bool
	sources    map[string]bool
	assertions []string
	sourceIDs  []string
	earliest   time.Time
}

// Decide clusters the inputs by normalized value and selects a winner.
// Returns the decision plus all clusters as candidate rows, heaviest
// first. Nil decision means no usable input.
func (e *Engine) Decide(rule *contract.FieldRule, runID string, inputs []Input) (*Decision, []model.Candidate) {
	clusters := e.clusterInputs(rule, inputs)
	if len(clusters) == 0 {
		return nil, nil
	}

	total := 0.0
	for _, c := range clusters {
		if len(c.domains) >= e.diversityMin {
			c.weight *= diversityBonus
		}
		total += c.weight
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		return clusterLess(clusters[j], clusters[i])
	})

	top := clusters[0]
	conf := top.weight / total
	var reasons []string
	if len(clusters) == 1 {
		reasons = append(reasons, "unanimous")
	}
	if len(top.domains) >= e.diversityMin {
		reasons = append(reasons, "diverse_sources")
	}
	if len(top.sources) == 1 {
		reasons = append(reasons, "single_source")
	}
	if len(clusters) > 1 {
		second := clusters[1]
		if gap := (top.weight - second.weight) / top.weight; gap <= e.epsilon {
			reasons = append(reasons, "conflict")
			conf *= conflictPenalty
		}
	}
	if conf > maxConfidence {
		conf = maxConfidence
	}

	candidates := make([]model.Candidate, 0, len(clusters))
	for _, c := range clusters {
		candidates = append(candidates, model.Candidate{
			ID:           candidateID(runID, rule.Key, c.valueNorm, c.unit),
			RunID:        runID,
			FieldKey:     rule.Key,
			Value:        c.display,
			ValueNorm:    c.valueNorm,
			Unit:         c.unit,
			Score:        c.weight / total,
			Tier:         c.bestTier,
			AssertionIDs: c.assertions,
			SourceIDs:    c.sourceIDs,
			RetrievedAt:  c.earliest,
		})
	}

	return &Decision{
		FieldKey:    rule.Key,
		CandidateID: candidates[0].ID,
		Value:       top.display,
		ValueNorm:   top.valueNorm,
		Unit:        top.unit,
		Confidence:  conf,
		ReasonCodes: reasons,
	}, candidates
}

// clusterInputs groups inputs by their contract-normalized value. Each
// source contributes to a cluster at most once, so a page repeating a
// value ten times carries no extra weight.
func (e *Engine) clusterInputs(rule *contract.FieldRule, inputs []Input) []*cluster {
	byNorm := make(map[string]*cluster)
	var order []*cluster
	for _, in := range inputs {
		norm, unit := rule.Normalize(in.Value)
		if norm == "" {
			continue
		}
		if unit == "" {
			unit = in.Unit
		}
		key := norm + "\x1f" + strings.ToLower(unit)

		c, ok := byNorm[key]
		if !ok {
			c = &cluster{
				valueNorm: norm,
				unit:      unit,
				bestTier:  in.Tier,
				domains:   make(map[string]bool),
				sources:   make(map[string]bool),
				earliest:  in.RetrievedAt,
			}
			byNorm[key] = c
			order = append(order, c)
		}

		w := weightOf(in)
		if !c.sources[in.SourceID] {
			c.weight += w
			c.sources[in.SourceID] = true
			c.sourceIDs = append(c.sourceIDs, in.SourceID)
		}
		c.assertions = append(c.assertions, in.AssertionID)
		c.domains[in.RootDomain] = true
		if in.Tier < c.bestTier || c.bestTier == 0 {
			c.bestTier = in.Tier
		}
		if w > c.displayW {
			c.display, c.displayW = strings.TrimSpace(in.Value), w
		}
		if !in.RetrievedAt.IsZero() && (c.earliest.IsZero() || in.RetrievedAt.Before(c.earliest)) {
			c.earliest = in.RetrievedAt
		}
	}
	return order
}

func weightOf(in Input) float64 {
	tw, ok := tierWeights[in.Tier]
	if !ok {
		tw = tierWeights[4]
	}
	mw, ok := methodWeights[strings.ToLower(in.Method)]
	if !ok {
		mw = 0.7
	}
	return tw * mw
}

// clusterLess orders clusters ascending: weight, then the tie-breaks
// (better tier, more distinct domains, earlier retrieval).
func clusterLess(a, b *cluster) bool {
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	if a.bestTier != b.bestTier {
		return a.bestTier > b.bestTier
	}
	if len(a.domains) != len(b.domains) {
		return len(a.domains) < len(b.domains)
	}
	if !a.earliest.Equal(b.earliest) {
		return a.earliest.After(b.earliest)
	}
	return a.valueNorm > b.valueNorm
}

// candidateID derives a stable id so re-running consensus upserts the
// same rows instead of multiplying them.
func candidateID(runID, fieldKey, valueNorm, unit string) string {
	sum := sha256.Sum256([]byte(runID + "\x1f" + fieldKey + "\x1f" + valueNorm + "\x1f" + strings.ToLower(unit)))
	return "cand_" + hex.EncodeToString(sum[:])[:16]
}
