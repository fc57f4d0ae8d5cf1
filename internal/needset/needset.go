// Package needset ranks the category's declared fields by how badly the
// current round needs new evidence for them.
package needset

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/spec-harvester/internal/contract"
	"github.com/sells-group/spec-harvester/internal/model"
)

// FieldEvidence summarizes what a round already holds for one field.
type FieldEvidence struct {
	// Selected is true when a value passed the confidence gate.
	Selected   bool
	Confidence float64
	// BestTier is the best source tier observed; 0 means none.
	BestTier int
	// DistinctRefs counts distinct source domains with evidence refs.
	DistinctRefs int
	// Conflict is true when consensus found contradictory values within
	// the tie window.
	Conflict bool
	// NewestRef is the most recent evidence timestamp; zero means none.
	NewestRef time.Time
}

const (
	tierDeficitMult = 1.25
	refsDeficitMult = 1.2
	conflictMult    = 1.3
	identityCapMult = 0.25
	// floorConfMult keeps selected-but-gated fields from flatlining.
	floorConfMult = 0.05
)

// Engine computes per-round need scores against a category contract.
type Engine struct {
	contract *contract.Contract
	gate     float64
}

// New creates an Engine. gate is the confidence threshold below which a
// selected value still counts as missing.
func New(c *contract.Contract, gate float64) *Engine {
	if gate <= 0 {
		gate = 0.7
	}
	return &Engine{contract: c, gate: gate}
}

// Compute builds the ranked NeedSet for one round. evidence maps field
// keys to their current standing; absent keys mean no evidence at all.
// identityLocked caps non-identity fields until identity is settled.
func (e *Engine) Compute(now time.Time, evidence map[string]FieldEvidence, identityLocked bool) []model.NeedRow {
	rows := make([]model.NeedRow, 0, len(e.contract.Fields))
	for i := range e.contract.Fields {
		rule := &e.contract.Fields[i]
		rows = append(rows, e.scoreField(rule, now, evidence[rule.Key], identityLocked))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].NeedScore != rows[j].NeedScore {
			return rows[i].NeedScore > rows[j].NeedScore
		}
		return rows[i].FieldKey < rows[j].FieldKey
	})
	return rows
}

func (e *Engine) scoreField(rule *contract.FieldRule, now time.Time, ev FieldEvidence, identityLocked bool) model.NeedRow {
	row := model.NeedRow{
		FieldKey:      rule.Key,
		RequiredLevel: string(rule.RequiredLevel),
	}

	satisfied := ev.Selected && ev.Confidence >= e.gate && !ev.Conflict
	if satisfied && !e.hasDeficit(rule, ev) {
		return row // need 0; field is done
	}

	need := rule.RequiredLevel.Weight()

	if !ev.Selected || ev.Confidence < e.gate {
		row.Missing = true
		row.ReasonCodes = append(row.ReasonCodes, "missing")
	}
	confMult := 1 - ev.Confidence
	if confMult < floorConfMult {
		confMult = floorConfMult
	}
	if ev.Selected && ev.Confidence < e.gate {
		row.ReasonCodes = append(row.ReasonCodes, "low_confidence")
	}
	need *= confMult

	if rule.PreferredTier > 0 && (ev.BestTier == 0 || ev.BestTier > rule.PreferredTier) {
		row.TierDeficit = true
		row.ReasonCodes = append(row.ReasonCodes, "tier_deficit")
		need *= tierDeficitMult
	}
	if rule.MinRefs > 0 && ev.DistinctRefs < rule.MinRefs {
		row.ReasonCodes = append(row.ReasonCodes, "refs_deficit")
		need *= refsDeficitMult
	}
	if ev.Conflict {
		row.Conflict = true
		row.ReasonCodes = append(row.ReasonCodes, "conflict")
		need *= conflictMult
	}
	if m := stalenessMult(rule, now, ev.NewestRef); m > 1 {
		row.ReasonCodes = append(row.ReasonCodes, "stale")
		need *= m
	}

	if !identityLocked && !rule.IsIdentity() {
		row.ReasonCodes = append(row.ReasonCodes, "identity_pending")
		need *= identityCapMult
	}

	row.NeedScore = math.Round(need*1000) / 1000
	return row
}

// hasDeficit reports whether a satisfied field still wants better
// sourcing: a tier or distinct-refs shortfall keeps it in play.
func (e *Engine) hasDeficit(rule *contract.FieldRule, ev FieldEvidence) bool {
	if rule.PreferredTier > 0 && (ev.BestTier == 0 || ev.BestTier > rule.PreferredTier) {
		return true
	}
	if rule.MinRefs > 0 && ev.DistinctRefs < rule.MinRefs {
		return true
	}
	return false
}

// stalenessMult grows from 1 toward 2 as evidence ages past the field's
// freshness half-life. Fields without a half-life or evidence stay at 1.
func stalenessMult(rule *contract.FieldRule, now time.Time, newest time.Time) float64 {
	if rule.FreshnessDays <= 0 || newest.IsZero() {
		return 1
	}
	ageDays := now.Sub(newest).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return 2 - math.Pow(0.5, ageDays/float64(rule.FreshnessDays))
}

// Targets returns the keys of the top-n rows with positive need.
func Targets(rows []model.NeedRow, n int) []string {
	keys := make([]string, 0, n)
	for _, r := range rows {
		if r.NeedScore <= 0 {
			break
		}
		keys = append(keys, r.FieldKey)
		if len(keys) == n {
			break
		}
	}
	return keys
}
