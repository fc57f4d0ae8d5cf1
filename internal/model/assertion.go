package model

import "time"

// ContextKind distinguishes the shape of an asserted value.
type ContextKind string

const (
	ContextScalar    ContextKind = "scalar"
	ContextComponent ContextKind = "component"
	ContextList      ContextKind = "list"
)

// Assertion is one field/value pair extracted from a single source.
// Each assertion lives under exactly one source.
type Assertion struct {
	ID          string      `json:"id"`
	SourceID    string      `json:"source_id"`
	RunID       string      `json:"run_id"`
	FieldKey    string      `json:"field_key"`
	ContextKind ContextKind `json:"context_kind"`
	ContextRef  string      `json:"context_ref,omitempty"`
	ValueRaw    string      `json:"value_raw"`
	ValueNorm   string      `json:"value_normalized"`
	Unit        string      `json:"unit,omitempty"`
	CandidateID string      `json:"candidate_id,omitempty"`
	Method      string      `json:"method"` // parser or llm role that produced it
	// EvidenceBroken marks assertions whose snippet failed hash
	// verification; the assertion is retained but excluded from packets.
	EvidenceBroken bool `json:"evidence_broken,omitempty"`
}

// EvidenceRef links an assertion to indexed snippet text. Identical text
// across sources shares a snippet id but keeps distinct refs. Append-only.
type EvidenceRef struct {
	SourceID    string    `json:"source_id"`
	AssertionID string    `json:"assertion_id"`
	SnippetID   string    `json:"snippet_id"`
	Quote       string    `json:"quote"`
	URL         string    `json:"url"`
	Tier        int       `json:"tier"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Candidate is a ranked, merged proposal for a field value across one or
// more assertions.
type Candidate struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	FieldKey      string    `json:"field_key"`
	Value         string    `json:"value"`
	ValueNorm     string    `json:"value_norm"`
	Unit          string    `json:"unit,omitempty"`
	Score         float64   `json:"score"` // 0..1
	Tier          int       `json:"tier"`
	AssertionIDs  []string  `json:"assertion_ids"`
	SourceIDs     []string  `json:"source_ids"`
	ExtractModel  string    `json:"extract_model,omitempty"`
	ValidateModel string    `json:"validate_model,omitempty"`
	RetrievedAt   time.Time `json:"retrieved_at"`
}

// FieldState holds the per-product selected value for one field.
type FieldState struct {
	ProductID           string    `json:"product_id"`
	FieldKey            string    `json:"field_key"`
	SelectedValue       string    `json:"selected_value,omitempty"`
	SelectedCandidateID string    `json:"selected_candidate_id,omitempty"`
	Confidence          float64   `json:"confidence"`
	Flags               []string  `json:"flags,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasFlag reports whether the field state carries the given flag.
func (fs *FieldState) HasFlag(flag string) bool {
	for _, f := range fs.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
