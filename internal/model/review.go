package model

import "time"

// Lane separates the two independent review tracks per target.
type Lane string

const (
	// LanePrimary is the item-specific (grid) lane.
	LanePrimary Lane = "primary"
	// LaneShared is the canonical (component/enum) lane.
	LaneShared Lane = "shared"
)

// TargetKind names what a review key points at.
type TargetKind string

const (
	TargetGrid      TargetKind = "grid_key"      // (item, field)
	TargetComponent TargetKind = "component_key" // (component identity, property)
	TargetEnum      TargetKind = "enum_key"      // (field, enum value norm)
)

// AIStatus tracks the AI confirmation half of a review key. Confirm clears
// pending; it never mutates the selected value.
type AIStatus string

const (
	AIPending   AIStatus = "ai_pending"
	AIConfirmed AIStatus = "ai_confirmed"
)

// Decision tracks the user-accept half of a review key. Accept and confirm
// are orthogonal actions.
type Decision string

const (
	DecisionNone       Decision = "none"
	DecisionAccepted   Decision = "accepted"
	DecisionOverridden Decision = "overridden"
)

// KeyReview is the review state for one (lane, target) pair.
type KeyReview struct {
	ID         string     `json:"id"`
	Lane       Lane       `json:"lane"`
	TargetKind TargetKind `json:"target_kind"`
	TargetID   string     `json:"target_id"`
	AIStatus   AIStatus   `json:"ai_status"`
	Decision   Decision   `json:"decision"`
	// SelectedCandidateID is set by accept and cleared by override. Every
	// accepted value resolves to at most one candidate.
	SelectedCandidateID string    `json:"selected_candidate_id,omitempty"`
	SelectedValue       string    `json:"selected_value,omitempty"`
	Confidence          float64   `json:"confidence"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AuditEvent records one review mutation. The audit log is append-only and
// references entities by id only.
type AuditEvent struct {
	ID          string     `json:"id"`
	Lane        Lane       `json:"lane"`
	TargetKind  TargetKind `json:"target_kind"`
	TargetID    string     `json:"target_id"`
	Action      string     `json:"action"` // accept, confirm, override, rename, relink
	CandidateID string     `json:"candidate_id,omitempty"`
	Value       string     `json:"value,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	At          time.Time  `json:"at"`
}

// ListValue is a canonical shared enum row. Canonical rows are never
// mutated by item-lane acceptance; only shared-lane operations touch them.
type ListValue struct {
	ID        string    `json:"id"`
	FieldKey  string    `json:"field_key"`
	ValueNorm string    `json:"value_norm"`
	Display   string    `json:"display"`
	CreatedAt time.Time `json:"created_at"`
}

// ComponentIdentity is a canonical shared component row (e.g. a sensor
// model shared across many mice). Kind is the contract field key the
// component belongs to.
type ComponentIdentity struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	NameNorm  string    `json:"name_norm"`
	CreatedAt time.Time `json:"created_at"`
}

// ComponentNameProperty is the component property under which the
// identity's display name is reviewed on the shared lane.
const ComponentNameProperty = "name"

// ItemLink attaches an item field to a canonical enum row. An item
// override detaches the link without touching shared state.
type ItemLink struct {
	ProductID   string    `json:"product_id"`
	FieldKey    string    `json:"field_key"`
	ListValueID string    `json:"list_value_id"`
	LinkedAt    time.Time `json:"linked_at"`
}

// ComponentLink attaches an item field to a canonical component row.
type ComponentLink struct {
	ProductID   string    `json:"product_id"`
	FieldKey    string    `json:"field_key"`
	ComponentID string    `json:"component_id"`
	LinkedAt    time.Time `json:"linked_at"`
}

// GridKeyID composes the item-lane target id.
func GridKeyID(productID, fieldKey string) string {
	return productID + "/" + fieldKey
}

// EnumKeyID composes the shared-lane enum target id.
func EnumKeyID(fieldKey, valueNorm string) string {
	return fieldKey + "/" + valueNorm
}

// ComponentKeyID composes the shared-lane component target id.
func ComponentKeyID(componentID, property string) string {
	return componentID + "/" + property
}
