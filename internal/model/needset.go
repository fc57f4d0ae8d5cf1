package model

// NeedRow is one per-field row of a round's NeedSet. Ephemeral; recomputed
// each round and never persisted beyond analysis output.
type NeedRow struct {
	FieldKey      string   `json:"field_key"`
	RequiredLevel string   `json:"required_level"`
	NeedScore     float64  `json:"need_score"`
	ReasonCodes   []string `json:"reason_codes,omitempty"`
	Missing       bool     `json:"missing,omitempty"`
	TierDeficit   bool     `json:"tier_deficit,omitempty"`
	Conflict      bool     `json:"conflict,omitempty"`
}

// LLMTrace records one model call for a run. Previews are truncated before
// persistence; full prompts are never stored.
type LLMTrace struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	Role            string `json:"role"`
	Model           string `json:"model"`
	Status          string `json:"status"` // ok, schema_retry, failed
	PromptPreview   string `json:"prompt_preview"`
	ResponsePreview string `json:"response_preview"`
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	DurationMS      int64  `json:"duration_ms"`
}

// URLHealth is the persisted state machine row for one URL.
type URLHealthStatus string

const (
	URLQueued     URLHealthStatus = "queued"
	URLInFlight   URLHealthStatus = "in_flight"
	URLOK         URLHealthStatus = "ok"
	URLBlocked    URLHealthStatus = "blocked"
	URLNotFound   URLHealthStatus = "not_found"
	URLBadContent URLHealthStatus = "bad_content"
	URLCooldown   URLHealthStatus = "cooldown"
	URLDeadPath   URLHealthStatus = "dead_path"
)

// URLHealth tracks fetch health per canonical URL.
type URLHealth struct {
	URL              string          `json:"url"`
	Host             string          `json:"host"`
	Status           URLHealthStatus `json:"status"`
	FailKind         string          `json:"fail_kind,omitempty"`
	ConsecutiveFails int             `json:"consecutive_fails"`
	Repeats          int             `json:"repeats"`
	CooldownUntil    *int64          `json:"cooldown_until,omitempty"` // unix seconds
	UpdatedAt        int64           `json:"updated_at"`
}

// DeadPattern is a host-scoped URL path rule that short-circuits fetches.
type DeadPattern struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Pattern  string `json:"pattern"` // glob over the path, e.g. /support/drivers/legacy/*
	FailKind string `json:"fail_kind"`
	Promoted int64  `json:"promoted_at"`
	HitCount int    `json:"hit_count"`
}
