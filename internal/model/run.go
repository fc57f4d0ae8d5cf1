package model

import "time"

// RunStatus tracks the lifecycle of a harvest run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusDiscovering RunStatus = "discovering"
	RunStatusFetching    RunStatus = "fetching"
	RunStatusExtracting  RunStatus = "extracting"
	RunStatusReviewing   RunStatus = "reviewing"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusNoSources   RunStatus = "no_sources"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusInterrupted, RunStatusNoSources:
		return true
	}
	return false
}

// RunCounters accumulates per-run activity totals across rounds.
type RunCounters struct {
	Rounds          int `json:"rounds"`
	QueriesIssued   int `json:"queries_issued"`
	URLsAdmitted    int `json:"urls_admitted"`
	URLsSkipped     int `json:"urls_skipped"`
	FetchOK         int `json:"fetch_ok"`
	FetchBlocked    int `json:"fetch_blocked"`
	FetchFailed     int `json:"fetch_failed"`
	FetchRecovered  int `json:"fetch_recovered"`
	HeadlessFetches int `json:"headless_fetches"`
	Assertions      int `json:"assertions"`
	SnippetsNew     int `json:"snippets_new"`
	SnippetsReused  int `json:"snippets_reused"`
	LLMCalls        int `json:"llm_calls"`
	LLMFailures     int `json:"llm_failures"`
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
}

// Add merges another counter set into this one.
func (c *RunCounters) Add(o RunCounters) {
	c.Rounds += o.Rounds
	c.QueriesIssued += o.QueriesIssued
	c.URLsAdmitted += o.URLsAdmitted
	c.URLsSkipped += o.URLsSkipped
	c.FetchOK += o.FetchOK
	c.FetchBlocked += o.FetchBlocked
	c.FetchFailed += o.FetchFailed
	c.FetchRecovered += o.FetchRecovered
	c.HeadlessFetches += o.HeadlessFetches
	c.Assertions += o.Assertions
	c.SnippetsNew += o.SnippetsNew
	c.SnippetsReused += o.SnippetsReused
	c.LLMCalls += o.LLMCalls
	c.LLMFailures += o.LLMFailures
	c.InputTokens += o.InputTokens
	c.OutputTokens += o.OutputTokens
}

// Run is a single harvest execution for one product. Exactly one active
// run exists per product at a time.
type Run struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Product     ProductIdentity `json:"product"`
	Status      RunStatus       `json:"status"`
	PhaseCursor string          `json:"phase_cursor,omitempty"`
	Counters    RunCounters     `json:"counters"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Summary     *RunSummary     `json:"summary,omitempty"`
}

// StopReason names why the convergence loop finished.
type StopReason string

const (
	StopConverged        StopReason = "converged"
	StopMaxRounds        StopReason = "max_rounds"
	StopNoProgress       StopReason = "no_progress"
	StopLowQuality       StopReason = "low_quality"
	StopIdentityConflict StopReason = "identity_conflict"
	StopBudgetExhausted  StopReason = "budget_exhausted"
	StopCancelled        StopReason = "cancelled"
	StopNoSources        StopReason = "no_sources"
)

// RunSummary is the user-visible result persisted with a finished run and
// mirrored into summary.json.
type RunSummary struct {
	Status         RunStatus   `json:"status"`
	StopReason     StopReason  `json:"stop_reason"`
	FieldsSelected int         `json:"fields_selected"`
	FieldsTotal    int         `json:"fields_total"`
	FieldsGated    int         `json:"fields_gated"`
	TierDowngraded bool        `json:"tier_downgraded,omitempty"`
	Warnings       []string    `json:"warnings,omitempty"`
	Counters       RunCounters `json:"counters"`
	DurationMS     int64       `json:"duration_ms"`
}
