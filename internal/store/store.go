// Package store defines the persistence interface for the harvesting
// pipeline and provides SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/spec-harvester/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Category  string          `json:"category,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing automation jobs.
type JobFilter struct {
	Status    model.JobStatus `json:"status,omitempty"`
	Type      model.JobType   `json:"type,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// SnippetStatus reports what Put did with a snippet.
type SnippetStatus string

const (
	SnippetNew     SnippetStatus = "new"
	SnippetReused  SnippetStatus = "reused"
	SnippetUpdated SnippetStatus = "updated"
)

// SearchScope restricts evidence search.
type SearchScope string

const (
	ScopeRun      SearchScope = "run"
	ScopeProduct  SearchScope = "product"
	ScopeCategory SearchScope = "category"
)

// SnippetQuery is a full-text query over indexed evidence.
type SnippetQuery struct {
	Text    string
	Scope   SearchScope
	ScopeID string // run id, product id or category per Scope
	Limit   int
}

// SnippetHit is one evidence search result.
type SnippetHit struct {
	SnippetID   string  `json:"snippet_id"`
	AssertionID string  `json:"assertion_id"`
	FieldKey    string  `json:"field_key"`
	SourceID    string  `json:"source_id"`
	URL         string  `json:"url"`
	Tier        int     `json:"tier"`
	Quote       string  `json:"quote"`
	Preview     string  `json:"preview"`
	Rank        float64 `json:"rank"`
}

// DocumentSummary describes one source's indexed footprint.
type DocumentSummary struct {
	SourceID      string `json:"source_id"`
	URL           string `json:"url"`
	Host          string `json:"host"`
	Tier          int    `json:"tier"`
	ArtifactCount int    `json:"artifact_count"`
	UniqueHashes  int    `json:"unique_hashes"`
}

// Store is the persistence interface shared by the SQLite and Postgres
// backends. Writers serialize through the backend; readers may be
// concurrent.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, product model.ProductIdentity) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetActiveRun(ctx context.Context, productID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Sources and artifacts
	UpsertSource(ctx context.Context, src *model.Source) error
	UpdateSourceFetch(ctx context.Context, sourceID string, status model.CrawlStatus, httpStatus int, method model.FetchMethod, at time.Time) error
	ListSources(ctx context.Context, runID string) ([]model.Source, error)
	InsertArtifact(ctx context.Context, a *model.Artifact) error
	ListArtifacts(ctx context.Context, sourceID string) ([]model.Artifact, error)

	// Evidence index
	UpsertSnippet(ctx context.Context, snippetID, text string) (SnippetStatus, error)
	GetSnippet(ctx context.Context, snippetID string) (string, error)
	SearchSnippets(ctx context.Context, q SnippetQuery) ([]SnippetHit, error)
	ListDocuments(ctx context.Context, runID string) ([]DocumentSummary, error)
	InsertAssertion(ctx context.Context, a *model.Assertion) error
	MarkAssertionBroken(ctx context.Context, assertionID string) error
	ListAssertions(ctx context.Context, runID, fieldKey string) ([]model.Assertion, error)
	InsertEvidenceRef(ctx context.Context, ref *model.EvidenceRef) error
	ListEvidence(ctx context.Context, runID, fieldKey string) ([]model.EvidenceRef, error)

	// Candidates and field state
	UpsertCandidate(ctx context.Context, c *model.Candidate) error
	ListCandidates(ctx context.Context, runID, fieldKey string) ([]model.Candidate, error)
	GetCandidate(ctx context.Context, candidateID string) (*model.Candidate, error)
	UpsertFieldState(ctx context.Context, fs *model.FieldState) error
	ListFieldStates(ctx context.Context, productID string) ([]model.FieldState, error)

	// Review lanes
	GetKeyReview(ctx context.Context, lane model.Lane, targetID string) (*model.KeyReview, error)
	PutKeyReview(ctx context.Context, kr *model.KeyReview) error
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error
	UpsertListValue(ctx context.Context, lv *model.ListValue) (*model.ListValue, error)
	GetListValue(ctx context.Context, id string) (*model.ListValue, error)
	GetListValueByNorm(ctx context.Context, fieldKey, valueNorm string) (*model.ListValue, error)
	RenameListValue(ctx context.Context, id, display, valueNorm string) error
	LinkItem(ctx context.Context, link *model.ItemLink) error
	UnlinkItem(ctx context.Context, productID, fieldKey string) error
	ListItemLinks(ctx context.Context, listValueID string) ([]model.ItemLink, error)
	GetItemLink(ctx context.Context, productID, fieldKey string) (*model.ItemLink, error)

	// Canonical components
	UpsertComponent(ctx context.Context, c *model.ComponentIdentity) (*model.ComponentIdentity, error)
	GetComponent(ctx context.Context, id string) (*model.ComponentIdentity, error)
	GetComponentByNorm(ctx context.Context, kind, nameNorm string) (*model.ComponentIdentity, error)
	RenameComponent(ctx context.Context, id, name, nameNorm string) error
	LinkComponent(ctx context.Context, link *model.ComponentLink) error
	UnlinkComponent(ctx context.Context, productID, fieldKey string) error
	ListComponentLinks(ctx context.Context, componentID string) ([]model.ComponentLink, error)
	GetComponentLink(ctx context.Context, productID, fieldKey string) (*model.ComponentLink, error)

	// URL health
	GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error)
	PutURLHealth(ctx context.Context, h *model.URLHealth) error
	AddDeadPattern(ctx context.Context, p *model.DeadPattern) error
	ListDeadPatterns(ctx context.Context, host string) ([]model.DeadPattern, error)

	// Automation queue
	EnqueueJob(ctx context.Context, job *model.Job) (bool, error)
	DequeueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, nextRunAt *time.Time) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// LLM traces
	InsertTrace(ctx context.Context, tr *model.LLMTrace) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
