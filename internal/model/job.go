package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// JobType enumerates automation queue job kinds.
type JobType string

const (
	JobRepairSearch       JobType = "repair_search"
	JobDeficitRediscovery JobType = "deficit_rediscovery"
	JobStalenessRefresh   JobType = "staleness_refresh"
	JobDomainBackoff      JobType = "domain_backoff"
)

// DefaultPriority returns the default priority for a job type. Priorities
// run 1..100, lower first.
func (t JobType) DefaultPriority() int {
	switch t {
	case JobRepairSearch:
		return 20
	case JobDeficitRediscovery:
		return 35
	case JobStalenessRefresh:
		return 55
	case JobDomainBackoff:
		return 65
	default:
		return 80
	}
}

// JobStatus tracks automation job lifecycle.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCooldown JobStatus = "cooldown"
)

// Job is a durable automation queue entry.
type Job struct {
	ID           string     `json:"id"`
	ProductID    string     `json:"product_id"`
	Type         JobType    `json:"type"`
	Priority     int        `json:"priority"` // 1..100, lower = sooner
	Status       JobStatus  `json:"status"`
	DedupeKey    string     `json:"dedupe_key"`
	Domain       string     `json:"domain,omitempty"`
	Query        string     `json:"query,omitempty"`
	DocHint      string     `json:"doc_hint,omitempty"`
	FieldTargets []string   `json:"field_targets,omitempty"`
	ReasonTags   []string   `json:"reason_tags,omitempty"`
	Attempts     int        `json:"attempts"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ComputeDedupeKey derives the queue dedupe key from the identifying job
// facets: type, domain, normalized query, sorted field targets and reason.
func (j *Job) ComputeDedupeKey() string {
	targets := append([]string(nil), j.FieldTargets...)
	sort.Strings(targets)
	reasons := append([]string(nil), j.ReasonTags...)
	sort.Strings(reasons)
	parts := []string{
		string(j.Type),
		strings.ToLower(j.Domain),
		strings.Join(strings.Fields(strings.ToLower(j.Query)), " "),
		strings.Join(targets, ","),
		strings.Join(reasons, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])[:20]
}
