// Package queue consumes the durable automation job table: jobs are
// claimed in priority order at round boundaries, dispatched to typed
// handlers, and retried on a doubling cooldown until the attempt cap.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/resilience"
)

// JobStore is the slice of the store the worker drives.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *model.Job) (bool, error)
	DequeueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, nextRunAt *time.Time) error
}

// Handler executes one job type. A nil error marks the job done; an
// error puts the job on cooldown until the attempt cap, then fails it.
type Handler func(ctx context.Context, job *model.Job) error

// Config tunes the worker.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	CooldownBase time.Duration `yaml:"cooldown_base" mapstructure:"cooldown_base"`
	CooldownCap  time.Duration `yaml:"cooldown_cap" mapstructure:"cooldown_cap"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		CooldownBase: 2 * time.Minute,
		CooldownCap:  2 * time.Hour,
		BatchSize:    10,
	}
}

// Stats summarizes one drain pass.
type Stats struct {
	Claimed int
	Done    int
	Cooled  int
	Failed  int
	Skipped int // no handler registered
}

// Worker drains due jobs through registered handlers.
type Worker struct {
	store    JobStore
	cfg      Config
	handlers map[model.JobType]Handler
	now      func() time.Time
}

// NewWorker creates a Worker. Zero config fields take defaults.
func NewWorker(store JobStore, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = def.CooldownBase
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = def.CooldownCap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Worker{
		store:    store,
		cfg:      cfg,
		handlers: make(map[model.JobType]Handler),
		now:      time.Now,
	}
}

// Handle registers the handler for a job type.
func (w *Worker) Handle(t model.JobType, h Handler) {
	w.handlers[t] = h
}

// Drain claims one batch of due jobs and runs them to a terminal or
// cooldown status. Called at round boundaries; a context cancellation
// stops between jobs, leaving unstarted claims to retry.
func (w *Worker) Drain(ctx context.Context) (Stats, error) {
	var stats Stats
	now := w.now().UTC()
	jobs, err := w.store.DequeueJobs(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return stats, eris.Wrap(err, "queue: dequeue")
	}
	stats.Claimed = len(jobs)

	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			// Put unstarted claims back on a short cooldown.
			next := now.Add(w.cfg.CooldownBase)
			if err := w.store.UpdateJobStatus(ctx, job.ID, model.JobCooldown, &next); err != nil {
				zap.L().Warn("queue: requeue on cancel", zap.String("job", job.ID), zap.Error(err))
			}
			return stats, ctx.Err()
		}
		w.runOne(ctx, job, &stats)
	}
	return stats, nil
}

func (w *Worker) runOne(ctx context.Context, job *model.Job, stats *Stats) {
	log := zap.L().With(
		zap.String("job", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts))

	h, ok := w.handlers[job.Type]
	if !ok {
		stats.Skipped++
		log.Warn("queue: no handler for job type")
		if err := w.store.UpdateJobStatus(ctx, job.ID, model.JobFailed, nil); err != nil {
			log.Warn("queue: mark skipped job failed", zap.Error(err))
		}
		return
	}

	err := h(ctx, job)
	switch {
	case err == nil:
		stats.Done++
		if uerr := w.store.UpdateJobStatus(ctx, job.ID, model.JobDone, nil); uerr != nil {
			log.Warn("queue: mark done", zap.Error(uerr))
		}
	case job.Attempts >= w.cfg.MaxAttempts:
		stats.Failed++
		log.Warn("queue: job failed permanently", zap.Error(err))
		if uerr := w.store.UpdateJobStatus(ctx, job.ID, model.JobFailed, nil); uerr != nil {
			log.Warn("queue: mark failed", zap.Error(uerr))
		}
	default:
		stats.Cooled++
		delay := resilience.CooldownAfter(w.cfg.CooldownBase, w.cfg.CooldownCap, job.Attempts-1)
		next := w.now().UTC().Add(delay)
		log.Info("queue: job cooling down",
			zap.Duration("delay", delay),
			zap.Error(err))
		if uerr := w.store.UpdateJobStatus(ctx, job.ID, model.JobCooldown, &next); uerr != nil {
			log.Warn("queue: mark cooldown", zap.Error(uerr))
		}
	}
}

// --- job builders ---

// RepairSearch proposes a replacement query after a dead or moved URL.
func RepairSearch(productID, domain, query string, fields []string, reason string) *model.Job {
	return buildJob(model.JobRepairSearch, productID, domain, query, "", fields, reason)
}

// DeficitRediscovery hunts new sources for fields stuck below their
// tier or reference requirements.
func DeficitRediscovery(productID, query string, fields []string, reason string) *model.Job {
	return buildJob(model.JobDeficitRediscovery, productID, "", query, "", fields, reason)
}

// StalenessRefresh re-fetches evidence for fields past their freshness
// half-life.
func StalenessRefresh(productID, domain string, fields []string) *model.Job {
	return buildJob(model.JobStalenessRefresh, productID, domain, "", "", fields, "stale")
}

// DomainBackoff schedules a deferred retry of a rate-limited domain.
func DomainBackoff(productID, domain, reason string) *model.Job {
	return buildJob(model.JobDomainBackoff, productID, domain, "", "", nil, reason)
}

func buildJob(t model.JobType, productID, domain, query, docHint string, fields []string, reason string) *model.Job {
	j := &model.Job{
		ProductID:    productID,
		Type:         t,
		Priority:     t.DefaultPriority(),
		Status:       model.JobQueued,
		Domain:       domain,
		Query:        query,
		DocHint:      docHint,
		FieldTargets: fields,
	}
	if reason != "" {
		j.ReasonTags = []string{reason}
	}
	j.DedupeKey = j.ComputeDedupeKey()
	return j
}
