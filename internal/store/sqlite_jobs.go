package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// --- url health ---

func (s *SQLiteStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, host, status, fail_kind, consecutive_fails, repeats, cooldown_until, updated_at
		 FROM url_health WHERE url = ?`, url)

	var h model.URLHealth
	var cooldown sql.NullInt64
	err := row.Scan(&h.URL, &h.Host, &h.Status, &h.FailKind, &h.ConsecutiveFails,
		&h.Repeats, &cooldown, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get url health %s", url)
	}
	if cooldown.Valid {
		v := cooldown.Int64
		h.CooldownUntil = &v
	}
	return &h, nil
}

func (s *SQLiteStore) PutURLHealth(ctx context.Context, h *model.URLHealth) error {
	var cooldown any
	if h.CooldownUntil != nil {
		cooldown = *h.CooldownUntil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO url_health (url, host, status, fail_kind, consecutive_fails, repeats, cooldown_until, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   status = excluded.status, fail_kind = excluded.fail_kind,
		   consecutive_fails = excluded.consecutive_fails, repeats = excluded.repeats,
		   cooldown_until = excluded.cooldown_until, updated_at = excluded.updated_at`,
		h.URL, h.Host, string(h.Status), h.FailKind, h.ConsecutiveFails, h.Repeats, cooldown, h.UpdatedAt)
	return eris.Wrapf(err, "sqlite: put url health %s", h.URL)
}

func (s *SQLiteStore) AddDeadPattern(ctx context.Context, p *model.DeadPattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_patterns (id, host, pattern, fail_kind, promoted_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host, pattern) DO UPDATE SET hit_count = dead_patterns.hit_count + 1`,
		p.ID, p.Host, p.Pattern, p.FailKind, p.Promoted, p.HitCount)
	return eris.Wrapf(err, "sqlite: add dead pattern %s %s", p.Host, p.Pattern)
}

func (s *SQLiteStore) ListDeadPatterns(ctx context.Context, host string) ([]model.DeadPattern, error) {
	query := `SELECT id, host, pattern, fail_kind, promoted_at, hit_count FROM dead_patterns`
	var args []any
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY host, pattern`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead patterns")
	}
	defer rows.Close()

	var out []model.DeadPattern
	for rows.Next() {
		var p model.DeadPattern
		if err := rows.Scan(&p.ID, &p.Host, &p.Pattern, &p.FailKind, &p.Promoted, &p.HitCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead patterns iterate")
}

// --- automation queue ---

// EnqueueJob inserts a job unless an equivalent live job already exists.
// Returns false when the dedupe key collided with a queued, running or
// cooling-down job.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.DedupeKey == "" {
		job.DedupeKey = job.ComputeDedupeKey()
	}
	if job.Priority == 0 {
		job.Priority = job.Type.DefaultPriority()
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	var nextRunAt any
	if job.NextRunAt != nil {
		nextRunAt = *job.NextRunAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, product_id, type, priority, status, dedupe_key, domain, query,
		                   doc_hint, field_targets, reason_tags, attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProductID, string(job.Type), job.Priority, string(job.Status),
		job.DedupeKey, job.Domain, job.Query, job.DocHint,
		marshalStrings(job.FieldTargets), marshalStrings(job.ReasonTags),
		job.Attempts, nextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return false, nil
		}
		return false, eris.Wrapf(err, "sqlite: enqueue job %s", job.Type)
	}
	return true, nil
}

const jobColumns = `id, product_id, type, priority, status, dedupe_key, domain, query,
	doc_hint, field_targets, reason_tags, attempts, next_run_at, created_at, updated_at`

// DequeueJobs claims up to limit due jobs in priority order, marking each
// running before returning it.
func (s *SQLiteStore) DequeueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'queued' AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY priority, created_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue jobs iterate")
	}

	for i := range jobs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, jobs[i].ID); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim job %s", jobs[i].ID)
		}
		jobs[i].Status = model.JobRunning
		jobs[i].Attempts++
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, nextRunAt *time.Time) error {
	var next any
	if nextRunAt != nil {
		next = *nextRunAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		string(status), next, time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY priority, created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var targets, reasons string
	var nextRunAt sql.NullTime
	err := row.Scan(&j.ID, &j.ProductID, &j.Type, &j.Priority, &j.Status, &j.DedupeKey,
		&j.Domain, &j.Query, &j.DocHint, &targets, &reasons, &j.Attempts,
		&nextRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.FieldTargets = unmarshalStrings(targets)
	j.ReasonTags = unmarshalStrings(reasons)
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	return &j, nil
}

// --- traces ---

func (s *SQLiteStore) InsertTrace(ctx context.Context, tr *model.LLMTrace) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_traces (id, run_id, role, model, status, prompt_preview, response_preview,
		                         input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RunID, tr.Role, tr.Model, tr.Status,
		truncate(tr.PromptPreview, 2000), truncate(tr.ResponsePreview, 2000),
		tr.InputTokens, tr.OutputTokens, tr.DurationMS)
	return eris.Wrapf(err, "sqlite: insert trace %s", tr.Role)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
