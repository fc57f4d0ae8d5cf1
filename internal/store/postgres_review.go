package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// --- key reviews ---

func (s *PostgresStore) GetKeyReview(ctx context.Context, lane model.Lane, targetID string) (*model.KeyReview, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, lane, target_kind, target_id, ai_status, decision,
		        selected_candidate_id, selected_value, confidence, updated_at
		 FROM key_reviews WHERE lane = $1 AND target_id = $2`, string(lane), targetID)

	var kr model.KeyReview
	err := row.Scan(&kr.ID, &kr.Lane, &kr.TargetKind, &kr.TargetID, &kr.AIStatus,
		&kr.Decision, &kr.SelectedCandidateID, &kr.SelectedValue, &kr.Confidence, &kr.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get key review %s/%s", lane, targetID)
	}
	return &kr, nil
}

func (s *PostgresStore) PutKeyReview(ctx context.Context, kr *model.KeyReview) error {
	if kr.ID == "" {
		kr.ID = uuid.New().String()
	}
	if kr.UpdatedAt.IsZero() {
		kr.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_reviews (id, lane, target_kind, target_id, ai_status, decision,
		                          selected_candidate_id, selected_value, confidence, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (lane, target_id) DO UPDATE SET
		   ai_status = EXCLUDED.ai_status, decision = EXCLUDED.decision,
		   selected_candidate_id = EXCLUDED.selected_candidate_id,
		   selected_value = EXCLUDED.selected_value,
		   confidence = EXCLUDED.confidence, updated_at = EXCLUDED.updated_at`,
		kr.ID, string(kr.Lane), string(kr.TargetKind), kr.TargetID, string(kr.AIStatus),
		string(kr.Decision), kr.SelectedCandidateID, kr.SelectedValue, kr.Confidence, kr.UpdatedAt)
	return eris.Wrapf(err, "postgres: put key review %s/%s", kr.Lane, kr.TargetID)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, lane, target_kind, target_id, action, candidate_id, value, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, string(ev.Lane), string(ev.TargetKind), ev.TargetID, ev.Action,
		ev.CandidateID, ev.Value, ev.Detail, ev.At)
	return eris.Wrapf(err, "postgres: append audit %s", ev.Action)
}

// --- shared list values ---

func (s *PostgresStore) UpsertListValue(ctx context.Context, lv *model.ListValue) (*model.ListValue, error) {
	if lv.ID == "" {
		lv.ID = uuid.New().String()
	}
	if lv.CreatedAt.IsZero() {
		lv.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO list_values (id, field_key, value_norm, display, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (field_key, value_norm) DO NOTHING`,
		lv.ID, lv.FieldKey, lv.ValueNorm, lv.Display, lv.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert list value %s/%s", lv.FieldKey, lv.ValueNorm)
	}
	return s.GetListValueByNorm(ctx, lv.FieldKey, lv.ValueNorm)
}

func (s *PostgresStore) GetListValue(ctx context.Context, id string) (*model.ListValue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, field_key, value_norm, display, created_at FROM list_values WHERE id = $1`, id)
	return scanPGListValue(row, id)
}

func (s *PostgresStore) GetListValueByNorm(ctx context.Context, fieldKey, valueNorm string) (*model.ListValue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, field_key, value_norm, display, created_at
		 FROM list_values WHERE field_key = $1 AND value_norm = $2`, fieldKey, valueNorm)
	lv, err := scanPGListValue(row, fieldKey+"/"+valueNorm)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return lv, err
}

func scanPGListValue(row pgx.Row, ref string) (*model.ListValue, error) {
	var lv model.ListValue
	err := row.Scan(&lv.ID, &lv.FieldKey, &lv.ValueNorm, &lv.Display, &lv.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(errNotFound, "list value %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan list value %s", ref)
	}
	return &lv, nil
}

func (s *PostgresStore) RenameListValue(ctx context.Context, id, display, valueNorm string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE list_values SET display = $1, value_norm = $2 WHERE id = $3`, display, valueNorm, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: rename list value %s", id)
	}
	return checkTag(tag, "list value", id)
}

// --- item links ---

func (s *PostgresStore) LinkItem(ctx context.Context, link *model.ItemLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_list_links (product_id, field_key, list_value_id, linked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (product_id, field_key) DO UPDATE SET
		   list_value_id = EXCLUDED.list_value_id,
		   linked_at = EXCLUDED.linked_at`,
		link.ProductID, link.FieldKey, link.ListValueID, link.LinkedAt)
	return eris.Wrapf(err, "postgres: link item %s/%s", link.ProductID, link.FieldKey)
}

func (s *PostgresStore) UnlinkItem(ctx context.Context, productID, fieldKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM item_list_links WHERE product_id = $1 AND field_key = $2`, productID, fieldKey)
	return eris.Wrapf(err, "postgres: unlink item %s/%s", productID, fieldKey)
}

func (s *PostgresStore) ListItemLinks(ctx context.Context, listValueID string) ([]model.ItemLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, field_key, list_value_id, linked_at
		 FROM item_list_links WHERE list_value_id = $1 ORDER BY product_id`, listValueID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list item links")
	}
	defer rows.Close()

	var out []model.ItemLink
	for rows.Next() {
		var l model.ItemLink
		if err := rows.Scan(&l.ProductID, &l.FieldKey, &l.ListValueID, &l.LinkedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list item links iterate")
}

func (s *PostgresStore) GetItemLink(ctx context.Context, productID, fieldKey string) (*model.ItemLink, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT product_id, field_key, list_value_id, linked_at
		 FROM item_list_links WHERE product_id = $1 AND field_key = $2`, productID, fieldKey)

	var l model.ItemLink
	err := row.Scan(&l.ProductID, &l.FieldKey, &l.ListValueID, &l.LinkedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item link %s/%s", productID, fieldKey)
	}
	return &l, nil
}

// --- shared components ---

func (s *PostgresStore) UpsertComponent(ctx context.Context, c *model.ComponentIdentity) (*model.ComponentIdentity, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO component_identity (id, kind, name, name_norm, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, name_norm) DO NOTHING`,
		c.ID, c.Kind, c.Name, c.NameNorm, c.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert component %s/%s", c.Kind, c.NameNorm)
	}
	return s.GetComponentByNorm(ctx, c.Kind, c.NameNorm)
}

func (s *PostgresStore) GetComponent(ctx context.Context, id string) (*model.ComponentIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, name, name_norm, created_at FROM component_identity WHERE id = $1`, id)
	return scanPGComponent(row, id)
}

func (s *PostgresStore) GetComponentByNorm(ctx context.Context, kind, nameNorm string) (*model.ComponentIdentity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, name, name_norm, created_at
		 FROM component_identity WHERE kind = $1 AND name_norm = $2`, kind, nameNorm)
	return scanPGComponent(row, kind+"/"+nameNorm)
}

func scanPGComponent(row pgx.Row, ref string) (*model.ComponentIdentity, error) {
	var c model.ComponentIdentity
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.NameNorm, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan component %s", ref)
	}
	return &c, nil
}

func (s *PostgresStore) RenameComponent(ctx context.Context, id, name, nameNorm string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE component_identity SET name = $1, name_norm = $2 WHERE id = $3`, name, nameNorm, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: rename component %s", id)
	}
	return checkTag(tag, "component", id)
}

func (s *PostgresStore) LinkComponent(ctx context.Context, link *model.ComponentLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_component_links (product_id, field_key, component_id, linked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (product_id, field_key) DO UPDATE SET
		   component_id = EXCLUDED.component_id,
		   linked_at = EXCLUDED.linked_at`,
		link.ProductID, link.FieldKey, link.ComponentID, link.LinkedAt)
	return eris.Wrapf(err, "postgres: link component %s/%s", link.ProductID, link.FieldKey)
}

func (s *PostgresStore) UnlinkComponent(ctx context.Context, productID, fieldKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM item_component_links WHERE product_id = $1 AND field_key = $2`, productID, fieldKey)
	return eris.Wrapf(err, "postgres: unlink component %s/%s", productID, fieldKey)
}

func (s *PostgresStore) ListComponentLinks(ctx context.Context, componentID string) ([]model.ComponentLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, field_key, component_id, linked_at
		 FROM item_component_links WHERE component_id = $1 ORDER BY product_id`, componentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list component links")
	}
	defer rows.Close()

	var out []model.ComponentLink
	for rows.Next() {
		var l model.ComponentLink
		if err := rows.Scan(&l.ProductID, &l.FieldKey, &l.ComponentID, &l.LinkedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan component link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list component links iterate")
}

func (s *PostgresStore) GetComponentLink(ctx context.Context, productID, fieldKey string) (*model.ComponentLink, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT product_id, field_key, component_id, linked_at
		 FROM item_component_links WHERE product_id = $1 AND field_key = $2`, productID, fieldKey)

	var l model.ComponentLink
	err := row.Scan(&l.ProductID, &l.FieldKey, &l.ComponentID, &l.LinkedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get component link %s/%s", productID, fieldKey)
	}
	return &l, nil
}

// --- url health ---

func (s *PostgresStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT url, host, status, fail_kind, consecutive_fails, repeats, cooldown_until, updated_at
		 FROM url_health WHERE url = $1`, url)

	var h model.URLHealth
	var cooldown *int64
	err := row.Scan(&h.URL, &h.Host, &h.Status, &h.FailKind, &h.ConsecutiveFails,
		&h.Repeats, &cooldown, &h.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get url health %s", url)
	}
	h.CooldownUntil = cooldown
	return &h, nil
}

func (s *PostgresStore) PutURLHealth(ctx context.Context, h *model.URLHealth) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO url_health (url, host, status, fail_kind, consecutive_fails, repeats, cooldown_until, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (url) DO UPDATE SET
		   status = EXCLUDED.status, fail_kind = EXCLUDED.fail_kind,
		   consecutive_fails = EXCLUDED.consecutive_fails, repeats = EXCLUDED.repeats,
		   cooldown_until = EXCLUDED.cooldown_until, updated_at = EXCLUDED.updated_at`,
		h.URL, h.Host, string(h.Status), h.FailKind, h.ConsecutiveFails, h.Repeats, h.CooldownUntil, h.UpdatedAt)
	return eris.Wrapf(err, "postgres: put url health %s", h.URL)
}

func (s *PostgresStore) AddDeadPattern(ctx context.Context, p *model.DeadPattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_patterns (id, host, pattern, fail_kind, promoted_at, hit_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (host, pattern) DO UPDATE SET hit_count = dead_patterns.hit_count + 1`,
		p.ID, p.Host, p.Pattern, p.FailKind, p.Promoted, p.HitCount)
	return eris.Wrapf(err, "postgres: add dead pattern %s %s", p.Host, p.Pattern)
}

func (s *PostgresStore) ListDeadPatterns(ctx context.Context, host string) ([]model.DeadPattern, error) {
	query := `SELECT id, host, pattern, fail_kind, promoted_at, hit_count FROM dead_patterns`
	var args []any
	if host != "" {
		query += ` WHERE host = $1`
		args = append(args, host)
	}
	query += ` ORDER BY host, pattern`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead patterns")
	}
	defer rows.Close()

	var out []model.DeadPattern
	for rows.Next() {
		var p model.DeadPattern
		if err := rows.Scan(&p.ID, &p.Host, &p.Pattern, &p.FailKind, &p.Promoted, &p.HitCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead patterns iterate")
}

// --- automation queue ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) (bool, error) {
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

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, product_id, type, priority, status, dedupe_key, domain, query,
		                   doc_hint, field_targets, reason_tags, attempts, next_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (dedupe_key) WHERE status IN ('queued', 'running', 'cooldown') DO NOTHING`,
		job.ID, job.ProductID, string(job.Type), job.Priority, string(job.Status),
		job.DedupeKey, job.Domain, job.Query, job.DocHint,
		marshalStrings(job.FieldTargets), marshalStrings(job.ReasonTags),
		job.Attempts, job.NextRunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return false, nil
		}
		return false, eris.Wrapf(err, "postgres: enqueue job %s", job.Type)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DequeueJobs(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status = 'queued' AND (next_run_at IS NULL OR next_run_at <= $1)
		   ORDER BY priority, created_at LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: dequeue jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, nextRunAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, next_run_at = $2, updated_at = $3 WHERE id = $4`,
		string(status), nextRunAt, time.Now().UTC(), jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	return checkTag(tag, "job", jobID)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE TRUE`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ` + arg(string(filter.Type))
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ` + arg(filter.ProductID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY priority, created_at LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func scanPGJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var targets, reasons string
	var nextRunAt *time.Time
	err := row.Scan(&j.ID, &j.ProductID, &j.Type, &j.Priority, &j.Status, &j.DedupeKey,
		&j.Domain, &j.Query, &j.DocHint, &targets, &reasons, &j.Attempts,
		&nextRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.FieldTargets = unmarshalStrings(targets)
	j.ReasonTags = unmarshalStrings(reasons)
	j.NextRunAt = nextRunAt
	return &j, nil
}

// --- traces ---

func (s *PostgresStore) InsertTrace(ctx context.Context, tr *model.LLMTrace) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO llm_traces (id, run_id, role, model, status, prompt_preview, response_preview,
		                         input_tokens, output_tokens, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.RunID, tr.Role, tr.Model, tr.Status,
		truncate(tr.PromptPreview, 2000), truncate(tr.ResponsePreview, 2000),
		tr.InputTokens, tr.OutputTokens, tr.DurationMS)
	return eris.Wrapf(err, "postgres: insert trace %s", tr.Role)
}
