package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool. Evidence search uses
// websearch_to_tsquery instead of SQLite's FTS5.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL,
	category     TEXT NOT NULL,
	product      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	phase_cursor TEXT NOT NULL DEFAULT '',
	counters     JSONB NOT NULL DEFAULT '{}',
	summary      JSONB,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	url          TEXT NOT NULL,
	host         TEXT NOT NULL,
	root_domain  TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	method       TEXT NOT NULL DEFAULT 'static',
	crawl_status TEXT NOT NULL DEFAULT 'pending',
	http_status  INTEGER NOT NULL DEFAULT 0,
	fetched_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES sources(id),
	kind         TEXT NOT NULL,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mime         TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	captured_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS snippets (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	tsv          TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', text)) STORED,
	created_at   TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assertions (
	id              TEXT PRIMARY KEY,
	source_id       TEXT NOT NULL REFERENCES sources(id),
	run_id          TEXT NOT NULL,
	field_key       TEXT NOT NULL,
	context_kind    TEXT NOT NULL DEFAULT 'scalar',
	context_ref     TEXT NOT NULL DEFAULT '',
	value_raw       TEXT NOT NULL,
	value_norm      TEXT NOT NULL,
	unit            TEXT NOT NULL DEFAULT '',
	candidate_id    TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL,
	evidence_broken BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS evidence_refs (
	source_id    TEXT NOT NULL,
	assertion_id TEXT NOT NULL,
	snippet_id   TEXT NOT NULL,
	quote        TEXT NOT NULL,
	url          TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	retrieved_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	field_key      TEXT NOT NULL,
	value          TEXT NOT NULL,
	value_norm     TEXT NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier           INTEGER NOT NULL DEFAULT 4,
	assertion_ids  JSONB NOT NULL DEFAULT '[]',
	source_ids     JSONB NOT NULL DEFAULT '[]',
	extract_model  TEXT NOT NULL DEFAULT '',
	validate_model TEXT NOT NULL DEFAULT '',
	retrieved_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS field_states (
	product_id            TEXT NOT NULL,
	field_key             TEXT NOT NULL,
	selected_value        TEXT NOT NULL DEFAULT '',
	selected_candidate_id TEXT NOT NULL DEFAULT '',
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	flags                 JSONB NOT NULL DEFAULT '[]',
	updated_at            TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, field_key)
);

CREATE TABLE IF NOT EXISTS key_reviews (
	id                    TEXT PRIMARY KEY,
	lane                  TEXT NOT NULL,
	target_kind           TEXT NOT NULL,
	target_id             TEXT NOT NULL,
	ai_status             TEXT NOT NULL DEFAULT 'ai_pending',
	decision              TEXT NOT NULL DEFAULT 'none',
	selected_candidate_id TEXT NOT NULL DEFAULT '',
	selected_value        TEXT NOT NULL DEFAULT '',
	confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at            TIMESTAMPTZ NOT NULL,
	UNIQUE (lane, target_id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	lane         TEXT NOT NULL,
	target_kind  TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	action       TEXT NOT NULL,
	candidate_id TEXT NOT NULL DEFAULT '',
	value        TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS list_values (
	id         TEXT PRIMARY KEY,
	field_key  TEXT NOT NULL,
	value_norm TEXT NOT NULL,
	display    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (field_key, value_norm)
);

CREATE TABLE IF NOT EXISTS item_list_links (
	product_id    TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	list_value_id TEXT NOT NULL,
	linked_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, field_key)
);

CREATE TABLE IF NOT EXISTS component_identity (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL,
	name_norm  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, name_norm)
);

CREATE TABLE IF NOT EXISTS item_component_links (
	product_id   TEXT NOT NULL,
	field_key    TEXT NOT NULL,
	component_id TEXT NOT NULL,
	linked_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (product_id, field_key)
);

CREATE TABLE IF NOT EXISTS url_health (
	url               TEXT PRIMARY KEY,
	host              TEXT NOT NULL,
	status            TEXT NOT NULL,
	fail_kind         TEXT NOT NULL DEFAULT '',
	consecutive_fails INTEGER NOT NULL DEFAULT 0,
	repeats           INTEGER NOT NULL DEFAULT 0,
	cooldown_until    BIGINT,
	updated_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_patterns (
	id          TEXT PRIMARY KEY,
	host        TEXT NOT NULL,
	pattern     TEXT NOT NULL,
	fail_kind   TEXT NOT NULL DEFAULT '',
	promoted_at BIGINT NOT NULL,
	hit_count   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (host, pattern)
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	product_id    TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL,
	priority      INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	dedupe_key    TEXT NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	query         TEXT NOT NULL DEFAULT '',
	doc_hint      TEXT NOT NULL DEFAULT '',
	field_targets JSONB NOT NULL DEFAULT '[]',
	reason_tags   JSONB NOT NULL DEFAULT '[]',
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_run_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_traces (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	role             TEXT NOT NULL,
	model            TEXT NOT NULL,
	status           TEXT NOT NULL,
	prompt_preview   TEXT NOT NULL DEFAULT '',
	response_preview TEXT NOT NULL DEFAULT '',
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	duration_ms      BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_product ON runs(product_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_sources_run ON sources(run_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_source ON artifacts(source_id);
CREATE INDEX IF NOT EXISTS idx_snippets_tsv ON snippets USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_assertions_run_field ON assertions(run_id, field_key);
CREATE INDEX IF NOT EXISTS idx_evidence_assertion ON evidence_refs(assertion_id);
CREATE INDEX IF NOT EXISTS idx_evidence_snippet ON evidence_refs(snippet_id);
CREATE INDEX IF NOT EXISTS idx_candidates_run_field ON candidates(run_id, field_key);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(lane, target_id);
CREATE INDEX IF NOT EXISTS idx_links_value ON item_list_links(list_value_id);
CREATE INDEX IF NOT EXISTS idx_links_component ON item_component_links(component_id);
CREATE INDEX IF NOT EXISTS idx_url_health_host ON url_health(host);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_live ON jobs(dedupe_key)
	WHERE status IN ('queued', 'running', 'cooldown');
CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(status, priority, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, product model.ProductIdentity) (*model.Run, error) {
	productID := product.ProductID()

	if active, err := s.GetActiveRun(ctx, productID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, eris.Errorf("postgres: product %s already has active run %s", productID, active.ID)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	productJSON, err := json.Marshal(product)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal product")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, product_id, category, product, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, productID, product.Category, productJSON, string(model.RunStatusQueued), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		ProductID: productID,
		Product:   product,
		Status:    model.RunStatusQueued,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1 WHERE id = $2`, string(status), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error {
	raw, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET counters = $1 WHERE id = $2`, raw, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run counters %s", runID)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, ended_at = $3 WHERE id = $4`,
		string(status), raw, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return checkTag(tag, "run", runID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPGRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) GetActiveRun(ctx context.Context, productID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE product_id = $1 AND status NOT IN ('completed', 'failed', 'interrupted', 'no_sources')
		 ORDER BY started_at DESC LIMIT 1`, productID)
	r, err := scanPGRun(row)
	if eris.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get active run for %s", productID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE TRUE`
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
	if filter.ProductID != "" {
		query += ` AND product_id = ` + arg(filter.ProductID)
	}
	if filter.Category != "" {
		query += ` AND category = ` + arg(filter.Category)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY started_at DESC LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPGRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var category string
	var productJSON, countersJSON []byte
	var summaryJSON []byte
	var endedAt *time.Time

	err := row.Scan(&r.ID, &r.ProductID, &category, &productJSON, &r.Status,
		&r.PhaseCursor, &countersJSON, &summaryJSON, &r.StartedAt, &endedAt)
	if err == pgx.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if err := json.Unmarshal(productJSON, &r.Product); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal product")
	}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &r.Counters); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counters")
		}
	}
	if len(summaryJSON) > 0 && string(summaryJSON) != "null" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	r.EndedAt = endedAt
	return &r, nil
}

// --- sources & artifacts ---

func (s *PostgresStore) UpsertSource(ctx context.Context, src *model.Source) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sources (id, run_id, url, host, root_domain, tier, method, crawl_status, http_status, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET tier = EXCLUDED.tier`,
		src.ID, src.RunID, src.URL, src.Host, src.RootDomain, src.Tier,
		string(src.Method), string(src.CrawlStatus), src.HTTPStatus, src.FetchedAt)
	return eris.Wrapf(err, "postgres: upsert source %s", src.ID)
}

func (s *PostgresStore) UpdateSourceFetch(ctx context.Context, sourceID string, status model.CrawlStatus, httpStatus int, method model.FetchMethod, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET crawl_status = $1, http_status = $2, method = $3, fetched_at = $4 WHERE id = $5`,
		string(status), httpStatus, string(method), at, sourceID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source fetch %s", sourceID)
	}
	return checkTag(tag, "source", sourceID)
}

func (s *PostgresStore) ListSources(ctx context.Context, runID string) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, url, host, root_domain, tier, method, crawl_status, http_status, fetched_at
		 FROM sources WHERE run_id = $1 ORDER BY tier, host`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var fetchedAt *time.Time
		if err := rows.Scan(&src.ID, &src.RunID, &src.URL, &src.Host, &src.RootDomain,
			&src.Tier, &src.Method, &src.CrawlStatus, &src.HTTPStatus, &fetchedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		src.FetchedAt = fetchedAt
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

func (s *PostgresStore) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, source_id, kind, path, content_hash, mime, size, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SourceID, string(a.Kind), a.Path, a.ContentHash, a.MIME, a.Size, a.CapturedAt)
	return eris.Wrapf(err, "postgres: insert artifact %s", a.ID)
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, sourceID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, kind, path, content_hash, mime, size, captured_at
		 FROM artifacts WHERE source_id = $1 ORDER BY captured_at`, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.SourceID, &a.Kind, &a.Path, &a.ContentHash, &a.MIME, &a.Size, &a.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

// --- helpers ---

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(errNotFound, "%s %s", entity, id)
	}
	return nil
}
