package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/spec-harvester/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. A single
// connection serializes writers; WAL mode keeps readers concurrent.
type SQLiteStore struct {
	db     *sql.DB
	hasFTS bool
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL,
	category     TEXT NOT NULL,
	product      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	phase_cursor TEXT NOT NULL DEFAULT '',
	counters     TEXT NOT NULL DEFAULT '{}',
	summary      TEXT,
	started_at   DATETIME NOT NULL,
	ended_at     DATETIME
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
	fetched_at   DATETIME
);

CREATE TABLE IF NOT EXISTS artifacts (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES sources(id),
	kind         TEXT NOT NULL,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mime         TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	captured_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snippets (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL
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
	evidence_broken INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS evidence_refs (
	source_id    TEXT NOT NULL,
	assertion_id TEXT NOT NULL,
	snippet_id   TEXT NOT NULL,
	quote        TEXT NOT NULL,
	url          TEXT NOT NULL,
	tier         INTEGER NOT NULL,
	retrieved_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	field_key      TEXT NOT NULL,
	value          TEXT NOT NULL,
	value_norm     TEXT NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	score          REAL NOT NULL DEFAULT 0,
	tier           INTEGER NOT NULL DEFAULT 4,
	assertion_ids  TEXT NOT NULL DEFAULT '[]',
	source_ids     TEXT NOT NULL DEFAULT '[]',
	extract_model  TEXT NOT NULL DEFAULT '',
	validate_model TEXT NOT NULL DEFAULT '',
	retrieved_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_states (
	product_id            TEXT NOT NULL,
	field_key             TEXT NOT NULL,
	selected_value        TEXT NOT NULL DEFAULT '',
	selected_candidate_id TEXT NOT NULL DEFAULT '',
	confidence            REAL NOT NULL DEFAULT 0,
	flags                 TEXT NOT NULL DEFAULT '[]',
	updated_at            DATETIME NOT NULL,
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
	confidence            REAL NOT NULL DEFAULT 0,
	updated_at            DATETIME NOT NULL,
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
	at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS list_values (
	id         TEXT PRIMARY KEY,
	field_key  TEXT NOT NULL,
	value_norm TEXT NOT NULL,
	display    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (field_key, value_norm)
);

CREATE TABLE IF NOT EXISTS item_list_links (
	product_id    TEXT NOT NULL,
	field_key     TEXT NOT NULL,
	list_value_id TEXT NOT NULL,
	linked_at     DATETIME NOT NULL,
	PRIMARY KEY (product_id, field_key)
);

CREATE TABLE IF NOT EXISTS component_identity (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL,
	name_norm  TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (kind, name_norm)
);

CREATE TABLE IF NOT EXISTS item_component_links (
	product_id   TEXT NOT NULL,
	field_key    TEXT NOT NULL,
	component_id TEXT NOT NULL,
	linked_at    DATETIME NOT NULL,
	PRIMARY KEY (product_id, field_key)
);

CREATE TABLE IF NOT EXISTS url_health (
	url               TEXT PRIMARY KEY,
	host              TEXT NOT NULL,
	status            TEXT NOT NULL,
	fail_kind         TEXT NOT NULL DEFAULT '',
	consecutive_fails INTEGER NOT NULL DEFAULT 0,
	repeats           INTEGER NOT NULL DEFAULT 0,
	cooldown_until    INTEGER,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_patterns (
	id          TEXT PRIMARY KEY,
	host        TEXT NOT NULL,
	pattern     TEXT NOT NULL,
	fail_kind   TEXT NOT NULL DEFAULT '',
	promoted_at INTEGER NOT NULL,
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
	field_targets TEXT NOT NULL DEFAULT '[]',
	reason_tags   TEXT NOT NULL DEFAULT '[]',
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_run_at   DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
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
	duration_ms      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_product ON runs(product_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_sources_run ON sources(run_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_source ON artifacts(source_id);
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

// sqliteFTSMigration is applied best-effort; builds without the FTS5
// extension fall back to substring search.
const sqliteFTSMigration = `
CREATE VIRTUAL TABLE IF NOT EXISTS snippets_fts USING fts5(
	snippet_id UNINDEXED,
	text
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	if _, err := s.db.ExecContext(ctx, sqliteFTSMigration); err != nil {
		zap.L().Warn("sqlite: fts5 unavailable, using substring search", zap.Error(err))
		s.hasFTS = false
		return nil
	}
	s.hasFTS = true
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, product model.ProductIdentity) (*model.Run, error) {
	productID := product.ProductID()

	if active, err := s.GetActiveRun(ctx, productID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, eris.Errorf("sqlite: product %s already has active run %s", productID, active.ID)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	productJSON, err := json.Marshal(product)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal product")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, product_id, category, product, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, productID, product.Category, string(productJSON), string(model.RunStatusQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		ProductID: productID,
		Product:   product,
		Status:    model.RunStatusQueued,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunCounters(ctx context.Context, runID string, counters model.RunCounters) error {
	raw, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET counters = ? WHERE id = ?`, string(raw), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run counters %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, ended_at = ? WHERE id = ?`,
		string(status), string(raw), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const runColumns = `id, product_id, category, product, status, phase_cursor, counters, summary, started_at, ended_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) GetActiveRun(ctx context.Context, productID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE product_id = ? AND status NOT IN ('completed', 'failed', 'interrupted', 'no_sources')
		 ORDER BY started_at DESC LIMIT 1`, productID)
	r, err := scanRun(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- sources & artifacts ---

func (s *SQLiteStore) UpsertSource(ctx context.Context, src *model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, run_id, url, host, root_domain, tier, method, crawl_status, http_status, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tier = excluded.tier`,
		src.ID, src.RunID, src.URL, src.Host, src.RootDomain, src.Tier,
		string(src.Method), string(src.CrawlStatus), src.HTTPStatus, src.FetchedAt)
	return eris.Wrapf(err, "sqlite: upsert source %s", src.ID)
}

func (s *SQLiteStore) UpdateSourceFetch(ctx context.Context, sourceID string, status model.CrawlStatus, httpStatus int, method model.FetchMethod, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET crawl_status = ?, http_status = ?, method = ?, fetched_at = ? WHERE id = ?`,
		string(status), httpStatus, string(method), at, sourceID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source fetch %s", sourceID)
	}
	return checkRowsAffected(res, "source", sourceID)
}

func (s *SQLiteStore) ListSources(ctx context.Context, runID string) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, url, host, root_domain, tier, method, crawl_status, http_status, fetched_at
		 FROM sources WHERE run_id = ? ORDER BY tier, host`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var fetchedAt sql.NullTime
		if err := rows.Scan(&src.ID, &src.RunID, &src.URL, &src.Host, &src.RootDomain,
			&src.Tier, &src.Method, &src.CrawlStatus, &src.HTTPStatus, &fetchedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		if fetchedAt.Valid {
			t := fetchedAt.Time
			src.FetchedAt = &t
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) InsertArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, source_id, kind, path, content_hash, mime, size, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SourceID, string(a.Kind), a.Path, a.ContentHash, a.MIME, a.Size, a.CapturedAt)
	return eris.Wrapf(err, "sqlite: insert artifact %s", a.ID)
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, sourceID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, kind, path, content_hash, mime, size, captured_at
		 FROM artifacts WHERE source_id = ? ORDER BY captured_at`, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.SourceID, &a.Kind, &a.Path, &a.ContentHash, &a.MIME, &a.Size, &a.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

// --- helpers ---

var errNotFound = eris.New("not found")

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(errNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var productJSON, countersJSON string
	var summaryJSON sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ProductID, new(string), &productJSON, &r.Status,
		&r.PhaseCursor, &countersJSON, &summaryJSON, &r.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(errNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(productJSON), &r.Product); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal product")
	}
	if countersJSON != "" {
		if err := json.Unmarshal([]byte(countersJSON), &r.Counters); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal counters")
		}
	}
	if summaryJSON.Valid && summaryJSON.String != "null" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// likeEscape escapes LIKE wildcards for the substring fallback search.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
