package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// --- snippets ---

func (s *SQLiteStore) UpsertSnippet(ctx context.Context, snippetID, text string) (SnippetStatus, error) {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM snippets WHERE id = ?`, snippetID).Scan(&existing)
	now := time.Now().UTC()

	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO snippets (id, text, created_at, last_seen_at) VALUES (?, ?, ?, ?)`,
			snippetID, text, now, now); err != nil {
			return "", eris.Wrapf(err, "sqlite: insert snippet %s", snippetID)
		}
		if s.hasFTS {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO snippets_fts (snippet_id, text) VALUES (?, ?)`, snippetID, text); err != nil {
				return "", eris.Wrap(err, "sqlite: index snippet")
			}
		}
		return SnippetNew, nil
	case err != nil:
		return "", eris.Wrapf(err, "sqlite: get snippet %s", snippetID)
	case existing == text:
		if _, err := s.db.ExecContext(ctx,
			`UPDATE snippets SET last_seen_at = ? WHERE id = ?`, now, snippetID); err != nil {
			return "", eris.Wrap(err, "sqlite: touch snippet")
		}
		return SnippetReused, nil
	default:
		// Same id with different text means the hash basis changed upstream;
		// replace the indexed copy.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE snippets SET text = ?, last_seen_at = ? WHERE id = ?`, text, now, snippetID); err != nil {
			return "", eris.Wrap(err, "sqlite: update snippet")
		}
		if s.hasFTS {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM snippets_fts WHERE snippet_id = ?`, snippetID); err != nil {
				return "", eris.Wrap(err, "sqlite: deindex snippet")
			}
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO snippets_fts (snippet_id, text) VALUES (?, ?)`, snippetID, text); err != nil {
				return "", eris.Wrap(err, "sqlite: reindex snippet")
			}
		}
		return SnippetUpdated, nil
	}
}

func (s *SQLiteStore) GetSnippet(ctx context.Context, snippetID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM snippets WHERE id = ?`, snippetID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", eris.Wrapf(errNotFound, "snippet %s", snippetID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get snippet %s", snippetID)
	}
	return text, nil
}

func (s *SQLiteStore) SearchSnippets(ctx context.Context, q SnippetQuery) ([]SnippetHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	scopeJoin, scopeCond := "", ""
	var scopeArg any
	switch q.Scope {
	case ScopeRun, "":
		scopeCond = `a.run_id = ?`
		scopeArg = q.ScopeID
	case ScopeProduct:
		scopeJoin = `JOIN runs r ON r.id = a.run_id`
		scopeCond = `r.product_id = ?`
		scopeArg = q.ScopeID
	case ScopeCategory:
		scopeJoin = `JOIN runs r ON r.id = a.run_id`
		scopeCond = `r.category = ?`
		scopeArg = q.ScopeID
	default:
		return nil, eris.Errorf("sqlite: unknown search scope %q", q.Scope)
	}

	var query string
	var args []any
	if s.hasFTS {
		query = `
			SELECT sn.id, a.id, a.field_key, a.source_id, er.url, er.tier, er.quote,
			       snippet(snippets_fts, 1, '', '', '…', 24), bm25(snippets_fts)
			FROM snippets_fts
			JOIN snippets sn ON sn.id = snippets_fts.snippet_id
			JOIN evidence_refs er ON er.snippet_id = sn.id
			JOIN assertions a ON a.id = er.assertion_id ` + scopeJoin + `
			WHERE snippets_fts MATCH ? AND ` + scopeCond + ` AND a.evidence_broken = 0
			ORDER BY bm25(snippets_fts) LIMIT ?`
		args = []any{q.Text, scopeArg, limit}
	} else {
		query = `
			SELECT sn.id, a.id, a.field_key, a.source_id, er.url, er.tier, er.quote,
			       substr(sn.text, 1, 200), 0.0
			FROM snippets sn
			JOIN evidence_refs er ON er.snippet_id = sn.id
			JOIN assertions a ON a.id = er.assertion_id ` + scopeJoin + `
			WHERE sn.text LIKE ? ESCAPE '\' AND ` + scopeCond + ` AND a.evidence_broken = 0
			ORDER BY er.tier, er.retrieved_at LIMIT ?`
		args = []any{"%" + likeEscape(q.Text) + "%", scopeArg, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search snippets")
	}
	defer rows.Close()

	var hits []SnippetHit
	for rows.Next() {
		var h SnippetHit
		if err := rows.Scan(&h.SnippetID, &h.AssertionID, &h.FieldKey, &h.SourceID,
			&h.URL, &h.Tier, &h.Quote, &h.Preview, &h.Rank); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snippet hit")
		}
		hits = append(hits, h)
	}
	return hits, eris.Wrap(rows.Err(), "sqlite: search snippets iterate")
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, runID string) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.url, s.host, s.tier,
		       COUNT(a.id), COUNT(DISTINCT a.content_hash)
		FROM sources s
		LEFT JOIN artifacts a ON a.source_id = s.id
		WHERE s.run_id = ?
		GROUP BY s.id ORDER BY s.tier, s.host`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.SourceID, &d.URL, &d.Host, &d.Tier, &d.ArtifactCount, &d.UniqueHashes); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

// --- assertions & evidence ---

func (s *SQLiteStore) InsertAssertion(ctx context.Context, a *model.Assertion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assertions (id, source_id, run_id, field_key, context_kind, context_ref,
		                         value_raw, value_norm, unit, candidate_id, method, evidence_broken)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SourceID, a.RunID, a.FieldKey, string(a.ContextKind), a.ContextRef,
		a.ValueRaw, a.ValueNorm, a.Unit, a.CandidateID, a.Method, boolInt(a.EvidenceBroken))
	return eris.Wrapf(err, "sqlite: insert assertion %s", a.ID)
}

func (s *SQLiteStore) MarkAssertionBroken(ctx context.Context, assertionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assertions SET evidence_broken = 1 WHERE id = ?`, assertionID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark assertion broken %s", assertionID)
	}
	return checkRowsAffected(res, "assertion", assertionID)
}

func (s *SQLiteStore) ListAssertions(ctx context.Context, runID, fieldKey string) ([]model.Assertion, error) {
	query := `SELECT id, source_id, run_id, field_key, context_kind, context_ref,
	                 value_raw, value_norm, unit, candidate_id, method, evidence_broken
	          FROM assertions WHERE run_id = ?`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND field_key = ?`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY field_key, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assertions")
	}
	defer rows.Close()

	var out []model.Assertion
	for rows.Next() {
		var a model.Assertion
		var broken int
		if err := rows.Scan(&a.ID, &a.SourceID, &a.RunID, &a.FieldKey, &a.ContextKind,
			&a.ContextRef, &a.ValueRaw, &a.ValueNorm, &a.Unit, &a.CandidateID, &a.Method, &broken); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assertion")
		}
		a.EvidenceBroken = broken != 0
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list assertions iterate")
}

func (s *SQLiteStore) InsertEvidenceRef(ctx context.Context, ref *model.EvidenceRef) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence_refs (source_id, assertion_id, snippet_id, quote, url, tier, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.SourceID, ref.AssertionID, ref.SnippetID, ref.Quote, ref.URL, ref.Tier, ref.RetrievedAt)
	return eris.Wrapf(err, "sqlite: insert evidence ref %s", ref.AssertionID)
}

func (s *SQLiteStore) ListEvidence(ctx context.Context, runID, fieldKey string) ([]model.EvidenceRef, error) {
	query := `SELECT er.source_id, er.assertion_id, er.snippet_id, er.quote, er.url, er.tier, er.retrieved_at
	          FROM evidence_refs er JOIN assertions a ON a.id = er.assertion_id
	          WHERE a.run_id = ?`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND a.field_key = ?`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY er.tier, er.retrieved_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evidence")
	}
	defer rows.Close()

	var out []model.EvidenceRef
	for rows.Next() {
		var r model.EvidenceRef
		if err := rows.Scan(&r.SourceID, &r.AssertionID, &r.SnippetID, &r.Quote, &r.URL, &r.Tier, &r.RetrievedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence ref")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evidence iterate")
}

// --- candidates & field state ---

func (s *SQLiteStore) UpsertCandidate(ctx context.Context, c *model.Candidate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, run_id, field_key, value, value_norm, unit, score, tier,
		                         assertion_ids, source_ids, extract_model, validate_model, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   value = excluded.value, value_norm = excluded.value_norm, unit = excluded.unit,
		   score = excluded.score, tier = excluded.tier,
		   assertion_ids = excluded.assertion_ids, source_ids = excluded.source_ids,
		   extract_model = excluded.extract_model, validate_model = excluded.validate_model,
		   retrieved_at = excluded.retrieved_at`,
		c.ID, c.RunID, c.FieldKey, c.Value, c.ValueNorm, c.Unit, c.Score, c.Tier,
		marshalStrings(c.AssertionIDs), marshalStrings(c.SourceIDs),
		c.ExtractModel, c.ValidateModel, c.RetrievedAt)
	return eris.Wrapf(err, "sqlite: upsert candidate %s", c.ID)
}

const candidateColumns = `id, run_id, field_key, value, value_norm, unit, score, tier,
	assertion_ids, source_ids, extract_model, validate_model, retrieved_at`

func (s *SQLiteStore) ListCandidates(ctx context.Context, runID, fieldKey string) ([]model.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE run_id = ?`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND field_key = ?`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY field_key, score DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, candidateID string) (*model.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = ?`, candidateID)
	c, err := scanCandidate(row)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, eris.Wrapf(errNotFound, "candidate %s", candidateID)
	}
	return c, err
}

func scanCandidate(row scannable) (*model.Candidate, error) {
	var c model.Candidate
	var assertionIDs, sourceIDs string
	err := row.Scan(&c.ID, &c.RunID, &c.FieldKey, &c.Value, &c.ValueNorm, &c.Unit,
		&c.Score, &c.Tier, &assertionIDs, &sourceIDs, &c.ExtractModel, &c.ValidateModel, &c.RetrievedAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan candidate")
	}
	c.AssertionIDs = unmarshalStrings(assertionIDs)
	c.SourceIDs = unmarshalStrings(sourceIDs)
	return &c, nil
}

func (s *SQLiteStore) UpsertFieldState(ctx context.Context, fs *model.FieldState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO field_states (product_id, field_key, selected_value, selected_candidate_id, confidence, flags, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(product_id, field_key) DO UPDATE SET
		   selected_value = excluded.selected_value,
		   selected_candidate_id = excluded.selected_candidate_id,
		   confidence = excluded.confidence, flags = excluded.flags,
		   updated_at = excluded.updated_at`,
		fs.ProductID, fs.FieldKey, fs.SelectedValue, fs.SelectedCandidateID,
		fs.Confidence, marshalStrings(fs.Flags), fs.UpdatedAt)
	return eris.Wrapf(err, "sqlite: upsert field state %s/%s", fs.ProductID, fs.FieldKey)
}

func (s *SQLiteStore) ListFieldStates(ctx context.Context, productID string) ([]model.FieldState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, field_key, selected_value, selected_candidate_id, confidence, flags, updated_at
		 FROM field_states WHERE product_id = ? ORDER BY field_key`, productID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list field states")
	}
	defer rows.Close()

	var out []model.FieldState
	for rows.Next() {
		var fs model.FieldState
		var flags string
		if err := rows.Scan(&fs.ProductID, &fs.FieldKey, &fs.SelectedValue,
			&fs.SelectedCandidateID, &fs.Confidence, &flags, &fs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field state")
		}
		fs.Flags = unmarshalStrings(flags)
		out = append(out, fs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list field states iterate")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
