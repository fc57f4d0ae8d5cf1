package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// --- snippets ---

func (s *PostgresStore) UpsertSnippet(ctx context.Context, snippetID, text string) (SnippetStatus, error) {
	var existing string
	err := s.pool.QueryRow(ctx,
		`SELECT text FROM snippets WHERE id = $1`, snippetID).Scan(&existing)
	now := time.Now().UTC()

	switch {
	case err == pgx.ErrNoRows:
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO snippets (id, text, created_at, last_seen_at) VALUES ($1, $2, $3, $4)`,
			snippetID, text, now, now); err != nil {
			return "", eris.Wrapf(err, "postgres: insert snippet %s", snippetID)
		}
		return SnippetNew, nil
	case err != nil:
		return "", eris.Wrapf(err, "postgres: get snippet %s", snippetID)
	case existing == text:
		if _, err := s.pool.Exec(ctx,
			`UPDATE snippets SET last_seen_at = $1 WHERE id = $2`, now, snippetID); err != nil {
			return "", eris.Wrap(err, "postgres: touch snippet")
		}
		return SnippetReused, nil
	default:
		if _, err := s.pool.Exec(ctx,
			`UPDATE snippets SET text = $1, last_seen_at = $2 WHERE id = $3`, text, now, snippetID); err != nil {
			return "", eris.Wrap(err, "postgres: update snippet")
		}
		return SnippetUpdated, nil
	}
}

func (s *PostgresStore) GetSnippet(ctx context.Context, snippetID string) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx,
		`SELECT text FROM snippets WHERE id = $1`, snippetID).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", eris.Wrapf(errNotFound, "snippet %s", snippetID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: get snippet %s", snippetID)
	}
	return text, nil
}

func (s *PostgresStore) SearchSnippets(ctx context.Context, q SnippetQuery) ([]SnippetHit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	scopeJoin, scopeCond := "", ""
	switch q.Scope {
	case ScopeRun, "":
		scopeCond = `a.run_id = $2`
	case ScopeProduct:
		scopeJoin = `JOIN runs r ON r.id = a.run_id`
		scopeCond = `r.product_id = $2`
	case ScopeCategory:
		scopeJoin = `JOIN runs r ON r.id = a.run_id`
		scopeCond = `r.category = $2`
	default:
		return nil, eris.Errorf("postgres: unknown search scope %q", q.Scope)
	}

	query := `
		SELECT sn.id, a.id, a.field_key, a.source_id, er.url, er.tier, er.quote,
		       left(sn.text, 200), ts_rank(sn.tsv, websearch_to_tsquery('english', $1))
		FROM snippets sn
		JOIN evidence_refs er ON er.snippet_id = sn.id
		JOIN assertions a ON a.id = er.assertion_id ` + scopeJoin + `
		WHERE sn.tsv @@ websearch_to_tsquery('english', $1) AND ` + scopeCond + ` AND NOT a.evidence_broken
		ORDER BY ts_rank(sn.tsv, websearch_to_tsquery('english', $1)) DESC LIMIT $3`

	rows, err := s.pool.Query(ctx, query, q.Text, q.ScopeID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search snippets")
	}
	defer rows.Close()

	var hits []SnippetHit
	for rows.Next() {
		var h SnippetHit
		if err := rows.Scan(&h.SnippetID, &h.AssertionID, &h.FieldKey, &h.SourceID,
			&h.URL, &h.Tier, &h.Quote, &h.Preview, &h.Rank); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snippet hit")
		}
		hits = append(hits, h)
	}
	return hits, eris.Wrap(rows.Err(), "postgres: search snippets iterate")
}

func (s *PostgresStore) ListDocuments(ctx context.Context, runID string) ([]DocumentSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.url, s.host, s.tier,
		       COUNT(a.id), COUNT(DISTINCT a.content_hash)
		FROM sources s
		LEFT JOIN artifacts a ON a.source_id = s.id
		WHERE s.run_id = $1
		GROUP BY s.id, s.url, s.host, s.tier ORDER BY s.tier, s.host`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.SourceID, &d.URL, &d.Host, &d.Tier, &d.ArtifactCount, &d.UniqueHashes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

// --- assertions & evidence ---

func (s *PostgresStore) InsertAssertion(ctx context.Context, a *model.Assertion) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assertions (id, source_id, run_id, field_key, context_kind, context_ref,
		                         value_raw, value_norm, unit, candidate_id, method, evidence_broken)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SourceID, a.RunID, a.FieldKey, string(a.ContextKind), a.ContextRef,
		a.ValueRaw, a.ValueNorm, a.Unit, a.CandidateID, a.Method, a.EvidenceBroken)
	return eris.Wrapf(err, "postgres: insert assertion %s", a.ID)
}

func (s *PostgresStore) MarkAssertionBroken(ctx context.Context, assertionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assertions SET evidence_broken = TRUE WHERE id = $1`, assertionID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark assertion broken %s", assertionID)
	}
	return checkTag(tag, "assertion", assertionID)
}

func (s *PostgresStore) ListAssertions(ctx context.Context, runID, fieldKey string) ([]model.Assertion, error) {
	query := `SELECT id, source_id, run_id, field_key, context_kind, context_ref,
	                 value_raw, value_norm, unit, candidate_id, method, evidence_broken
	          FROM assertions WHERE run_id = $1`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND field_key = $2`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY field_key, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assertions")
	}
	defer rows.Close()

	var out []model.Assertion
	for rows.Next() {
		var a model.Assertion
		if err := rows.Scan(&a.ID, &a.SourceID, &a.RunID, &a.FieldKey, &a.ContextKind,
			&a.ContextRef, &a.ValueRaw, &a.ValueNorm, &a.Unit, &a.CandidateID, &a.Method, &a.EvidenceBroken); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assertion")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list assertions iterate")
}

func (s *PostgresStore) InsertEvidenceRef(ctx context.Context, ref *model.EvidenceRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence_refs (source_id, assertion_id, snippet_id, quote, url, tier, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ref.SourceID, ref.AssertionID, ref.SnippetID, ref.Quote, ref.URL, ref.Tier, ref.RetrievedAt)
	return eris.Wrapf(err, "postgres: insert evidence ref %s", ref.AssertionID)
}

func (s *PostgresStore) ListEvidence(ctx context.Context, runID, fieldKey string) ([]model.EvidenceRef, error) {
	query := `SELECT er.source_id, er.assertion_id, er.snippet_id, er.quote, er.url, er.tier, er.retrieved_at
	          FROM evidence_refs er JOIN assertions a ON a.id = er.assertion_id
	          WHERE a.run_id = $1`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND a.field_key = $2`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY er.tier, er.retrieved_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evidence")
	}
	defer rows.Close()

	var out []model.EvidenceRef
	for rows.Next() {
		var r model.EvidenceRef
		if err := rows.Scan(&r.SourceID, &r.AssertionID, &r.SnippetID, &r.Quote, &r.URL, &r.Tier, &r.RetrievedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence ref")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evidence iterate")
}

// --- candidates & field state ---

func (s *PostgresStore) UpsertCandidate(ctx context.Context, c *model.Candidate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candidates (id, run_id, field_key, value, value_norm, unit, score, tier,
		                         assertion_ids, source_ids, extract_model, validate_model, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   value = EXCLUDED.value, value_norm = EXCLUDED.value_norm, unit = EXCLUDED.unit,
		   score = EXCLUDED.score, tier = EXCLUDED.tier,
		   assertion_ids = EXCLUDED.assertion_ids, source_ids = EXCLUDED.source_ids,
		   extract_model = EXCLUDED.extract_model, validate_model = EXCLUDED.validate_model,
		   retrieved_at = EXCLUDED.retrieved_at`,
		c.ID, c.RunID, c.FieldKey, c.Value, c.ValueNorm, c.Unit, c.Score, c.Tier,
		marshalStrings(c.AssertionIDs), marshalStrings(c.SourceIDs),
		c.ExtractModel, c.ValidateModel, c.RetrievedAt)
	return eris.Wrapf(err, "postgres: upsert candidate %s", c.ID)
}

func (s *PostgresStore) ListCandidates(ctx context.Context, runID, fieldKey string) ([]model.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE run_id = $1`
	args := []any{runID}
	if fieldKey != "" {
		query += ` AND field_key = $2`
		args = append(args, fieldKey)
	}
	query += ` ORDER BY field_key, score DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanPGCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, candidateID string) (*model.Candidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM candidates WHERE id = $1`, candidateID)
	c, err := scanPGCandidate(row)
	if eris.Is(err, errNotFound) {
		return nil, eris.Wrapf(errNotFound, "candidate %s", candidateID)
	}
	return c, err
}

func scanPGCandidate(row pgx.Row) (*model.Candidate, error) {
	var c model.Candidate
	var assertionIDs, sourceIDs string
	err := row.Scan(&c.ID, &c.RunID, &c.FieldKey, &c.Value, &c.ValueNorm, &c.Unit,
		&c.Score, &c.Tier, &assertionIDs, &sourceIDs, &c.ExtractModel, &c.ValidateModel, &c.RetrievedAt)
	if err == pgx.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan candidate")
	}
	c.AssertionIDs = unmarshalStrings(assertionIDs)
	c.SourceIDs = unmarshalStrings(sourceIDs)
	return &c, nil
}

func (s *PostgresStore) UpsertFieldState(ctx context.Context, fs *model.FieldState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO field_states (product_id, field_key, selected_value, selected_candidate_id, confidence, flags, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (product_id, field_key) DO UPDATE SET
		   selected_value = EXCLUDED.selected_value,
		   selected_candidate_id = EXCLUDED.selected_candidate_id,
		   confidence = EXCLUDED.confidence, flags = EXCLUDED.flags,
		   updated_at = EXCLUDED.updated_at`,
		fs.ProductID, fs.FieldKey, fs.SelectedValue, fs.SelectedCandidateID,
		fs.Confidence, marshalStrings(fs.Flags), fs.UpdatedAt)
	return eris.Wrapf(err, "postgres: upsert field state %s/%s", fs.ProductID, fs.FieldKey)
}

func (s *PostgresStore) ListFieldStates(ctx context.Context, productID string) ([]model.FieldState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, field_key, selected_value, selected_candidate_id, confidence, flags, updated_at
		 FROM field_states WHERE product_id = $1 ORDER BY field_key`, productID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list field states")
	}
	defer rows.Close()

	var out []model.FieldState
	for rows.Next() {
		var fs model.FieldState
		var flags string
		if err := rows.Scan(&fs.ProductID, &fs.FieldKey, &fs.SelectedValue,
			&fs.SelectedCandidateID, &fs.Confidence, &flags, &fs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field state")
		}
		fs.Flags = unmarshalStrings(flags)
		out = append(out, fs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list field states iterate")
}
