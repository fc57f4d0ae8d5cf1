package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// --- key reviews ---

func (s *SQLiteStore) GetKeyReview(ctx context.Context, lane model.Lane, targetID string) (*model.KeyReview, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lane, target_kind, target_id, ai_status, decision,
		        selected_candidate_id, selected_value, confidence, updated_at
		 FROM key_reviews WHERE lane = ? AND target_id = ?`, string(lane), targetID)

	var kr model.KeyReview
	err := row.Scan(&kr.ID, &kr.Lane, &kr.TargetKind, &kr.TargetID, &kr.AIStatus,
		&kr.Decision, &kr.SelectedCandidateID, &kr.SelectedValue, &kr.Confidence, &kr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get key review %s/%s", lane, targetID)
	}
	return &kr, nil
}

func (s *SQLiteStore) PutKeyReview(ctx context.Context, kr *model.KeyReview) error {
	if kr.ID == "" {
		kr.ID = uuid.New().String()
	}
	if kr.UpdatedAt.IsZero() {
		kr.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_reviews (id, lane, target_kind, target_id, ai_status, decision,
		                          selected_candidate_id, selected_value, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(lane, target_id) DO UPDATE SET
		   ai_status = excluded.ai_status, decision = excluded.decision,
		   selected_candidate_id = excluded.selected_candidate_id,
		   selected_value = excluded.selected_value,
		   confidence = excluded.confidence, updated_at = excluded.updated_at`,
		kr.ID, string(kr.Lane), string(kr.TargetKind), kr.TargetID, string(kr.AIStatus),
		string(kr.Decision), kr.SelectedCandidateID, kr.SelectedValue, kr.Confidence, kr.UpdatedAt)
	return eris.Wrapf(err, "sqlite: put key review %s/%s", kr.Lane, kr.TargetID)
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, lane, target_kind, target_id, action, candidate_id, value, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Lane), string(ev.TargetKind), ev.TargetID, ev.Action,
		ev.CandidateID, ev.Value, ev.Detail, ev.At)
	return eris.Wrapf(err, "sqlite: append audit %s", ev.Action)
}

// --- shared list values ---

func (s *SQLiteStore) UpsertListValue(ctx context.Context, lv *model.ListValue) (*model.ListValue, error) {
	if existing, err := s.GetListValueByNorm(ctx, lv.FieldKey, lv.ValueNorm); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if lv.ID == "" {
		lv.ID = uuid.New().String()
	}
	if lv.CreatedAt.IsZero() {
		lv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO list_values (id, field_key, value_norm, display, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(field_key, value_norm) DO NOTHING`,
		lv.ID, lv.FieldKey, lv.ValueNorm, lv.Display, lv.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert list value %s/%s", lv.FieldKey, lv.ValueNorm)
	}
	// A concurrent insert may have won the conflict; read back the row.
	return s.GetListValueByNorm(ctx, lv.FieldKey, lv.ValueNorm)
}

func (s *SQLiteStore) GetListValue(ctx context.Context, id string) (*model.ListValue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, field_key, value_norm, display, created_at FROM list_values WHERE id = ?`, id)
	return scanListValue(row, id)
}

func (s *SQLiteStore) GetListValueByNorm(ctx context.Context, fieldKey, valueNorm string) (*model.ListValue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, field_key, value_norm, display, created_at
		 FROM list_values WHERE field_key = ? AND value_norm = ?`, fieldKey, valueNorm)
	lv, err := scanListValue(row, fieldKey+"/"+valueNorm)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return lv, err
}

func scanListValue(row scannable, ref string) (*model.ListValue, error) {
	var lv model.ListValue
	err := row.Scan(&lv.ID, &lv.FieldKey, &lv.ValueNorm, &lv.Display, &lv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(errNotFound, "list value %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scan list value %s", ref)
	}
	return &lv, nil
}

func (s *SQLiteStore) RenameListValue(ctx context.Context, id, display, valueNorm string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE list_values SET display = ?, value_norm = ? WHERE id = ?`, display, valueNorm, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: rename list value %s", id)
	}
	return checkRowsAffected(res, "list value", id)
}

// --- item links ---

func (s *SQLiteStore) LinkItem(ctx context.Context, link *model.ItemLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_list_links (product_id, field_key, list_value_id, linked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(product_id, field_key) DO UPDATE SET
		   list_value_id = excluded.list_value_id,
		   linked_at = excluded.linked_at`,
		link.ProductID, link.FieldKey, link.ListValueID, link.LinkedAt)
	return eris.Wrapf(err, "sqlite: link item %s/%s", link.ProductID, link.FieldKey)
}

func (s *SQLiteStore) UnlinkItem(ctx context.Context, productID, fieldKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM item_list_links WHERE product_id = ? AND field_key = ?`, productID, fieldKey)
	return eris.Wrapf(err, "sqlite: unlink item %s/%s", productID, fieldKey)
}

func (s *SQLiteStore) ListItemLinks(ctx context.Context, listValueID string) ([]model.ItemLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, field_key, list_value_id, linked_at
		 FROM item_list_links WHERE list_value_id = ? ORDER BY product_id`, listValueID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list item links")
	}
	defer rows.Close()

	var out []model.ItemLink
	for rows.Next() {
		var l model.ItemLink
		if err := rows.Scan(&l.ProductID, &l.FieldKey, &l.ListValueID, &l.LinkedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list item links iterate")
}

func (s *SQLiteStore) GetItemLink(ctx context.Context, productID, fieldKey string) (*model.ItemLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_id, field_key, list_value_id, linked_at
		 FROM item_list_links WHERE product_id = ? AND field_key = ?`, productID, fieldKey)

	var l model.ItemLink
	err := row.Scan(&l.ProductID, &l.FieldKey, &l.ListValueID, &l.LinkedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item link %s/%s", productID, fieldKey)
	}
	return &l, nil
}

// --- shared components ---

func (s *SQLiteStore) UpsertComponent(ctx context.Context, c *model.ComponentIdentity) (*model.ComponentIdentity, error) {
	if existing, err := s.GetComponentByNorm(ctx, c.Kind, c.NameNorm); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO component_identity (id, kind, name, name_norm, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, name_norm) DO NOTHING`,
		c.ID, c.Kind, c.Name, c.NameNorm, c.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert component %s/%s", c.Kind, c.NameNorm)
	}
	// A concurrent insert may have won the conflict; read back the row.
	return s.GetComponentByNorm(ctx, c.Kind, c.NameNorm)
}

func (s *SQLiteStore) GetComponent(ctx context.Context, id string) (*model.ComponentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, name_norm, created_at FROM component_identity WHERE id = ?`, id)
	c, err := scanComponent(row, id)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetComponentByNorm(ctx context.Context, kind, nameNorm string) (*model.ComponentIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, name_norm, created_at
		 FROM component_identity WHERE kind = ? AND name_norm = ?`, kind, nameNorm)
	c, err := scanComponent(row, kind+"/"+nameNorm)
	if err != nil && eris.Is(err, errNotFound) {
		return nil, nil
	}
	return c, err
}

func scanComponent(row scannable, ref string) (*model.ComponentIdentity, error) {
	var c model.ComponentIdentity
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.NameNorm, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(errNotFound, "component %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scan component %s", ref)
	}
	return &c, nil
}

func (s *SQLiteStore) RenameComponent(ctx context.Context, id, name, nameNorm string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE component_identity SET name = ?, name_norm = ? WHERE id = ?`, name, nameNorm, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: rename component %s", id)
	}
	return checkRowsAffected(res, "component", id)
}

func (s *SQLiteStore) LinkComponent(ctx context.Context, link *model.ComponentLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_component_links (product_id, field_key, component_id, linked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(product_id, field_key) DO UPDATE SET
		   component_id = excluded.component_id,
		   linked_at = excluded.linked_at`,
		link.ProductID, link.FieldKey, link.ComponentID, link.LinkedAt)
	return eris.Wrapf(err, "sqlite: link component %s/%s", link.ProductID, link.FieldKey)
}

func (s *SQLiteStore) UnlinkComponent(ctx context.Context, productID, fieldKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM item_component_links WHERE product_id = ? AND field_key = ?`, productID, fieldKey)
	return eris.Wrapf(err, "sqlite: unlink component %s/%s", productID, fieldKey)
}

func (s *SQLiteStore) ListComponentLinks(ctx context.Context, componentID string) ([]model.ComponentLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, field_key, component_id, linked_at
		 FROM item_component_links WHERE component_id = ? ORDER BY product_id`, componentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list component links")
	}
	defer rows.Close()

	var out []model.ComponentLink
	for rows.Next() {
		var l model.ComponentLink
		if err := rows.Scan(&l.ProductID, &l.FieldKey, &l.ComponentID, &l.LinkedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan component link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list component links iterate")
}

func (s *SQLiteStore) GetComponentLink(ctx context.Context, productID, fieldKey string) (*model.ComponentLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT product_id, field_key, component_id, linked_at
		 FROM item_component_links WHERE product_id = ? AND field_key = ?`, productID, fieldKey)

	var l model.ComponentLink
	err := row.Scan(&l.ProductID, &l.FieldKey, &l.ComponentID, &l.LinkedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get component link %s/%s", productID, fieldKey)
	}
	return &l, nil
}
