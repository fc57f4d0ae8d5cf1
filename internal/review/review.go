// Package review implements the two-lane key review state machine: an
// item (grid) lane per product field and a shared (enum/component)
// lane for canonical values. The lanes are stored independently,
// mutations on one key serialize behind a keyed lock, and every
// mutation appends an audit event.
package review

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spec-harvester/internal/model"
)

// Store is the slice of persistence the state machine needs.
type Store interface {
	GetKeyReview(ctx context.Context, lane model.Lane, targetID string) (*model.KeyReview, error)
	PutKeyReview(ctx context.Context, kr *model.KeyReview) error
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error
	GetCandidate(ctx context.Context, candidateID string) (*model.Candidate, error)
	GetListValue(ctx context.Context, id string) (*model.ListValue, error)
	GetListValueByNorm(ctx context.Context, fieldKey, valueNorm string) (*model.ListValue, error)
	RenameListValue(ctx context.Context, id, display, valueNorm string) error
	LinkItem(ctx context.Context, link *model.ItemLink) error
	UnlinkItem(ctx context.Context, productID, fieldKey string) error
	GetItemLink(ctx context.Context, productID, fieldKey string) (*model.ItemLink, error)
	GetComponent(ctx context.Context, id string) (*model.ComponentIdentity, error)
	GetComponentByNorm(ctx context.Context, kind, nameNorm string) (*model.ComponentIdentity, error)
	RenameComponent(ctx context.Context, id, name, nameNorm string) error
	LinkComponent(ctx context.Context, link *model.ComponentLink) error
	UnlinkComponent(ctx context.Context, productID, fieldKey string) error
}

// LinkKind names the canonical table an item-lane accept links into.
// Scalar fields carry no link.
type LinkKind string

const (
	LinkNone      LinkKind = ""
	LinkEnum      LinkKind = "enum"
	LinkComponent LinkKind = "component"
)

// Service applies review operations.
type Service struct {
	store Store
	locks keyLocks
	now   func() time.Time
}

// NewService creates a review service.
func NewService(st Store) *Service {
	return &Service{store: st, now: time.Now}
}

// keyLocks serializes mutations per review key. Distinct keys never
// block each other. The map grows with the keys touched over the
// service lifetime, bounded by the catalog.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// lock acquires the key's mutex, creating it on first touch, and
// returns the release.
func (l *keyLocks) lock(lane model.Lane, targetID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	k := string(lane) + "/" + targetID
	mu, ok := l.m[k]
	if !ok {
		mu = new(sync.Mutex)
		l.m[k] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Seed creates an ai_pending key for a target if none exists yet. The
// pipeline seeds keys as consensus lands; operations on unseeded keys
// create them implicitly.
func (s *Service) Seed(ctx context.Context, lane model.Lane, kind model.TargetKind, targetID, value string, confidence float64) (*model.KeyReview, error) {
	defer s.locks.lock(lane, targetID)()

	kr, err := s.store.GetKeyReview(ctx, lane, targetID)
	if err != nil {
		return nil, err
	}
	if kr != nil {
		return kr, nil
	}
	kr = &model.KeyReview{
		ID:            uuid.NewString(),
		Lane:          lane,
		TargetKind:    kind,
		TargetID:      targetID,
		AIStatus:      model.AIPending,
		Decision:      model.DecisionNone,
		SelectedValue: value,
		Confidence:    confidence,
		UpdatedAt:     s.now().UTC(),
	}
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	return kr, nil
}

// PrimaryAccept accepts a candidate on the item lane: the key's
// selected candidate and value mirror the candidate, and the item is
// linked to the canonical row for the value when the field carries a
// link kind and a canonical row already exists. Acceptance never
// creates or mutates canonical rows; without one the item stays
// unlinked. Accept never touches the AI confirmation half.
func (s *Service) PrimaryAccept(ctx context.Context, productID, fieldKey, candidateID string, link LinkKind) (*model.KeyReview, error) {
	cand, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, eris.Errorf("review: candidate %s not found", candidateID)
	}
	if cand.FieldKey != fieldKey {
		return nil, eris.Errorf("review: candidate %s belongs to field %s, not %s", candidateID, cand.FieldKey, fieldKey)
	}

	targetID := model.GridKeyID(productID, fieldKey)
	defer s.locks.lock(model.LanePrimary, targetID)()

	kr, err := s.loadOrInit(ctx, model.LanePrimary, model.TargetGrid, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionAccepted
	kr.SelectedCandidateID = cand.ID
	kr.SelectedValue = cand.ValueNorm
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	if err := s.syncItemLink(ctx, productID, fieldKey, cand.ValueNorm, link); err != nil {
		return nil, err
	}

	return kr, s.audit(ctx, model.LanePrimary, model.TargetGrid, targetID, "accept", cand.ID, cand.ValueNorm, "")
}

// syncItemLink points the item at the canonical row matching valueNorm,
// or drops any stale link when no row exists.
func (s *Service) syncItemLink(ctx context.Context, productID, fieldKey, valueNorm string, link LinkKind) error {
	switch link {
	case LinkEnum:
		lv, err := s.store.GetListValueByNorm(ctx, fieldKey, valueNorm)
		if err != nil {
			return err
		}
		if lv == nil {
			return s.store.UnlinkItem(ctx, productID, fieldKey)
		}
		return s.store.LinkItem(ctx, &model.ItemLink{
			ProductID:   productID,
			FieldKey:    fieldKey,
			ListValueID: lv.ID,
			LinkedAt:    s.now().UTC(),
		})
	case LinkComponent:
		comp, err := s.store.GetComponentByNorm(ctx, fieldKey, valueNorm)
		if err != nil {
			return err
		}
		if comp == nil {
			return s.store.UnlinkComponent(ctx, productID, fieldKey)
		}
		return s.store.LinkComponent(ctx, &model.ComponentLink{
			ProductID:   productID,
			FieldKey:    fieldKey,
			ComponentID: comp.ID,
			LinkedAt:    s.now().UTC(),
		})
	default:
		return nil
	}
}

// PrimaryConfirm clears the AI-pending flag on the item lane. The
// selected value is never mutated by confirmation.
func (s *Service) PrimaryConfirm(ctx context.Context, productID, fieldKey string) (*model.KeyReview, error) {
	return s.confirm(ctx, model.LanePrimary, model.TargetGrid, model.GridKeyID(productID, fieldKey))
}

// PrimaryOverride replaces the item value by hand. The candidate link
// and any canonical item link are detached; shared state is never
// touched.
func (s *Service) PrimaryOverride(ctx context.Context, productID, fieldKey, value string) (*model.KeyReview, error) {
	targetID := model.GridKeyID(productID, fieldKey)
	defer s.locks.lock(model.LanePrimary, targetID)()

	kr, err := s.loadOrInit(ctx, model.LanePrimary, model.TargetGrid, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionOverridden
	kr.SelectedCandidateID = ""
	kr.SelectedValue = value
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	if err := s.store.UnlinkItem(ctx, productID, fieldKey); err != nil {
		return nil, err
	}
	if err := s.store.UnlinkComponent(ctx, productID, fieldKey); err != nil {
		return nil, err
	}
	return kr, s.audit(ctx, model.LanePrimary, model.TargetGrid, targetID, "override", "", value, "item link detached")
}

// ItemRef names one product's resolved value for a field, used by the
// shared lane to sync enum links.
type ItemRef struct {
	ProductID string
	ValueNorm string
}

// SharedAccept accepts a candidate on the shared enum lane and re-links
// every item whose item lane resolves to the same normalized value.
// The accept selects an existing canonical row; it never creates one.
// Without a row the decision still lands and every item stays unlinked.
// Items overridden by hand keep their detachment.
func (s *Service) SharedAccept(ctx context.Context, fieldKey, candidateID string, items []ItemRef) (*model.KeyReview, error) {
	cand, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, eris.Errorf("review: candidate %s not found", candidateID)
	}

	lv, err := s.store.GetListValueByNorm(ctx, fieldKey, cand.ValueNorm)
	if err != nil {
		return nil, err
	}

	targetID := model.EnumKeyID(fieldKey, cand.ValueNorm)
	defer s.locks.lock(model.LaneShared, targetID)()

	kr, err := s.loadOrInit(ctx, model.LaneShared, model.TargetEnum, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionAccepted
	kr.SelectedCandidateID = cand.ID
	kr.SelectedValue = cand.ValueNorm
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}

	if lv == nil {
		return kr, s.audit(ctx, model.LaneShared, model.TargetEnum, targetID, "accept", cand.ID, cand.ValueNorm, "no canonical row; items unlinked")
	}

	relinked := 0
	for _, item := range items {
		if item.ValueNorm != cand.ValueNorm {
			continue
		}
		// The item key's lock pins its decision for the guarded link:
		// a concurrent override keeps its detachment.
		itemKey := model.GridKeyID(item.ProductID, fieldKey)
		release := s.locks.lock(model.LanePrimary, itemKey)
		itemKR, err := s.store.GetKeyReview(ctx, model.LanePrimary, itemKey)
		if err != nil {
			release()
			return nil, err
		}
		if itemKR != nil && itemKR.Decision == model.DecisionOverridden {
			release()
			continue
		}
		err = s.store.LinkItem(ctx, &model.ItemLink{
			ProductID:   item.ProductID,
			FieldKey:    fieldKey,
			ListValueID: lv.ID,
			LinkedAt:    s.now().UTC(),
		})
		release()
		if err != nil {
			return nil, err
		}
		relinked++
	}

	return kr, s.audit(ctx, model.LaneShared, model.TargetEnum, targetID, "accept", cand.ID, cand.ValueNorm, relinkDetail(relinked))
}

// SharedConfirm clears the AI-pending flag on a shared enum key.
func (s *Service) SharedConfirm(ctx context.Context, fieldKey, valueNorm string) (*model.KeyReview, error) {
	return s.confirm(ctx, model.LaneShared, model.TargetEnum, model.EnumKeyID(fieldKey, valueNorm))
}

// SharedOverride replaces a canonical enum value by hand: the list row
// is renamed in place, so attached item links follow it without being
// rewritten. Detached (overridden) items stay detached.
func (s *Service) SharedOverride(ctx context.Context, listValueID, display, valueNorm string) (*model.KeyReview, error) {
	lv, err := s.store.GetListValue(ctx, listValueID)
	if err != nil {
		return nil, err
	}
	if lv == nil {
		return nil, eris.Errorf("review: list value %s not found", listValueID)
	}
	oldNorm := lv.ValueNorm
	targetID := model.EnumKeyID(lv.FieldKey, valueNorm)
	defer s.locks.lock(model.LaneShared, targetID)()

	if err := s.store.RenameListValue(ctx, listValueID, display, valueNorm); err != nil {
		return nil, err
	}

	kr, err := s.loadOrInit(ctx, model.LaneShared, model.TargetEnum, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionOverridden
	kr.SelectedCandidateID = ""
	kr.SelectedValue = valueNorm
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	return kr, s.audit(ctx, model.LaneShared, model.TargetEnum, targetID, "rename", "", valueNorm, "was "+oldNorm)
}

// ComponentAccept accepts a candidate for a canonical component's name
// on the shared lane and re-links every item whose item lane resolves
// to the same normalized name. The component row is addressed by id
// and must exist. Items overridden by hand keep their detachment.
func (s *Service) ComponentAccept(ctx context.Context, componentID, candidateID string, items []ItemRef) (*model.KeyReview, error) {
	cand, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, eris.Errorf("review: candidate %s not found", candidateID)
	}
	comp, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	if comp == nil {
		return nil, eris.Errorf("review: component %s not found", componentID)
	}

	targetID := model.ComponentKeyID(componentID, model.ComponentNameProperty)
	defer s.locks.lock(model.LaneShared, targetID)()

	kr, err := s.loadOrInit(ctx, model.LaneShared, model.TargetComponent, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionAccepted
	kr.SelectedCandidateID = cand.ID
	kr.SelectedValue = cand.ValueNorm
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}

	relinked := 0
	for _, item := range items {
		if item.ValueNorm != cand.ValueNorm {
			continue
		}
		itemKey := model.GridKeyID(item.ProductID, comp.Kind)
		release := s.locks.lock(model.LanePrimary, itemKey)
		itemKR, err := s.store.GetKeyReview(ctx, model.LanePrimary, itemKey)
		if err != nil {
			release()
			return nil, err
		}
		if itemKR != nil && itemKR.Decision == model.DecisionOverridden {
			release()
			continue
		}
		err = s.store.LinkComponent(ctx, &model.ComponentLink{
			ProductID:   item.ProductID,
			FieldKey:    comp.Kind,
			ComponentID: comp.ID,
			LinkedAt:    s.now().UTC(),
		})
		release()
		if err != nil {
			return nil, err
		}
		relinked++
	}

	return kr, s.audit(ctx, model.LaneShared, model.TargetComponent, targetID, "accept", cand.ID, cand.ValueNorm, relinkDetail(relinked))
}

// ComponentConfirm clears the AI-pending flag on a shared component
// property key.
func (s *Service) ComponentConfirm(ctx context.Context, componentID, property string) (*model.KeyReview, error) {
	return s.confirm(ctx, model.LaneShared, model.TargetComponent, model.ComponentKeyID(componentID, property))
}

// ComponentOverride renames a canonical component in place, so attached
// item links follow it without being rewritten. Detached (overridden)
// items stay detached.
func (s *Service) ComponentOverride(ctx context.Context, componentID, name, nameNorm string) (*model.KeyReview, error) {
	comp, err := s.store.GetComponent(ctx, componentID)
	if err != nil {
		return nil, err
	}
	if comp == nil {
		return nil, eris.Errorf("review: component %s not found", componentID)
	}
	oldNorm := comp.NameNorm
	targetID := model.ComponentKeyID(componentID, model.ComponentNameProperty)
	defer s.locks.lock(model.LaneShared, targetID)()

	if err := s.store.RenameComponent(ctx, componentID, name, nameNorm); err != nil {
		return nil, err
	}

	kr, err := s.loadOrInit(ctx, model.LaneShared, model.TargetComponent, targetID)
	if err != nil {
		return nil, err
	}
	kr.Decision = model.DecisionOverridden
	kr.SelectedCandidateID = ""
	kr.SelectedValue = nameNorm
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	return kr, s.audit(ctx, model.LaneShared, model.TargetComponent, targetID, "rename", "", nameNorm, "was "+oldNorm)
}

func (s *Service) confirm(ctx context.Context, lane model.Lane, kind model.TargetKind, targetID string) (*model.KeyReview, error) {
	defer s.locks.lock(lane, targetID)()

	kr, err := s.loadOrInit(ctx, lane, kind, targetID)
	if err != nil {
		return nil, err
	}
	kr.AIStatus = model.AIConfirmed
	kr.UpdatedAt = s.now().UTC()
	if err := s.store.PutKeyReview(ctx, kr); err != nil {
		return nil, err
	}
	return kr, s.audit(ctx, lane, kind, targetID, "confirm", "", "", "")
}

func (s *Service) loadOrInit(ctx context.Context, lane model.Lane, kind model.TargetKind, targetID string) (*model.KeyReview, error) {
	kr, err := s.store.GetKeyReview(ctx, lane, targetID)
	if err != nil {
		return nil, err
	}
	if kr == nil {
		kr = &model.KeyReview{
			ID:         uuid.NewString(),
			Lane:       lane,
			TargetKind: kind,
			TargetID:   targetID,
			AIStatus:   model.AIPending,
			Decision:   model.DecisionNone,
		}
	}
	return kr, nil
}

func (s *Service) audit(ctx context.Context, lane model.Lane, kind model.TargetKind, targetID, action, candidateID, value, detail string) error {
	return s.store.AppendAudit(ctx, &model.AuditEvent{
		ID:          uuid.NewString(),
		Lane:        lane,
		TargetKind:  kind,
		TargetID:    targetID,
		Action:      action,
		CandidateID: candidateID,
		Value:       value,
		Detail:      detail,
		At:          s.now().UTC(),
	})
}

func relinkDetail(n int) string {
	if n == 0 {
		return ""
	}
	if n == 1 {
		return "relinked 1 item"
	}
	return "relinked " + strconv.Itoa(n) + " items"
}
