package labresult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/draft"
)

// DraftStore keeps suspended sessions. *draft.Store implements it.
type DraftStore interface {
	Put(tenant, id string, v interface{}) error
	Get(tenant, id string, v interface{}) error
	Delete(tenant, id string) error
	List(tenant string) ([]draft.Summary, error)
}

// ErrDraftsDisabled is returned by draft operations when no store is wired.
var ErrDraftsDisabled = errors.New("drafts are disabled")

// ErrDraftNotFound is returned for unknown draft ids.
var ErrDraftNotFound = errors.New("draft not found")

// ResultDetail is the read model of a persisted result.
type ResultDetail struct {
	Header *ResultHeader `json:"header"`
	Values []StoredValue `json:"values"`
}

type Service struct {
	catalog       Catalog
	results       ResultRepository
	sessions      *Manager
	drafts        DraftStore
	submitTimeout time.Duration
	log           zerolog.Logger
}

func NewService(catalog Catalog, results ResultRepository, sessions *Manager, drafts DraftStore, submitTimeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		catalog:       catalog,
		results:       results,
		sessions:      sessions,
		drafts:        drafts,
		submitTimeout: submitTimeout,
		log:           log,
	}
}

// -- Result Status Workflow --

// resultTransitions defines valid status transitions for a result header.
var resultTransitions = map[string][]string{
	StatusPending:   {StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusDelivered, StatusCancelled},
	StatusDelivered: {},
	StatusCancelled: {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to string) error {
	allowed, ok := resultTransitions[from]
	if !ok {
		return fmt.Errorf("unknown from-status: %s", from)
	}
	if _, ok := resultTransitions[to]; !ok {
		return fmt.Errorf("unknown status: %s", to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition from %s to %s", from, to)
}

// ErrInvalidTransition wraps rejected status changes.
var ErrInvalidTransition = errors.New("invalid status transition")

func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, to string) (*ResultHeader, error) {
	h, err := s.results.GetHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(h.Status, to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := s.results.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	s.log.Info().Str("result_id", id.String()).Str("from", h.Status).Str("to", to).Msg("result status changed")
	return s.results.GetHeader(ctx, id)
}

// GetResult returns a header with its stored values.
func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*ResultDetail, error) {
	h, err := s.results.GetHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	values, err := s.results.ListValues(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ResultDetail{Header: h, Values: values}, nil
}

// -- Catalog --

func (s *Service) ListTestTypes(ctx context.Context, limit, offset int) ([]TestType, error) {
	return s.catalog.ListTestTypesPage(ctx, limit, offset)
}

func (s *Service) ListCategories(ctx context.Context) ([]TestCategoryView, error) {
	return s.catalog.ListCategories(ctx)
}

func (s *Service) ListParameters(ctx context.Context, typeID uuid.UUID) ([]TestParameter, error) {
	return s.catalog.ListParameters(ctx, typeID)
}

func (s *Service) ListDoctors(ctx context.Context) ([]Party, error) {
	return s.catalog.ListDoctors(ctx)
}

func (s *Service) ListPatients(ctx context.Context) ([]Party, error) {
	return s.catalog.ListPatients(ctx)
}

// -- Sessions --

// OpenSession starts a form, editing resultID when it is non-nil.
func (s *Service) OpenSession(ctx context.Context, tenant string, resultID *uuid.UUID) (*Session, error) {
	if resultID == nil {
		return s.sessions.Open(tenant), nil
	}
	return s.sessions.OpenEdit(ctx, tenant, *resultID)
}

func (s *Service) Session(tenant string, id uuid.UUID) (*Session, error) {
	return s.sessions.Get(tenant, id)
}

func (s *Service) CloseSession(tenant string, id uuid.UUID) error {
	return s.sessions.Close(tenant, id)
}

// SubmitSession persists a session under the configured submit timeout. A
// draft saved for the session is discarded once the submit succeeds.
func (s *Service) SubmitSession(ctx context.Context, tenant string, id uuid.UUID) (uuid.UUID, error) {
	sess, err := s.sessions.Get(tenant, id)
	if err != nil {
		return uuid.Nil, err
	}
	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}
	resultID, err := sess.Submit(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	_ = s.sessions.Close(tenant, id)
	if s.drafts != nil {
		if err := s.drafts.Delete(tenant, id.String()); err != nil {
			s.log.Warn().Err(err).Str("session_id", id.String()).Msg("discard draft after submit")
		}
	}
	return resultID, nil
}

// -- Drafts --

// SuspendSession saves a session as a draft and closes it.
func (s *Service) SuspendSession(tenant string, id uuid.UUID) (DraftState, error) {
	if s.drafts == nil {
		return DraftState{}, ErrDraftsDisabled
	}
	sess, err := s.sessions.Get(tenant, id)
	if err != nil {
		return DraftState{}, err
	}
	d := sess.Draft()
	if err := s.drafts.Put(tenant, id.String(), d); err != nil {
		return DraftState{}, fmt.Errorf("suspend session %s: %w", id, err)
	}
	_ = s.sessions.Close(tenant, id)
	s.log.Info().Str("session_id", id.String()).Int("selections", len(d.Entries)).Msg("session suspended")
	return d, nil
}

// ResumeDraft reopens a draft as a live session and removes the draft.
func (s *Service) ResumeDraft(tenant string, id uuid.UUID) (*Session, error) {
	if s.drafts == nil {
		return nil, ErrDraftsDisabled
	}
	var d DraftState
	if err := s.drafts.Get(tenant, id.String(), &d); err != nil {
		if errors.Is(err, draft.ErrNotFound) {
			return nil, fmt.Errorf("draft %s: %w", id, ErrDraftNotFound)
		}
		return nil, err
	}
	sess := s.sessions.Resume(tenant, d)
	if err := s.drafts.Delete(tenant, id.String()); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("discard resumed draft")
	}
	return sess, nil
}

func (s *Service) ListDrafts(tenant string) ([]draft.Summary, error) {
	if s.drafts == nil {
		return nil, ErrDraftsDisabled
	}
	return s.drafts.List(tenant)
}

func (s *Service) DeleteDraft(tenant string, id uuid.UUID) error {
	if s.drafts == nil {
		return ErrDraftsDisabled
	}
	return s.drafts.Delete(tenant, id.String())
}
