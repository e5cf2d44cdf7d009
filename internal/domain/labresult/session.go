package labresult

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/db"
)

// SessionDeps are the collaborators shared by every form session.
type SessionDeps struct {
	Loader      *ParameterLoader
	Coordinator *Coordinator
	Log         zerolog.Logger
}

// SessionView is a point-in-time copy of a session for rendering.
type SessionView struct {
	ID       uuid.UUID        `json:"id"`
	Edit     bool             `json:"edit"`
	ResultID *uuid.UUID       `json:"result_id,omitempty"`
	Fields   HeaderFields     `json:"fields"`
	Original *ResultHeader    `json:"original,omitempty"`
	Panel    []SelectionEntry `json:"panel"`
	Loading  bool             `json:"loading"`
	Closed   bool             `json:"closed"`
}

// DraftState is everything needed to resume a suspended session.
type DraftState struct {
	SessionID uuid.UUID        `json:"session_id"`
	Fields    HeaderFields     `json:"fields"`
	Original  *ResultHeader    `json:"original,omitempty"`
	Snapshot  []StoredValue    `json:"snapshot"`
	Entries   []SelectionEntry `json:"entries"`
	SavedAt   time.Time        `json:"saved_at"`
}

type inflight struct {
	generation uint64
	cancel     context.CancelFunc
}

// Session owns the panel of one result form. It is the only writer of that
// panel: every mutation swaps in a new immutable Panel under the session
// lock, and parameter loads commit through the same lock. Loads that finish
// after Close are dropped.
type Session struct {
	id     uuid.UUID
	tenant string
	deps   SessionDeps
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	panel      *Panel
	fields     HeaderFields
	original   *ResultHeader
	snapshot   Snapshot
	loads      map[uuid.UUID]inflight
	insertIDs  InsertIDs
	submitting bool
	closed     bool
	lastActive time.Time
	changes    chan struct{}
}

func newSession(id uuid.UUID, tenant string, deps SessionDeps, panel *Panel) *Session {
	base := context.Background()
	if tenant != "" {
		base = db.WithTenant(base, tenant)
	}
	ctx, cancel := context.WithCancel(base)
	return &Session{
		id:         id,
		tenant:     tenant,
		deps:       deps,
		log:        deps.Log.With().Str("session_id", id.String()).Str("tenant_id", tenant).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		panel:      panel,
		loads:      make(map[uuid.UUID]inflight),
		insertIDs:  make(InsertIDs),
		lastActive: time.Now(),
		changes:    make(chan struct{}, 1),
	}
}

// NewSession opens a form for a new result. Parameter loads run with the
// tenant on their context.
func NewSession(id uuid.UUID, tenant string, deps SessionDeps) *Session {
	return newSession(id, tenant, deps, NewPanel())
}

// NewEditSession opens a form over a hydrated result.
func NewEditSession(id uuid.UUID, tenant string, deps SessionDeps, h *Hydration) *Session {
	s := newSession(id, tenant, deps, h.Panel)
	s.original = h.Header
	s.snapshot = h.Snapshot
	s.fields = FieldsFromHeader(h.Header)
	return s
}

// ResumeSession reopens a suspended form. Every selection reloads its
// parameter definitions, keeping the values and visibility it had.
func ResumeSession(tenant string, deps SessionDeps, d DraftState) *Session {
	panel, tickets := ResumePanel(d.Entries)
	s := newSession(d.SessionID, tenant, deps, panel)
	s.fields = d.Fields
	s.original = d.Original
	s.snapshot = NewSnapshot(d.Snapshot)
	s.mu.Lock()
	for _, t := range tickets {
		s.startLoadLocked(t)
	}
	s.mu.Unlock()
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Tenant returns the tenant the session was opened for.
func (s *Session) Tenant() string { return s.tenant }

// Changes is signalled after every panel change, including load commits.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Panel returns the current panel. The returned value never changes.
func (s *Session) Panel() *Panel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panel
}

// View returns a copy of the session state.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		ID:      s.id,
		Edit:    s.original != nil,
		Fields:  s.fields,
		Panel:   s.panel.Entries(),
		Loading: len(s.panel.Loading()) > 0,
		Closed:  s.closed,
	}
	if s.original != nil {
		h := *s.original
		v.Original = &h
		v.ResultID = &h.ID
	}
	return v
}

// Draft captures the session for suspension.
func (s *Session) Draft() DraftState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := DraftState{
		SessionID: s.id,
		Fields:    s.fields,
		Snapshot:  s.snapshot.Values(),
		Entries:   s.panel.Entries(),
		SavedAt:   time.Now().UTC(),
	}
	if s.original != nil {
		h := *s.original
		d.Original = &h
	}
	return d
}

// LastActive returns the time of the last operation on the session.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// writableLocked reports why the form cannot change now, if it cannot.
// Caller holds mu.
func (s *Session) writableLocked() error {
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.submitting:
		return ErrSubmitInProgress
	}
	return nil
}

// mutate runs fn under the lock and publishes its panel.
func (s *Session) mutate(fn func(p *Panel) *Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	s.lastActive = time.Now()
	next := fn(s.panel)
	if next != s.panel {
		s.panel = next
		s.notify()
	}
	return nil
}

// SetFields replaces the header inputs.
func (s *Session) SetFields(f HeaderFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	s.lastActive = time.Now()
	if s.fields != f {
		s.fields = f
		s.notify()
	}
	return nil
}

// Select checks a test type and starts loading its parameters.
func (s *Session) Select(typeID uuid.UUID) error {
	return s.mutate(func(p *Panel) *Panel {
		next, ticket, ok := p.Select(typeID)
		if ok {
			s.startLoadLocked(ticket)
		}
		return next
	})
}

// Reload refetches the parameters of a ready or failed selection.
func (s *Session) Reload(typeID uuid.UUID) error {
	return s.mutate(func(p *Panel) *Panel {
		next, ticket, ok := p.Reload(typeID)
		if ok {
			s.startLoadLocked(ticket)
		}
		return next
	})
}

// Deselect unchecks a test type and cancels its in-flight load.
func (s *Session) Deselect(typeID uuid.UUID) error {
	return s.mutate(func(p *Panel) *Panel {
		if l, ok := s.loads[typeID]; ok {
			l.cancel()
			delete(s.loads, typeID)
		}
		return p.Deselect(typeID)
	})
}

func (s *Session) SetValue(typeID, paramID uuid.UUID, value string) error {
	return s.mutate(func(p *Panel) *Panel {
		return p.SetValue(typeID, paramID, value)
	})
}

func (s *Session) RemoveParameter(typeID, paramID uuid.UUID) error {
	return s.mutate(func(p *Panel) *Panel {
		return p.RemoveParameter(typeID, paramID)
	})
}

// startLoadLocked fetches parameters for a ticket on its own goroutine. A
// load already in flight for the same type is cancelled. Caller holds mu.
func (s *Session) startLoadLocked(t LoadTicket) {
	if prev, ok := s.loads[t.TypeID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.loads[t.TypeID] = inflight{generation: t.Generation, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.commit(s.deps.Loader.Fetch(ctx, t))
	}()
}

func (s *Session) commit(o LoadOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loads[o.Ticket.TypeID]; ok && l.generation == o.Ticket.Generation {
		delete(s.loads, o.Ticket.TypeID)
	}
	if s.closed {
		s.log.Debug().Str("test_type_id", o.Ticket.TypeID.String()).Msg("dropped load for closed session")
		return
	}
	next, ok := s.deps.Loader.Apply(s.panel, o)
	if ok {
		s.panel = next
		s.notify()
	}
}

// Wait blocks until every load started so far has committed or been dropped.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Submit persists the form. Only one submit runs at a time, and the form
// rejects changes until it returns. A successful submit closes the session.
// When a create fails after its header was committed, the session switches
// to editing that header so a retry updates it instead of inserting another.
// New values keep their row ids across retries.
func (s *Session) Submit(ctx context.Context) (uuid.UUID, error) {
	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return uuid.Nil, err
	}
	s.submitting = true
	s.lastActive = time.Now()
	panel, fields, snap, original := s.panel, s.fields, s.snapshot, s.original
	s.mu.Unlock()

	id, err := s.deps.Coordinator.Resubmit(ctx, fields, panel, snap, original, s.insertIDs)

	s.mu.Lock()
	s.submitting = false
	if err != nil {
		var pe *PersistenceError
		if errors.As(err, &pe) && pe.Header != nil && original == nil {
			s.original = pe.Header
			s.notify()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return uuid.Nil, err
	}
	s.Close()
	return id, nil
}

// Close cancels in-flight loads and rejects further operations. It is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.loads = make(map[uuid.UUID]inflight)
	s.notify()
	s.mu.Unlock()
	s.cancel()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
