package labresult

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labdesk/labdesk/internal/platform/telemetry"
)

// Manager is the registry of open form sessions.
type Manager struct {
	deps     SessionDeps
	hydrator *Hydrator
	idle     time.Duration
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a registry. Sessions untouched for longer than idle are
// closed by Sweep; a zero idle disables sweeping.
func NewManager(deps SessionDeps, hydrator *Hydrator, idle time.Duration, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		deps:     deps,
		hydrator: hydrator,
		idle:     idle,
		metrics:  metrics,
		log:      deps.Log,
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (m *Manager) register(s *Session) *Session {
	m.mu.Lock()
	prev := m.sessions[s.ID()]
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	} else {
		m.metrics.SessionOpened()
	}
	return s
}

// Open starts a session for a new result.
func (m *Manager) Open(tenant string) *Session {
	return m.register(NewSession(uuid.New(), tenant, m.deps))
}

// OpenEdit hydrates an existing result into a new session.
func (m *Manager) OpenEdit(ctx context.Context, tenant string, resultID uuid.UUID) (*Session, error) {
	h, err := m.hydrator.Hydrate(ctx, resultID)
	if err != nil {
		return nil, err
	}
	return m.register(NewEditSession(uuid.New(), tenant, m.deps, h)), nil
}

// Resume reopens a suspended session under its original id, replacing any
// session still open with that id.
func (m *Manager) Resume(tenant string, d DraftState) *Session {
	return m.register(ResumeSession(tenant, m.deps, d))
}

// Get returns an open session of tenant. Sessions of other tenants are
// reported as not found.
func (m *Manager) Get(tenant string, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.Tenant() != tenant {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if s.Closed() {
		m.remove(id, s)
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Close closes and forgets a session of tenant.
func (m *Manager) Close(tenant string, id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.Tenant() != tenant {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	s.Close()
	m.remove(id, s)
	return nil
}

func (m *Manager) remove(id uuid.UUID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
		m.metrics.SessionClosed()
	}
}

// Len is the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now-idle and forgets closed ones.
// It returns how many sessions were removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	candidates := make(map[uuid.UUID]*Session, len(m.sessions))
	for id, s := range m.sessions {
		candidates[id] = s
	}
	m.mu.Unlock()

	removed := 0
	for id, s := range candidates {
		expired := m.idle > 0 && now.Sub(s.LastActive()) > m.idle
		if !expired && !s.Closed() {
			continue
		}
		if expired {
			m.log.Info().Str("session_id", id.String()).Msg("closing idle session")
		}
		s.Close()
		m.remove(id, s)
		removed++
	}
	return removed
}

// Run sweeps periodically until ctx is done, then closes every session.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.log.Debug().Int("removed", n).Msg("session sweep")
			}
		}
	}
}

// CloseAll closes every registered session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
		m.metrics.SessionClosed()
	}
}
