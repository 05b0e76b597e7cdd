package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/netfabriclabs/netem-core/internal/logging"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// ManagerMetrics receives session-count gauge updates.
type ManagerMetrics interface {
	SetSessionCount(n int)
}

// Manager owns the set of live sessions and allocates their IDs.
type Manager struct {
	mu sync.RWMutex

	sessions map[int32]*Session
	nextID   int32

	log     logging.Logger
	metrics ManagerMetrics
	opts    []Option
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a session-count recorder.
func WithManagerMetrics(m ManagerMetrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSessionOptions sets the options applied to every created session.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(mgr *Manager) { mgr.opts = opts }
}

// NewManager creates an empty session manager.
func NewManager(log logging.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{
		sessions: make(map[int32]*Session),
		nextID:   1,
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateSession creates a session. A non-positive id requests
// auto-assignment starting from 1.
func (m *Manager) CreateSession(id int32) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id <= 0 {
		for {
			id = m.nextID
			m.nextID++
			if _, taken := m.sessions[id]; !taken {
				break
			}
		}
	} else if _, taken := m.sessions[id]; taken {
		return nil, fmt.Errorf("%w: %d", ErrSessionExists, id)
	}

	s := New(id, m.log, m.opts...)
	m.sessions[id] = s
	m.updateMetricsLocked()

	m.log.Info(context.Background(), "session created", logging.Int32("session_id", id))
	return s, nil
}

// GetSession looks a session up by ID.
func (m *Manager) GetSession(id int32) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns all sessions ordered by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeleteSession shuts a session down and removes it. The session is
// driven to Shutdown first so node resources are released, then its
// broadcast hub is closed, dropping all subscribers.
func (m *Manager) DeleteSession(ctx context.Context, id int32) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.updateMetricsLocked()
	m.mu.Unlock()

	if s.State() != Shutdown {
		if err := s.SetState(ctx, Shutdown); err != nil {
			m.log.Warn(ctx, "shutdown on delete failed",
				logging.Int32("session_id", id), logging.Err(err))
		}
	}
	s.Close()

	m.log.Info(ctx, "session deleted", logging.Int32("session_id", id))
	return nil
}

// Shutdown tears every session down. Used at process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.Sessions() {
		if err := m.DeleteSession(ctx, s.ID()); err != nil {
			m.log.Warn(ctx, "session teardown failed",
				logging.Int32("session_id", s.ID()), logging.Err(err))
		}
	}
}

func (m *Manager) updateMetricsLocked() {
	if m.metrics != nil {
		m.metrics.SetSessionCount(len(m.sessions))
	}
}
