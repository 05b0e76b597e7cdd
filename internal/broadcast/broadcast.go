package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/netfabriclabs/netem-core/internal/logging"
)

// ErrClosed indicates the manager has been shut down and no longer
// accepts registrations.
var ErrClosed = errors.New("broadcast manager is closed")

// Handler consumes a published payload. Handlers run synchronously on
// the publisher's goroutine and must not block; queue-backed handlers
// enqueue with a non-blocking send.
type Handler func(Data)

// Registration is the token returned by AddHandler; removal is by
// token, which sidesteps Go's lack of function comparability.
type Registration struct {
	id string
	t  Type
	fn Handler
}

// MetricsRecorder receives publish/fan-out accounting. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	EventPublished(t Type)
	HandlerFailure(t Type)
}

// Manager is the typed publish/subscribe hub owned by a session. It is
// an explicit object handed to producers and consumers; there is no
// process-global registry.
//
// Registration changes never corrupt an in-flight fan-out: Publish
// snapshots the handler list under a read lock and dispatches to the
// snapshot, so a handler registered after a publish never sees that
// event and removal takes effect for subsequent publishes.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Type][]*Registration
	closed   bool

	log     logging.Logger
	metrics MetricsRecorder
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithMetricsRecorder attaches a fan-out metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) ManagerOption {
	return func(b *Manager) {
		b.metrics = m
	}
}

// NewManager creates an empty hub.
func NewManager(log logging.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	m := &Manager{
		handlers: make(map[Type][]*Registration),
		log:      log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AddHandler registers fn under t. Handlers for a type are invoked in
// registration order. The returned token removes this registration.
func (m *Manager) AddHandler(t Type, fn Handler) (*Registration, error) {
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	reg := &Registration{id: uuid.NewString(), t: t, fn: fn}
	m.handlers[t] = append(m.handlers[t], reg)
	return reg, nil
}

// RemoveHandler deregisters the token. Removing a token that is not
// registered (or removing twice) is a no-op.
func (m *Manager) RemoveHandler(reg *Registration) {
	if reg == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regs := m.handlers[reg.t]
	for i, r := range regs {
		if r.id == reg.id {
			// Copy-on-write removal: an in-flight fan-out iterating the
			// old slice is unaffected.
			next := make([]*Registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			m.handlers[reg.t] = next
			return
		}
	}
}

// HandlerCount returns the number of live registrations for t.
func (m *Manager) HandlerCount(t Type) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[t])
}

// Publish dispatches d synchronously to every handler registered for
// its type at the moment of the snapshot. Delivery is at-most-once per
// handler per call; a panicking handler is isolated and logged, and
// never prevents delivery to the remaining handlers or propagates to
// the publisher.
func (m *Manager) Publish(d Data) {
	if d == nil {
		return
	}
	t := d.BroadcastType()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	regs := m.handlers[t]
	m.mu.RUnlock()

	if m.metrics != nil {
		m.metrics.EventPublished(t)
	}

	for _, reg := range regs {
		m.invoke(reg, d)
	}
}

func (m *Manager) invoke(reg *Registration, d Data) {
	defer func() {
		if r := recover(); r != nil {
			if m.metrics != nil {
				m.metrics.HandlerFailure(d.BroadcastType())
			}
			m.log.Error(context.Background(), "broadcast handler panicked",
				logging.String("type", d.BroadcastType().String()),
				logging.Any("panic", r),
			)
		}
	}()
	reg.fn(d)
}

// Close removes all registrations and rejects future ones. Publishing
// after Close is a silent no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.handlers = make(map[Type][]*Registration)
}
