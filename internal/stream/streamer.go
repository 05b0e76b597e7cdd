package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netfabriclabs/netem-core/internal/broadcast"
	"github.com/netfabriclabs/netem-core/internal/logging"
)

const (
	// DefaultQueueSize bounds the per-consumer buffer between the
	// broadcast hub and the consumer's read loop.
	DefaultQueueSize = 256

	// DefaultPollTimeout is how long Process waits for an event before
	// returning empty, giving the caller a chance to notice disconnects.
	DefaultPollTimeout = time.Second
)

// MetricsRecorder observes per-streamer queue behavior.
type MetricsRecorder interface {
	StreamOpened()
	StreamClosed()
	EventDropped()
}

// Streamer bridges one consumer onto a session's broadcast hub. Its
// handlers never block the publishing side: when the consumer falls
// behind and the queue fills, events are dropped and counted.
type Streamer struct {
	id        string
	sessionID int32
	queue     chan broadcast.Data
	timeout   time.Duration

	hub  *broadcast.Manager
	regs []*broadcast.Registration

	log     logging.Logger
	metrics MetricsRecorder

	closeOnce sync.Once
}

// Option customises Streamer construction.
type Option func(*Streamer)

// WithQueueSize overrides the event buffer depth.
func WithQueueSize(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.queue = make(chan broadcast.Data, n)
		}
	}
}

// WithPollTimeout overrides how long Process waits before returning empty.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetricsRecorder attaches a stream/queue recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Streamer) { s.metrics = m }
}

// New subscribes a streamer to the hub for the requested event types.
// Registration is all-or-nothing: a failure mid-way (hub closed)
// unwinds any handlers already added. An empty types slice subscribes
// to everything.
func New(sessionID int32, hub *broadcast.Manager, types []EventType, log logging.Logger, opts ...Option) (*Streamer, error) {
	if log == nil {
		log = logging.Noop()
	}
	if len(types) == 0 {
		types = AllEventTypes()
	}

	s := &Streamer{
		id:        uuid.NewString(),
		sessionID: sessionID,
		timeout:   DefaultPollTimeout,
		hub:       hub,
	}
	s.log = log.With(
		logging.Int32("session_id", sessionID),
		logging.String("stream_id", s.id),
	)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.queue == nil {
		s.queue = make(chan broadcast.Data, DefaultQueueSize)
	}

	for _, t := range types {
		reg, err := hub.AddHandler(t.broadcastType(), s.enqueue)
		if err != nil {
			for _, r := range s.regs {
				hub.RemoveHandler(r)
			}
			return nil, fmt.Errorf("subscribing %s events: %w", t, err)
		}
		s.regs = append(s.regs, reg)
	}

	if s.metrics != nil {
		s.metrics.StreamOpened()
	}
	return s, nil
}

// ID returns the streamer's unique identifier.
func (s *Streamer) ID() string { return s.id }

// enqueue is the broadcast handler. Non-blocking: a full queue drops
// the event rather than stalling the publisher.
func (s *Streamer) enqueue(d broadcast.Data) {
	select {
	case s.queue <- d:
	default:
		if s.metrics != nil {
			s.metrics.EventDropped()
		}
		s.log.Warn(context.Background(), "event queue full, dropping",
			logging.String("type", d.BroadcastType().String()))
	}
}

// Process waits for the next event. Returns (nil, nil) when the poll
// timeout elapses with nothing queued, letting the caller check its
// transport for disconnects before polling again. Returns the context
// error once ctx is done.
func (s *Streamer) Process(ctx context.Context) (*Event, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case d := <-s.queue:
		return s.convert(d), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// convert maps an internal broadcast payload onto the outward event
// union and stamps the session ID.
func (s *Streamer) convert(d broadcast.Data) *Event {
	ev := &Event{SessionID: s.sessionID}
	switch p := d.(type) {
	case broadcast.NodeData:
		ev.Node = &NodeEvent{Message: p.Message, Node: p.Node, Source: p.Source}
	case broadcast.LinkData:
		ev.Link = &LinkEvent{
			Message: p.Message,
			Link:    p.Link,
			Iface1:  p.Iface1,
			Iface2:  p.Iface2,
			Source:  p.Source,
		}
	case broadcast.SessionData:
		ev.Session = &SessionEvent{
			Node:  p.Node,
			Event: p.Event,
			Name:  p.Name,
			Data:  p.Data,
			Time:  p.Time,
		}
	case broadcast.AlertData:
		ev.Alert = &AlertEvent{
			Node:   p.Node,
			Level:  p.Level,
			Source: p.Source,
			Date:   p.Date,
			Text:   p.Text,
			Opaque: p.Opaque,
		}
	default:
		s.log.Warn(context.Background(), "unhandled broadcast payload",
			logging.String("type", d.BroadcastType().String()))
		return nil
	}
	return ev
}

// Close unsubscribes the streamer from the hub. Idempotent. Events
// already queued are abandoned.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		for _, r := range s.regs {
			s.hub.RemoveHandler(r)
		}
		if s.metrics != nil {
			s.metrics.StreamClosed()
		}
		s.log.Debug(context.Background(), "stream closed")
	})
}
