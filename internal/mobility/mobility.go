// Package mobility replays scripted waypoint motion against a session,
// repositioning nodes on a fixed tick and publishing mobility lifecycle
// events.
package mobility

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netfabriclabs/netem-core/core"
	"github.com/netfabriclabs/netem-core/internal/broadcast"
	"github.com/netfabriclabs/netem-core/internal/logging"
	"github.com/netfabriclabs/netem-core/internal/session"
)

// DefaultTick is the interval between position updates.
const DefaultTick = 50 * time.Millisecond

// Waypoint pins a node position at an offset into the script.
type Waypoint struct {
	Offset   time.Duration `json:"offset"`
	Position core.Position `json:"position"`
}

// Script moves one node through a sequence of waypoints. Positions
// between waypoints are linearly interpolated. A looping script wraps
// back to its first waypoint when the last offset is passed.
type Script struct {
	NodeID    int32      `json:"node_id"`
	Loop      bool       `json:"loop"`
	Waypoints []Waypoint `json:"waypoints"`
}

// Validate checks the script is replayable.
func (s Script) Validate() error {
	if len(s.Waypoints) < 2 {
		return fmt.Errorf("%w: script for node %d needs at least two waypoints", core.ErrBadInput, s.NodeID)
	}
	if !sort.SliceIsSorted(s.Waypoints, func(i, j int) bool {
		return s.Waypoints[i].Offset < s.Waypoints[j].Offset
	}) {
		return fmt.Errorf("%w: waypoints for node %d not in time order", core.ErrBadInput, s.NodeID)
	}
	if s.Waypoints[len(s.Waypoints)-1].Offset <= 0 {
		return fmt.Errorf("%w: script for node %d has zero duration", core.ErrBadInput, s.NodeID)
	}
	return nil
}

// duration is the offset of the final waypoint.
func (s Script) duration() time.Duration {
	return s.Waypoints[len(s.Waypoints)-1].Offset
}

// at returns the interpolated position at elapsed, and whether the
// script is still active at that time.
func (s Script) at(elapsed time.Duration) (core.Position, bool) {
	total := s.duration()
	if s.Loop && total > 0 {
		elapsed = elapsed % total
	}
	if elapsed >= total {
		return s.Waypoints[len(s.Waypoints)-1].Position, false
	}
	if elapsed <= s.Waypoints[0].Offset {
		return s.Waypoints[0].Position, true
	}
	for i := 1; i < len(s.Waypoints); i++ {
		if elapsed > s.Waypoints[i].Offset {
			continue
		}
		a, b := s.Waypoints[i-1], s.Waypoints[i]
		span := b.Offset - a.Offset
		if span <= 0 {
			return b.Position, true
		}
		f := float64(elapsed-a.Offset) / float64(span)
		return core.Position{
			X: a.Position.X + (b.Position.X-a.Position.X)*f,
			Y: a.Position.Y + (b.Position.Y-a.Position.Y)*f,
			Z: a.Position.Z + (b.Position.Z-a.Position.Z)*f,
		}, true
	}
	return s.Waypoints[len(s.Waypoints)-1].Position, false
}

// Runner replays a set of scripts against one session. Node moves go
// through the session's MoveNode command, so they are runtime-safe and
// observable on the event stream like any other reposition.
type Runner struct {
	mu      sync.Mutex
	sess    *session.Session
	scripts []Script
	tick    time.Duration

	running bool
	paused  bool
	elapsed time.Duration
	cancel  context.CancelFunc
	done    chan struct{}

	log logging.Logger
}

// Option customises Runner construction.
type Option func(*Runner)

// WithTick overrides the reposition interval.
func WithTick(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

// NewRunner validates the scripts and builds a stopped runner.
func NewRunner(sess *session.Session, scripts []Script, log logging.Logger, opts ...Option) (*Runner, error) {
	if log == nil {
		log = logging.Noop()
	}
	for _, s := range scripts {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	r := &Runner{
		sess:    sess,
		scripts: scripts,
		tick:    DefaultTick,
		log:     log.With(logging.Int32("session_id", sess.ID())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Start begins or resumes replay. Idempotent while running.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		if r.paused {
			r.paused = false
			r.mu.Unlock()
			r.sess.PostEvent(0, broadcast.EventStart, "mobility", "")
			return
		}
		r.mu.Unlock()
		return
	}
	r.running = true
	r.paused = false
	r.elapsed = 0
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.sess.PostEvent(0, broadcast.EventStart, "mobility", "")
	go r.loop(ctx, cancel, done)
}

// Pause suspends replay without resetting elapsed time.
func (r *Runner) Pause() {
	r.mu.Lock()
	if !r.running || r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = true
	r.mu.Unlock()

	r.sess.PostEvent(0, broadcast.EventPause, "mobility", "")
}

// Stop halts replay and waits for the loop to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.sess.PostEvent(0, broadcast.EventStop, "mobility", "")
}

// Running reports whether replay is active (paused counts as running).
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// loop owns only the cancel func and done channel handed to it by the
// Start that spawned it. A later Start replaces r.cancel and r.done, so
// touching the shared fields here would tear down the wrong run.
func (r *Runner) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.paused {
			r.mu.Unlock()
			continue
		}
		r.elapsed += r.tick
		elapsed := r.elapsed
		r.mu.Unlock()

		active := false
		for _, s := range r.scripts {
			pos, more := s.at(elapsed)
			if more || s.Loop {
				active = true
			}
			if err := r.sess.MoveNode(ctx, s.NodeID, &pos, nil); err != nil {
				r.log.Warn(ctx, "mobility move failed",
					logging.Int32("node_id", s.NodeID), logging.Err(err))
			}
		}
		if !active {
			// Every finite script has played out. Flip running only if
			// this run is still the current one; a racing Stop has
			// already done so and posts its own stop event.
			r.mu.Lock()
			wasRunning := r.running && r.done == done
			if wasRunning {
				r.running = false
			}
			r.mu.Unlock()
			cancel()
			if wasRunning {
				r.sess.PostEvent(0, broadcast.EventStop, "mobility", "")
			}
			return
		}
	}
}
