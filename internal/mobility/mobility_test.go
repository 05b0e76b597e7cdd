package mobility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netfabriclabs/netem-core/core"
	"github.com/netfabriclabs/netem-core/internal/broadcast"
	"github.com/netfabriclabs/netem-core/internal/session"
)

func TestScriptValidation(t *testing.T) {
	if err := (Script{NodeID: 1, Waypoints: []Waypoint{{Offset: 0}}}).Validate(); !errors.Is(err, core.ErrBadInput) {
		t.Fatalf("single-waypoint script: err = %v, want ErrBadInput", err)
	}
	if err := (Script{NodeID: 1, Waypoints: []Waypoint{
		{Offset: time.Second},
		{Offset: 0},
	}}).Validate(); !errors.Is(err, core.ErrBadInput) {
		t.Fatalf("unordered script: err = %v, want ErrBadInput", err)
	}
	if err := (Script{NodeID: 1, Waypoints: []Waypoint{
		{Offset: 0},
		{Offset: time.Second},
	}}).Validate(); err != nil {
		t.Fatalf("valid script rejected: %v", err)
	}
}

func TestScriptInterpolation(t *testing.T) {
	s := Script{NodeID: 1, Waypoints: []Waypoint{
		{Offset: 0, Position: core.Position{X: 0, Y: 0}},
		{Offset: 100 * time.Millisecond, Position: core.Position{X: 100, Y: 200}},
	}}

	pos, active := s.at(50 * time.Millisecond)
	if !active {
		t.Fatalf("script inactive mid-flight")
	}
	if pos.X != 50 || pos.Y != 100 {
		t.Fatalf("midpoint = %+v, want 50, 100", pos)
	}

	pos, active = s.at(200 * time.Millisecond)
	if active {
		t.Fatalf("finite script still active past its end")
	}
	if pos.X != 100 || pos.Y != 200 {
		t.Fatalf("end position = %+v, want final waypoint", pos)
	}
}

func TestLoopingScriptWraps(t *testing.T) {
	s := Script{NodeID: 1, Loop: true, Waypoints: []Waypoint{
		{Offset: 0, Position: core.Position{X: 0}},
		{Offset: 100 * time.Millisecond, Position: core.Position{X: 100}},
	}}

	pos, active := s.at(150 * time.Millisecond)
	if !active {
		t.Fatalf("looping script reported inactive")
	}
	if pos.X != 50 {
		t.Fatalf("wrapped position X = %f, want 50", pos.X)
	}
}

func TestRunnerMovesNodeAndStops(t *testing.T) {
	sess := session.New(1, nil)
	ctx := context.Background()

	n, err := sess.AddNode(ctx, &core.Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	var mu sync.Mutex
	var sessionEvents []broadcast.SessionEventType
	if _, err := sess.Broadcast().AddHandler(broadcast.TypeSession, func(d broadcast.Data) {
		mu.Lock()
		sessionEvents = append(sessionEvents, d.(broadcast.SessionData).Event)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	r, err := NewRunner(sess, []Script{{
		NodeID: n.ID,
		Waypoints: []Waypoint{
			{Offset: 0, Position: core.Position{X: 0}},
			{Offset: 40 * time.Millisecond, Position: core.Position{X: 400}},
		},
	}}, nil, WithTick(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	r.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for r.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("runner never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := sess.GetNode(n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Position.X != 400 {
		t.Fatalf("final X = %f, want 400", got.Position.X)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessionEvents) < 2 {
		t.Fatalf("session events = %v, want start and stop", sessionEvents)
	}
	if sessionEvents[0] != broadcast.EventStart {
		t.Fatalf("first event = %v, want start", sessionEvents[0])
	}
	if sessionEvents[len(sessionEvents)-1] != broadcast.EventStop {
		t.Fatalf("last event = %v, want stop", sessionEvents[len(sessionEvents)-1])
	}
}

func TestRunnerPauseHoldsPosition(t *testing.T) {
	sess := session.New(1, nil)
	ctx := context.Background()

	n, err := sess.AddNode(ctx, &core.Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	r, err := NewRunner(sess, []Script{{
		NodeID: n.ID,
		Loop:   true,
		Waypoints: []Waypoint{
			{Offset: 0, Position: core.Position{X: 0}},
			{Offset: time.Second, Position: core.Position{X: 1000}},
		},
	}}, nil, WithTick(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	r.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	r.Pause()
	time.Sleep(10 * time.Millisecond)

	first, err := sess.GetNode(n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	second, err := sess.GetNode(n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if first.Position.X != second.Position.X {
		t.Fatalf("position moved while paused: %f -> %f", first.Position.X, second.Position.X)
	}

	r.Stop()
	if r.Running() {
		t.Fatalf("runner still running after Stop")
	}
}

func TestRestartCyclesTerminate(t *testing.T) {
	sess := session.New(1, nil)
	n, err := sess.AddNode(context.Background(), &core.Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	r, err := NewRunner(sess, []Script{{
		NodeID: n.ID,
		Loop:   true,
		Waypoints: []Waypoint{
			{Offset: 0},
			{Offset: 10 * time.Millisecond, Position: core.Position{X: 10}},
		},
	}}, nil, WithTick(time.Millisecond))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// Each cycle spawns a fresh replay loop. A loop from an earlier
	// cycle must never tear down a later cycle's run, and Stop must
	// always return.
	cycles := make(chan struct{})
	go func() {
		defer close(cycles)
		for i := 0; i < 25; i++ {
			r.Start(context.Background())
			r.Stop()
		}
	}()
	select {
	case <-cycles:
	case <-time.After(10 * time.Second):
		t.Fatalf("start/stop cycle hung")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Start(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Stop()
		}
	}()
	hammer := make(chan struct{})
	go func() {
		wg.Wait()
		close(hammer)
	}()
	select {
	case <-hammer:
	case <-time.After(10 * time.Second):
		t.Fatalf("concurrent start/stop deadlocked")
	}

	r.Stop()
	if r.Running() {
		t.Fatalf("runner still running after final Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sess := session.New(1, nil)
	n, err := sess.AddNode(context.Background(), &core.Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	r, err := NewRunner(sess, []Script{{
		NodeID: n.ID,
		Loop:   true,
		Waypoints: []Waypoint{
			{Offset: 0},
			{Offset: time.Second, Position: core.Position{X: 10}},
		},
	}}, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	r.Start(context.Background())
	r.Stop()
	r.Stop()
}
