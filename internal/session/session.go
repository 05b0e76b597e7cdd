// Package session holds the root session aggregate: the topology store,
// link manager, and broadcast hub for one emulated network, plus the
// lifecycle state machine gating which mutations are legal when.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netfabriclabs/netem-core/core"
	"github.com/netfabriclabs/netem-core/internal/broadcast"
	"github.com/netfabriclabs/netem-core/internal/logging"
	"github.com/netfabriclabs/netem-core/internal/observability"
)

// Policy carries configurable mutation rules for a session.
type Policy struct {
	// AllowRuntimeEdits permits structural topology changes (add/delete
	// node or link) outside Definition/Configuration.
	AllowRuntimeEdits bool
}

// NodeRunner is the external resource manager the session delegates
// node process/container lifecycle to. Implementations run outside the
// core; the default is a no-op.
type NodeRunner interface {
	Start(ctx context.Context, nodeIDs []int32) error
	Stop(ctx context.Context, nodeIDs []int32) error
}

type noopRunner struct{}

func (noopRunner) Start(context.Context, []int32) error { return nil }
func (noopRunner) Stop(context.Context, []int32) error  { return nil }

// MetricsRecorder receives per-session entity counts.
type MetricsRecorder interface {
	SetTopologyCounts(sessionID int32, nodes, links int)
}

// Session is the root aggregate. All commands are atomic under a coarse
// session lock; the store and link manager keep their own finer locks
// underneath (lock ordering: Session -> LinkManager -> TopologyStore).
//
// Events are emitted after the mutation commits and after the session
// lock is released, so a state change is externally observable only
// once it is durable in the aggregate and handlers can safely re-enter
// the session's read API.
type Session struct {
	mu sync.RWMutex

	id       int32
	state    State
	topo     *core.TopologyStore
	links    *core.LinkManager
	hub      *broadcast.Manager
	location core.LocationReference

	runner  NodeRunner
	policy  Policy
	log     logging.Logger
	metrics MetricsRecorder
}

// Option customises Session construction.
type Option func(*Session)

// WithPolicy sets the session's mutation policy.
func WithPolicy(p Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithRunner attaches the external node lifecycle delegate.
func WithRunner(r NodeRunner) Option {
	return func(s *Session) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithMetricsRecorder attaches an entity-count recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBroadcastMetrics attaches a fan-out recorder to the session's
// broadcast hub.
func WithBroadcastMetrics(m broadcast.MetricsRecorder) Option {
	return func(s *Session) {
		s.hub = broadcast.NewManager(s.log, broadcast.WithMetricsRecorder(m))
	}
}

// New creates a session in the Definition state.
func New(id int32, log logging.Logger, opts ...Option) *Session {
	if log == nil {
		log = logging.Noop()
	}
	store := core.NewTopologyStore()
	s := &Session{
		id:     id,
		state:  Definition,
		topo:   store,
		links:  core.NewLinkManager(store),
		runner: noopRunner{},
		log:    log.With(logging.Int32("session_id", id)),
	}
	s.hub = broadcast.NewManager(s.log)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() int32 { return s.id }

// Broadcast exposes the session's event hub for subscribers.
func (s *Session) Broadcast() *broadcast.Manager { return s.hub }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Location returns the session's geographic reference.
func (s *Session) Location() core.LocationReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// SetLocation updates the geographic reference used to derive the
// non-authoritative half of node positions.
func (s *Session) SetLocation(ref core.LocationReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = ref
}

//
// ---------- nodes ----------
//

// AddNode inserts a node into the topology. A non-positive ID requests
// auto-assignment. Fails when the session state forbids structural
// edits, or on ID/name collisions.
func (s *Session) AddNode(ctx context.Context, node *core.Node) (*core.Node, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
	ctx, span := observability.StartSpan(ctx, "session.AddNode", "node", "")
	defer span.End()

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStructuralLocked(); err != nil {
		return nil, err
	}

	stored, err := s.topo.AddNode(node)
	if err != nil {
		reqLog.Debug(ctx, "AddNode rejected", logging.Err(err))
		return nil, err
	}
	s.derivePositionLocked(stored)

	events = append(events, broadcast.NodeData{
		Message: broadcast.MessageAdd,
		Node:    *stored.Clone(),
	})
	s.updateMetricsLocked()

	reqLog.Info(ctx, "node added",
		logging.Int32("node_id", stored.ID),
		logging.String("name", stored.Name),
		logging.String("type", stored.Type.String()),
	)
	return stored.Clone(), nil
}

// GetNode returns a copy of the node.
func (s *Session) GetNode(id int32) (*core.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.topo.GetNode(id)
	if err != nil {
		return nil, err
	}
	return node.Clone(), nil
}

// Nodes returns a snapshot of all nodes ordered by ID.
func (s *Session) Nodes() []*core.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topo.Nodes()
}

// Interfaces returns a snapshot of a node's interfaces ordered by ID.
func (s *Session) Interfaces(nodeID int32) []*core.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topo.InterfacesFor(nodeID)
}

// UpdateNode applies a partial node mutation, last-writer-wins per
// attribute. Non-structural, so it is legal in every state. Emits a
// node-changed event carrying the full updated snapshot.
func (s *Session) UpdateNode(ctx context.Context, id int32, update core.NodeUpdate) (*core.Node, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.topo.UpdateNode(id, update)
	if err != nil {
		reqLog.Debug(ctx, "UpdateNode rejected", logging.Int32("node_id", id), logging.Err(err))
		return nil, err
	}
	if update.Position != nil || update.Geo != nil {
		s.derivePositionLocked(node)
	}

	events = append(events, broadcast.NodeData{
		Message: broadcast.MessageModify,
		Node:    *node.Clone(),
	})

	reqLog.Debug(ctx, "node updated", logging.Int32("node_id", id))
	return node.Clone(), nil
}

// MoveNode repositions a node using either a planar or a geographic
// position; the other representation is derived through the session's
// location reference. Runtime-safe.
func (s *Session) MoveNode(ctx context.Context, id int32, pos *core.Position, geo *core.Geo) error {
	if pos == nil && geo == nil {
		return fmt.Errorf("%w: move requires a position or geo", core.ErrBadInput)
	}
	_, err := s.UpdateNode(ctx, id, core.NodeUpdate{Position: pos, Geo: geo})
	return err
}

// DeleteNode removes a node, cascading to every link touching it and
// every interface it owned. Each removed link produces its own
// link-deleted event before the node-deleted event.
func (s *Session) DeleteNode(ctx context.Context, id int32) error {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStructuralLocked(); err != nil {
		return err
	}

	node, err := s.topo.GetNode(id)
	if err != nil {
		return err
	}
	snapshot := node.Clone()

	for _, link := range s.links.DeleteNodeLinks(id) {
		events = append(events, broadcast.LinkData{
			Message: broadcast.MessageDelete,
			Link:    *link,
		})
	}
	if err := s.topo.DeleteNode(id); err != nil {
		return err
	}

	events = append(events, broadcast.NodeData{
		Message: broadcast.MessageDelete,
		Node:    *snapshot,
	})
	s.updateMetricsLocked()

	reqLog.Info(ctx, "node deleted", logging.Int32("node_id", id))
	return nil
}

//
// ---------- links ----------
//

// AddLink creates a link between two nodes, auto-allocating missing
// interfaces. The emitted link-added event carries the full resulting
// interface state so observers see assigned IDs and addresses.
func (s *Session) AddLink(ctx context.Context, node1, node2 int32, spec1, spec2 *core.InterfaceSpec, opts core.LinkOptions) (*core.Link, *core.Interface, *core.Interface, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
	ctx, span := observability.StartSpan(ctx, "session.AddLink", "link", "")
	defer span.End()

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStructuralLocked(); err != nil {
		return nil, nil, nil, err
	}

	link, iface1, iface2, err := s.links.AddLink(node1, node2, spec1, spec2, opts)
	if err != nil {
		reqLog.Debug(ctx, "AddLink rejected",
			logging.Int32("node1", node1),
			logging.Int32("node2", node2),
			logging.Err(err),
		)
		return nil, nil, nil, err
	}

	events = append(events, broadcast.LinkData{
		Message: broadcast.MessageAdd,
		Link:    *link.Clone(),
		Iface1:  iface1.Clone(),
		Iface2:  iface2.Clone(),
	})
	s.updateMetricsLocked()

	reqLog.Info(ctx, "link added",
		logging.Int32("node1", node1),
		logging.Int32("iface1", link.Iface1),
		logging.Int32("node2", node2),
		logging.Int32("iface2", link.Iface2),
	)
	return link, iface1, iface2, nil
}

// EditLink merges the patch into the matching link's options. Interface
// IDs < 0 are unspecified. Naming the endpoints in reverse order edits
// the reverse overlay of an asymmetric link.
//
// Returns ErrLinkNotFound when no link matches. Returns (false, nil)
// when the link exists but options cannot currently apply — the session
// is in Runtime and an endpoint node is not instantiated. That soft
// failure leaves the link untouched.
func (s *Session) EditLink(ctx context.Context, node1, node2, iface1, iface2 int32, patch core.LinkOptionsPatch) (bool, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links.FindLink(node1, node2, iface1, iface2); !ok {
		return false, fmt.Errorf("%w: %d <-> %d", core.ErrLinkNotFound, node1, node2)
	}
	if s.state == Runtime && !s.nodesStartedLocked(node1, node2) {
		reqLog.Debug(ctx, "EditLink inapplicable: endpoint not instantiated",
			logging.Int32("node1", node1),
			logging.Int32("node2", node2),
		)
		return false, nil
	}

	link, err := s.links.EditLink(node1, node2, iface1, iface2, patch)
	if err != nil {
		return false, err
	}

	events = append(events, broadcast.LinkData{
		Message: broadcast.MessageModify,
		Link:    *link,
	})

	reqLog.Debug(ctx, "link updated",
		logging.Int32("node1", node1),
		logging.Int32("node2", node2),
	)
	return true, nil
}

// DeleteLink removes the matching link, reaping orphaned auto-created
// interfaces. Returns (false, nil) when no link matches.
func (s *Session) DeleteLink(ctx context.Context, node1, node2, iface1, iface2 int32) (bool, error) {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)

	var events []broadcast.Data
	defer s.publish(&events)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStructuralLocked(); err != nil {
		return false, err
	}

	link, removed, found := s.links.DeleteLink(node1, node2, iface1, iface2)
	if !found {
		return false, nil
	}

	data := broadcast.LinkData{
		Message: broadcast.MessageDelete,
		Link:    *link,
	}
	for _, iface := range removed {
		switch iface.NodeID {
		case link.Node1:
			data.Iface1 = iface
		case link.Node2:
			data.Iface2 = iface
		}
	}
	events = append(events, data)
	s.updateMetricsLocked()

	reqLog.Info(ctx, "link deleted",
		logging.Int32("node1", node1),
		logging.Int32("node2", node2),
	)
	return true, nil
}

// Links returns a consistent point-in-time snapshot of all links.
func (s *Session) Links() []*core.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links.Links()
}

//
// ---------- lifecycle ----------
//

// SetState transitions the session along an allowed lifecycle edge and
// publishes the matching session event. The internal state is committed
// before the event is observable.
//
// Entering Instantiation starts all nodes through the external runner;
// entering Shutdown stops them. Runner failures surface as error-level
// alerts rather than failing the transition.
func (s *Session) SetState(ctx context.Context, next State) error {
	ctx, reqLog := logging.WithRequestLogger(ctx, s.log)
	ctx, span := observability.StartSpan(ctx, "session.SetState", "session", next.String())
	defer span.End()

	var events []broadcast.Data
	defer s.publish(&events)

	s.mu.Lock()
	prev := s.state
	if !validTransition(prev, next) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	s.state = next

	var nodeIDs []int32
	switch next {
	case Instantiation:
		nodeIDs = s.markStartedLocked(true)
	case Shutdown:
		nodeIDs = s.markStartedLocked(false)
	}
	s.mu.Unlock()

	events = append(events, broadcast.SessionData{
		Event: broadcast.SessionEventType(next),
		Time:  float64(time.Now().UnixNano()) / float64(time.Second),
	})

	switch next {
	case Instantiation:
		if err := s.runner.Start(ctx, nodeIDs); err != nil {
			events = append(events, s.alertData(0, broadcast.AlertError, "runner", err.Error(), ""))
			reqLog.Error(ctx, "node runner start failed", logging.Err(err))
		}
	case Shutdown:
		if err := s.runner.Stop(ctx, nodeIDs); err != nil {
			events = append(events, s.alertData(0, broadcast.AlertError, "runner", err.Error(), ""))
			reqLog.Error(ctx, "node runner stop failed", logging.Err(err))
		}
	}

	reqLog.Info(ctx, "session state changed",
		logging.String("from", prev.String()),
		logging.String("to", next.String()),
	)
	return nil
}

// PostAlert publishes an alert event. nodeID is 0 for session-scoped
// alerts.
func (s *Session) PostAlert(ctx context.Context, nodeID int32, level broadcast.AlertLevel, source, text string) {
	_, reqLog := logging.WithRequestLogger(ctx, s.log)

	s.hub.Publish(s.alertData(nodeID, level, source, text, ""))

	reqLog.Debug(ctx, "alert posted",
		logging.Int32("node_id", nodeID),
		logging.String("level", level.String()),
		logging.String("source", source),
	)
}

// PostEvent publishes a session-scoped event (mobility start/stop,
// scheduled events). nodeID is 0 for session-wide events.
func (s *Session) PostEvent(nodeID int32, event broadcast.SessionEventType, name, data string) {
	s.hub.Publish(broadcast.SessionData{
		Node:  nodeID,
		Event: event,
		Name:  name,
		Data:  data,
		Time:  float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// Close shuts the broadcast hub down, dropping all registrations.
func (s *Session) Close() {
	s.hub.Close()
}

//
// ---------- internals ----------
//

func (s *Session) alertData(nodeID int32, level broadcast.AlertLevel, source, text, opaque string) broadcast.AlertData {
	return broadcast.AlertData{
		Node:   nodeID,
		Level:  level,
		Source: source,
		Date:   time.Now().Format(time.RFC3339),
		Text:   text,
		Opaque: opaque,
	}
}

// publish flushes collected events to the hub. Registered as the first
// defer in command methods so it runs after the session lock defer has
// released the lock: handlers may re-enter the session's read API.
func (s *Session) publish(events *[]broadcast.Data) {
	for _, e := range *events {
		s.hub.Publish(e)
	}
}

// checkStructuralLocked gates structural topology edits on the session
// state, honoring the runtime-edit policy flag.
func (s *Session) checkStructuralLocked() error {
	switch s.state {
	case Definition, Configuration:
		return nil
	default:
		if s.policy.AllowRuntimeEdits {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
}

// nodesStartedLocked reports whether every listed node is instantiated.
func (s *Session) nodesStartedLocked(ids ...int32) bool {
	for _, id := range ids {
		node, err := s.topo.GetNode(id)
		if err != nil || !node.Started {
			return false
		}
	}
	return true
}

// markStartedLocked flips every node's Started flag and returns their IDs.
func (s *Session) markStartedLocked(started bool) []int32 {
	nodes := s.topo.Nodes()
	ids := make([]int32, 0, len(nodes))
	for _, n := range nodes {
		if err := s.topo.SetStarted(n.ID, started); err == nil {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// derivePositionLocked fills in the non-authoritative half of a node's
// position through the location reference.
func (s *Session) derivePositionLocked(node *core.Node) {
	if node.GeoAuthoritative {
		node.Position = s.location.PlanarFromGeo(node.Geo)
	} else {
		node.Geo = s.location.GeoFromPlanar(node.Position)
	}
}

func (s *Session) updateMetricsLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetTopologyCounts(s.id, s.topo.NodeCount(), s.links.LinkCount())
}
