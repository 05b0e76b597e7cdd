package core

import (
	"fmt"
	"sort"
	"sync"
)

// TopologyStore owns the canonical node and interface tables for one
// session. It is concurrency-safe via an internal RWMutex; callers
// layering coarser transactions on top (the session command API) take
// their own lock first, keeping the lock ordering session -> store.
//
// Nodes and interfaces live in ID-keyed tables; links reference them by
// ID only, so cascade deletes are plain table lookups with no reference
// cycles to untangle.
type TopologyStore struct {
	mu sync.RWMutex

	nodes  map[int32]*Node
	ifaces map[int32]map[int32]*Interface
	names  map[string]int32

	nextNodeID int32
}

// NewTopologyStore creates an empty store. Node IDs are assigned from 1.
func NewTopologyStore() *TopologyStore {
	return &TopologyStore{
		nodes:      make(map[int32]*Node),
		ifaces:     make(map[int32]map[int32]*Interface),
		names:      make(map[string]int32),
		nextNodeID: 1,
	}
}

//
// ---------- Nodes ----------
//

// AddNode inserts a node. A non-positive ID requests the next free ID;
// an empty name defaults to "n<id>". The stored node is returned.
func (t *TopologyStore) AddNode(node *Node) (*Node, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: nil node", ErrBadInput)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := node.ID
	if id <= 0 {
		id = t.nextFreeIDLocked()
	} else if _, taken := t.nodes[id]; taken {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	name := node.Name
	if name == "" {
		name = fmt.Sprintf("n%d", id)
	}
	if owner, used := t.names[name]; used && owner != id {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	stored := node.Clone()
	stored.ID = id
	stored.Name = name

	t.nodes[id] = stored
	t.names[name] = id
	t.ifaces[id] = make(map[int32]*Interface)
	if id >= t.nextNodeID {
		t.nextNodeID = id + 1
	}
	return stored, nil
}

// GetNode returns the stored node. The pointer aliases live storage;
// callers must treat it as read-only and copy before publishing.
func (t *TopologyStore) GetNode(id int32) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return node, nil
}

// UpdateNode applies a partial update, last-writer-wins per attribute,
// and returns the updated node.
func (t *TopologyStore) UpdateNode(id int32, update NodeUpdate) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	if update.Name != nil && *update.Name != node.Name {
		if owner, used := t.names[*update.Name]; used && owner != id {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, *update.Name)
		}
		delete(t.names, node.Name)
		node.Name = *update.Name
		t.names[node.Name] = id
	}
	if update.Icon != nil {
		node.Icon = *update.Icon
	}
	if update.Type != nil {
		node.Type = *update.Type
	}
	if update.Position != nil {
		node.Position = *update.Position
		node.GeoAuthoritative = false
	}
	if update.Geo != nil {
		node.Geo = *update.Geo
		node.GeoAuthoritative = true
	}
	for k, v := range update.ServiceConfigs {
		if node.ServiceConfigs == nil {
			node.ServiceConfigs = make(map[string]string)
		}
		node.ServiceConfigs[k] = v
	}
	for k, v := range update.ModelConfigs {
		if node.ModelConfigs == nil {
			node.ModelConfigs = make(map[string]string)
		}
		node.ModelConfigs[k] = v
	}
	return node, nil
}

// SetStarted flags a node as instantiated (or torn down) by the
// external resource manager.
func (t *TopologyStore) SetStarted(id int32, started bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	node.Started = started
	return nil
}

// DeleteNode removes a node and all interfaces it owned. Link cascade
// is the LinkManager's job and must happen before this call.
func (t *TopologyStore) DeleteNode(id int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	delete(t.names, node.Name)
	delete(t.nodes, id)
	delete(t.ifaces, id)
	return nil
}

// Nodes returns a point-in-time snapshot of all nodes as deep copies,
// ordered by ID.
func (t *TopologyStore) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of live nodes.
func (t *TopologyStore) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// nextFreeIDLocked returns the lowest unused node ID at or above the
// running counter. Caller must hold t.mu.
func (t *TopologyStore) nextFreeIDLocked() int32 {
	id := t.nextNodeID
	for {
		if _, taken := t.nodes[id]; !taken {
			return id
		}
		id++
	}
}

//
// ---------- Interfaces ----------
//

// NextInterfaceID returns the lowest unused interface ID on the node,
// starting at 0.
func (t *TopologyStore) NextInterfaceID(nodeID int32) (int32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	owned, ok := t.ifaces[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	var id int32
	for {
		if _, taken := owned[id]; !taken {
			return id, nil
		}
		id++
	}
}

// AddInterface inserts an interface under its owning node.
func (t *TopologyStore) AddInterface(iface *Interface) error {
	if iface == nil || iface.ID < 0 {
		return fmt.Errorf("%w: nil or negative-id interface", ErrBadInput)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	owned, ok := t.ifaces[iface.NodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, iface.NodeID)
	}
	if _, taken := owned[iface.ID]; taken {
		return fmt.Errorf("%w: node %d iface %d", ErrInterfaceExists, iface.NodeID, iface.ID)
	}
	if iface.Name == "" {
		iface.Name = fmt.Sprintf("eth%d", iface.ID)
	}
	owned[iface.ID] = iface
	return nil
}

// GetInterface returns a live interface pointer; treat as read-only.
func (t *TopologyStore) GetInterface(nodeID, ifaceID int32) (*Interface, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	owned, ok := t.ifaces[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	iface, ok := owned[ifaceID]
	if !ok {
		return nil, fmt.Errorf("%w: node %d iface %d", ErrInterfaceNotFound, nodeID, ifaceID)
	}
	return iface, nil
}

// DeleteInterface removes one interface from its node.
func (t *TopologyStore) DeleteInterface(nodeID, ifaceID int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	owned, ok := t.ifaces[nodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, nodeID)
	}
	if _, ok := owned[ifaceID]; !ok {
		return fmt.Errorf("%w: node %d iface %d", ErrInterfaceNotFound, nodeID, ifaceID)
	}
	delete(owned, ifaceID)
	return nil
}

// InterfacesFor returns deep copies of the node's interfaces ordered by ID.
func (t *TopologyStore) InterfacesFor(nodeID int32) []*Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()

	owned := t.ifaces[nodeID]
	out := make([]*Interface, 0, len(owned))
	for _, iface := range owned {
		out = append(out, iface.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear wipes all nodes and interfaces, resetting ID assignment.
func (t *TopologyStore) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes = make(map[int32]*Node)
	t.ifaces = make(map[int32]map[int32]*Interface)
	t.names = make(map[string]int32)
	t.nextNodeID = 1
}
