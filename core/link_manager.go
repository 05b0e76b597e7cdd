package core

import (
	"fmt"
	"sort"
	"sync"
)

// LinkManager is the sole authority for link identity. It maintains the
// endpoint-pair-to-link mapping over a TopologyStore, enforces the
// one-link-per-endpoint-pair invariant, auto-allocates interfaces for
// link adds that omit them, and cleans auto-created interfaces up when
// their last link goes away.
//
// Lock ordering: LinkManager.mu is taken before TopologyStore.mu.
type LinkManager struct {
	mu sync.RWMutex

	store  *TopologyStore
	links  map[LinkKey]*Link
	byNode map[int32]map[LinkKey]struct{}
}

// NewLinkManager creates a link manager over the given store.
func NewLinkManager(store *TopologyStore) *LinkManager {
	return &LinkManager{
		store:  store,
		links:  make(map[LinkKey]*Link),
		byNode: make(map[int32]map[LinkKey]struct{}),
	}
}

// AddLink creates a link between node1 and node2. A nil spec or a spec
// with a negative ID auto-allocates an interface on that node. When
// options request a unidirectional link, an independently settable
// reverse-direction overlay is attached.
//
// The returned link and interfaces are deep copies reflecting the full
// post-add state (assigned interface IDs, addresses), suitable for
// publishing to observers.
func (m *LinkManager) AddLink(node1, node2 int32, spec1, spec2 *InterfaceSpec, opts LinkOptions) (*Link, *Interface, *Interface, error) {
	if node1 == node2 {
		return nil, nil, nil, fmt.Errorf("%w: link endpoints must be distinct nodes", ErrBadInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetNode(node1); err != nil {
		return nil, nil, nil, err
	}
	if _, err := m.store.GetNode(node2); err != nil {
		return nil, nil, nil, err
	}

	// Duplicate detection. With explicit interface IDs on both sides the
	// identity is the exact unordered endpoint pair; otherwise any
	// existing link between the node pair is a duplicate.
	explicit := specHasID(spec1) && specHasID(spec2)
	if explicit {
		key := NewLinkKey(
			Endpoint{Node: node1, Iface: spec1.ID},
			Endpoint{Node: node2, Iface: spec2.ID},
		)
		if _, exists := m.links[key]; exists {
			return nil, nil, nil, fmt.Errorf("%w: %d:%d <-> %d:%d",
				ErrDuplicateLink, node1, spec1.ID, node2, spec2.ID)
		}
	} else if m.nodePairLinkedLocked(node1, node2) {
		return nil, nil, nil, fmt.Errorf("%w: nodes %d <-> %d", ErrDuplicateLink, node1, node2)
	}

	iface1, created1, err := m.resolveInterfaceLocked(node1, spec1)
	if err != nil {
		return nil, nil, nil, err
	}
	iface2, created2, err := m.resolveInterfaceLocked(node2, spec2)
	if err != nil {
		if created1 {
			_ = m.store.DeleteInterface(iface1.NodeID, iface1.ID)
		}
		return nil, nil, nil, err
	}

	link := &Link{
		Node1:   node1,
		Node2:   node2,
		Iface1:  iface1.ID,
		Iface2:  iface2.ID,
		Options: opts,
	}
	if opts.Unidirectional {
		link.Reverse = &LinkOptions{Unidirectional: true}
	}

	key := link.Key()
	if _, exists := m.links[key]; exists {
		// Race-proofing for the explicit/auto mixed case; roll back
		// anything we created.
		if created1 {
			_ = m.store.DeleteInterface(iface1.NodeID, iface1.ID)
		}
		if created2 {
			_ = m.store.DeleteInterface(iface2.NodeID, iface2.ID)
		}
		return nil, nil, nil, fmt.Errorf("%w: %d:%d <-> %d:%d",
			ErrDuplicateLink, node1, iface1.ID, node2, iface2.ID)
	}

	m.links[key] = link
	m.indexLocked(key, node1, node2)

	return link.Clone(), iface1.Clone(), iface2.Clone(), nil
}

// EditLink merges the patch into the options of the link matching the
// endpoints. Interface IDs < 0 are treated as unspecified. When the
// request names the endpoints in the reverse of the stored order and
// the link is asymmetric, the reverse overlay is edited instead of the
// primary options.
//
// Returns the updated link as a deep copy.
func (m *LinkManager) EditLink(node1, node2, iface1, iface2 int32, patch LinkOptionsPatch) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, reversed, ok := m.findLocked(node1, node2, iface1, iface2)
	if !ok {
		return nil, fmt.Errorf("%w: %d <-> %d", ErrLinkNotFound, node1, node2)
	}

	if reversed && link.Reverse != nil {
		link.Reverse.Apply(patch)
	} else {
		link.Options.Apply(patch)
	}
	return link.Clone(), nil
}

// FindLink returns a copy of the link matching the endpoints, if any.
// Interface IDs < 0 are unspecified and match any interface on that node.
func (m *LinkManager) FindLink(node1, node2, iface1, iface2 int32) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, _, ok := m.findLocked(node1, node2, iface1, iface2)
	if !ok {
		return nil, false
	}
	return link.Clone(), true
}

// DeleteLink removes the link matching the endpoints and tears down
// auto-created interfaces with no remaining links. The second return
// lists removed interfaces; found is false when no link matched.
func (m *LinkManager) DeleteLink(node1, node2, iface1, iface2 int32) (*Link, []*Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, _, ok := m.findLocked(node1, node2, iface1, iface2)
	if !ok {
		return nil, nil, false
	}

	removed := m.removeLinkLocked(link)
	return link.Clone(), removed, true
}

// Restore inserts a fully specified link, including any asymmetric
// overlay, without allocating interfaces. Both endpoint interfaces must
// already exist. Used when reloading a saved topology snapshot.
func (m *LinkManager) Restore(link *Link) error {
	if link == nil {
		return fmt.Errorf("%w: nil link", ErrBadInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetInterface(link.Node1, link.Iface1); err != nil {
		return err
	}
	if _, err := m.store.GetInterface(link.Node2, link.Iface2); err != nil {
		return err
	}

	key := link.Key()
	if _, exists := m.links[key]; exists {
		return fmt.Errorf("%w: %d:%d <-> %d:%d",
			ErrDuplicateLink, link.Node1, link.Iface1, link.Node2, link.Iface2)
	}

	m.links[key] = link.Clone()
	m.indexLocked(key, link.Node1, link.Node2)
	return nil
}

// DeleteNodeLinks removes every link touching nodeID, cleaning up
// orphaned auto-created interfaces on the far ends. It returns the
// removed links for event emission. Used by node-delete cascade.
func (m *LinkManager) DeleteNodeLinks(nodeID int32) []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.byNode[nodeID]
	out := make([]*Link, 0, len(keys))
	for key := range keys {
		link := m.links[key]
		if link == nil {
			continue
		}
		out = append(out, link.Clone())
		m.removeLinkLocked(link)
	}
	sort.Slice(out, func(i, j int) bool { return linkLess(out[i], out[j]) })
	return out
}

// Links returns a consistent point-in-time snapshot of all links as
// deep copies, in a stable order. The snapshot never aliases live
// internal storage.
func (m *LinkManager) Links() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		out = append(out, link.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return linkLess(out[i], out[j]) })
	return out
}

// LinkCount returns the number of live links.
func (m *LinkManager) LinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Clear drops all links and indexes. Interfaces are left to the store.
func (m *LinkManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.links = make(map[LinkKey]*Link)
	m.byNode = make(map[int32]map[LinkKey]struct{})
}

//
// ---------- internals ----------
//

func specHasID(spec *InterfaceSpec) bool {
	return spec != nil && spec.ID >= 0
}

// nodePairLinkedLocked reports whether any link joins the two nodes.
func (m *LinkManager) nodePairLinkedLocked(node1, node2 int32) bool {
	for key := range m.byNode[node1] {
		link := m.links[key]
		if link != nil && link.Touches(node2) {
			return true
		}
	}
	return false
}

// resolveInterfaceLocked returns the endpoint interface for a link add,
// creating one when the spec omits an ID or names one that does not
// exist yet. Interfaces created here are flagged AutoCreated so link
// deletion can reap them.
func (m *LinkManager) resolveInterfaceLocked(nodeID int32, spec *InterfaceSpec) (*Interface, bool, error) {
	if specHasID(spec) {
		if existing, err := m.store.GetInterface(nodeID, spec.ID); err == nil {
			return existing, false, nil
		}
	}

	id := int32(-1)
	if specHasID(spec) {
		id = spec.ID
	} else {
		next, err := m.store.NextInterfaceID(nodeID)
		if err != nil {
			return nil, false, err
		}
		id = next
	}

	iface := &Interface{
		NodeID:      nodeID,
		ID:          id,
		AutoCreated: true,
	}
	if spec != nil {
		iface.Name = spec.Name
		iface.MAC = spec.MAC
		iface.MTU = spec.MTU
		if len(spec.Addrs) > 0 {
			iface.Addrs = append(iface.Addrs, spec.Addrs...)
		}
	}
	if err := m.store.AddInterface(iface); err != nil {
		return nil, false, err
	}
	return iface, true, nil
}

// findLocked locates a link by endpoints. Interface IDs < 0 match any
// interface on that node. reversed reports that the request named the
// endpoints in the opposite of the stored order.
func (m *LinkManager) findLocked(node1, node2, iface1, iface2 int32) (*Link, bool, bool) {
	if iface1 >= 0 && iface2 >= 0 {
		key := NewLinkKey(
			Endpoint{Node: node1, Iface: iface1},
			Endpoint{Node: node2, Iface: iface2},
		)
		if link, ok := m.links[key]; ok {
			return link, link.Node1 != node1, true
		}
		return nil, false, false
	}

	for key := range m.byNode[node1] {
		link := m.links[key]
		if link == nil || !link.Touches(node2) {
			continue
		}
		if iface1 >= 0 && ifaceOn(link, node1) != iface1 {
			continue
		}
		if iface2 >= 0 && ifaceOn(link, node2) != iface2 {
			continue
		}
		return link, link.Node1 != node1, true
	}
	return nil, false, false
}

// ifaceOn returns the link's interface ID on the given node.
func ifaceOn(link *Link, nodeID int32) int32 {
	if link.Node1 == nodeID {
		return link.Iface1
	}
	return link.Iface2
}

// removeLinkLocked unindexes the link and reaps orphaned auto-created
// endpoint interfaces. It returns the interfaces it removed.
func (m *LinkManager) removeLinkLocked(link *Link) []*Interface {
	key := link.Key()
	delete(m.links, key)
	m.unindexLocked(key, link.Node1, link.Node2)

	var removed []*Interface
	for _, ep := range []Endpoint{
		{Node: link.Node1, Iface: link.Iface1},
		{Node: link.Node2, Iface: link.Iface2},
	} {
		iface, err := m.store.GetInterface(ep.Node, ep.Iface)
		if err != nil || !iface.AutoCreated {
			continue
		}
		if m.interfaceLinkedLocked(ep) {
			continue
		}
		snapshot := iface.Clone()
		if err := m.store.DeleteInterface(ep.Node, ep.Iface); err == nil {
			removed = append(removed, snapshot)
		}
	}
	return removed
}

// interfaceLinkedLocked reports whether any remaining link uses the endpoint.
func (m *LinkManager) interfaceLinkedLocked(ep Endpoint) bool {
	for key := range m.byNode[ep.Node] {
		link := m.links[key]
		if link == nil {
			continue
		}
		if (link.Node1 == ep.Node && link.Iface1 == ep.Iface) ||
			(link.Node2 == ep.Node && link.Iface2 == ep.Iface) {
			return true
		}
	}
	return false
}

func (m *LinkManager) indexLocked(key LinkKey, nodes ...int32) {
	for _, n := range nodes {
		set, ok := m.byNode[n]
		if !ok {
			set = make(map[LinkKey]struct{})
			m.byNode[n] = set
		}
		set[key] = struct{}{}
	}
}

func (m *LinkManager) unindexLocked(key LinkKey, nodes ...int32) {
	for _, n := range nodes {
		if set, ok := m.byNode[n]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.byNode, n)
			}
		}
	}
}

func linkLess(a, b *Link) bool {
	ka, kb := a.Key(), b.Key()
	if ka.A != kb.A {
		return endpointLess(ka.A, kb.A)
	}
	return endpointLess(ka.B, kb.B)
}
