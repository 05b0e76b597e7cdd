package session

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/netfabriclabs/netem-core/core"
)

// Snapshot is the serialized form of a session's topology. Positions,
// interface assignments, and link options round-trip; runtime state
// (Started flags) does not.
type Snapshot struct {
	ID       int32                  `json:"id"`
	Location core.LocationReference `json:"location"`
	Nodes    []snapshotNode         `json:"nodes"`
	Links    []*core.Link           `json:"links"`
}

type snapshotNode struct {
	Node       *core.Node        `json:"node"`
	Interfaces []*core.Interface `json:"interfaces,omitempty"`
}

// Save writes the session's topology as JSON.
func (s *Session) Save(w io.Writer) error {
	s.mu.RLock()
	snap := Snapshot{
		ID:       s.id,
		Location: s.location,
	}
	for _, node := range s.topo.Nodes() {
		snap.Nodes = append(snap.Nodes, snapshotNode{
			Node:       node,
			Interfaces: s.topo.InterfacesFor(node.ID),
		})
	}
	snap.Links = s.links.Links()
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Load restores a saved topology into the session. Only legal in the
// Definition state, and only on an empty session; partial loads are not
// rolled back, so callers should discard the session on error.
func (s *Session) Load(r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Definition {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	if s.topo.NodeCount() > 0 {
		return fmt.Errorf("%w: session not empty", core.ErrBadInput)
	}

	s.location = snap.Location
	for _, sn := range snap.Nodes {
		if sn.Node == nil {
			return fmt.Errorf("%w: snapshot node without body", core.ErrBadInput)
		}
		if _, err := s.topo.AddNode(sn.Node); err != nil {
			return fmt.Errorf("restoring node %d: %w", sn.Node.ID, err)
		}
		for _, iface := range sn.Interfaces {
			if err := s.topo.AddInterface(iface.Clone()); err != nil {
				return fmt.Errorf("restoring interface %d on node %d: %w", iface.ID, sn.Node.ID, err)
			}
		}
	}
	for _, link := range snap.Links {
		if err := s.links.Restore(link); err != nil {
			return fmt.Errorf("restoring link %d <-> %d: %w", link.Node1, link.Node2, err)
		}
	}
	return nil
}
