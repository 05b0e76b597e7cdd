package core

import (
	"errors"
	"testing"
)

func twoNodeSetup(t *testing.T) (*TopologyStore, *LinkManager, int32, int32) {
	t.Helper()
	store := NewTopologyStore()
	a, err := store.AddNode(&Node{Name: "a"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	b, err := store.AddNode(&Node{Name: "b"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	return store, NewLinkManager(store), a.ID, b.ID
}

func TestAddLinkAutoCreatesInterfaces(t *testing.T) {
	store, lm, a, b := twoNodeSetup(t)

	link, i1, i2, err := lm.AddLink(a, b, nil, nil, LinkOptions{Bandwidth: 1e6})
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	if i1.ID != 0 || i2.ID != 0 {
		t.Fatalf("auto iface IDs = %d, %d, want 0, 0", i1.ID, i2.ID)
	}
	if !i1.AutoCreated || !i2.AutoCreated {
		t.Fatalf("implicitly allocated interfaces must be flagged auto-created")
	}
	if link.Options.Bandwidth != 1e6 {
		t.Fatalf("options not carried: %+v", link.Options)
	}
	if _, err := store.GetInterface(a, 0); err != nil {
		t.Fatalf("iface missing from store: %v", err)
	}
}

func TestAddLinkRejectsSelfLink(t *testing.T) {
	_, lm, a, _ := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, a, nil, nil, LinkOptions{}); !errors.Is(err, ErrBadInput) {
		t.Fatalf("err = %v, want ErrBadInput", err)
	}
}

func TestAddLinkRejectsUnknownNode(t *testing.T) {
	_, lm, a, _ := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, 99, nil, nil, LinkOptions{}); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestAddLinkDuplicateNodePair(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, b, nil, nil, LinkOptions{}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	// Without explicit interface IDs, any second link between the pair
	// is a duplicate, in either endpoint order.
	if _, _, _, err := lm.AddLink(b, a, nil, nil, LinkOptions{}); !errors.Is(err, ErrDuplicateLink) {
		t.Fatalf("err = %v, want ErrDuplicateLink", err)
	}
}

func TestAddLinkParallelWithExplicitInterfaces(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	s1 := &InterfaceSpec{ID: 0}
	s2 := &InterfaceSpec{ID: 0}
	if _, _, _, err := lm.AddLink(a, b, s1, s2, LinkOptions{}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	// A distinct endpoint pair between the same nodes is allowed.
	s3 := &InterfaceSpec{ID: 1}
	s4 := &InterfaceSpec{ID: 1}
	if _, _, _, err := lm.AddLink(a, b, s3, s4, LinkOptions{}); err != nil {
		t.Fatalf("parallel link with distinct endpoints: %v", err)
	}

	// The exact same unordered pair, named in reverse order, is not.
	r1 := &InterfaceSpec{ID: 0}
	r2 := &InterfaceSpec{ID: 0}
	if _, _, _, err := lm.AddLink(b, a, r1, r2, LinkOptions{}); !errors.Is(err, ErrDuplicateLink) {
		t.Fatalf("err = %v, want ErrDuplicateLink", err)
	}

	if lm.LinkCount() != 2 {
		t.Fatalf("LinkCount = %d, want 2", lm.LinkCount())
	}
}

func TestAddLinkRollsBackFirstInterfaceOnFailure(t *testing.T) {
	store, lm, a, b := twoNodeSetup(t)

	// Occupy b:0 so an explicit re-add on b fails after a's interface
	// was already allocated.
	if err := store.AddInterface(&Interface{NodeID: b, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	spec2 := &InterfaceSpec{ID: 0, Name: "clash", MAC: "00:00:00:00:00:01"}
	_, _, _, err := lm.AddLink(a, b, &InterfaceSpec{ID: 0}, spec2, LinkOptions{})
	if !errors.Is(err, ErrInterfaceExists) {
		t.Fatalf("err = %v, want ErrInterfaceExists", err)
	}
	if _, err := store.GetInterface(a, 0); !errors.Is(err, ErrInterfaceNotFound) {
		t.Fatalf("first interface not rolled back: %v", err)
	}
}

func TestUnidirectionalLinkGetsReverseOverlay(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	link, _, _, err := lm.AddLink(a, b, nil, nil, LinkOptions{Unidirectional: true, Delay: 5000})
	if err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if link.Reverse == nil {
		t.Fatalf("asymmetric link missing reverse overlay")
	}
	if link.Reverse.Delay != 0 {
		t.Fatalf("reverse overlay inherited forward delay: %+v", link.Reverse)
	}
}

func TestEditLinkForwardAndReverse(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, b, nil, nil, LinkOptions{Unidirectional: true}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	fwd := int64(2000)
	if _, err := lm.EditLink(a, b, -1, -1, LinkOptionsPatch{Delay: &fwd}); err != nil {
		t.Fatalf("EditLink forward: %v", err)
	}

	rev := int64(9000)
	link, err := lm.EditLink(b, a, -1, -1, LinkOptionsPatch{Delay: &rev})
	if err != nil {
		t.Fatalf("EditLink reverse: %v", err)
	}

	if link.Options.Delay != fwd {
		t.Fatalf("forward delay = %d, want %d", link.Options.Delay, fwd)
	}
	if link.Reverse == nil || link.Reverse.Delay != rev {
		t.Fatalf("reverse delay not applied: %+v", link.Reverse)
	}
}

func TestEditLinkNotFound(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	delay := int64(1)
	if _, err := lm.EditLink(a, b, -1, -1, LinkOptionsPatch{Delay: &delay}); !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("err = %v, want ErrLinkNotFound", err)
	}
}

func TestDeleteLinkReapsAutoCreatedInterfaces(t *testing.T) {
	store, lm, a, b := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, b, nil, nil, LinkOptions{}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	_, removed, found := lm.DeleteLink(a, b, -1, -1)
	if !found {
		t.Fatalf("DeleteLink did not find the link")
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d interfaces, want 2", len(removed))
	}
	if _, err := store.GetInterface(a, 0); !errors.Is(err, ErrInterfaceNotFound) {
		t.Fatalf("auto-created interface survived delete: %v", err)
	}
}

func TestDeleteLinkKeepsExplicitInterfaces(t *testing.T) {
	store, lm, a, b := twoNodeSetup(t)

	if err := store.AddInterface(&Interface{NodeID: a, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if _, _, _, err := lm.AddLink(a, b, &InterfaceSpec{ID: 0}, nil, LinkOptions{}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	_, removed, found := lm.DeleteLink(a, b, -1, -1)
	if !found {
		t.Fatalf("DeleteLink did not find the link")
	}
	if len(removed) != 1 {
		t.Fatalf("removed %d interfaces, want 1 (only the auto-created side)", len(removed))
	}
	if _, err := store.GetInterface(a, 0); err != nil {
		t.Fatalf("pre-existing interface reaped: %v", err)
	}
}

func TestDeleteLinkSoftMiss(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	if _, _, found := lm.DeleteLink(a, b, -1, -1); found {
		t.Fatalf("DeleteLink on empty manager reported found")
	}
}

func TestDeleteNodeLinksCascades(t *testing.T) {
	store := NewTopologyStore()
	lm := NewLinkManager(store)

	hub, _ := store.AddNode(&Node{Name: "hub"})
	var spokes []int32
	for i := 0; i < 3; i++ {
		n, err := store.AddNode(&Node{})
		if err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		spokes = append(spokes, n.ID)
		if _, _, _, err := lm.AddLink(hub.ID, n.ID, nil, nil, LinkOptions{}); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}

	dropped := lm.DeleteNodeLinks(hub.ID)
	if len(dropped) != 3 {
		t.Fatalf("cascade removed %d links, want 3", len(dropped))
	}
	if lm.LinkCount() != 0 {
		t.Fatalf("LinkCount after cascade = %d, want 0", lm.LinkCount())
	}
	// Spoke-side auto-created interfaces must be reaped too.
	for _, id := range spokes {
		if ifaces := store.InterfacesFor(id); len(ifaces) != 0 {
			t.Fatalf("node %d still has %d interfaces after cascade", id, len(ifaces))
		}
	}
}

func TestRestoreRequiresExistingInterfaces(t *testing.T) {
	store, lm, a, b := twoNodeSetup(t)

	link := &Link{Node1: a, Node2: b, Iface1: 0, Iface2: 0}
	if err := lm.Restore(link); !errors.Is(err, ErrInterfaceNotFound) {
		t.Fatalf("err = %v, want ErrInterfaceNotFound", err)
	}

	if err := store.AddInterface(&Interface{NodeID: a, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := store.AddInterface(&Interface{NodeID: b, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := lm.Restore(link); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if lm.LinkCount() != 1 {
		t.Fatalf("LinkCount = %d, want 1", lm.LinkCount())
	}
}

func TestLinksSnapshotIsIsolated(t *testing.T) {
	_, lm, a, b := twoNodeSetup(t)

	if _, _, _, err := lm.AddLink(a, b, nil, nil, LinkOptions{Bandwidth: 1000}); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	snap := lm.Links()
	snap[0].Options.Bandwidth = 9999

	fresh := lm.Links()
	if fresh[0].Options.Bandwidth != 1000 {
		t.Fatalf("snapshot mutation leaked: %d", fresh[0].Options.Bandwidth)
	}
}
