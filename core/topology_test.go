package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAddNodeAssignsSequentialIDs(t *testing.T) {
	store := NewTopologyStore()

	a, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	b, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("auto IDs = %d, %d, want 1, 2", a.ID, b.ID)
	}
	if a.Name != "n1" || b.Name != "n2" {
		t.Fatalf("auto names = %q, %q, want n1, n2", a.Name, b.Name)
	}
}

func TestAddNodeRejectsDuplicateID(t *testing.T) {
	store := NewTopologyStore()

	if _, err := store.AddNode(&Node{ID: 5}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	_, err := store.AddNode(&Node{ID: 5})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	store := NewTopologyStore()

	if _, err := store.AddNode(&Node{Name: "router"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	_, err := store.AddNode(&Node{Name: "router"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestAutoIDSkipsExplicitlyTakenIDs(t *testing.T) {
	store := NewTopologyStore()

	if _, err := store.AddNode(&Node{ID: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := store.AddNode(&Node{ID: 2}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	n, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if n.ID != 3 {
		t.Fatalf("auto ID = %d, want 3", n.ID)
	}
}

func TestUpdateNodeMergesAttributes(t *testing.T) {
	store := NewTopologyStore()
	n, err := store.AddNode(&Node{Name: "r1", ServiceConfigs: map[string]string{"zebra": "old"}})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	icon := "router.svg"
	updated, err := store.UpdateNode(n.ID, NodeUpdate{
		Icon:           &icon,
		ServiceConfigs: map[string]string{"zebra": "new", "ospf": "cfg"},
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	if updated.Name != "r1" {
		t.Fatalf("untouched name changed to %q", updated.Name)
	}
	if updated.Icon != icon {
		t.Fatalf("icon = %q, want %q", updated.Icon, icon)
	}
	if updated.ServiceConfigs["zebra"] != "new" || updated.ServiceConfigs["ospf"] != "cfg" {
		t.Fatalf("config merge wrong: %v", updated.ServiceConfigs)
	}
}

func TestUpdateNodeRejectsNameCollision(t *testing.T) {
	store := NewTopologyStore()
	if _, err := store.AddNode(&Node{Name: "a"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	b, err := store.AddNode(&Node{Name: "b"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	taken := "a"
	if _, err := store.UpdateNode(b.ID, NodeUpdate{Name: &taken}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestUpdateNodeFlipsPositionAuthority(t *testing.T) {
	store := NewTopologyStore()
	n, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	updated, err := store.UpdateNode(n.ID, NodeUpdate{Geo: &Geo{Lat: 40, Lon: -74}})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if !updated.GeoAuthoritative {
		t.Fatalf("geo update should make geo authoritative")
	}

	updated, err = store.UpdateNode(n.ID, NodeUpdate{Position: &Position{X: 100, Y: 200}})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if updated.GeoAuthoritative {
		t.Fatalf("planar update should make position authoritative")
	}
}

func TestDeleteNodeRemovesNameAndInterfaces(t *testing.T) {
	store := NewTopologyStore()
	n, err := store.AddNode(&Node{Name: "gone"})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := store.AddInterface(&Interface{NodeID: n.ID, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	if err := store.DeleteNode(n.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := store.GetNode(n.ID); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("GetNode after delete: %v", err)
	}
	// Name is free again.
	if _, err := store.AddNode(&Node{Name: "gone"}); err != nil {
		t.Fatalf("reusing freed name: %v", err)
	}
}

func TestNextInterfaceIDFillsGaps(t *testing.T) {
	store := NewTopologyStore()
	n, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	if err := store.AddInterface(&Interface{NodeID: n.ID, ID: 0}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := store.AddInterface(&Interface{NodeID: n.ID, ID: 2}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	id, err := store.NextInterfaceID(n.ID)
	if err != nil {
		t.Fatalf("NextInterfaceID: %v", err)
	}
	if id != 1 {
		t.Fatalf("next iface ID = %d, want 1", id)
	}
}

func TestAddInterfaceDefaultsName(t *testing.T) {
	store := NewTopologyStore()
	n, err := store.AddNode(&Node{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := store.AddInterface(&Interface{NodeID: n.ID, ID: 3}); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}

	iface, err := store.GetInterface(n.ID, 3)
	if err != nil {
		t.Fatalf("GetInterface: %v", err)
	}
	if iface.Name != "eth3" {
		t.Fatalf("default iface name = %q, want eth3", iface.Name)
	}
}

func TestNodesSnapshotIsIsolated(t *testing.T) {
	store := NewTopologyStore()
	if _, err := store.AddNode(&Node{Name: "a"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	snap := store.Nodes()
	snap[0].Name = "mutated"

	fresh := store.Nodes()
	if fresh[0].Name != "a" {
		t.Fatalf("snapshot mutation leaked into store: %q", fresh[0].Name)
	}
}

func TestConcurrentNodeAddsGetUniqueIDs(t *testing.T) {
	store := NewTopologyStore()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const workers = 16
	var wg sync.WaitGroup
	ids := make(chan int32, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.AddNode(&Node{})
			if err != nil {
				t.Errorf("AddNode: %v", err)
				return
			}
			ids <- n.ID
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for concurrent adds")
	}
	close(ids)

	seen := make(map[int32]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ID %d assigned", id)
		}
		seen[id] = true
	}
	if store.NodeCount() != workers {
		t.Fatalf("NodeCount = %d, want %d", store.NodeCount(), workers)
	}
}
