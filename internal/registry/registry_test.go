package registry

import "testing"

func TestAllocateIDNonSmartMonotonic(t *testing.T) {
	r := New(9, 8, false, true)

	id, sid0, cid0 := r.AllocateID()
	if id != 1 || sid0 != 0 || cid0 != 0 {
		t.Fatalf("expected first non-smart id to be 1 with zeroed SID0/CID0, got id=%d sid0=%d cid0=%d", id, sid0, cid0)
	}
	r.Insert(&Peer{ID: id})

	id2, _, _ := r.AllocateID()
	if id2 != 2 {
		t.Fatalf("expected second non-smart id to be 2, got %d", id2)
	}
}

func TestAllocateIDReusesLowestFreeSlot(t *testing.T) {
	r := New(9, 8, false, true)
	r.Insert(&Peer{ID: 1})
	r.Insert(&Peer{ID: 2})
	r.Remove(1)

	id, _, _ := r.AllocateID()
	if id != 1 {
		t.Fatalf("expected lowest free id 1 to be reallocated, got %d", id)
	}
}

func TestAllocateIDSmartAssignsSIDAndCID(t *testing.T) {
	r := New(9, 8, true, true)
	id, sid0, cid0 := r.AllocateID()
	if sid0 != 27 {
		t.Fatalf("expected smart-mode default SID 27, got %d", sid0)
	}
	if cid0 != id*100 {
		t.Fatalf("expected smart-mode CID0 = id*100 = %d, got %d", id*100, cid0)
	}
}

func TestAllocateIDSentinelWhenFull(t *testing.T) {
	r := New(3, 2, false, true)
	r.Insert(&Peer{ID: 1})
	r.Insert(&Peer{ID: 2})

	id, sid0, cid0 := r.AllocateID()
	if id != -1 || sid0 != 0 || cid0 != 0 {
		t.Fatalf("expected sentinel (-1, 0, 0) when full, got (%d, %d, %d)", id, sid0, cid0)
	}
}

func TestRemoveParksInRecycleCacheWhenEnabled(t *testing.T) {
	r := New(9, 8, false, true)
	p := &Peer{ID: 1}
	r.Insert(p)

	parked := r.Remove(1)
	if !parked {
		t.Fatalf("expected Remove to report parked=true with recycling enabled")
	}
	if _, ok := r.Get(1); ok {
		t.Fatalf("expected peer removed from the live table")
	}
	if _, ok := r.Recycled(1); !ok {
		t.Fatalf("expected peer available in the recycle cache")
	}
}

func TestRemoveDoesNotParkDuringShutdown(t *testing.T) {
	r := New(9, 8, false, true)
	r.Insert(&Peer{ID: 1})
	r.SetShutdown()

	parked := r.Remove(1)
	if parked {
		t.Fatalf("expected Remove to not park peers once shutting down")
	}
	if _, ok := r.Recycled(1); ok {
		t.Fatalf("expected recycle cache to remain empty during shutdown")
	}
}

func TestTakeRecycledRemovesEntry(t *testing.T) {
	r := New(9, 8, false, true)
	r.Insert(&Peer{ID: 1})
	r.Remove(1)

	p, ok := r.TakeRecycled(1)
	if !ok || p.ID != 1 {
		t.Fatalf("expected to take back recycled peer 1, got %+v ok=%v", p, ok)
	}
	if _, ok := r.Recycled(1); ok {
		t.Fatalf("expected TakeRecycled to remove the entry")
	}
}

func TestOrderedPreservesInsertionOrder(t *testing.T) {
	r := New(9, 8, false, true)
	r.Insert(&Peer{ID: 3})
	r.Insert(&Peer{ID: 1})
	r.Insert(&Peer{ID: 2})

	got := r.Ordered()
	if len(got) != 3 || got[0].ID != 3 || got[1].ID != 1 || got[2].ID != 2 {
		t.Fatalf("expected insertion order [3 1 2], got %+v", got)
	}
}
