package frame

import (
	"math/rand"
	"testing"
	"testing/quick"

	"rvos/internal/errno"
)

func newTestAllocator(t *testing.T, pages uint64) *Allocator {
	t.Helper()
	a := New()
	a.Init(0, PFN(pages))
	return a
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 16)

	h, ec := a.Alloc(4, 1)
	if ec != errno.Success {
		t.Fatalf("Alloc failed: %v", ec)
	}
	if h.Pages() != 4 {
		t.Fatalf("expected 4 pages, got %d", h.Pages())
	}
	free, allocated := a.Stats()
	if allocated != 4 || free != 12 {
		t.Fatalf("expected 4 allocated/12 free, got %d/%d", allocated, free)
	}

	h.Release()
	free, allocated = a.Stats()
	if allocated != 0 || free != 16 {
		t.Fatalf("expected fully freed after release, got %d allocated, %d free", allocated, free)
	}
	if err := a.CheckBuddyIntegrity(); err != nil {
		t.Fatalf("buddy integrity violated after round trip: %v", err)
	}
}

func TestAllocRequiresPowerOfTwo(t *testing.T) {
	a := newTestAllocator(t, 16)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on non-power-of-two page count")
		}
	}()
	a.Alloc(3, 1)
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t, 4)
	h1, ec := a.Alloc(4, 1)
	if ec != errno.Success {
		t.Fatalf("expected first alloc to succeed: %v", ec)
	}
	if _, ec := a.Alloc(1, 1); ec != errno.NoMem {
		t.Fatalf("expected NoMem when exhausted, got %v", ec)
	}
	h1.Release()
	if _, ec := a.Alloc(4, 1); ec != errno.Success {
		t.Fatal("expected alloc to succeed again after release")
	}
}

func TestRefcountedSharing(t *testing.T) {
	a := newTestAllocator(t, 4)
	h, ec := a.Alloc(1, 1)
	if ec != errno.Success {
		t.Fatalf("alloc failed: %v", ec)
	}
	if h.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", h.RefCount())
	}

	clone := h.Clone()
	if h.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after clone, got %d", h.RefCount())
	}

	h.Release()
	if _, allocated := a.Stats(); allocated != 1 {
		t.Fatal("expected frame to remain allocated while clone is live")
	}

	clone.Release()
	if _, allocated := a.Stats(); allocated != 0 {
		t.Fatal("expected frame freed once last strong handle released")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	a := newTestAllocator(t, 4)
	h, _ := a.Alloc(1, 1)
	h.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	h.Release()
}

// TestFrameConservation is the "frame allocator conservation" property
// from spec.md §8: free+allocated pages always equals the total page
// count handed to Init, across any sequence of allocations sized and
// aligned to powers of two.
func TestFrameConservation(t *testing.T) {
	const totalPages = 256
	f := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		a := New()
		a.Init(0, PFN(totalPages))

		var live []*Handle
		for i := 0; i < 200; i++ {
			if len(live) > 0 && r.Intn(2) == 0 {
				idx := r.Intn(len(live))
				live[idx].Release()
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			order := uint64(r.Intn(5))
			n := uint64(1) << order
			h, ec := a.Alloc(n, 1)
			if ec != errno.Success {
				continue
			}
			live = append(live, h)
		}

		free, allocated := a.Stats()
		if free+allocated != totalPages {
			return false
		}
		return a.CheckBuddyIntegrity() == nil
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 50}); err != nil {
		t.Error(err)
	}
}

// TestBuddyIntegrityAfterFullCycle exercises the "buddy integrity"
// property from spec.md §8 directly: allocating the entire range and
// releasing every handle must coalesce back to a single free block
// covering the whole range.
func TestBuddyIntegrityAfterFullCycle(t *testing.T) {
	const totalPages = 64
	a := New()
	a.Init(0, PFN(totalPages))

	var handles []*Handle
	for i := 0; i < int(totalPages); i++ {
		h, ec := a.Alloc(1, 1)
		if ec != errno.Success {
			t.Fatalf("alloc %d failed: %v", i, ec)
		}
		handles = append(handles, h)
	}
	if _, ec := a.Alloc(1, 1); ec != errno.NoMem {
		t.Fatal("expected exhaustion after allocating every page")
	}

	for _, h := range handles {
		h.Release()
	}

	free, allocated := a.Stats()
	if free != totalPages || allocated != 0 {
		t.Fatalf("expected fully coalesced free range, got free=%d allocated=%d", free, allocated)
	}
	if len(a.freeLists[Log2Pages(totalPages)]) != 1 {
		t.Fatalf("expected a single top-order free block, got %d", len(a.freeLists[Log2Pages(totalPages)]))
	}
}

// Log2Pages is a small test-local helper mirroring kutil.Log2 without
// importing it twice for an int constant.
func Log2Pages(n uint64) uint {
	var order uint
	for n > 1 {
		n >>= 1
		order++
	}
	return order
}
