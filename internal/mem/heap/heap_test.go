package heap

import (
	"testing"

	"rvos/internal/errno"
)

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	a := New(4096)
	buf, ec := a.Alloc(100)
	if ec != errno.Success {
		t.Fatalf("alloc failed: %v", ec)
	}
	if len(buf) != 100 {
		t.Fatalf("expected 100-byte view, got %d", len(buf))
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("expected freshly allocated block to be zeroed")
		}
	}

	a.Free(buf, 100)
	free, allocated := a.Stats()
	if allocated != 0 || free != 4096 {
		t.Fatalf("expected fully freed heap, got free=%d allocated=%d", free, allocated)
	}
	if err := a.CheckBuddyIntegrity(); err != nil {
		t.Fatalf("buddy integrity violated: %v", err)
	}
}

func TestHeapExhaustion(t *testing.T) {
	a := New(1024)
	var bufs [][]byte
	for i := 0; i < 8; i++ {
		buf, ec := a.Alloc(100)
		if ec != errno.Success {
			t.Fatalf("alloc %d failed: %v", i, ec)
		}
		bufs = append(bufs, buf)
	}
	if _, ec := a.Alloc(1); ec != errno.NoMem {
		t.Fatal("expected exhaustion")
	}
	for _, buf := range bufs {
		a.Free(buf, 100)
	}
	if err := a.CheckBuddyIntegrity(); err != nil {
		t.Fatalf("buddy integrity violated after draining: %v", err)
	}
	free, allocated := a.Stats()
	if allocated != 0 || free != 1024 {
		t.Fatalf("expected fully coalesced heap, got free=%d allocated=%d", free, allocated)
	}
}
