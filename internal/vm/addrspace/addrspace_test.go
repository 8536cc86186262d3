package addrspace

import (
	"testing"

	"rvos/internal/errno"
	"rvos/internal/mem/frame"
	"rvos/internal/vm/pagetable"
)

func newTestEnv(t *testing.T) (*frame.Allocator, *pagetable.PageTable) {
	t.Helper()
	a := frame.New()
	a.Init(0, frame.PFN(4096))
	template, ec := pagetable.New(a)
	if ec != errno.Success {
		t.Fatalf("template New failed: %v", ec)
	}
	return a, template
}

func TestLazyAllocFaultsInOnWrite(t *testing.T) {
	alloc, template := newTestEnv(t)
	as, ec := New(alloc, template)
	if ec != errno.Success {
		t.Fatalf("New failed: %v", ec)
	}

	vpn := pagetable.VPN(0x20)
	if ec := as.Alloc(vpn, pagetable.PermR|pagetable.PermW); ec != errno.Success {
		t.Fatalf("Alloc failed: %v", ec)
	}
	if _, _, ok := as.pt.Query(vpn); ok {
		t.Fatal("expected lazy area to have no PTE before first fault")
	}

	if ec := as.ResolveFault(vpn, FaultWrite); ec != errno.Success {
		t.Fatalf("ResolveFault failed: %v", ec)
	}
	if _, _, ok := as.pt.Query(vpn); !ok {
		t.Fatal("expected PTE after fault resolution")
	}
}

func TestResolveFaultRejectsDisallowedAccess(t *testing.T) {
	alloc, template := newTestEnv(t)
	as, _ := New(alloc, template)
	vpn := pagetable.VPN(0x30)
	as.Alloc(vpn, pagetable.PermR)

	if ec := as.ResolveFault(vpn, FaultWrite); ec != errno.BadTask {
		t.Fatalf("expected BadTask for a write fault on a read-only area, got %v", ec)
	}
}

func TestResolveFaultUnknownAreaIsBadTask(t *testing.T) {
	alloc, template := newTestEnv(t)
	as, _ := New(alloc, template)
	if ec := as.ResolveFault(pagetable.VPN(0xffff), FaultRead); ec != errno.BadTask {
		t.Fatalf("expected BadTask for an unmapped area, got %v", ec)
	}
}

func TestForkSharesFrameAndPrivateCopyOnWrite(t *testing.T) {
	alloc, template := newTestEnv(t)
	parent, _ := New(alloc, template)

	vpn := pagetable.VPN(0x40)
	parent.Alloc(vpn, pagetable.PermR|pagetable.PermW)
	if ec := parent.ResolveFault(vpn, FaultWrite); ec != errno.Success {
		t.Fatalf("materializing parent page failed: %v", ec)
	}
	parentFrame, _, _ := parent.pt.Query(vpn)

	childTemplate, _ := pagetable.New(alloc)
	child, ec := parent.Fork(childTemplate)
	if ec != errno.Success {
		t.Fatalf("Fork failed: %v", ec)
	}

	pPPN, pPerm, ok := parent.pt.Query(vpn)
	if !ok {
		t.Fatal("expected parent mapping to survive fork")
	}
	if pPPN != parentFrame {
		t.Fatal("fork should not move the parent's frame")
	}
	if pPerm.Has(pagetable.PermW) || !pPerm.Has(pagetable.PermCOW) {
		t.Fatalf("expected parent page remapped read-only+COW after fork, got %v", pPerm)
	}

	cPPN, cPerm, ok := child.pt.Query(vpn)
	if !ok {
		t.Fatal("expected child to inherit the mapping")
	}
	if cPPN != parentFrame {
		t.Fatal("expected child to initially share the parent's frame")
	}
	if !cPerm.Has(pagetable.PermCOW) {
		t.Fatal("expected child mapping marked COW")
	}

	if ec := child.ResolveFault(vpn, FaultWrite); ec != errno.Success {
		t.Fatalf("child COW write fault failed: %v", ec)
	}
	cPPN2, cPerm2, _ := child.pt.Query(vpn)
	if cPPN2 == parentFrame {
		t.Fatal("expected child write to allocate a private copy, frame unchanged")
	}
	if !cPerm2.Has(pagetable.PermW) || cPerm2.Has(pagetable.PermCOW) {
		t.Fatalf("expected child page writable and no longer COW, got %v", cPerm2)
	}

	pPPN2, _, _ := parent.pt.Query(vpn)
	if pPPN2 != parentFrame {
		t.Fatal("parent's frame must be untouched by child's COW write")
	}

	if ec := parent.ResolveFault(vpn, FaultWrite); ec != errno.Success {
		t.Fatalf("parent COW write fault failed: %v", ec)
	}
	pPPN3, pPerm3, _ := parent.pt.Query(vpn)
	if pPPN3 != parentFrame {
		t.Fatal("expected parent to reuse its own frame: it is now the sole owner")
	}
	if !pPerm3.Has(pagetable.PermW) || pPerm3.Has(pagetable.PermCOW) {
		t.Fatalf("expected parent page writable and no longer COW, got %v", pPerm3)
	}
}

func TestUnmapReleasesFrame(t *testing.T) {
	alloc, template := newTestEnv(t)
	as, _ := New(alloc, template)
	vpn := pagetable.VPN(0x50)
	as.Alloc(vpn, pagetable.PermR|pagetable.PermW)
	as.ResolveFault(vpn, FaultWrite)

	freeBefore, _ := alloc.Stats()
	if ec := as.Unmap(vpn); ec != errno.Success {
		t.Fatalf("Unmap failed: %v", ec)
	}
	freeAfter, _ := alloc.Stats()
	if freeAfter != freeBefore+1 {
		t.Fatalf("expected Unmap to free the backing frame: free went from %d to %d", freeBefore, freeAfter)
	}
	if _, ec := as.FindFrame(vpn); ec != errno.InvalidParam {
		t.Fatal("expected FindFrame to fail after Unmap")
	}
}
