// Package addrspace implements a task's user address space: the set of
// mapped/lazy regions plus the page-fault resolver that backs them,
// including copy-on-write fork (spec.md §3 "Address space"/"Region",
// §4.D). The region bookkeeping (one area per page, keyed by vpn) and the
// ELF/stack/heap loading sequence are grounded on original_source's
// kernel/src/task/user_space.rs (UserSpace/UserArea). The COW
// fast-path/slow-path fault resolution is grounded on biscuit's
// vm/as.go Sys_pgfault, which original_source's UserSpace never
// implements (its fork/COW paths are the stubs this package replaces
// with a real implementation).
package addrspace

import (
	"rvos/internal/config"
	"rvos/internal/elf"
	"rvos/internal/errno"
	"rvos/internal/mem/frame"
	"rvos/internal/vm/pagetable"
)

// FaultKind distinguishes why a page fault trapped, mirroring
// original_source's UserPageFaultType.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
)

// area is the per-page bookkeeping entry, one per mapped or reserved
// virtual page (original_source's UserArea, specialized to a single
// page).
type area struct {
	perm     pagetable.Perm // user-facing R/W/X/U permission, independent of COW state
	handle   *frame.Handle  // nil until the page is faulted in
	initData []byte         // ELF file content to splat on first fault-in; nil for anonymous pages
}

func (a *area) allows(k FaultKind) bool {
	switch k {
	case FaultRead:
		return a.perm.Has(pagetable.PermR)
	case FaultWrite:
		return a.perm.Has(pagetable.PermW)
	case FaultExec:
		return a.perm.Has(pagetable.PermX)
	}
	return false
}

// AddrSpace owns a page table and every physical frame reachable through
// it.
type AddrSpace struct {
	alloc *frame.Allocator
	pt    *pagetable.PageTable
	areas map[pagetable.VPN]*area
}

// New creates an address space whose upper half is copied from template,
// per spec.md §6 ("every address space's upper half... is identical").
func New(alloc *frame.Allocator, template *pagetable.PageTable) (*AddrSpace, errno.Code) {
	pt, ec := pagetable.FromKernelTemplate(alloc, template)
	if ec != errno.Success {
		return nil, ec
	}
	return &AddrSpace{alloc: alloc, pt: pt, areas: make(map[pagetable.VPN]*area)}, errno.Success
}

// PageTable exposes the underlying root table, e.g. for the scheduler's
// SwitchPageTable hook at context switch time.
func (as *AddrSpace) PageTable() *pagetable.PageTable { return as.pt }

// MapELF loads every PT_LOAD segment of img eagerly (matching
// original_source's map_elf, which maps and copies data up front rather
// than lazily), then reserves an unmapped, lazily-faulted stack region
// below stackTop of the given size. It returns the entry point.
func (as *AddrSpace) MapELF(img *elf.Image, stackTop uint64, stackPages uint64, pageSize uint64, pageShift uint) (uint64, errno.Code) {
	for _, seg := range img.Segments {
		perm := pagetable.PermU
		if seg.Perm.Read {
			perm |= pagetable.PermR
		}
		if seg.Perm.Write {
			perm |= pagetable.PermW
		}
		if seg.Perm.Exec {
			perm |= pagetable.PermX
		}

		base := pagetable.VPN(seg.VAddr >> pageShift)
		pages := (seg.MemSize + pageSize - 1) / pageSize
		for i := uint64(0); i < pages; i++ {
			vpn := base + pagetable.VPN(i)
			var init []byte
			start := i * pageSize
			if start < seg.FileSize {
				end := start + pageSize
				if end > seg.FileSize {
					end = seg.FileSize
				}
				init = seg.Data[start:end]
			}
			a := &area{perm: perm, initData: init}
			as.areas[vpn] = a
			if ec := as.materialize(vpn, a); ec != errno.Success {
				return 0, ec
			}
		}
	}

	stackBase := pagetable.VPN((stackTop - stackPages*pageSize) >> pageShift)
	for i := uint64(0); i < stackPages; i++ {
		vpn := stackBase + pagetable.VPN(i)
		as.areas[vpn] = &area{perm: pagetable.PermU | pagetable.PermR | pagetable.PermW}
	}

	return img.Entry, errno.Success
}

// Alloc reserves vpn as a lazily-faulted anonymous page with perm,
// idempotently (original_source's UserSpace::alloc).
func (as *AddrSpace) Alloc(vpn pagetable.VPN, perm pagetable.Perm) errno.Code {
	if _, ok := as.areas[vpn]; ok {
		return errno.Success
	}
	as.areas[vpn] = &area{perm: perm | pagetable.PermU}
	return errno.Success
}

// materialize allocates and maps a's backing frame if it has none yet.
func (as *AddrSpace) materialize(vpn pagetable.VPN, a *area) errno.Code {
	if a.handle != nil {
		return errno.Success
	}
	h, ec := as.alloc.Alloc(1, 1)
	if ec != errno.Success {
		return ec
	}
	if a.initData != nil {
		copy(as.alloc.PageBytes(h.Base(), 1), a.initData)
	}
	a.handle = h
	return as.pt.Map(vpn, h.Base(), a.perm)
}

// FindFrame returns the frame backing vpn, faulting it in if it is still
// lazy (original_source's UserSpace::find_frame).
func (as *AddrSpace) FindFrame(vpn pagetable.VPN) (*frame.Handle, errno.Code) {
	a, ok := as.areas[vpn]
	if !ok {
		return nil, errno.InvalidParam
	}
	if ec := as.materialize(vpn, a); ec != errno.Success {
		return nil, ec
	}
	return a.handle, errno.Success
}

// Map installs an already-allocated frame at vpn directly, taking
// ownership of handle. Used for IPC page transfer (spec.md §4.H
// IpcRecv): the receiver's address space takes the sent frame without
// going through the allocator itself.
func (as *AddrSpace) Map(vpn pagetable.VPN, h *frame.Handle, perm pagetable.Perm) errno.Code {
	if _, ok := as.areas[vpn]; ok {
		return errno.InvalidParam
	}
	a := &area{perm: perm | pagetable.PermU, handle: h}
	as.areas[vpn] = a
	return as.pt.Map(vpn, h.Base(), a.perm)
}

// CopyIn reads n bytes starting at user virtual address vaddr, faulting
// in each covered page for read access. Used by syscalls that accept a
// user buffer (PrintConsole, SetTrapframe).
func (as *AddrSpace) CopyIn(vaddr uint64, n uint64) ([]byte, errno.Code) {
	out := make([]byte, n)
	if ec := as.walkCopy(vaddr, out, FaultRead, false); ec != errno.Success {
		return nil, ec
	}
	return out, errno.Success
}

// CopyOut writes data into the user address space starting at vaddr,
// faulting in each covered page for write access.
func (as *AddrSpace) CopyOut(vaddr uint64, data []byte) errno.Code {
	return as.walkCopy(vaddr, data, FaultWrite, true)
}

// walkCopy copies buf to-or-from the page-granular frames backing
// [vaddr, vaddr+len(buf)), one page at a time, resolving lazy areas as it
// goes via FindFrame.
func (as *AddrSpace) walkCopy(vaddr uint64, buf []byte, kind FaultKind, toUser bool) errno.Code {
	remaining := buf
	va := vaddr
	for len(remaining) > 0 {
		vpn := pagetable.VPN(va >> config.PageShiftBits)
		off := va & (config.PageSize - 1)
		n := uint64(config.PageSize - off)
		if n > uint64(len(remaining)) {
			n = uint64(len(remaining))
		}

		a, ok := as.areas[vpn]
		if !ok || !a.allows(kind) {
			return errno.InvalidParam
		}
		h, ec := as.FindFrame(vpn)
		if ec != errno.Success {
			return ec
		}
		page := as.alloc.PageBytes(h.Base(), 1)
		if toUser {
			copy(page[off:off+n], remaining[:n])
		} else {
			copy(remaining[:n], page[off:off+n])
		}

		remaining = remaining[n:]
		va += n
	}
	return errno.Success
}

// Unmap releases vpn's frame (if materialized) and removes the area.
func (as *AddrSpace) Unmap(vpn pagetable.VPN) errno.Code {
	a, ok := as.areas[vpn]
	if !ok {
		return errno.InvalidParam
	}
	if a.handle != nil {
		as.pt.Unmap(vpn)
		a.handle.Release()
	}
	delete(as.areas, vpn)
	return errno.Success
}

// ResolveFault is the central page-fault resolver (spec.md §4.D step 2).
// It is invoked with the faulting virtual page and the access that
// trapped. Three outcomes: the fault is illegal (no area, or the area
// forbids the access) and the task should be killed; the page was lazy
// and is now mapped; or the page was a copy-on-write page and is now
// either unshared in place (sole owner) or privately copied (shared).
func (as *AddrSpace) ResolveFault(vpn pagetable.VPN, kind FaultKind) errno.Code {
	a, ok := as.areas[vpn]
	if !ok || !a.allows(kind) {
		return errno.BadTask
	}

	if a.handle == nil {
		return as.materialize(vpn, a)
	}

	_, curPerm, present := as.pt.Query(vpn)
	if !present {
		panic("addrspace: area has a frame handle but no PTE installed")
	}
	if kind != FaultWrite || !curPerm.Has(pagetable.PermCOW) {
		// Any other combination reaching here is a genuine protection
		// violation: an area-permitted access against a page that is
		// already mapped with sufficient rights would not fault at all.
		return errno.BadTask
	}

	if a.handle.RefCount() == 1 {
		// Sole owner: drop the COW marker and add write permission onto
		// the same frame in place, no copy needed.
		as.pt.Remap(vpn, a.handle.Base(), a.perm)
		return errno.Success
	}

	newH, ec := as.alloc.Alloc(1, 1)
	if ec != errno.Success {
		return ec
	}
	copy(as.alloc.PageBytes(newH.Base(), 1), as.alloc.PageBytes(a.handle.Base(), 1))
	as.pt.Remap(vpn, newH.Base(), a.perm)
	a.handle.Release()
	a.handle = newH
	return errno.Success
}

// Fork produces a child address space sharing every materialized page
// copy-on-write: writable pages are remapped read-only-plus-COW in both
// parent and child and their frames are refcount-shared; unmapped lazy
// areas are duplicated with no frame at all (spec.md §4.D, "anonymous and
// ELF data pages are marked copy-on-write in both parent and child").
func (as *AddrSpace) Fork(template *pagetable.PageTable) (*AddrSpace, errno.Code) {
	child, ec := New(as.alloc, template)
	if ec != errno.Success {
		return nil, ec
	}

	for vpn, a := range as.areas {
		if a.handle == nil {
			child.areas[vpn] = &area{perm: a.perm, initData: a.initData}
			continue
		}

		ptePerm := a.perm
		if a.perm.Has(pagetable.PermW) {
			ptePerm = (a.perm &^ pagetable.PermW) | pagetable.PermCOW
			as.pt.Remap(vpn, a.handle.Base(), ptePerm)
		}

		clone := a.handle.Clone()
		childArea := &area{perm: a.perm, handle: clone, initData: a.initData}
		child.areas[vpn] = childArea
		if ec := child.pt.Map(vpn, clone.Base(), ptePerm); ec != errno.Success {
			return nil, ec
		}
	}

	return child, errno.Success
}

// Destroy releases every materialized frame and the page table itself.
func (as *AddrSpace) Destroy() {
	for vpn, a := range as.areas {
		if a.handle != nil {
			a.handle.Release()
		}
		delete(as.areas, vpn)
	}
	as.pt.Destroy()
}
