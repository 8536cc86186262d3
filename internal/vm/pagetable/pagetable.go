// Package pagetable implements the Sv39 three-level page table (spec.md
// §3 "Page table", §4.C), grounded on original_source's
// kernel/src/mm/paging/{page_table.rs,pte.rs}. Physical pages backing the
// table itself are drawn from internal/mem/frame and accessed through its
// direct-mapped PageBytes view, the same pattern biscuit's vm package
// uses via mem.Dmap8.
package pagetable

import (
	"rvos/internal/config"
	"rvos/internal/errno"
	"rvos/internal/mem/frame"
)

// VPN is a virtual page number (a virtual address shifted right by
// PageShiftBits).
type VPN uint64

// Perm is the RISC-V Sv39 PTE flag bitset (spec.md glossary, "Perm"),
// grounded on original_source's mm/paging/pte.rs PteFlags.
type Perm uint16

const (
	PermV Perm = 1 << 0 // valid
	PermR Perm = 1 << 1 // readable
	PermW Perm = 1 << 2 // writable
	PermX Perm = 1 << 3 // executable
	PermU Perm = 1 << 4 // user-mode accessible
	PermG Perm = 1 << 5 // global
	PermA Perm = 1 << 6 // accessed
	PermD Perm = 1 << 7 // dirty
	// PermCOW occupies a reserved-for-software PTE bit and marks a page
	// as copy-on-write: present with PermR but deliberately missing
	// PermW, so a store traps into the page-fault resolver (spec.md
	// §4.D step 2).
	PermCOW Perm = 1 << 8
)

func (p Perm) Has(f Perm) bool { return p&f == f }

const (
	ptePPNShift = 10
	pteFlagMask = uint64(0x3ff) // bits [9:0]: V R W X U G A D COW RSW2
)

func (p Perm) bits() uint64 { return uint64(p) }

// pte is the raw 64-bit Sv39 page table entry encoding: bits
// [53:10] hold the PPN, bits [9:0] (plus the software COW bit at 8)
// hold flags.
type pte uint64

func makePTE(ppn frame.PFN, perm Perm) pte {
	return pte(uint64(ppn)<<ptePPNShift | perm.bits())
}

func (e pte) ppn() frame.PFN { return frame.PFN((uint64(e) >> ptePPNShift)) }
func (e pte) perm() Perm     { return Perm(uint64(e) & (pteFlagMask)) }
func (e pte) valid() bool    { return e.perm().Has(PermV) }

// vpnIndices splits a VPN into its three Sv39 level indices, most
// significant first (original_source's VirtPageNum::indices).
func vpnIndices(v VPN) [3]int {
	var idx [3]int
	val := uint64(v)
	for i := 2; i >= 0; i-- {
		idx[i] = int(val & (config.PTEEntryCount - 1))
		val >>= 9
	}
	return idx
}

// PageTable is an owned Sv39 root: it holds the frame backing its root
// table plus every intermediate page-table page it has allocated, and
// releases them all when Destroy is called.
type PageTable struct {
	alloc  *frame.Allocator
	root   frame.PFN
	tables []*frame.Handle // every page-table-page frame this table owns, including root
}

// New allocates a fresh, empty root table.
func New(alloc *frame.Allocator) (*PageTable, errno.Code) {
	h, ec := alloc.Alloc(1, 1)
	if ec != errno.Success {
		return nil, ec
	}
	return &PageTable{alloc: alloc, root: h.Base(), tables: []*frame.Handle{h}}, errno.Success
}

// FromKernelTemplate allocates a fresh root table and copies the kernel
// half of template's mappings into it, so every address space shares the
// same kernel text/data/device mappings above config.KernelBase (spec.md
// §6, "every address space's upper half ... is identical"). Grounded on
// original_source's PageTable::from_kernel_page_table.
func FromKernelTemplate(alloc *frame.Allocator, template *PageTable) (*PageTable, errno.Code) {
	pt, ec := New(alloc)
	if ec != errno.Success {
		return nil, ec
	}
	src := entriesOf(alloc, template.root)
	for i := config.PTEEntryCount / 2; i < config.PTEEntryCount; i++ {
		writePTE(alloc, pt.root, i, src[i])
	}
	return pt, errno.Success
}

func entriesOf(alloc *frame.Allocator, pfn frame.PFN) []pte {
	b := alloc.PageBytes(pfn, 1)
	entries := make([]pte, config.PTEEntryCount)
	for i := range entries {
		entries[i] = pte(
			uint64(b[i*8]) | uint64(b[i*8+1])<<8 | uint64(b[i*8+2])<<16 | uint64(b[i*8+3])<<24 |
				uint64(b[i*8+4])<<32 | uint64(b[i*8+5])<<40 | uint64(b[i*8+6])<<48 | uint64(b[i*8+7])<<56,
		)
	}
	return entries
}

func readPTE(alloc *frame.Allocator, pfn frame.PFN, idx int) pte {
	b := alloc.PageBytes(pfn, 1)[idx*8 : idx*8+8]
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return pte(v)
}

func writePTE(alloc *frame.Allocator, pfn frame.PFN, idx int, e pte) {
	b := alloc.PageBytes(pfn, 1)[idx*8 : idx*8+8]
	v := uint64(e)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// find walks the three levels looking up vpn, returning the level-2 (leaf)
// PTE's table frame and index. ok is false if any intermediate PTE is
// invalid.
func (pt *PageTable) find(vpn VPN) (table frame.PFN, idx int, ok bool) {
	idxs := vpnIndices(vpn)
	cur := pt.root
	for level := 0; level < config.PTELevels; level++ {
		e := readPTE(pt.alloc, cur, idxs[level])
		if level == config.PTELevels-1 {
			return cur, idxs[level], true
		}
		if !e.valid() {
			return 0, 0, false
		}
		cur = e.ppn()
	}
	return 0, 0, false
}

// findCreate is like find but allocates intermediate page-table pages on
// demand (original_source's PageTable::find_create).
func (pt *PageTable) findCreate(vpn VPN) (table frame.PFN, idx int, ec errno.Code) {
	idxs := vpnIndices(vpn)
	cur := pt.root
	for level := 0; level < config.PTELevels; level++ {
		if level == config.PTELevels-1 {
			return cur, idxs[level], errno.Success
		}
		e := readPTE(pt.alloc, cur, idxs[level])
		if !e.valid() {
			h, allocEc := pt.alloc.Alloc(1, 1)
			if allocEc != errno.Success {
				return 0, 0, allocEc
			}
			pt.tables = append(pt.tables, h)
			writePTE(pt.alloc, cur, idxs[level], makePTE(h.Base(), PermV))
			cur = h.Base()
		} else {
			cur = e.ppn()
		}
	}
	return 0, 0, errno.Unspecified
}

// Map installs a leaf mapping vpn -> ppn with the given permission,
// allocating any missing intermediate page-table pages. It panics if vpn
// is already mapped (spec.md §4.C, "Map installs a leaf entry"; callers
// that need replace-semantics call Unmap first).
func (pt *PageTable) Map(vpn VPN, ppn frame.PFN, perm Perm) errno.Code {
	table, idx, ec := pt.findCreate(vpn)
	if ec != errno.Success {
		return ec
	}
	if readPTE(pt.alloc, table, idx).valid() {
		panic("pagetable: Map over an already-mapped vpn")
	}
	writePTE(pt.alloc, table, idx, makePTE(ppn, perm|PermV))
	return errno.Success
}

// Remap overwrites an existing valid leaf entry in place, used by the
// page-fault resolver to flip COW mappings to writable private copies
// (spec.md §4.D step 2).
func (pt *PageTable) Remap(vpn VPN, ppn frame.PFN, perm Perm) {
	table, idx, ok := pt.find(vpn)
	if !ok || !readPTE(pt.alloc, table, idx).valid() {
		panic("pagetable: Remap of an unmapped vpn")
	}
	writePTE(pt.alloc, table, idx, makePTE(ppn, perm|PermV))
}

// Unmap clears vpn's leaf entry. It panics if vpn was not mapped.
func (pt *PageTable) Unmap(vpn VPN) {
	table, idx, ok := pt.find(vpn)
	if !ok {
		panic("pagetable: Unmap of an unmapped vpn")
	}
	e := readPTE(pt.alloc, table, idx)
	if !e.valid() {
		panic("pagetable: Unmap of an unmapped vpn")
	}
	writePTE(pt.alloc, table, idx, pte(0))
}

// Query returns the physical frame and permission mapped at vpn, if any.
func (pt *PageTable) Query(vpn VPN) (ppn frame.PFN, perm Perm, ok bool) {
	table, idx, found := pt.find(vpn)
	if !found {
		return 0, 0, false
	}
	e := readPTE(pt.alloc, table, idx)
	if !e.valid() {
		return 0, 0, false
	}
	return e.ppn(), e.perm(), true
}

// Root returns the physical frame number of the table's root, the value
// installed into satp by the scheduler's SwitchPageTable hook.
func (pt *PageTable) Root() frame.PFN { return pt.root }

// Destroy releases every page-table-page frame this table owns. It does
// not release the frames mapped by its leaf entries; callers (the address
// space) own those separately and must release them first.
func (pt *PageTable) Destroy() {
	for _, h := range pt.tables {
		h.Release()
	}
	pt.tables = nil
}

// FlushAll issues a global TLB flush (sfence.vma with no arguments).
// Map, Remap and Unmap in this package do not call it themselves.
// Defaults to a no-op so this package's own tests never execute a real
// privileged instruction; boot wires it to internal/arch/riscv64.
var FlushAll = func() {}
