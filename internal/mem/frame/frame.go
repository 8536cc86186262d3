// Package frame implements the physical frame allocator: a buddy allocator
// over page frames with reference-counted, auto-releasing handles
// (spec.md §3 "Physical frame"/"Frame allocator state", §4.B).
//
// The algorithm (seed-by-largest-aligned-block on Init, split-on-Alloc,
// coalesce-on-Dealloc) is grounded on original_source's
// crates/allocator/src/buddy.rs and kernel/src/mm/frame.rs. Reference
// counting and the auto-releasing Handle are grounded on biscuit's
// mem/mem.go (Physmem_t.Refcnt/Refup/Refdown and the Pg_t handle idiom).
package frame

import (
	"fmt"

	"rvos/internal/config"
	"rvos/internal/errno"
	"rvos/internal/kutil"
	ksync "rvos/internal/sync"
)

// PFN is a physical page frame number (a physical address shifted right by
// PageShiftBits).
type PFN uint64

// MaxOrder bounds the buddy order index; order k holds blocks of 2^k
// pages, so the largest block is 2^31 pages. 32 matches original_source's
// FrameAllocator<ORDER> choice.
const MaxOrder = 32

// Allocator is a buddy allocator over a physical frame range
// [start, start+numPages). It is safe for concurrent use by multiple
// harts; every mutating method takes the no-IRQ lock described in
// spec.md §9 ("each is wrapped in the no-IRQ mutex").
type Allocator struct {
	mu ksync.NoIRQLock

	startPFN  PFN
	numPages  uint64
	freeLists [MaxOrder][]PFN
	meta      []int32 // refcount per page, indexed by pfn-startPFN
	backing   []byte  // emulated physical memory, direct-mapped by PageBytes

	totalPages     uint64
	allocatedPages uint64
}

// New returns an uninitialized Allocator; call Init before Alloc/Dealloc.
func New() *Allocator {
	return &Allocator{}
}

// Init seeds the free lists over [start, end), aligning both bounds
// inward to page boundaries and repeatedly choosing the largest
// power-of-two block that both fits in the remaining range and respects
// the alignment of the running start (spec.md §4.B).
func (a *Allocator) Init(start, end PFN) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if end < start {
		panic("frame: Init end before start")
	}
	a.startPFN = start
	a.numPages = uint64(end - start)
	a.meta = make([]int32, a.numPages)
	a.backing = make([]byte, a.numPages*config.PageSize)

	cur := uint64(start)
	endv := uint64(end)
	for cur < endv {
		lowBit := uint64(1)
		if cur != 0 {
			lowBit = cur & (-cur)
		} else {
			lowBit = prevPow2(endv - cur)
		}
		size := kutil.Min(lowBit, prevPow2(endv-cur))
		order := kutil.Log2(size)
		a.freeLists[order] = append(a.freeLists[order], PFN(cur))
		a.totalPages += size
		cur += size
	}
}

func prevPow2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(1) << kutil.Log2(n)
}

// Alloc reserves a block of nPages pages aligned to alignPages pages. Both
// arguments must be powers of two (spec.md §4.B). On success the returned
// frames are zeroed. Returns NoMem if no sufficiently large free block
// exists.
func (a *Allocator) Alloc(nPages, alignPages uint64) (*Handle, errno.Code) {
	if !kutil.IsPow2(nPages) || !kutil.IsPow2(alignPages) {
		panic("frame: Alloc requires power-of-two n and align")
	}
	order := kutil.Max(kutil.Log2(nPages), kutil.Log2(alignPages))

	a.mu.Lock()
	base, ok := a.allocLocked(order)
	if ok {
		for i := uint64(0); i < nPages; i++ {
			a.meta[uint64(base)-uint64(a.startPFN)+i] = 1
		}
		a.allocatedPages += nPages
	}
	a.mu.Unlock()

	if !ok {
		return nil, errno.NoMem
	}
	zero := a.PageBytes(base, nPages)
	for i := range zero {
		zero[i] = 0
	}
	return &Handle{a: a, base: base, pages: nPages}, errno.Success
}

// PageBytes returns a direct-mapped byte view of the n pages starting at
// pfn, the Go standin for biscuit's Dmap8 direct-physical-memory access
// (mem/mem.go). Real RVOS hardware reaches physical memory through the
// kernel's direct map window (spec.md §6, "Phys window"); this emulated
// kernel reaches it through a backing Go slice instead.
func (a *Allocator) PageBytes(pfn PFN, n uint64) []byte {
	off := (uint64(pfn) - uint64(a.startPFN)) * config.PageSize
	return a.backing[off : off+n*config.PageSize]
}

// allocLocked implements the split-on-demand search: scan orders from
// order upward for a non-empty free list, then repeatedly split the found
// block down to the requested order, pushing each block's buddy half back
// onto the next lower free list (spec.md §4.B, "it picks order k ...
// scans up from k, splits down ... then recursing until order k has a
// block").
func (a *Allocator) allocLocked(order uint) (PFN, bool) {
	for i := order; i < MaxOrder; i++ {
		if len(a.freeLists[i]) == 0 {
			continue
		}
		for j := i; j > order; j-- {
			n := len(a.freeLists[j])
			block := a.freeLists[j][n-1]
			a.freeLists[j] = a.freeLists[j][:n-1]
			buddy := PFN(uint64(block) + (uint64(1) << (j - 1)))
			a.freeLists[j-1] = append(a.freeLists[j-1], buddy, block)
		}
		n := len(a.freeLists[order])
		block := a.freeLists[order][n-1]
		a.freeLists[order] = a.freeLists[order][:n-1]
		return block, true
	}
	return 0, false
}

// Dealloc returns a previously allocated block of nPages pages starting at
// base to the free lists, coalescing iteratively with its buddy at every
// order while the buddy is present in the same free list (spec.md §4.B).
// Dealloc is infallible.
func (a *Allocator) Dealloc(base PFN, nPages uint64) {
	order := kutil.Log2(nPages)

	a.mu.Lock()
	defer a.mu.Unlock()

	block := base
	for order < MaxOrder-1 {
		buddy := PFN(uint64(block) ^ (uint64(1) << order))
		idx := -1
		for i, b := range a.freeLists[order] {
			if b == buddy {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		a.freeLists[order] = append(a.freeLists[order][:idx], a.freeLists[order][idx+1:]...)
		if buddy < block {
			block = buddy
		}
		order++
	}
	a.freeLists[order] = append(a.freeLists[order], block)
	a.allocatedPages -= nPages
}

// RefCount returns the current strong reference count of the page at pfn.
func (a *Allocator) RefCount(pfn PFN) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meta[uint64(pfn)-uint64(a.startPFN)]
}

func (a *Allocator) refUp(pfn PFN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint64(pfn) - uint64(a.startPFN)
	if a.meta[idx] <= 0 {
		panic("frame: refUp on freed page")
	}
	a.meta[idx]++
}

// refDown decrements pfn's refcount and, if it reaches zero, frees the
// single-page block. It returns true iff the page was freed.
func (a *Allocator) refDown(pfn PFN) bool {
	a.mu.Lock()
	idx := uint64(pfn) - uint64(a.startPFN)
	if a.meta[idx] <= 0 {
		a.mu.Unlock()
		panic("frame: refDown on already-free page")
	}
	a.meta[idx]--
	freed := a.meta[idx] == 0
	a.mu.Unlock()
	if freed {
		a.Dealloc(pfn, 1)
	}
	return freed
}

// Stats reports free and allocated page counts, for diagnostics and tests
// (spec.md §8, "Frame allocator conservation").
func (a *Allocator) Stats() (free, allocated uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPages - a.allocatedPages, a.allocatedPages
}

// CheckBuddyIntegrity verifies that no two blocks in the same order's free
// list are buddies of each other (spec.md §8, "Buddy integrity"); it is
// exported for use by property tests outside this package.
func (a *Allocator) CheckBuddyIntegrity() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for order, list := range a.freeLists {
		seen := make(map[PFN]bool, len(list))
		for _, b := range list {
			seen[b] = true
		}
		for _, b := range list {
			buddy := PFN(uint64(b) ^ (uint64(1) << order))
			if seen[buddy] {
				return fmt.Errorf("order %d: blocks %d and %d are uncoalesced buddies", order, b, buddy)
			}
		}
	}
	return nil
}
