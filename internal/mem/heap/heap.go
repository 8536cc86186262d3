// Package heap implements the kernel heap: a second buddy allocator
// instance, identical in algorithm to internal/mem/frame but operating
// over byte-granular blocks within a single static backing array rather
// than physical page frames (SPEC_FULL.md component K). Grounded on the
// same original_source/crates/allocator/src/buddy.rs algorithm as
// internal/mem/frame; kept as a separate small package because the unit
// of allocation (bytes, not pages) and the backing store (a Go byte slice
// standing in for the static KernelHeapSize region) differ.
package heap

import (
	"fmt"
	"unsafe"

	"rvos/internal/config"
	"rvos/internal/errno"
	"rvos/internal/kutil"
	ksync "rvos/internal/sync"
)

// MinBlock is the smallest allocation unit, chosen to comfortably hold a
// TCB or a page-table-adjacent bookkeeping struct without excessive
// internal fragmentation.
const MinBlock = 32

// MaxOrder bounds the buddy order index relative to MinBlock.
const MaxOrder = 32

// Allocator is a byte-granular buddy allocator over a single contiguous
// backing array.
type Allocator struct {
	mu        ksync.NoIRQLock
	backing   []byte
	freeLists [MaxOrder][]uint64 // offsets into backing, in units of MinBlock
	size      uint64
	allocated uint64
}

// New allocates the static backing array (size bytes, rounded down to a
// power of two) and seeds the free lists with a single top-order block,
// matching the fixed-size "static region" described for the kernel heap.
func New(size uint64) *Allocator {
	order := kutil.Log2(size / MinBlock)
	units := uint64(1) << order
	a := &Allocator{
		backing: make([]byte, units*MinBlock),
		size:    units * MinBlock,
	}
	a.freeLists[order] = append(a.freeLists[order], 0)
	return a
}

// Default is the process-wide kernel heap, sized per config.KernelHeapSize
// (spec.md §9, "Global mutable state").
var Default = ksync.NewLazy(func() *Allocator {
	return New(config.KernelHeapSize)
})

// Alloc reserves at least n bytes, rounding up to the next power-of-two
// multiple of MinBlock, and returns a slice view into the backing array.
// Returns NoMem if the heap has no block large enough.
func (a *Allocator) Alloc(n uint64) ([]byte, errno.Code) {
	if n == 0 {
		n = 1
	}
	units := kutil.Roundup(n, uint64(MinBlock)) / MinBlock
	order := kutil.Log2(nextPow2(units))

	a.mu.Lock()
	off, ok := a.allocLocked(order)
	if ok {
		a.allocated += uint64(1) << order * MinBlock
	}
	a.mu.Unlock()

	if !ok {
		return nil, errno.NoMem
	}
	start := off * MinBlock
	end := start + n
	for i := start; i < start+(uint64(1)<<order)*MinBlock; i++ {
		a.backing[i] = 0
	}
	return a.backing[start:end:start+(uint64(1)<<order)*MinBlock], errno.Success
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (a *Allocator) allocLocked(order uint) (uint64, bool) {
	for i := order; i < MaxOrder; i++ {
		if len(a.freeLists[i]) == 0 {
			continue
		}
		for j := i; j > order; j-- {
			n := len(a.freeLists[j])
			block := a.freeLists[j][n-1]
			a.freeLists[j] = a.freeLists[j][:n-1]
			buddy := block + (uint64(1) << (j - 1))
			a.freeLists[j-1] = append(a.freeLists[j-1], buddy, block)
		}
		n := len(a.freeLists[order])
		block := a.freeLists[order][n-1]
		a.freeLists[order] = a.freeLists[order][:n-1]
		return block, true
	}
	return 0, false
}

// Free returns the block that Alloc handed back for buf. buf must be
// exactly the slice returned by Alloc (including its original capacity);
// callers should retain it verbatim rather than reslicing.
func (a *Allocator) Free(buf []byte, n uint64) {
	if n == 0 {
		n = 1
	}
	units := kutil.Roundup(n, uint64(MinBlock)) / MinBlock
	order := kutil.Log2(nextPow2(units))
	off := a.offsetOf(buf) / MinBlock

	a.mu.Lock()
	defer a.mu.Unlock()

	freed := uint64(1) << order * MinBlock
	block := off
	for order < MaxOrder-1 {
		buddy := block ^ (uint64(1) << order)
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
	a.allocated -= freed
}

func (a *Allocator) offsetOf(buf []byte) uint64 {
	base := uintptr(unsafe.Pointer(&a.backing[0]))
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	return uint64(ptr - base)
}

// Stats reports free and allocated bytes.
func (a *Allocator) Stats() (free, allocated uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size - a.allocated, a.allocated
}

// CheckBuddyIntegrity reports any pair of uncoalesced buddy blocks still
// present in the free lists.
func (a *Allocator) CheckBuddyIntegrity() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for order, list := range a.freeLists {
		seen := make(map[uint64]bool, len(list))
		for _, b := range list {
			seen[b] = true
		}
		for _, b := range list {
			buddy := b ^ (uint64(1) << order)
			if seen[buddy] {
				return fmt.Errorf("order %d: blocks %d and %d are uncoalesced buddies", order, b, buddy)
			}
		}
	}
	return nil
}
