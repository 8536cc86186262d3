package frame

// Handle is a strong, auto-releasing owner of a physical frame block. The
// Go standin for the original implementation's Drop impl on its frame
// tracker: callers must call Release exactly once (directly, or via
// Clone/drop chains) rather than relying on a destructor, matching
// biscuit's explicit Refup/Refdown discipline in mem/mem.go.
//
// A Handle covers a contiguous run of pages starting at Base(). Single
// page handles (Pages() == 1) additionally participate in the refcounted
// sharing described in spec.md §4.D ("shares the frame and bumps its
// refcount") via Clone/RefCount; multi-page handles are never shared and
// Clone on them panics.
type Handle struct {
	a        *Allocator
	base     PFN
	pages    uint64
	released bool
}

// Base returns the handle's first page frame number.
func (h *Handle) Base() PFN { return h.base }

// Pages returns the number of pages the handle covers.
func (h *Handle) Pages() uint64 { return h.pages }

// RefCount returns the current strong reference count backing this
// handle's frame. Only meaningful for single-page handles.
func (h *Handle) RefCount() int32 {
	return h.a.RefCount(h.base)
}

// Clone produces a second strong handle to the same single page, bumping
// its reference count (spec.md §4.D COW sharing, §4.H IPC page transfer).
// It panics if the handle covers more than one page.
func (h *Handle) Clone() *Handle {
	if h.pages != 1 {
		panic("frame: Clone of a multi-page handle is not supported")
	}
	if h.released {
		panic("frame: Clone of a released handle")
	}
	h.a.refUp(h.base)
	return &Handle{a: h.a, base: h.base, pages: 1}
}

// Release drops this handle's strong reference. For a freshly-allocated
// (unshared) handle this frees the block immediately; for a cloned
// single-page handle it decrements the refcount and frees only when it
// reaches zero. Release may be called at most once per handle; calling
// it twice panics, matching the "an owner may share a
// frame... the frame returns to free list exactly when the last strong
// handle drops" invariant in spec.md §3.
func (h *Handle) Release() {
	if h.released {
		panic("frame: double Release")
	}
	h.released = true
	if h.pages == 1 {
		h.a.refDown(h.base)
		return
	}
	h.a.Dealloc(h.base, h.pages)
}
