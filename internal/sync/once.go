package sync

import (
	"fmt"
	"sync/atomic"
)

type onceState uint32

const (
	onceIncomplete onceState = iota
	onceRunning
	onceComplete
	oncePoisoned
)

// Once runs an initializer exactly once across any number of harts,
// matching the Incomplete/Running/Complete/Poisoned state machine in
// spec.md §4.A (grounded on original_source's crates/sync/src/once.rs).
// Concurrent callers spin until Complete; a panic inside the initializer
// leaves the Once Poisoned, and every subsequent caller (including the one
// that panicked, if recovered upstream) panics too.
type Once struct {
	state atomic.Uint32
}

// Do runs f if this is the first call, otherwise waits for the in-flight
// or already-completed call. It panics if the Once is poisoned.
func (o *Once) Do(f func()) {
	if onceState(o.state.Load()) == onceComplete {
		return
	}
	o.doSlow(f)
}

func (o *Once) doSlow(f func()) {
	for {
		if o.state.CompareAndSwap(uint32(onceIncomplete), uint32(onceRunning)) {
			break
		}
		switch onceState(o.state.Load()) {
		case onceIncomplete:
			continue
		case onceRunning:
			o.spinUntilComplete()
			return
		case onceComplete:
			return
		case oncePoisoned:
			panic("sync: Once poisoned")
		}
	}

	poisoned := true
	defer func() {
		if poisoned {
			o.state.Store(uint32(oncePoisoned))
		}
	}()
	f()
	poisoned = false
	o.state.Store(uint32(onceComplete))
}

func (o *Once) spinUntilComplete() {
	spins := 0
	for {
		switch onceState(o.state.Load()) {
		case onceComplete:
			return
		case oncePoisoned:
			panic("sync: Once poisoned")
		}
		spins++
		if spins > spinCap {
			panic(fmt.Sprintf("sync: Once stalled on hart %d", HartID()))
		}
	}
}

// Done reports whether the Once has completed successfully.
func (o *Once) Done() bool {
	return onceState(o.state.Load()) == onceComplete
}
