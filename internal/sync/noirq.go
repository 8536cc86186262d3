package sync

// ReadSIE, DisableSIE and EnableSIE abstract the supervisor-interrupt-enable
// bit. They are injected so
// this package avoids importing an arch-specific CSR package; the boot
// package wires real implementations, and tests use a fake.
var (
	ReadSIE    = func() bool { return false }
	DisableSIE = func() {}
	EnableSIE  = func() {}
)

// NoIRQLock is the "spin-without-interrupts" policy from spec.md §4.A: the
// acquiring hart's prior supervisor-interrupt-enable bit is saved and
// interrupts are disabled for the duration of the critical section, then
// restored on every exit path (Unlock always restores, matching "restores
// the prior interrupt-enable bit on drop in all exit paths" in spec.md §5).
type NoIRQLock struct {
	inner    SpinLock
	savedSIE bool
}

// Lock disables interrupts, saving the prior state, then acquires the
// underlying spinlock.
func (l *NoIRQLock) Lock() {
	sie := ReadSIE()
	DisableSIE()
	l.inner.Lock()
	l.savedSIE = sie
}

// TryLock behaves like Lock but does not block if the lock is held; on
// failure interrupts are restored to their prior state before returning.
func (l *NoIRQLock) TryLock() bool {
	sie := ReadSIE()
	DisableSIE()
	if l.inner.TryLock() {
		l.savedSIE = sie
		return true
	}
	if sie {
		EnableSIE()
	}
	return false
}

// Unlock releases the spinlock and restores the interrupt-enable bit that
// was in effect before Lock/TryLock was called.
func (l *NoIRQLock) Unlock() {
	sie := l.savedSIE
	l.inner.Unlock()
	if sie {
		EnableSIE()
	}
}
