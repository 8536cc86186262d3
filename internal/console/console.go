// Package console is the kernel's single debug console: a thin layer
// over internal/sbi's legacy putchar/getchar calls, styled after
// gopheros's device/tty and driver/video/console split between a raw
// device and a small buffered front end. RVOS has no line discipline or
// multiple consoles (spec.md non-goals), so this package is intentionally
// just two functions plus the lock the rest of the kernel (panic,
// syscalls) already needs to serialize writes across harts.
package console

import ksync "rvos/internal/sync"

// Lock serializes console writes across harts. Exported so
// internal/panic can force it during a panic (spec.md §9's bounded-spin
// then force-unlock policy) without this package needing to know about
// panics.
var Lock ksync.SpinLock

// PutByte is the low-level single-byte write; overridden in tests.
var PutByte = func(b byte) {}

// GetByte is the low-level single-byte read, returning ok=false if no
// byte is pending; overridden in tests.
var GetByte = func() (byte, bool) { return 0, false }

// Putchar writes one byte (spec.md §4.H syscall #0).
func Putchar(b byte) {
	Lock.Lock()
	defer Lock.Unlock()
	PutByte(b)
}

// WriteString writes s byte by byte, holding the lock for the whole
// string so concurrent writers from other harts cannot interleave
// (spec.md §4.H syscall #1, PrintConsole).
func WriteString(s string) {
	Lock.Lock()
	defer Lock.Unlock()
	for i := 0; i < len(s); i++ {
		PutByte(s[i])
	}
}

// Getchar blocks until a byte is available (spec.md §4.H syscall #15),
// matching original_source's sys_getchar busy-wait loop. Real hardware
// would want an interrupt-driven wait instead; this kernel has no UART
// interrupt wiring yet.
func Getchar() byte {
	for {
		if b, ok := GetByte(); ok {
			return b
		}
	}
}
