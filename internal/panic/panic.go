// Package panic is the kernel-wide panic path (spec.md §9, ambient
// panic handling referenced by §4.F/§4.G/§4.H). It disables interrupts,
// force-acquires the console lock if it is stuck, prints the failing
// hart/task/register state, and asks firmware to reset the machine. This
// deliberately never returns, matching every kernel panic path in the
// retrieval pack (biscuit's runtime panics, original_source's panic!).
package panic

import (
	"fmt"
	"runtime/debug"

	"rvos/internal/console"
	"rvos/internal/sbi"
	"rvos/internal/trap"
	ksync "rvos/internal/sync"
)

// DisableInterrupts is wired by boot to the real SIE-clearing CSR write;
// it defaults to a no-op so this package's own tests do not need a real
// hart.
var DisableInterrupts = func() {}

// HartID reports the current hart, for the panic banner.
var HartID = func() int { return 0 }

// forceUnlockSpins bounds how long Panic waits for the console lock
// before concluding it is stuck (held by a hart that itself crashed) and
// forcing it open. Far below spinlock.spinCap: a panic must still get its
// message out promptly even if the normal lock is wedged.
const forceUnlockSpins = 10_000

// Reset is the final act of Panic; overridden in tests so they do not
// have to hang on the real SBI reset call. Defaults to sbi.SystemReset.
var Reset = sbi.SystemReset

// Panic prints msg and ctx (if non-nil) and never returns. It is called
// both from explicit kernel panics and from trap.Panic (wired by boot)
// for traps the kernel cannot otherwise resolve.
func Panic(ctx *trap.Context, msg string) {
	report(ctx, msg)
	Reset()
	select {} // unreachable once firmware actually resets; keeps control flow honest
}

// report does everything short of resetting the machine, split out so
// tests can exercise the banner/backtrace path without hanging.
func report(ctx *trap.Context, msg string) {
	DisableInterrupts()

	if !tryLockBounded(&console.Lock, forceUnlockSpins) {
		console.Lock.Unlock() // force it open: whoever held it is not coming back
		console.Lock.Lock()
	}
	defer console.Lock.Unlock()

	writeRaw(fmt.Sprintf("panic on hart %d: %s\n", HartID(), msg))
	if ctx != nil {
		writeRaw(fmt.Sprintf("  sepc=%#x a0=%#x a7=%#x\n", ctx.SEPC, ctx.Regs[trap.RegA0], ctx.Regs[trap.RegA7]))
	}
	// debug.Stack gives a Go-runtime stack trace of the panicking
	// goroutine, not a symbolized RISC-V unwind of the trapped context:
	// there is no DWARF/unwind info for kernel-mode RISC-V frames here,
	// only for the Go code simulating them.
	writeRaw(string(debug.Stack()))
}

// writeRaw writes s directly through console.PutByte, bypassing
// console.WriteString's own locking since Panic already holds
// console.Lock for the whole banner.
func writeRaw(s string) {
	for i := 0; i < len(s); i++ {
		console.PutByte(s[i])
	}
}

func tryLockBounded(l *ksync.SpinLock, spins int) bool {
	for i := 0; i < spins; i++ {
		if l.TryLock() {
			return true
		}
	}
	return false
}
