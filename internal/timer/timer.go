// Package timer drives preemption (spec.md §4.I): it enables the
// supervisor-timer interrupt, programs the first deadline, and
// reprograms on every tick. Grounded directly on original_source's
// kernel/src/timer/mod.rs (init/set_next_timeout/tick), translated from
// a single-hart static module into a per-hart-safe one since RVOS is
// SMP (spec.md §4, "SMP scheduler").
package timer

import (
	"rvos/internal/config"
	"rvos/internal/sbi"
)

// ReadTime reads the mtime counter; wired by boot to the `rdtime`
// pseudo-instruction (CSR `time`). Defaults to a fake that always returns
// 0, so tests can exercise SetNextTimeout deterministically without a
// real hart.
var ReadTime = func() uint64 { return 0 }

// EnableSTIE sets sie.STIE (the supervisor-timer interrupt enable bit);
// wired by boot, no-op by default.
var EnableSTIE = func() {}

// sbiSetTimerHook is the actual firmware call, indirected so tests never
// execute the real ecall instruction (there is no RISC-V hart to trap
// into on the machine running `go test`).
var sbiSetTimerHook = sbi.SetTimer

// Init enables the supervisor-timer interrupt and programs the first
// deadline, mirroring original_source's timer::init for each hart that
// calls it during startup.
func Init() {
	EnableSTIE()
	SetNextTimeout()
}

// SetNextTimeout programs the next timer interrupt one tick interval
// (config.TicksPerInterrupt) past the current time. It is called both
// from Init and from every timer-interrupt handler (spec.md §4.I, "the
// interrupt handler simply reprograms"), and is the concrete
// implementation wired into internal/sched's SetNextTimeout hook.
func SetNextTimeout() {
	sbiSetTimerHook(ReadTime() + config.TicksPerInterrupt)
}

// Tick is the timer-interrupt handler's call into this package; it is
// simply an alias for SetNextTimeout; original_source's tick() is the
// same one-line forwarding function.
func Tick() {
	SetNextTimeout()
}
