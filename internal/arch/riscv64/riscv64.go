// Package riscv64 is the architecture-glue layer boot, timer, and sched
// need to touch real hardware: the supervisor interrupt-enable bit, the
// timer/software interrupt-enable bits, the page-table root register,
// the hart id carried in tp, and the two no-operand privileged
// instructions (wfi, sfence.vma). Declared in Go, defined in
// csr_riscv64.s, the same split internal/sbi uses for its ecall
// trampoline (spec.md §6, "the ecall register convention").
package riscv64

const (
	csrSstatus = 0x100
	csrSie     = 0x104
	csrSip     = 0x144
	csrSatp    = 0x180

	sstatusSIE = uint64(1) << 1 // supervisor interrupt enable
	sieSTIE    = uint64(1) << 5 // supervisor timer interrupt enable
	sipSSIP    = uint64(1) << 1 // supervisor software interrupt pending

	satpModeSv39 = uint64(8) << 60
)

// Declared here, defined in csr_riscv64.s.
func readSstatus() uint64
func setSstatusBits(mask uint64)
func clearSstatusBits(mask uint64)
func setSieBits(mask uint64)
func clearSipBits(mask uint64)
func writeSatp(value uint64)
func sfenceVMAAll()
func wfi()
func readTime() uint64
func readTP() uint64
func writeTP(v uint64)

// InterruptsEnabled reports sstatus.SIE; wired to internal/sync's
// ReadSIE.
func InterruptsEnabled() bool { return readSstatus()&sstatusSIE != 0 }

// DisableInterrupts clears sstatus.SIE; wired to internal/sync's
// DisableSIE and internal/panic's DisableInterrupts.
func DisableInterrupts() { clearSstatusBits(sstatusSIE) }

// EnableInterrupts sets sstatus.SIE; wired to internal/sync's EnableSIE.
func EnableInterrupts() { setSstatusBits(sstatusSIE) }

// EnableTimerInterrupt sets sie.STIE; wired to internal/timer's
// EnableSTIE.
func EnableTimerInterrupt() { setSieBits(sieSTIE) }

// AckSoftInterrupt clears sip.SSIP, acknowledging a delivered
// inter-hart IPI; wired to internal/trap's AckSoft and internal/sched's
// ClearIPI (the same bit serves both: a received IPI is how the
// scheduler wakes an idle hart, spec.md §4.I).
func AckSoftInterrupt() { clearSipBits(sipSSIP) }

// ReadTime reads the time CSR; wired to internal/timer's ReadTime.
func ReadTime() uint64 { return readTime() }

// SwitchPageTable writes satp from a root page-table frame number and
// flushes the TLB; wired to internal/sched's SwitchPageTable.
func SwitchPageTable(rootPFN uint64) {
	writeSatp(satpModeSv39 | rootPFN)
	sfenceVMAAll()
}

// FlushTLB issues a global sfence.vma; wired to
// internal/vm/pagetable's FlushAll.
func FlushTLB() { sfenceVMAAll() }

// WaitForInterrupt executes wfi; wired to internal/sched's
// WaitForInterrupt.
func WaitForInterrupt() { wfi() }

// HartID reads the calling hart's id out of tp, where SetHartID places it.
func HartID() int { return int(readTP()) }

// SetHartID writes id into tp; called once per hart by internal/boot
// (bootstrap on the boot hart, SecondaryMain on the others) before
// anything else may legitimately call HartID.
func SetHartID(id int) { writeTP(uint64(id)) }
