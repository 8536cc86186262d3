package trap

// Cause classifies a trapped scause value into RISC-V's interrupt vs.
// exception halves plus the specific code, matching the match arms in
// original_source's trap/mod.rs exception_handler/timer_handler/
// ssoft_handler.
type Cause int

const (
	CauseUnknown Cause = iota

	// Interrupts.
	CauseTimerInterrupt
	CauseSoftInterrupt
	CauseExternalInterrupt

	// Exceptions.
	CauseBreakpoint
	CauseUserEnvCall
	CauseLoadPageFault
	CauseStorePageFault
	CauseInstructionPageFault
	CauseIllegalInstruction
	CauseInstructionFault
	CauseInstructionMisaligned
	CauseOther
)

func (c Cause) IsInterrupt() bool {
	return c == CauseTimerInterrupt || c == CauseSoftInterrupt || c == CauseExternalInterrupt
}

func (c Cause) IsPageFault() bool {
	return c == CauseLoadPageFault || c == CauseStorePageFault || c == CauseInstructionPageFault
}

// decodeScause mirrors the RISC-V scause encoding: the top bit set means
// interrupt, the remaining bits are the exception/interrupt code. Kept
// here (rather than in a CSR-access package) because every caller in this
// repository already has the raw scause value in hand after catching a
// trap; there is nothing additional to read.
func decodeScause(raw uint64) Cause {
	const interruptBit = uint64(1) << 63
	code := raw &^ interruptBit
	if raw&interruptBit != 0 {
		switch code {
		case 1:
			return CauseSoftInterrupt
		case 5:
			return CauseTimerInterrupt
		case 9:
			return CauseExternalInterrupt
		default:
			return CauseUnknown
		}
	}
	switch code {
	case 1:
		return CauseInstructionFault
	case 2:
		return CauseIllegalInstruction
	case 0, 4:
		return CauseInstructionMisaligned
	case 3:
		return CauseBreakpoint
	case 8, 9, 11:
		return CauseUserEnvCall
	case 12:
		return CauseInstructionPageFault
	case 13:
		return CauseLoadPageFault
	case 15:
		return CauseStorePageFault
	default:
		return CauseOther
	}
}

// DecodeScause exports decodeScause for callers outside this package (the
// scheduler's user-trap dispatch, kernel-to-kernel entry).
func DecodeScause(raw uint64) Cause { return decodeScause(raw) }

// KernelFault is what the kernel-to-kernel entry shim hands to
// HandleKernelFault: the saved caller-saved registers, sepc and stval, and
// the raw scause (spec.md §4.F, "Kernel-to-kernel entry").
type KernelFault struct {
	RA, SEPC, STVal, SCause uint64
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	T0, T1, T2, T3, T4, T5, T6     uint64
}

// AckSoft is called by HandleKernelFault for a software interrupt; it is
// a package variable so the boot/timer packages can wire the real
// sip.ssoft-clearing CSR write without this package depending on an
// architecture-access package.
var AckSoft = func() {}

// TimerTick is called by HandleKernelFault on a timer interrupt.
var TimerTick = func() {}

// Panic is called by HandleKernelFault for any exception it cannot
// resolve itself (anything but a breakpoint). Wired to internal/panic by
// the boot sequence to avoid an import cycle (panic needs trap.Context,
// not the reverse).
var Panic = func(kf KernelFault) { /* overridden at boot */ }

// HandleKernelFault is the kernel-to-kernel dispatcher (spec.md §4.F):
// acknowledge and return on a recognized interrupt or a breakpoint,
// panic on anything else. It returns the (possibly adjusted) sepc the
// entry shim should resume at.
func HandleKernelFault(kf KernelFault) uint64 {
	cause := decodeScause(kf.SCause)
	switch {
	case cause == CauseTimerInterrupt:
		TimerTick()
		return kf.SEPC
	case cause == CauseSoftInterrupt:
		AckSoft()
		return kf.SEPC
	case cause == CauseExternalInterrupt:
		// TODO: external interrupt controller support (spec.md non-goal
		// for this iteration; acknowledged but otherwise ignored).
		return kf.SEPC
	case cause == CauseBreakpoint:
		return kf.SEPC + 2
	default:
		Panic(kf)
		return kf.SEPC
	}
}
