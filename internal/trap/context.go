// Package trap defines the trap context block and the cause-based
// dispatch contract shared between the (assembly) entry shims and the
// kernel (spec.md §4.F "Trap plumbing"). The assembly shims themselves
// (_user_to_kernel_trap, _kernel_to_user, the stvec vector table) are
// architecture glue outside Go's reach; this package defines the memory
// layout and Go-side dispatch they call into, grounded on
// original_source's kernel/src/trap/{context.rs,mod.rs}.
package trap

// NumGPRegs is the RISC-V general-purpose register count, x0..x31.
const NumGPRegs = 32

// NumCalleeSaved is the count of callee-saved registers s0..s11.
const NumCalleeSaved = 12

// ContextWords is the fixed size of Context in machine words:
// [x0..x31][usstatus][sepc][s0..s11][kra][ksp][ktp] (spec.md §4.F).
const ContextWords = NumGPRegs + 1 + 1 + NumCalleeSaved + 1 + 1 + 1 // 49

// Context is the trap context block, addressed by fixed word offset from
// assembly. Field order must not change: it is load-bearing for the
// (unwritten) entry shims' store/load offsets.
type Context struct {
	Regs     [NumGPRegs]uint64    // x0..x31, x10..x15 double as syscall args a0..a5
	USStatus uint64               // saved user sstatus
	SEPC     uint64               // saved user sepc (resume address)
	SRegs    [NumCalleeSaved]uint64 // kernel s0..s11, saved across the user round-trip
	KRA      uint64               // kernel return address
	KSP      uint64               // kernel stack pointer
	KTP      uint64               // kernel thread pointer (hart id)
}

// Register indices into Regs, named for readability at call sites.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA7   = 17 // syscall number
)

// SyscallNum returns the syscall number from a7, per spec.md §4.H ("a7 =
// syscall number").
func (c *Context) SyscallNum() uint64 { return c.Regs[RegA7] }

// SyscallArgs returns a0..a5, the syscall argument registers.
func (c *Context) SyscallArgs() [6]uint64 {
	return [6]uint64{c.Regs[RegA0], c.Regs[RegA1], c.Regs[RegA2], c.Regs[RegA3], c.Regs[RegA4], c.Regs[RegA5]}
}

// SetReturn writes a syscall or fork return value into a0, the ABI
// convention described in spec.md §4.H.
func (c *Context) SetReturn(v uint64) { c.Regs[RegA0] = v }

// AdvancePastECall bumps sepc by 4, the width of the ecall instruction
// that trapped, so re-entry to user mode resumes just after it (spec.md
// §4.G step 4.d, "increment sepc by 4").
func (c *Context) AdvancePastECall() { c.SEPC += 4 }
