// Package syscall is the numbered syscall dispatcher (spec.md §4.H): 27
// entries (0-26) plus 255 for anything else, each taking its arguments
// from the trapped context's a0-a5 and writing its return into a0.
// Grounded directly on original_source's kernel/src/syscall/mod.rs
// (Syscall enum, do_syscall, and each sys_* function), with the memory,
// IPC, and task-destruction syscalls given real bodies where the
// original left a `0` stub.
package syscall

import (
	"rvos/internal/config"
	"rvos/internal/console"
	"rvos/internal/errno"
	"rvos/internal/sched"
	"rvos/internal/task"
	"rvos/internal/trap"
	"rvos/internal/vm/pagetable"
)

// Number identifies a syscall by its a7 value (original_source's
// Syscall enum).
type Number uint64

const (
	Putchar Number = iota
	PrintConsole
	GetTaskId
	Yield
	TaskDestroy
	SetTlbModEntry
	MemAlloc
	MemMap
	MemUnmap
	Exofork
	SetEnvStatus
	SetTrapframe
	Panic
	IpcTrySend
	IpcRecv
	Getchar
	WriteDev
	ReadDev
)

const firstFileOp = 18
const lastFileOp = 26

// maxUserPanicLen bounds how many bytes the Panic syscall reads from the
// caller-supplied message pointer (spec.md §4.H #12, "bounded length").
const maxUserPanicLen = 256

// KernelTemplate is the shared upper-half page table every address
// space is built from; wired by boot once paging is live, since
// there is no way for this package to derive "the" kernel template on
// its own (spec.md §6, "every address space's upper half is identical").
var KernelTemplate *pagetable.PageTable

// KernelHandlePanic is internal/panic.Panic, wired by boot; invoked by
// the Panic syscall (#12) and kept as a hook here rather than an import
// to avoid syscall depending on the panic package's own dependency on
// trap (no cycle either way, but this keeps the seam consistent with the
// rest of the kernel's hook style).
var KernelHandlePanic = func(ctx *trap.Context, msg string) {}

// Dispatch is the concrete implementation wired into sched.DoSyscall. It
// decodes t's trapped syscall number and arguments, runs the matching
// handler, and writes the result back into a0.
func Dispatch(t *task.TCB) {
	num := Number(t.Context.SyscallNum())
	args := t.Context.SyscallArgs()

	var result uint64
	switch {
	case num == Putchar:
		result = sysPutchar(args[0])
	case num == PrintConsole:
		result = sysPrintConsole(t, args[0], args[1])
	case num == GetTaskId:
		result = uint64(t.Pid())
	case num == Yield:
		result = sysYield(t)
	case num == TaskDestroy:
		result = sysTaskDestroy(t, args[0])
	case num == SetTlbModEntry:
		result = sysSetTlbModEntry(t, args[0], args[1])
	case num == MemAlloc:
		result = sysMemAlloc(t, args[0], args[1], args[2])
	case num == MemMap:
		result = sysMemMap(t, args[0], args[1], args[2], args[3], args[4])
	case num == MemUnmap:
		result = sysMemUnmap(t, args[0], args[1])
	case num == Exofork:
		result = sysExofork(t)
	case num == SetEnvStatus:
		result = sysSetEnvStatus(t, args[0], args[1])
	case num == SetTrapframe:
		result = sysSetTrapframe(t, args[0], args[1])
	case num == Panic:
		result = sysPanic(t, args[0])
	case num == IpcTrySend:
		result = sysIpcTrySend(t, args[0], args[1], args[2], args[3])
	case num == IpcRecv:
		result = sysIpcRecv(t, args[0])
	case num == Getchar:
		result = uint64(console.Getchar())
	case num == WriteDev || num == ReadDev:
		result = errno.BadSyscall.ABI()
	case uint64(num) >= firstFileOp && uint64(num) <= lastFileOp:
		result = errno.BadSyscall.ABI()
	default:
		result = errno.BadSyscall.ABI()
	}
	t.Context.SetReturn(result)
}

func sysPutchar(c uint64) uint64 {
	console.Putchar(byte(c))
	return errno.Success.ABI()
}

func sysPrintConsole(t *task.TCB, ptr, length uint64) uint64 {
	if !validUserRange(ptr, length) {
		return errno.InvalidParam.ABI()
	}
	buf, ec := t.AddrSpace.CopyIn(ptr, length)
	if ec != errno.Success {
		return ec.ABI()
	}
	console.WriteString(string(buf))
	return errno.Success.ABI()
}

func sysYield(t *task.TCB) uint64 {
	t.SetYield()
	return errno.Success.ABI()
}

// sysTaskDestroy resolves pid via t's children list, forces a running
// target to stop at its next quantum check, busy-waits for it to leave
// Running, then exits it (spec.md §4.H #4). original_source never
// implements this syscall (it falls through to BadSyscall); the busy-
// wait-then-exit contract is this kernel's own, grounded on the same
// "set yield flag, poll" idiom task.Yield/SetYield already establish.
func sysTaskDestroy(t *task.TCB, pid uint64) uint64 {
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	if target.Status() == task.Running {
		target.SetYield()
		for target.Status() == task.Running {
		}
	}
	target.Exit()
	return errno.Success.ABI()
}

func sysSetTlbModEntry(t *task.TCB, pid, entry uint64) uint64 {
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	target.ExceptionEntry = entry
	return errno.Success.ABI()
}

func sysMemAlloc(t *task.TCB, pid, va, perm uint64) uint64 {
	if !validUserRange(va, config.PageSize) {
		return errno.InvalidParam.ABI()
	}
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	vpn := pagetable.VPN(va >> config.PageShiftBits)
	ec := target.AddrSpace.Alloc(vpn, decodeUserPerm(perm))
	return ec.ABI()
}

// sysMemMap aliases the frame backing srcVA in srcPid's address space
// into dstVA of dstPid's address space (spec.md §4.H #7, "map the same
// frame into two address spaces").
func sysMemMap(t *task.TCB, srcPid, srcVA, dstPid, dstVA, perm uint64) uint64 {
	if !validUserRange(srcVA, config.PageSize) || !validUserRange(dstVA, config.PageSize) {
		return errno.InvalidParam.ABI()
	}
	src := t.GetChild(task.Pid(srcPid))
	dst := t.GetChild(task.Pid(dstPid))
	if src == nil || dst == nil {
		return errno.BadTask.ABI()
	}

	srcVPN := pagetable.VPN(srcVA >> config.PageShiftBits)
	h, ec := src.AddrSpace.FindFrame(srcVPN)
	if ec != errno.Success {
		return ec.ABI()
	}

	dstVPN := pagetable.VPN(dstVA >> config.PageShiftBits)
	ec = dst.AddrSpace.Map(dstVPN, h.Clone(), decodeUserPerm(perm))
	return ec.ABI()
}

func sysMemUnmap(t *task.TCB, pid, va uint64) uint64 {
	if !validUserRange(va, config.PageSize) {
		return errno.InvalidParam.ABI()
	}
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	vpn := pagetable.VPN(va >> config.PageShiftBits)
	return target.AddrSpace.Unmap(vpn).ABI()
}

// sysExofork creates a copy-on-write child of the caller, submits it to
// the scheduler Ready, and returns the child's pid to the parent; the
// child's own a0 is pre-set to 0 so it observes a 0 return the first
// time it runs (spec.md §4.H #9).
func sysExofork(t *task.TCB) uint64 {
	child, ec := task.New(t)
	if ec != errno.Success {
		return ec.ABI()
	}

	childAS, ec := t.AddrSpace.Fork(KernelTemplate)
	if ec != errno.Success {
		child.Release()
		return ec.ABI()
	}

	child.AddrSpace = childAS
	child.Context = t.Context
	child.Context.SetReturn(0)
	child.ExceptionEntry = t.ExceptionEntry
	child.Priority = t.Priority

	// A forked child inherits the parent's register context, including
	// its kernel stack pointer, but must not share the parent's actual
	// kernel stack: each task takes kernel traps on its own stack.
	if ec := child.AllocKernelStack(); ec != errno.Success {
		childAS.Destroy()
		child.Release()
		return ec.ABI()
	}
	child.SetStatus(task.Ready)

	t.AddChild(child)

	if ec := sched.Default.Get().SubmitTask(child); ec != errno.Success {
		return ec.ABI()
	}
	return uint64(child.Pid())
}

// sysSetEnvStatus moves the target between Ready and Sleeping, e.g. to
// explicitly suspend a task outside of the IPC-recv path (spec.md §4.H
// #10). A transition to Ready must also resubmit the target to the
// scheduler ring: Step drops any popped Sleeping task on the assumption
// its owner will resubmit it once woken (spec.md:116), and this is that
// resubmission for the explicit-wake path.
func sysSetEnvStatus(t *task.TCB, pid, status uint64) uint64 {
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	switch status {
	case uint64(task.Ready):
		target.SetStatus(task.Ready)
		if ec := sched.Default.Get().SubmitTask(target); ec != errno.Success {
			return ec.ABI()
		}
	case uint64(task.Sleeping):
		target.SetStatus(task.Sleeping)
	default:
		return errno.InvalidParam.ABI()
	}
	return errno.Success.ABI()
}

// sysSetTrapframe overwrites the target's saved register frame from a
// user pointer to ContextWords machine words (spec.md §4.H #11).
func sysSetTrapframe(t *task.TCB, pid, ptr uint64) uint64 {
	target := t.GetChild(task.Pid(pid))
	if target == nil {
		return errno.BadTask.ABI()
	}
	const frameBytes = trap.ContextWords * 8
	if !validUserRange(ptr, frameBytes) {
		return errno.InvalidParam.ABI()
	}
	buf, ec := t.AddrSpace.CopyIn(ptr, frameBytes)
	if ec != errno.Success {
		return ec.ABI()
	}
	decodeContext(buf, &target.Context)
	return errno.Success.ABI()
}

func decodeContext(buf []byte, ctx *trap.Context) {
	words := make([]uint64, trap.ContextWords)
	for i := range words {
		words[i] = leU64(buf[i*8 : i*8+8])
	}
	copy(ctx.Regs[:], words[:trap.NumGPRegs])
	ctx.USStatus = words[trap.NumGPRegs]
	ctx.SEPC = words[trap.NumGPRegs+1]
	copy(ctx.SRegs[:], words[trap.NumGPRegs+2:trap.NumGPRegs+2+trap.NumCalleeSaved])
	rest := words[trap.NumGPRegs+2+trap.NumCalleeSaved:]
	ctx.KRA, ctx.KSP, ctx.KTP = rest[0], rest[1], rest[2]
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// sysPanic halts the whole kernel with a user-supplied message,
// mirroring original_source's sys_panic; a user who cannot produce a
// readable message still brings the kernel down, just with a generic
// message instead of failing the syscall.
func sysPanic(t *task.TCB, ptr uint64) uint64 {
	msg := "user explicit panic"
	if validUserRange(ptr, maxUserPanicLen) {
		if buf, ec := t.AddrSpace.CopyIn(ptr, maxUserPanicLen); ec == errno.Success {
			msg = cString(buf)
		}
	}
	KernelHandlePanic(&t.Context, msg)
	return errno.Success.ABI() // unreachable: KernelHandlePanic never returns in production
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// sysIpcTrySend fails IpcNotRecv unless the destination is blocked in
// IpcRecv; otherwise it copies value into the destination's mailbox and
// optionally transfers one page by aliasing it into the destination's
// declared receive VA (spec.md §4.H #13). Waking dst means resubmitting
// it to the scheduler ring, the same obligation sysSetEnvStatus's Ready
// transition carries: Step silently drops a popped Sleeping task and
// relies on its waker to put it back (spec.md:116).
func sysIpcTrySend(t *task.TCB, pid, value, srcVA, perm uint64) uint64 {
	dst := t.GetChild(task.Pid(pid))
	if dst == nil {
		return errno.BadTask.ABI()
	}
	slot := dst.IPC()
	if !slot.Recving {
		return errno.IpcNotRecv.ABI()
	}

	if srcVA != 0 {
		if !validUserRange(srcVA, config.PageSize) {
			return errno.InvalidParam.ABI()
		}
		srcVPN := pagetable.VPN(srcVA >> config.PageShiftBits)
		h, ec := t.AddrSpace.FindFrame(srcVPN)
		if ec != errno.Success {
			return ec.ABI()
		}
		dstVPN := pagetable.VPN(slot.DestVA >> config.PageShiftBits)
		if ec := dst.AddrSpace.Map(dstVPN, h.Clone(), decodeUserPerm(perm)); ec != errno.Success {
			return ec.ABI()
		}
	}

	slot.Value = value
	slot.From = t.Pid()
	slot.Recving = false
	dst.SetIPC(slot)
	dst.SetStatus(task.Ready)
	if ec := sched.Default.Get().SubmitTask(dst); ec != errno.Success {
		return ec.ABI()
	}
	return errno.Success.ABI()
}

// sysIpcRecv declares a receive VA, marks the caller Receiving, puts it
// to sleep, and yields the rest of its quantum (spec.md §4.H #14). The
// actual delivered value/sender is read back by userland from the
// mailbox once IpcTrySend has woken this task.
func sysIpcRecv(t *task.TCB, dstVA uint64) uint64 {
	if dstVA != 0 && !validUserRange(dstVA, config.PageSize) {
		return errno.InvalidParam.ABI()
	}
	t.SetIPC(task.IpcSlot{Recving: true, DestVA: dstVA})
	t.SetStatus(task.Sleeping)
	t.SetYield()
	return errno.Success.ABI()
}

// decodeUserPerm translates the syscall-ABI permission bits
// (R=bit0, W=bit1, X=bit2, original_source's UserAreaPerm) into the
// page table's own flag encoding, always user-accessible.
func decodeUserPerm(raw uint64) pagetable.Perm {
	perm := pagetable.PermV | pagetable.PermU
	if raw&0x1 != 0 {
		perm |= pagetable.PermR
	}
	if raw&0x2 != 0 {
		perm |= pagetable.PermW
	}
	if raw&0x4 != 0 {
		perm |= pagetable.PermX
	}
	return perm
}

// validUserRange rejects any VA outside the user range or any length
// that overflows or crosses the user/kernel boundary (spec.md §4.H,
// "Validation helpers"), grounded on original_source's
// is_illegal_user_va_range.
func validUserRange(va, length uint64) bool {
	if va < config.UserBegin || va >= config.UserEnd {
		return false
	}
	end := va + length
	if end < va { // overflow
		return false
	}
	return end <= config.UserEnd
}
