// Package task implements the task control block (spec.md §3 "Task
// control block (TCB)", §4.E), grounded on original_source's
// kernel/src/task/taskdef.rs (TaskControlBlock/TaskStatus/IpcInfo), with
// per-field mutexes there consolidated into a single spinlock here since
// Go's GC makes the Rc<Weak<...>>/Arc<Mutex<...>> plumbing unnecessary:
// the parent pointer needs no reference counting to be memory-safe, only
// to express "does not keep the parent alive", which this package notes
// but does not need to enforce at runtime.
package task

import (
	"sync/atomic"
	"unsafe"

	"rvos/internal/config"
	"rvos/internal/elf"
	"rvos/internal/errno"
	"rvos/internal/mem/frame"
	"rvos/internal/mem/heap"
	"rvos/internal/trap"
	"rvos/internal/vm/addrspace"
	"rvos/internal/vm/pagetable"
	ksync "rvos/internal/sync"
)

// Status is a TCB's lifecycle state (spec.md §3, "Uninit, Ready, Running,
// Sleeping, Exited").
type Status int

const (
	Uninit Status = iota
	Ready
	Running
	Sleeping
	Exited
)

func (s Status) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// IpcSlot is the per-task IPC mailbox (spec.md §3 "IPC slot", §4.H),
// grounded on original_source's taskdef.rs IpcInfo.
type IpcSlot struct {
	Value   uint64
	From    Pid
	Recving bool
	DestVA  uint64
	Perm    uint32
}

// TCB is a task control block. The parent pointer is deliberately a plain
// pointer, not a strong/owning reference: ownership of a task's lifetime
// runs from the scheduler's task table and from the parent's Children
// slice downward, never upward.
type TCB struct {
	pid    Pid
	parent *TCB

	AddrSpace *addrspace.AddrSpace
	Context   trap.Context

	ExceptionEntry uint64 // user-registered exception/trap entry VA (SetTlbModEntry)
	Priority       int

	mu       ksync.SpinLock
	status   Status
	children []*TCB
	ipc      IpcSlot
	yield_   bool
	kstack   []byte // this task's kernel-mode stack, drawn from heap.Default

	exited   atomic.Bool
	exitCode atomic.Uint64
	runs     atomic.Uint64
}

// New allocates a pid and an Uninit TCB. Callers finish setup (address
// space, entry point, initial stack) before moving it to Ready.
func New(parent *TCB) (*TCB, errno.Code) {
	pid, ec := Pids.Get().alloc()
	if ec != errno.Success {
		return nil, ec
	}
	return &TCB{pid: pid, parent: parent, status: Uninit, Priority: 1}, errno.Success
}

// Init builds t's address space from img, reserves the heap and stack,
// and sets up the initial register frame to enter userland at the
// image's entry point (spec.md §4.E, "init(image) calls
// address_space.map_elf, reserves the heap and stack, sets sepc, ...,
// captures the current sstatus"), grounded on original_source's
// TaskControlBlock::new (which folds address-space construction and
// register-frame setup into one step, same as here).
func (t *TCB) Init(alloc *frame.Allocator, template *pagetable.PageTable, img *elf.Image, initialSStatus uint64) errno.Code {
	as, ec := addrspace.New(alloc, template)
	if ec != errno.Success {
		return ec
	}

	const stackPages = config.TaskStackSize / config.PageSize
	entry, ec := as.MapELF(img, config.UserStackEnd, stackPages, config.PageSize, config.PageShiftBits)
	if ec != errno.Success {
		return ec
	}

	heapVPN := pagetable.VPN(config.UserHeapBegin >> config.PageShiftBits)
	if ec := as.Alloc(heapVPN, pagetable.PermU|pagetable.PermR|pagetable.PermW); ec != errno.Success {
		return ec
	}

	t.AddrSpace = as
	t.Context = trap.Context{}
	t.Context.SEPC = entry
	t.Context.Regs[trap.RegSP] = config.UserStackEnd
	t.Context.USStatus = initialSStatus
	if ec := t.AllocKernelStack(); ec != errno.Success {
		as.Destroy()
		t.AddrSpace = nil
		return ec
	}
	t.status = Ready
	return errno.Success
}

// AllocKernelStack reserves this task's kernel-mode stack from the
// kernel heap and points Context.KSP at its top (spec.md §3 "TCB",
// "ksp: kernel stack pointer"; SPEC_FULL.md component K, heap.Allocator
// backing a growable per-task kernel structure). Init calls this once;
// Exofork's child setup calls it again directly, since a forked child
// starts from a copy of the parent's register context but still needs
// its own kernel stack rather than sharing the parent's.
func (t *TCB) AllocKernelStack() errno.Code {
	stack, ec := heap.Default.Get().Alloc(config.KernelStackSize)
	if ec != errno.Success {
		return ec
	}
	t.kstack = stack
	t.Context.KSP = uint64(uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack)))
	return errno.Success
}

func (t *TCB) Pid() Pid { return t.pid }

func (t *TCB) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *TCB) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Yield reports and clears the cooperative yield flag, used by the
// scheduler to decide whether to keep running this TCB past the current
// quantum (spec.md §4.G step 4.f).
func (t *TCB) Yield() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	y := t.yield_
	t.yield_ = false
	return y
}

// SetYield sets the yield flag (the Yield syscall, spec.md §4.H #3).
func (t *TCB) SetYield() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.yield_ = true
}

func (t *TCB) IPC() IpcSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ipc
}

func (t *TCB) SetIPC(slot IpcSlot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ipc = slot
}

func (t *TCB) AddChild(child *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = append(t.children, child)
}

// GetChild returns pid's TCB if it is a live (not Uninit, not exited)
// child of t, or t itself for pid 0 (original_source's get_task).
func (t *TCB) GetChild(pid Pid) *TCB {
	if pid == 0 {
		return t
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.children {
		if c.pid == pid {
			if c.IsExited() || c.Status() == Uninit {
				return nil
			}
			return c
		}
	}
	return nil
}

// Exit idempotently marks the task exited, latching its exit code from
// a0. It returns true the first time it is called for this task and
// false on every subsequent call, the compare-and-swap discipline
// described in spec.md §3 ("idempotent exit() via atomic
// compare-and-swap") and grounded on taskdef.rs's is_exited
// AtomicBool.
func (t *TCB) Exit() bool {
	if !t.exited.CompareAndSwap(false, true) {
		return false
	}
	t.exitCode.Store(t.Context.Regs[trap.RegA0])
	return true
}

func (t *TCB) IsExited() bool     { return t.exited.Load() }
func (t *TCB) ExitCode() uint64   { return t.exitCode.Load() }
func (t *TCB) Runs() uint64       { return t.runs.Load() }
func (t *TCB) IncRuns()           { t.runs.Add(1) }

// DoExit releases the task's address space, detaches it from its
// parent's children list, and orphans its own children by clearing
// their parent reference (spec.md §4.E step 3, "do_exit: ... detach from
// the parent's children list ... orphan its own children"). Called
// once, by the scheduler, after it observes IsExited() (spec.md §4.G
// step 3, "call do_exit"); clearing the hart's current-task slot is the
// scheduler's own responsibility, since only it knows which hart t was
// running on (sched.Scheduler.clearCurrent, called from Step alongside
// this).
func (t *TCB) DoExit() {
	if t.AddrSpace != nil {
		t.AddrSpace.Destroy()
		t.AddrSpace = nil
	}
	if t.kstack != nil {
		heap.Default.Get().Free(t.kstack, uint64(len(t.kstack)))
		t.kstack = nil
	}
	if t.parent != nil {
		t.parent.removeChild(t)
	}
	t.orphanChildren()
}

// removeChild deletes child from t's children list. Called by a child's
// DoExit once it has exited, so the parent's list never grows past the
// set of children still alive.
func (t *TCB) removeChild(child *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

// orphanChildren clears parent on every child still listed under t,
// since t is about to be reaped and a stale parent pointer would
// dangle.
func (t *TCB) orphanChildren() {
	t.mu.Lock()
	children := t.children
	t.children = nil
	t.mu.Unlock()
	for _, c := range children {
		c.clearParent()
	}
}

func (t *TCB) clearParent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parent = nil
}

// Release returns the task's pid to the pool. Called once the task has
// been fully reaped (removed from the scheduler's task table and from
// its parent's children).
func (t *TCB) Release() {
	Pids.Get().release(t.pid)
}
