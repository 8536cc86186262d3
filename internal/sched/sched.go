// Package sched implements the process-wide scheduler: a bounded,
// CAS-based ring buffer of pending tasks and the per-hart run loop
// (spec.md §3 "Scheduler queue", §4.G), grounded on original_source's
// kernel/src/task/schedule.rs Scheduler. Hardware-facing steps (switching
// the page-table root, running the user round-trip, sending an IPI,
// arming the timer) are architecture glue this package cannot itself
// perform in portable Go; they are exposed as package-level hooks the
// boot sequence wires to the real implementations, the same seam used by
// internal/sync's SIE hooks.
package sched

import (
	"sync/atomic"

	"rvos/internal/config"
	"rvos/internal/errno"
	"rvos/internal/task"
	"rvos/internal/trap"
	ksync "rvos/internal/sync"
)

// RunResult is what RunUser reports after one user round-trip: the raw
// scause/stval the trap left behind.
type RunResult struct {
	SCause uint64
	STVal  uint64
}

// Hooks invoked by Step/HartLoop. Each defaults to a no-op or zero value
// so this package's own tests can run without a real hart; boot wires
// the real implementations once paging and the timer are live.
var (
	SwitchPageTable = func(root uint64) {}
	CurrentRoot     = func(hartID int) uint64 { return 0 }
	SetCurrentRoot  = func(hartID int, root uint64) {}
	SetNextTimeout  = func() {}
	WakeHart        = func(hartID int) {}
	ClearIPI        = func() {}
	WaitForInterrupt = func() {}
	RunUser         = func(ctx *trap.Context) RunResult { return RunResult{} }

	// HandlePageFault resolves a user page fault for pid at the given
	// virtual address for the given access kind (addrspace.FaultKind,
	// kept as a bare int here to avoid sched depending on addrspace for
	// just three constants); wired by the syscall/boot glue.
	HandlePageFault = func(t *task.TCB, vaddr uint64, kind int) errno.Code { return errno.BadTask }

	// DoSyscall dispatches a trapped syscall for t, wired to
	// internal/syscall by boot (avoiding an import cycle: syscall needs
	// sched for Exofork/child submission).
	DoSyscall = func(t *task.TCB) {}
)

const (
	FaultRead = iota
	FaultWrite
	FaultExec
)

// Scheduler owns the task table and the bounded pending-task ring.
// Grounded on schedule.rs's Scheduler (BTreeMap + fixed-size ring array +
// atomic head/tail + alive_task_count).
type Scheduler struct {
	tasksMu ksync.SpinLock
	tasks   map[task.Pid]*task.TCB

	queueMu ksync.SpinLock
	queue   [config.MaxTasks]*task.TCB
	head    atomic.Uint64
	tail    atomic.Uint64

	aliveCount atomic.Int64
	hartCount  int

	currentMu ksync.SpinLock
	current   [config.CPUNum]*task.TCB
}

// New constructs an empty scheduler for a machine with hartCount harts.
func New(hartCount int) *Scheduler {
	return &Scheduler{tasks: make(map[task.Pid]*task.TCB), hartCount: hartCount}
}

// Default is the process-wide scheduler singleton (spec.md §9).
var Default = ksync.NewLazy(func() *Scheduler { return New(config.CPUNum) })

// SubmitTask reserves a ring slot via CAS on tail and publishes t into
// both the task table and the ring (schedule.rs submit_task).
func (s *Scheduler) SubmitTask(t *task.TCB) errno.Code {
	for {
		tail := s.tail.Load()
		nextTail := (tail + 1) % config.MaxTasks
		if nextTail == s.head.Load() {
			return errno.NoFreeTask
		}
		if s.tail.CompareAndSwap(tail, nextTail) {
			s.tasksMu.Lock()
			s.tasks[t.Pid()] = t
			s.tasksMu.Unlock()

			s.queueMu.Lock()
			s.queue[tail] = t
			s.queueMu.Unlock()

			s.aliveCount.Add(1)
			return errno.Success
		}
	}
}

// tryGetTask pops the head of the ring via CAS, or returns nil if empty
// (schedule.rs try_get_task).
func (s *Scheduler) tryGetTask() *task.TCB {
	for {
		head := s.head.Load()
		if head == s.tail.Load() {
			return nil
		}
		next := (head + 1) % config.MaxTasks
		if s.head.CompareAndSwap(head, next) {
			s.queueMu.Lock()
			t := s.queue[head]
			s.queue[head] = nil
			s.queueMu.Unlock()
			return t
		}
	}
}

// returnTask re-queues t after a quantum and wakes the hart that will
// next own the head of the ring (schedule.rs return_task). It panics if
// the ring is full: the caller just popped a slot, so the ring cannot
// have filled up in between on a correctly-bounded task count.
func (s *Scheduler) returnTask(t *task.TCB) {
	for {
		tail := s.tail.Load()
		nextTail := (tail + 1) % config.MaxTasks
		if nextTail == s.head.Load() {
			panic("sched: ring full on return, should not happen")
		}
		if s.tail.CompareAndSwap(tail, nextTail) {
			s.queueMu.Lock()
			s.queue[tail] = t
			s.queueMu.Unlock()

			target := int(s.head.Load()) % s.hartCount
			WakeHart(target)
			return
		}
	}
}

// GetTask looks up a task by pid in the live task table.
func (s *Scheduler) GetTask(pid task.Pid) *task.TCB {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	return s.tasks[pid]
}

func (s *Scheduler) removeTask(pid task.Pid) {
	s.tasksMu.Lock()
	delete(s.tasks, pid)
	s.tasksMu.Unlock()
	s.aliveCount.Add(-1)
}

// CurrentTask returns the task currently running on hartID, or nil if
// the hart is idle or between tasks (spec.md §4.E, "the hart's
// current-task slot").
func (s *Scheduler) CurrentTask(hartID int) *task.TCB {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	return s.current[hartID]
}

func (s *Scheduler) setCurrent(hartID int, t *task.TCB) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	s.current[hartID] = t
}

// clearCurrent clears hartID's current-task slot, but only if it still
// holds t: do_exit's contract is "clear the hart's current-task slot if
// it equals self" (spec.md §4.E step 1), a conditional clear rather than
// an unconditional one.
func (s *Scheduler) clearCurrent(hartID int, t *task.TCB) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()
	if s.current[hartID] == t {
		s.current[hartID] = nil
	}
}

// AliveCount reports the number of tasks not yet reaped.
func (s *Scheduler) AliveCount() int64 { return s.aliveCount.Load() }

// Step runs one scheduling decision on behalf of hartID: pop a task (if
// any), dispatch on its status, and if Ready run it for up to
// Priority quanta (spec.md §4.G steps 3-4). It is the testable body of
// HartLoop's inner loop; HartLoop wraps it in the real infinite,
// wfi-on-empty, panic-on-starvation loop.
func (s *Scheduler) Step(hartID int) {
	ClearIPI()
	t := s.tryGetTask()
	if t == nil {
		return
	}

	switch t.Status() {
	case task.Sleeping:
		// Owner is responsible for waking via resubmission; drop it.
		return
	case task.Exited:
		t.DoExit()
		s.removeTask(t.Pid())
		t.Release()
		return
	case task.Ready:
		// fall through to run it
	default:
		panic("sched: popped task in unexpected status " + t.Status().String())
	}

	for quantum := 0; quantum < t.Priority; quantum++ {
		if CurrentRoot(hartID) != uint64(t.AddrSpace.PageTable().Root()) {
			SwitchPageTable(uint64(t.AddrSpace.PageTable().Root()))
			SetCurrentRoot(hartID, uint64(t.AddrSpace.PageTable().Root()))
		}
		t.SetStatus(task.Running)
		s.setCurrent(hartID, t)
		SetNextTimeout()

		res := RunUser(&t.Context)

		if t.Status() == task.Running {
			t.SetStatus(task.Ready)
		}
		t.IncRuns()

		s.dispatch(t, res)

		if t.IsExited() {
			s.clearCurrent(hartID, t)
			t.DoExit()
			s.removeTask(t.Pid())
			t.Release()
			return
		}
		if t.Yield() || s.pending() {
			s.clearCurrent(hartID, t)
			s.returnTask(t)
			return
		}
	}
	s.clearCurrent(hartID, t)
	s.returnTask(t)
}

func (s *Scheduler) pending() bool {
	return s.head.Load() != s.tail.Load()
}

// dispatch handles the user-trap causes the scheduler itself is
// responsible for (spec.md §4.G step 4.d); interrupts other than timer
// are handled by internal/trap's kernel-fault path, not here, since by
// definition we have already returned to kernel mode.
func (s *Scheduler) dispatch(t *task.TCB, res RunResult) {
	cause := trap.DecodeScause(res.SCause)
	switch {
	case cause == trap.CauseTimerInterrupt:
		SetNextTimeout()
	case cause == trap.CauseUserEnvCall:
		t.Context.AdvancePastECall()
		DoSyscall(t)
	case cause.IsPageFault():
		kind := FaultRead
		switch cause {
		case trap.CauseStorePageFault:
			kind = FaultWrite
		case trap.CauseInstructionPageFault:
			kind = FaultExec
		}
		if ec := HandlePageFault(t, res.STVal, kind); ec != errno.Success {
			t.Exit()
		}
	case cause == trap.CauseIllegalInstruction || cause == trap.CauseInstructionFault || cause == trap.CauseInstructionMisaligned:
		t.Exit()
	default:
		trap.Panic(trap.KernelFault{SCause: res.SCause, STVal: res.STVal, SEPC: t.Context.SEPC})
	}
}

// HartLoop is the real per-hart entry point: it never returns. It panics
// if the ring empties out while no task anywhere is alive (spec.md §4.G
// step 2), matching schedule.rs hart_loop's identical bug-check.
func (s *Scheduler) HartLoop(hartID int) {
	for {
		if !s.pending() {
			if s.AliveCount() == 0 {
				panic("sched: no task to run")
			}
			WaitForInterrupt()
			continue
		}
		s.Step(hartID)
	}
}
