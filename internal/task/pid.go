package task

import (
	"rvos/internal/config"
	"rvos/internal/errno"
	ksync "rvos/internal/sync"
)

// Pid identifies a task. Pid 0 is reserved (spec.md, "self" shorthand in
// get_task), so the pool starts handing out pids at 1.
type Pid uint64

// pidPool is a free-list-backed pid allocator bounded by
// config.MaxTasks, grounded on original_source's
// kernel/src/task/pid.rs UsizePool.
type pidPool struct {
	mu   ksync.SpinLock
	next Pid
	free []Pid
}

func newPidPool() *pidPool {
	return &pidPool{next: 1}
}

func (p *pidPool) alloc() (Pid, errno.Code) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		pid := p.free[n-1]
		p.free = p.free[:n-1]
		return pid, errno.Success
	}
	if uint64(p.next) > config.MaxTasks {
		return 0, errno.NoFreeTask
	}
	pid := p.next
	p.next++
	return pid, errno.Success
}

func (p *pidPool) release(pid Pid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pid)
}

// Pids is the process-wide pid pool (spec.md §9, "Global mutable state").
var Pids = ksync.NewLazy(newPidPool)
