// Package config holds the compile-time constants and fixed virtual
// address layout described in spec.md §6 ("Supported platform",
// "Kernel virtual memory layout"), grounded on original_source's
// kernel/src/config.rs, mm/consts.rs, and mm/layout.rs.
package config

const (
	// CPUNum bounds hart usage (spec.md §6, "CPU_NUM compile-time
	// constant bounds hart usage").
	CPUNum = 4

	// KernelHeapSize is the static region backing internal/mem/heap
	// (spec.md component K).
	KernelHeapSize = 0x100_0000 // 16 MiB

	// TaskStackSize is the per-task user stack reservation (spec.md §4.D,
	// "stack region ... one region per page, lazy").
	TaskStackSize = 0x8000 // 32 KiB

	// KernelStackSize is the per-task kernel-mode stack reservation, drawn
	// from internal/mem/heap rather than the frame allocator since it is
	// byte- not page-granular (spec.md §3 "TCB", "ksp: kernel stack
	// pointer").
	KernelStackSize = 0x4000 // 16 KiB

	// MaxTasks bounds the scheduler's ring buffer (spec.md §3, "Scheduler
	// queue. A bounded ring (capacity MAX_TASKS)").
	MaxTasks = 1024
)

// Sv39 paging geometry (spec.md glossary, "Sv39").
const (
	PageShiftBits = 12
	PageSize      = 1 << PageShiftBits

	VAWidth  = 39
	PAWidth  = 56
	PPNWidth = PAWidth - PageShiftBits
	VPNWidth = VAWidth - PageShiftBits

	PTEEntryCount = 512 // 512 entries per page-table level
	PTELevels     = 3   // Sv39 is three-level (spec.md §3, "Page table")
)

// Fixed absolute virtual address bases (spec.md §6, "Kernel virtual memory
// layout (fixed absolute bases)").
const (
	UserBegin  = 0x0000_0000_0001_0000
	UserEnd    = 0x4000_0000
	KernelBase = 0xffff_ffc0_0000_0000
	FileBase   = 0xffff_ffd0_0000_0000
	PhysWindow = 0xffff_fff0_0000_0000
	HWWindow   = 0xffff_ffff_8000_0000

	// UserStackEnd is the exclusive top of the user address range used
	// for the task's initial stack (spec.md §4.D, "laid out at the top
	// of the user area").
	UserStackEnd = UserEnd

	// UserHeapBegin is the designated heap start (spec.md §4.D).
	UserHeapBegin = UserBegin + 0x0100_0000
)

// Timer constants (spec.md §4.I), grounded on original_source's
// kernel/src/timer/consts.rs. ClockFreq matches the QEMU `virt` machine's
// 10 MHz mtime tick used by the original implementation.
const (
	ClockFreq        = 10_000_000
	InterruptPerSec  = 100 // spec.md §4.I, "fixed frequency, e.g., 100 Hz"
	TicksPerInterrupt = ClockFreq / InterruptPerSec
)
