// Package klog is the kernel's logger: direct, unbuffered fmt.Fprintf
// calls to the console, the same style biscuit's kernel packages use
// (plain fmt.Printf at call sites, no structured logging framework) since
// nothing in the retrieval pack's kernel-side code reaches for a
// structured logging library — original_source uses the `log` crate, but
// that is Rust ecosystem grounding, not Go; biscuit's own idiom is closer
// to what a Go kernel can actually use.
package klog

import (
	"fmt"

	"rvos/internal/console"
)

// Level is a coarse verbosity tier; Min gates whether Debug/Trace
// lines are emitted at all, matching the cheap level check biscuit's
// kernel code does ad hoc before its noisier Printf calls.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Min is the most verbose level that gets printed; lines of a more verbose
// level (by default Debug/Trace) are dropped without formatting their
// arguments.
var Min = LevelInfo

func out(level Level, prefix, format string, args ...any) {
	if level > Min {
		return
	}
	console.WriteString(prefix)
	console.WriteString(fmt.Sprintf(format, args...))
	console.WriteString("\n")
}

func Error(format string, args ...any) { out(LevelError, "[err] ", format, args...) }
func Warn(format string, args ...any)  { out(LevelWarn, "[wrn] ", format, args...) }
func Info(format string, args ...any)  { out(LevelInfo, "[inf] ", format, args...) }
func Debug(format string, args ...any) { out(LevelDebug, "[dbg] ", format, args...) }
func Trace(format string, args ...any) { out(LevelTrace, "[trc] ", format, args...) }
