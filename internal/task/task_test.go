package task

import (
	"sync"
	"testing"

	"rvos/internal/errno"
	"rvos/internal/trap"
)

func TestNewAssignsDistinctPids(t *testing.T) {
	a, ec := New(nil)
	if ec != errno.Success {
		t.Fatalf("New failed: %v", ec)
	}
	b, ec := New(nil)
	if ec != errno.Success {
		t.Fatalf("New failed: %v", ec)
	}
	if a.Pid() == b.Pid() {
		t.Fatal("expected distinct pids")
	}
}

func TestExitIsIdempotent(t *testing.T) {
	tc, _ := New(nil)
	tc.Context.Regs[trap.RegA0] = 42

	if !tc.Exit() {
		t.Fatal("expected first Exit to succeed")
	}
	if tc.Exit() {
		t.Fatal("expected second Exit to report already-exited")
	}
	if tc.ExitCode() != 42 {
		t.Fatalf("expected exit code 42, got %d", tc.ExitCode())
	}
}

func TestExitConcurrentCallersAgreeOnExactlyOneWinner(t *testing.T) {
	tc, _ := New(nil)
	const goroutines = 64
	var wg sync.WaitGroup
	wins := make([]bool, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		i := i
		go func() {
			defer wg.Done()
			wins[i] = tc.Exit()
		}()
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestGetChildSelfAndUnknown(t *testing.T) {
	parent, _ := New(nil)
	child, _ := New(parent)
	child.SetStatus(Ready)
	parent.AddChild(child)

	if got := parent.GetChild(0); got != parent {
		t.Fatal("expected pid 0 to resolve to self")
	}
	if got := parent.GetChild(child.Pid()); got != child {
		t.Fatal("expected to find live child by pid")
	}
	if got := parent.GetChild(Pid(999999)); got != nil {
		t.Fatal("expected unknown pid to resolve to nil")
	}
}

func TestGetChildHidesUninitAndExited(t *testing.T) {
	parent, _ := New(nil)
	uninitChild, _ := New(parent)
	parent.AddChild(uninitChild)
	if got := parent.GetChild(uninitChild.Pid()); got != nil {
		t.Fatal("expected Uninit child to be hidden from GetChild")
	}

	exitedChild, _ := New(parent)
	exitedChild.SetStatus(Ready)
	exitedChild.Exit()
	parent.AddChild(exitedChild)
	if got := parent.GetChild(exitedChild.Pid()); got != nil {
		t.Fatal("expected exited child to be hidden from GetChild")
	}
}

func TestDoExitDetachesFromParentAndOrphansChildren(t *testing.T) {
	parent, _ := New(nil)
	mid, _ := New(parent)
	mid.SetStatus(Ready)
	parent.AddChild(mid)

	grandchild, _ := New(mid)
	grandchild.SetStatus(Ready)
	mid.AddChild(grandchild)

	mid.Exit()
	mid.DoExit()

	if got := parent.GetChild(mid.Pid()); got != nil {
		t.Fatal("expected exited mid removed from parent's children by DoExit")
	}
	if len(parent.children) != 0 {
		t.Fatalf("expected parent.children empty after detach, got %d entries", len(parent.children))
	}
	if grandchild.parent != nil {
		t.Fatal("expected grandchild orphaned (parent cleared) once mid exits")
	}
}

func TestYieldFlagClearsOnRead(t *testing.T) {
	tc, _ := New(nil)
	if tc.Yield() {
		t.Fatal("expected no yield pending initially")
	}
	tc.SetYield()
	if !tc.Yield() {
		t.Fatal("expected yield flag set")
	}
	if tc.Yield() {
		t.Fatal("expected yield flag to clear after being read")
	}
}
