package sync

import (
	"sync"
	"testing"
)

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock
	counter := 0
	const goroutines = 64
	const iters = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iters {
		t.Fatalf("expected counter %d, got %d (lost updates => lock is not exclusive)",
			goroutines*iters, counter)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var l SpinLock
	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed on unheld lock")
	}
	if l.TryLock() {
		t.Fatal("expected TryLock to fail on held lock")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("expected TryLock to succeed after Unlock")
	}
	l.Unlock()
}

func TestNoIRQLockRestoresState(t *testing.T) {
	prevRead, prevDisable, prevEnable := ReadSIE, DisableSIE, EnableSIE
	defer func() { ReadSIE, DisableSIE, EnableSIE = prevRead, prevDisable, prevEnable }()

	sie := true
	ReadSIE = func() bool { return sie }
	DisableSIE = func() { sie = false }
	EnableSIE = func() { sie = true }

	var l NoIRQLock
	l.Lock()
	if sie {
		t.Fatal("expected interrupts disabled while lock held")
	}
	l.Unlock()
	if !sie {
		t.Fatal("expected interrupts restored after Unlock")
	}
}

func TestNoIRQLockRestoresStateWhenAlreadyDisabled(t *testing.T) {
	prevRead, prevDisable, prevEnable := ReadSIE, DisableSIE, EnableSIE
	defer func() { ReadSIE, DisableSIE, EnableSIE = prevRead, prevDisable, prevEnable }()

	sie := false
	ReadSIE = func() bool { return sie }
	DisableSIE = func() { sie = false }
	EnableSIE = func() { sie = true }

	var l NoIRQLock
	l.Lock()
	l.Unlock()
	if sie {
		t.Fatal("expected interrupts to remain disabled: they were disabled before Lock")
	}
}
