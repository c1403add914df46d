package descriptor

import (
	"sync"
	"testing"
)

func TestResetInitializesLockedNoWaiters(t *testing.T) {
	var d Descriptor
	d.Reset(7, []byte("hello"))

	if d.OCallIndex != 7 {
		t.Errorf("expected code 7, got %d", d.OCallIndex)
	}
	if string(d.Buffer) != "hello" {
		t.Errorf("expected buffer %q, got %q", "hello", d.Buffer)
	}
	if d.State() != LockedNoWaiters {
		t.Errorf("expected LockedNoWaiters after Reset, got %v", d.State())
	}
	if d.Result() != 0 {
		t.Errorf("expected result cleared to 0, got %d", d.Result())
	}
}

func TestCASStateTransitions(t *testing.T) {
	var d Descriptor
	d.Reset(1, nil)

	if !d.CASState(LockedNoWaiters, LockedWithWaiters) {
		t.Fatalf("expected CAS from LockedNoWaiters to LockedWithWaiters to succeed")
	}
	if d.State() != LockedWithWaiters {
		t.Errorf("expected state LockedWithWaiters, got %v", d.State())
	}
	if d.CASState(LockedNoWaiters, Unlocked) {
		t.Errorf("expected CAS from stale old state to fail")
	}
}

func TestResultVisibleOnlyAfterUnlock(t *testing.T) {
	// This exercises the producer/consumer contract the dispatcher
	// relies on: a result written before the unlocking store must be
	// observed by any goroutine that later sees the unlocked state.
	var d Descriptor
	d.Reset(1, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		d.SetResult(42)
		d.SetState(Unlocked)
		close(done)
	}()

	<-done
	wg.Wait()
	if d.State() != Unlocked {
		t.Fatalf("expected Unlocked after worker completes")
	}
	if got := d.Result(); got != 42 {
		t.Errorf("expected result 42, got %d", got)
	}
}

func TestDescriptorReusableAcrossCalls(t *testing.T) {
	var d Descriptor
	d.Reset(1, []byte{0x01})
	d.SetResult(5)
	d.SetState(Unlocked)

	d.Reset(2, []byte{0x02})
	if d.Result() != 0 {
		t.Errorf("expected result cleared on Reset, got %d", d.Result())
	}
	if d.State() != LockedNoWaiters {
		t.Errorf("expected LockedNoWaiters on reuse, got %v", d.State())
	}
	if d.OCallIndex != 2 {
		t.Errorf("expected code 2 on reuse, got %d", d.OCallIndex)
	}
}
