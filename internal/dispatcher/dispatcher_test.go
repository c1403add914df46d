package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/descriptor"
	"github.com/octoreflex/ocallbridge/internal/futexwait"
	"github.com/octoreflex/ocallbridge/internal/rpcqueue"
)

type fakeExecutor struct{ ret int }

func (f fakeExecutor) Execute(ctx context.Context, code int32, msg []byte) int { return f.ret }

// runWorker simulates the untrusted-side worker pool: pull descriptors off
// the queue, set a result, and wake a waiter if one parked.
func runWorker(t *testing.T, q *rpcqueue.Queue, result int, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			d, ok := q.Dequeue()
			if !ok {
				time.Sleep(time.Microsecond)
				continue
			}
			d.SetResult(result)
			if old := d.SwapState(descriptor.Unlocked); old == descriptor.LockedWithWaiters {
				futexwait.Wake(d.FutexAddr(), 1)
			}
		}
	}()
}

func TestDispatchExitlessPath(t *testing.T) {
	q := rpcqueue.New(8)
	back := backstop.New(fakeExecutor{ret: -99})
	disp := New(q, back, 10000)

	stop := make(chan struct{})
	defer close(stop)
	runWorker(t, q, 42, stop)

	var desc descriptor.Descriptor
	desc.Reset(1, []byte("req"))
	got := disp.Dispatch(context.Background(), &desc)

	if got != 42 {
		t.Errorf("expected worker result 42, got %d", got)
	}
	if disp.ExitlessCount() != 1 {
		t.Errorf("expected exitless count 1, got %d", disp.ExitlessCount())
	}
	if disp.BackstopCount() != 0 {
		t.Errorf("expected backstop count 0, got %d", disp.BackstopCount())
	}
}

func TestDispatchParksThenWakes(t *testing.T) {
	q := rpcqueue.New(8)
	back := backstop.New(fakeExecutor{ret: -1})
	disp := New(q, back, 1) // tiny spin budget forces a park

	// The worker only services the queue after giving Dispatch time to
	// exhaust its spin budget and actually park in a futex wait.
	go func() {
		time.Sleep(50 * time.Millisecond)
		d, ok := q.Dequeue()
		if !ok {
			return
		}
		d.SetResult(7)
		if old := d.SwapState(descriptor.Unlocked); old == descriptor.LockedWithWaiters {
			futexwait.Wake(d.FutexAddr(), 1)
		}
	}()

	var desc descriptor.Descriptor
	desc.Reset(2, nil)
	done := make(chan int, 1)
	go func() {
		done <- disp.Dispatch(context.Background(), &desc)
	}()

	select {
	case got := <-done:
		if got != 7 {
			t.Errorf("expected result 7, got %d", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Dispatch never returned after park")
	}
}

func TestDispatchFallsBackWhenQueueFull(t *testing.T) {
	q := rpcqueue.New(1)
	back := backstop.New(fakeExecutor{ret: -5})
	disp := New(q, back, 5)

	var blocker descriptor.Descriptor
	blocker.Reset(1, nil)
	if !q.Enqueue(&blocker) {
		t.Fatalf("expected room for the blocking descriptor")
	}

	var desc descriptor.Descriptor
	desc.Reset(2, nil)
	got := disp.Dispatch(context.Background(), &desc)

	if got != -5 {
		t.Errorf("expected backstop result -5, got %d", got)
	}
	if disp.QueueFullCount() != 1 {
		t.Errorf("expected queue-full count 1, got %d", disp.QueueFullCount())
	}
	if disp.BackstopCount() != 1 {
		t.Errorf("expected backstop count 1, got %d", disp.BackstopCount())
	}
}

func TestDispatchWithNilQueueAlwaysUsesBackstop(t *testing.T) {
	back := backstop.New(fakeExecutor{ret: -10})
	disp := New(nil, back, 100)

	var desc descriptor.Descriptor
	desc.Reset(1, nil)
	got := disp.Dispatch(context.Background(), &desc)

	if got != -10 {
		t.Errorf("expected backstop result -10, got %d", got)
	}
	if disp.BackstopCount() != 1 {
		t.Errorf("expected backstop count 1, got %d", disp.BackstopCount())
	}
}

func TestDispatchWithPathReportsExitlessAndBackstop(t *testing.T) {
	back := backstop.New(fakeExecutor{ret: -1})

	q := rpcqueue.New(4)
	disp := New(q, back, 1000)
	stop := make(chan struct{})
	defer close(stop)
	runWorker(t, q, 5, stop)

	var exitlessDesc descriptor.Descriptor
	exitlessDesc.Reset(1, nil)
	if got, path := disp.DispatchWithPath(context.Background(), &exitlessDesc); got != 5 || path != PathExitless {
		t.Errorf("expected (5, PathExitless), got (%d, %s)", got, path)
	}

	noQueueDisp := New(nil, back, 1000)
	var backstopDesc descriptor.Descriptor
	backstopDesc.Reset(1, nil)
	if got, path := noQueueDisp.DispatchWithPath(context.Background(), &backstopDesc); got != -1 || path != PathBackstop {
		t.Errorf("expected (-1, PathBackstop), got (%d, %s)", got, path)
	}

	fullQueue := rpcqueue.New(1)
	var blocker descriptor.Descriptor
	blocker.Reset(1, nil)
	fullQueue.Enqueue(&blocker)
	fullDisp := New(fullQueue, back, 5)
	var fullDesc descriptor.Descriptor
	fullDesc.Reset(2, nil)
	if got, path := fullDisp.DispatchWithPath(context.Background(), &fullDesc); got != -1 || path != PathBackstopQueueFull {
		t.Errorf("expected (-1, PathBackstopQueueFull), got (%d, %s)", got, path)
	}
}

// TestQueueFullAndQueueEmptyGiveSameShapeResult verifies the transparency
// property: whether the queue happens to be full or has room, the caller
// gets back the same int result either way, through the same Dispatch call.
func TestQueueFullAndQueueEmptyGiveSameShapeResult(t *testing.T) {
	back := backstop.New(fakeExecutor{ret: -3})

	var wg sync.WaitGroup
	results := make([]int, 2)

	// Case 1: queue has room (worker finishes it immediately).
	q1 := rpcqueue.New(4)
	disp1 := New(q1, back, 1000)
	stop1 := make(chan struct{})
	runWorker(t, q1, -3, stop1)
	var d1 descriptor.Descriptor
	d1.Reset(1, nil)
	wg.Add(1)
	go func() { defer wg.Done(); results[0] = disp1.Dispatch(context.Background(), &d1) }()

	// Case 2: queue is full (forces Backstop fallback).
	q2 := rpcqueue.New(1)
	disp2 := New(q2, back, 1000)
	var blocker descriptor.Descriptor
	blocker.Reset(9, nil)
	q2.Enqueue(&blocker)
	var d2 descriptor.Descriptor
	d2.Reset(2, nil)
	wg.Add(1)
	go func() { defer wg.Done(); results[1] = disp2.Dispatch(context.Background(), &d2) }()

	wg.Wait()
	close(stop1)

	if results[0] != results[1] {
		t.Errorf("expected identical result shape from full vs empty queue, got %v", results)
	}
}
