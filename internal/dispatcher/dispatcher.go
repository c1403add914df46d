// Package dispatcher implements the exitless dispatch path: the caller
// side of the three-state lock ladder from Futexes Are Tricky, applied to
// OCALL descriptors instead of a generic mutex.
//
// An OCALL that is eligible for exitless dispatch is published onto the
// RPC queue and then waited on in three escalating stages:
//
//  1. Spin — check the descriptor's lock a bounded number of times.
//     Covers the common case where a worker is already running and
//     finishes within microseconds; avoids ever touching the kernel.
//  2. Park — if still locked after the spin budget, CAS the lock to
//     LockedWithWaiters and block in a real futex wait. A worker that
//     finishes after this CAS observes LockedWithWaiters and knows to
//     wake the caller explicitly.
//  3. Fall back — if the queue has no room, or the caller was told to
//     bypass exitless dispatch for this OCALL kind, issue the call
//     synchronously through Backstop instead.
//
// A spurious wake (EINTR, or a futex value race) never surfaces as an
// error: the caller just re-checks the lock and, if still not done,
// parks again.
package dispatcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/descriptor"
	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/futexwait"
	"github.com/octoreflex/ocallbridge/internal/rpcqueue"
)

// Dispatcher routes OCALLs either through the lock-free queue (exitless)
// or through Backstop (synchronous), and tracks which path each call
// actually took.
type Dispatcher struct {
	queue      *rpcqueue.Queue // nil disables exitless dispatch entirely
	back       *backstop.Backstop
	spinBudget int

	exitlessCount  atomic.Uint64
	backstopCount  atomic.Uint64
	queueFullCount atomic.Uint64
	futexWaitCount atomic.Uint64
}

// New returns a Dispatcher that publishes to queue when non-nil and falls
// back to back otherwise. spinBudget is the number of lock checks
// attempted before parking in a futex wait; a spinBudget of 0 skips
// straight to parking.
func New(queue *rpcqueue.Queue, back *backstop.Backstop, spinBudget int) *Dispatcher {
	return &Dispatcher{queue: queue, back: back, spinBudget: spinBudget}
}

// ExitlessCount returns the number of calls completed without a
// synchronous fallback.
func (d *Dispatcher) ExitlessCount() uint64 { return d.exitlessCount.Load() }

// BackstopCount returns the number of calls that fell back to a
// synchronous OCALL, for any reason.
func (d *Dispatcher) BackstopCount() uint64 { return d.backstopCount.Load() }

// QueueFullCount returns the number of calls that fell back specifically
// because the RPC queue had no room.
func (d *Dispatcher) QueueFullCount() uint64 { return d.queueFullCount.Load() }

// FutexWaitCount returns the number of times a caller parked in a kernel
// futex wait rather than completing within its spin budget.
func (d *Dispatcher) FutexWaitCount() uint64 { return d.futexWaitCount.Load() }

// Synchronous forces code straight through Backstop, bypassing the queue
// entirely. Used for OCALL kinds that are never eligible for exitless
// dispatch (sleep).
func (d *Dispatcher) Synchronous(ctx context.Context, code int32, msg []byte) int {
	d.backstopCount.Add(1)
	return d.back.Call(ctx, code, msg)
}

// Dispatch routes desc through the exitless path if possible, falling
// back to Backstop.Call when the queue is unavailable or full. desc must
// already be populated (OCallIndex and Buffer set) and in state
// LockedNoWaiters before Dispatch is called; the caller reads the result
// only after Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *descriptor.Descriptor) int {
	ret, _ := d.DispatchWithPath(ctx, desc)
	return ret
}

// Path names which route a call through Dispatch actually took, for
// callers that want to attribute per-call metrics to it.
type Path string

const (
	PathExitless          Path = "exitless"
	PathBackstop          Path = "backstop"
	PathBackstopQueueFull Path = "backstop_queue_full"
)

// DispatchWithPath behaves exactly like Dispatch but additionally reports
// which path the call took, so callers can attribute per-call
// observability without the Dispatcher itself taking a metrics
// dependency.
func (d *Dispatcher) DispatchWithPath(ctx context.Context, desc *descriptor.Descriptor) (int, Path) {
	if d.queue == nil {
		d.backstopCount.Add(1)
		return d.back.Call(ctx, int32(desc.OCallIndex), desc.Buffer), PathBackstop
	}

	if !d.queue.Enqueue(desc) {
		d.queueFullCount.Add(1)
		d.backstopCount.Add(1)
		return d.back.Call(ctx, int32(desc.OCallIndex), desc.Buffer), PathBackstopQueueFull
	}

	for i := 0; i < d.spinBudget; i++ {
		if desc.State() != descriptor.LockedNoWaiters {
			d.exitlessCount.Add(1)
			return desc.Result(), PathExitless
		}
	}

	if desc.CASState(descriptor.LockedNoWaiters, descriptor.LockedWithWaiters) {
		for desc.State() == descriptor.LockedWithWaiters {
			// Wait returns nil on a real wake, unix.EAGAIN (the futex word
			// had already changed before the kernel could park us), or
			// unix.EINTR (a signal). All three cases mean the same thing
			// here: re-check the lock state and loop if it hasn't moved.
			// Any other errno (EINVAL, EFAULT, ...) means the futex call
			// itself is broken and must not be retried forever.
			err := futexwait.Wait(desc.FutexAddr(), int32(descriptor.LockedWithWaiters))
			d.futexWaitCount.Add(1)
			if err != nil && err != unix.EAGAIN && err != unix.EINTR {
				return int(errno.EPERM), PathExitless
			}
		}
	}

	d.exitlessCount.Add(1)
	return desc.Result(), PathExitless
}
