// Package descriptor defines the per-OCALL descriptor exitless dispatch
// passes between the enclave-side caller and the host-side worker that
// services it, along with the three-state lock used to hand the result
// back without an enclave exit in the common case.
package descriptor

import "sync/atomic"

// LockState is the three-state lock each Descriptor carries, modeled
// directly on "Mutex 2" from Futexes Are Tricky: a CAS ladder that avoids
// a futex syscall entirely when there is no contention, and only pays for
// a kernel wait when a waiter is actually present.
type LockState int32

const (
	// Unlocked: the descriptor is idle, or a worker has stored its
	// result and released it to the caller.
	Unlocked LockState = 0
	// LockedNoWaiters: a caller is waiting for a result, but no one has
	// had to fall back to a futex wait yet. A worker that unlocks from
	// this state needs no wake-up call.
	LockedNoWaiters LockState = 1
	// LockedWithWaiters: a caller gave up spinning and parked in a futex
	// wait. A worker that unlocks from this state must FUTEX_WAKE.
	LockedWithWaiters LockState = 2
)

// Code identifies which OCALL a Descriptor carries.
type Code int32

// Descriptor is the unit of work the exitless dispatcher hands to a
// worker: a fixed OCALL code, a scratch-resident marshalled message, and
// a lock a worker flips on completion.
type Descriptor struct {
	OCallIndex Code
	Buffer     []byte // host-resident, scratch-allocated marshalled message
	lock       atomic.Int32
	result     atomic.Int64
}

// Reset prepares a descriptor for reuse: lock goes to LockedNoWaiters (the
// state it must be in before being made visible to a worker via the
// queue), the previous result is cleared, and OCallIndex and Buffer are
// set from code and buf.
func (d *Descriptor) Reset(code Code, buf []byte) {
	d.OCallIndex = code
	d.Buffer = buf
	d.result.Store(0)
	d.lock.Store(int32(LockedNoWaiters))
}

// State loads the descriptor's current lock state.
func (d *Descriptor) State() LockState { return LockState(d.lock.Load()) }

// CASState attempts to transition the lock from old to new, returning
// whether it succeeded.
func (d *Descriptor) CASState(old, new LockState) bool {
	return d.lock.CompareAndSwap(int32(old), int32(new))
}

// SetState unconditionally stores a new lock state, e.g. Unlocked once
// the result has been stored with SetResult.
func (d *Descriptor) SetState(s LockState) { d.lock.Store(int32(s)) }

// SwapState unconditionally stores a new lock state and returns the
// previous one. A worker uses this to learn, in a single atomic step,
// whether a caller had parked in a futex wait and therefore needs waking.
func (d *Descriptor) SwapState(s LockState) LockState {
	return LockState(d.lock.Swap(int32(s)))
}

// FutexAddr exposes the lock word itself so the dispatcher and worker can
// park and wake on it directly via the raw futex syscall. The three
// LockState values are exactly the values FUTEX_WAIT/FUTEX_WAKE compare
// and operate on.
func (d *Descriptor) FutexAddr() *atomic.Int32 { return &d.lock }

// SetResult stores the OCALL's return value and is always called before
// any transition away from LockedNoWaiters/LockedWithWaiters — so a
// caller that observes the lock leaving either Locked state is guaranteed
// to read a result written by this store (release/acquire via the
// underlying atomic).
func (d *Descriptor) SetResult(v int) { d.result.Store(int64(v)) }

// Result loads the OCALL's return value. Callers must only read this
// after observing the lock transition out of a Locked state.
func (d *Descriptor) Result() int { return int(d.result.Load()) }
