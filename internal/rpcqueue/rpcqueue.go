// Package rpcqueue implements the bounded, lock-free, multi-producer
// multi-consumer ring buffer the exitless dispatcher and worker pool share:
// the mechanism that lets an enclave thread hand off an OCALL without ever
// calling into the kernel, and a worker goroutine pick it up without ever
// taking a mutex.
//
// The ring is Dmitry Vyukov's bounded MPMC queue: each slot carries its own
// sequence number, so a producer and a consumer can race on different
// slots without contending on a single head/tail lock. Enqueue and Dequeue
// are both wait-free: a full or empty queue returns immediately rather
// than blocking, which is exactly the signal the dispatcher needs to fall
// back to the synchronous exit path.
package rpcqueue

import (
	"sync/atomic"

	"github.com/octoreflex/ocallbridge/internal/descriptor"
)

// slot.seq counts in steps of two so that "free for position pos" (2*pos)
// and "holding position pos" (2*pos+1) never coincide, even when the
// capacity is 1.
type slot struct {
	seq atomic.Uint64
	val *descriptor.Descriptor
}

// Queue is a fixed-capacity ring of *descriptor.Descriptor. Capacity must
// be a power of two; it is fixed for the life of the queue.
type Queue struct {
	mask    uint64
	slots   []slot
	enqueue atomic.Uint64
	dequeue atomic.Uint64
}

// New creates a Queue with room for capacity descriptors in flight.
// capacity must be a power of two greater than zero.
func New(capacity int) *Queue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("rpcqueue: capacity must be a power of two greater than zero")
	}
	q := &Queue{
		mask:  uint64(capacity - 1),
		slots: make([]slot, capacity),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(2 * uint64(i))
	}
	return q
}

// Cap returns the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.slots) }

// Enqueue attempts to publish d to the queue. Returns false immediately if
// the queue is full — callers (the exitless dispatcher) must treat this
// exactly like "no worker is available" and fall back to the synchronous
// exit path, never spin here.
func (q *Queue) Enqueue(d *descriptor.Descriptor) bool {
	pos := q.enqueue.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(2*pos)
		switch {
		case diff == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				s.val = d
				s.seq.Store(2*pos + 1)
				return true
			}
			pos = q.enqueue.Load()
		case diff < 0:
			return false // queue full
		default:
			pos = q.enqueue.Load()
		}
	}
}

// Dequeue attempts to claim the next published descriptor. Returns
// (nil, false) immediately if the queue is empty.
func (q *Queue) Dequeue() (*descriptor.Descriptor, bool) {
	pos := q.dequeue.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(2*pos+1)
		switch {
		case diff == 0:
			if q.dequeue.CompareAndSwap(pos, pos+1) {
				d := s.val
				s.val = nil
				s.seq.Store(2 * (pos + q.mask + 1))
				return d, true
			}
			pos = q.dequeue.Load()
		case diff < 0:
			return nil, false // queue empty
		default:
			pos = q.dequeue.Load()
		}
	}
}
