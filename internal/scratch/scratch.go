// Package scratch implements the Untrusted Scratch Allocator: a per-OCALL
// bump-allocated "stack" carved out of host memory, released in full on
// every OCALL exit path. Oversize payloads that exceed the scratch budget
// fall back to a dedicated anonymous host mapping acquired for the call
// and released when the frame resets.
//
// Go has no thread-local storage, so the "per-thread top pointer" of the
// original design is modeled as a fixed-size slab checked out of a pool for
// the lifetime of a single OCALL and returned to the pool on Reset — the
// same per-call, non-shared lifetime without pretending Go goroutines are
// OS threads.
package scratch

import (
	"sync/atomic"
	"unsafe"

	"github.com/octoreflex/ocallbridge/internal/memregion"
)

// Allocator owns the host region's scratch slabs and hands them out as
// Frames. One Allocator is created once at bridge bring-up, alongside the
// RPC queue and worker pool.
type Allocator struct {
	host        *memregion.Region
	slabSize    int
	free        chan []byte
	highWater   atomic.Uint64
	exhaustions atomic.Uint64
	oversize    atomic.Uint64
}

// NewAllocator carves host's backing memory into slabCount slabs of
// slabSize bytes each (slabSize is typically a quarter of the configured
// worker stack size) and returns an Allocator ready to hand out Frames.
// host must be at least slabCount*slabSize bytes.
func NewAllocator(host *memregion.Region, slabSize, slabCount int) *Allocator {
	if slabSize <= 0 || slabCount <= 0 {
		panic("scratch: slabSize and slabCount must be > 0")
	}
	buf := host.Bytes()
	need := slabSize * slabCount
	if len(buf) < need {
		panic("scratch: host region too small for requested slab pool")
	}
	a := &Allocator{
		host:     host,
		slabSize: slabSize,
		free:     make(chan []byte, slabCount),
	}
	for i := 0; i < slabCount; i++ {
		a.free <- buf[i*slabSize : (i+1)*slabSize : (i+1)*slabSize]
	}
	return a
}

// HighWaterBytes returns the largest bump-offset ever reached within a
// single frame, across all frames this allocator has issued. Exposed as
// the scratch high-water metric.
func (a *Allocator) HighWaterBytes() uint64 { return a.highWater.Load() }

// ExhaustionsCount returns the number of NewFrame calls that found no slab
// available. Exposed as the scratch exhaustion metric.
func (a *Allocator) ExhaustionsCount() uint64 { return a.exhaustions.Load() }

// OversizeCount returns the number of payloads that exceeded the scratch
// budget and used a dedicated host mapping via Frame.AllocOversize.
// Exposed as the oversize-allocation metric.
func (a *Allocator) OversizeCount() uint64 { return a.oversize.Load() }

// NewFrame checks out a slab for the duration of one OCALL. Returns
// ok=false if no slab is currently available — the caller must treat this
// exactly like any other scratch allocation failure (errno.EPERM).
func (a *Allocator) NewFrame() (*Frame, bool) {
	select {
	case slab := <-a.free:
		return &Frame{alloc: a, slab: slab}, true
	default:
		a.exhaustions.Add(1)
		return nil, false
	}
}

// Frame is a per-OCALL scratch stack: a bump pointer into a fixed slab,
// plus any oversize host mappings acquired during this call. Created on
// OCALL entry, released via Reset on every exit path.
type Frame struct {
	alloc    *Allocator
	slab     []byte
	top      int
	oversize []*memregion.Region
	released bool
}

// Alloc returns an aligned sub-range of the frame's slab, or ok=false if
// the allocation would overflow the slab.
func (f *Frame) Alloc(n, align int) (b []byte, ok bool) {
	if align <= 0 {
		align = 1
	}
	start := (f.top + align - 1) &^ (align - 1)
	end := start + n
	if end > len(f.slab) || end < start {
		return nil, false
	}
	f.top = end
	if uint64(f.top) > f.alloc.highWater.Load() {
		f.alloc.highWater.Store(uint64(f.top))
	}
	return f.slab[start:end:end], true
}

// AllocStruct allocates and returns a pointer to a T embedded in scratch
// memory, aligned per T's natural alignment. The returned pointer aliases
// frame memory and must not outlive the frame.
func AllocStruct[T any](f *Frame) (*T, bool) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	align := int(unsafe.Alignof(zero))
	b, ok := f.Alloc(size, align)
	if !ok {
		return nil, false
	}
	return (*T)(unsafe.Pointer(&b[0])), true
}

// CopyIn allocates len(src) bytes in scratch and copies src (enclave-side)
// into them via the Boundary Memory Arbiter, returning the host-resident
// copy. Used for OCALL input buffers such as path names and write payloads
// that fit within budget.
func (f *Frame) CopyIn(host *memregion.Region, src []byte) ([]byte, bool) {
	dst, ok := f.Alloc(len(src), 1)
	if !ok {
		return nil, false
	}
	if !memregion.CopyToHost(host, dst, src) {
		return nil, false
	}
	return dst, true
}

// AllocOversize acquires a fresh anonymous host mapping of size bytes for
// payloads that exceed the scratch budget, mirroring a recursive
// MMAP_UNTRUSTED OCALL. The mapping is owned by this frame and released
// when Reset is called.
func (f *Frame) AllocOversize(size int) (*memregion.Region, error) {
	r, err := memregion.NewHostRegion(size)
	if err != nil {
		return nil, err
	}
	f.oversize = append(f.oversize, r)
	f.alloc.oversize.Add(1)
	return r, nil
}

// Reset releases the frame: any oversize mappings are unmapped and the
// slab is returned to the allocator's pool. Reset must be called on every
// OCALL exit path, success or failure; it is idempotent.
func (f *Frame) Reset() {
	for _, r := range f.oversize {
		_ = r.Close()
	}
	f.oversize = nil
	f.top = 0
	if !f.released {
		f.alloc.free <- f.slab
		f.released = true
	}
}
