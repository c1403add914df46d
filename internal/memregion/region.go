// Package memregion implements the host region and the Boundary Memory
// Arbiter that classifies buffers as fully-enclave, fully-host, or
// straddling, and performs bounded copies across the boundary.
//
// The host region is a real anonymous mapping obtained via mmap(2), kept
// entirely outside the Go heap, exactly like the untrusted stack/heap the
// original enclave_ocalls.c marshals into: a buffer handed to a worker is a
// buffer backed by actual separate memory, not merely a different Go slice
// sharing the same arena as "enclave" data. Enclave-side buffers are
// ordinary Go-managed memory owned by the caller; nothing in this package
// ever classifies them, it only ever classifies candidate host buffers.
package memregion

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a fixed-size, page-aligned range of address space.
type Region struct {
	data []byte
	base uintptr
	size uintptr
}

// NewHostRegion maps size bytes of anonymous, read-write memory to serve as
// the untrusted host arena: the backing store for scratch frames and
// oversize payloads that exceed the scratch budget.
func NewHostRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memregion: size must be > 0, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memregion: mmap %d bytes: %w", size, err)
	}
	return &Region{
		data: data,
		base: uintptr(unsafe.Pointer(&data[0])),
		size: uintptr(size),
	}, nil
}

// Close unmaps the region. Not safe to call while any outstanding slice
// derived from Bytes/Slice/PtrToEnclave is still in use.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

// Base returns the starting address of the region.
func (r *Region) Base() uintptr { return r.base }

// Size returns the region's length in bytes.
func (r *Region) Size() uintptr { return r.size }

// Bytes returns the whole arena as a byte slice. Callers use this to hand
// out sub-slices (scratch.Frame does this); it is never exposed raw to
// enclave-side call sites.
func (r *Region) Bytes() []byte { return r.data }

// Contains reports whether [addr, addr+n) lies wholly within the region:
// the fully-outside-enclave classification, specialized to this being the
// only tracked host region.
func (r *Region) Contains(addr, n uintptr) bool {
	if n == 0 {
		return addr >= r.base && addr <= r.base+r.size
	}
	end := addr + n
	if end < addr {
		return false // overflow
	}
	return addr >= r.base && end <= r.base+r.size
}

// Disjoint reports whether [addr, addr+n) does not overlap the region at
// all: the fully-inside-enclave classification, under the convention that
// "enclave" is everything outside the single tracked host region.
func (r *Region) Disjoint(addr, n uintptr) bool {
	if n == 0 {
		return addr < r.base || addr > r.base+r.size
	}
	end := addr + n
	if end < addr {
		return false // overflow: treat as neither contained nor disjoint
	}
	return end <= r.base || addr >= r.base+r.size
}

// Straddles reports whether [addr, addr+n) partially overlaps the region:
// neither fully contained nor fully disjoint. A straddling buffer always
// indicates a caller programming error.
func (r *Region) Straddles(addr, n uintptr) bool {
	return !r.Contains(addr, n) && !r.Disjoint(addr, n)
}

// Slice reconstructs a []byte view of [addr, addr+n) within the region.
// Returns ok=false if the range is not fully contained.
func (r *Region) Slice(addr, n uintptr) (b []byte, ok bool) {
	if !r.Contains(addr, n) {
		return nil, false
	}
	off := addr - r.base
	return r.data[off : off+n : off+n], true
}

// AddrOf returns the address of the first byte of b, or 0 if b is empty
// (there is nothing to validate containment of).
func AddrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
