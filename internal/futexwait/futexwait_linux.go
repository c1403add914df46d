// Package futexwait wraps the raw Linux futex syscall: the mechanism the
// exitless dispatcher falls back to once a caller has given up spinning.
// It is a thin wrapper, not an abstraction — the point of using the real
// syscall instead of a channel or condition variable is that parked
// callers cost the kernel nothing until woken, the same trade the
// original lock ladder depends on.
package futexwait

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Wait blocks until addr no longer holds expected, or until woken by a
// matching Wake. Returns nil on a normal wake, unix.EAGAIN if addr's value
// had already changed by the time the kernel checked it, or unix.EINTR if
// a signal interrupted the wait — callers must treat EINTR as "check the
// condition again", never as an error to surface.
func Wait(addr *atomic.Int32, expected int32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		0, 0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wake wakes up to n waiters parked on addr. Returns the number of waiters
// actually woken.
func Wake(addr *atomic.Int32, n int) int {
	r, _, _ := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
		0, 0, 0,
	)
	return int(r)
}
