package memregion

// This file is the Boundary Memory Arbiter: the three predicates and two
// copy primitives every OCALL wrapper must pass a buffer through before
// it crosses the trust boundary in either direction. Every containment
// failure here is a refusal, never a partial copy — the caller surfaces
// it as errno.EPERM.

// IsFullyOutsideEnclave reports whether [p, p+n) lies wholly within the
// host region — i.e. it is safe to treat as host-controlled memory.
func IsFullyOutsideEnclave(host *Region, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	return host.Contains(AddrOf(p), uintptr(len(p)))
}

// IsFullyInsideEnclave reports whether [p, p+n) lies wholly outside the
// host region — i.e. it is enclave-owned memory, safe to copy into from
// the host side.
func IsFullyInsideEnclave(host *Region, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	return host.Disjoint(AddrOf(p), uintptr(len(p)))
}

// Straddles reports whether p is neither fully inside nor fully outside
// the enclave: the host-buffer programming error that a send/recv with a
// straddling buffer would trigger.
func Straddles(host *Region, p []byte) bool {
	if len(p) == 0 {
		return false
	}
	return host.Straddles(AddrOf(p), uintptr(len(p)))
}

// CopyToEnclave copies up to len(dst) bytes from src (host-resident) into
// dst (enclave-resident). It validates containment first and performs a
// single bounded copy: the "never dereference a boundary-crossing length
// twice" discipline is satisfied structurally, since len(src) is read
// exactly once (by the slice header) and used as the only bound on the
// copy.
//
// Returns the number of bytes copied, or 0 with ok=false on any
// containment failure.
func CopyToEnclave(host *Region, dst, src []byte) (n int, ok bool) {
	if !IsFullyInsideEnclave(host, dst) {
		return 0, false
	}
	if !IsFullyOutsideEnclave(host, src) {
		return 0, false
	}
	if len(src) > len(dst) {
		return 0, false
	}
	return copy(dst, src), true
}

// CopyToHost copies src (enclave-resident) into dst (host-resident),
// validating containment in the opposite direction.
func CopyToHost(host *Region, dst, src []byte) bool {
	if !IsFullyOutsideEnclave(host, dst) {
		return false
	}
	if !IsFullyInsideEnclave(host, src) {
		return false
	}
	if len(src) > len(dst) {
		return false
	}
	copy(dst, src)
	return true
}

// PtrToEnclave validates that [addr, addr+n) lies wholly within the host
// region and, if so, hands back a []byte view of it without copying. Used
// when ownership of a host mapping (e.g. the result of a MMAP_UNTRUSTED
// OCALL) is handed back to the enclave side.
func PtrToEnclave(host *Region, addr, n uintptr) ([]byte, bool) {
	return host.Slice(addr, n)
}
