package ocall

import (
	"unsafe"

	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/memregion"
	"github.com/octoreflex/ocallbridge/internal/scratch"
)

// structBytes returns the byte-level view of *p backing a scratch
// allocation, used as a descriptor's Buffer field. The worker side
// reinterprets these same bytes back into the matching message type by
// OCALL code — both sides alias the same scratch memory, exactly as a
// message pointer embedded in a request descriptor would.
func structBytes[T any](p *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), int(unsafe.Sizeof(*p)))
}

// stageInputBuffer classifies buf per the three-way policy write/send
// also use: a host-resident buffer is forwarded by pointer with no copy;
// an enclave-resident buffer that fits the remaining scratch budget is
// copied onto the scratch stack; one that doesn't fits an oversize host
// mapping instead. A straddling buffer is refused outright.
//
// staged reports the host-resident copy backing addr when buf itself was
// enclave-resident and had to be staged (CopyIn or an oversize mapping);
// it is nil when buf was already host-resident, since in that case the
// worker writes straight into the caller's own memory and there is
// nothing to copy back. Callers that only read buf (Write, Send, paths,
// ...) can discard staged; callers whose OCALL also writes into buf
// (Poll's pollfd array) must copy staged back into buf after dispatch.
func stageInputBuffer(host *memregion.Region, f *scratch.Frame, buf []byte) (addr uintptr, length int64, staged []byte, ok bool) {
	if len(buf) == 0 {
		return 0, 0, nil, true
	}
	if memregion.Straddles(host, buf) {
		return 0, 0, nil, false
	}
	if memregion.IsFullyOutsideEnclave(host, buf) {
		return memregion.AddrOf(buf), int64(len(buf)), nil, true
	}
	if hostCopy, ok := f.CopyIn(host, buf); ok {
		return memregion.AddrOf(hostCopy), int64(len(buf)), hostCopy, true
	}
	region, err := f.AllocOversize(len(buf))
	if err != nil {
		return 0, 0, nil, false
	}
	dst := region.Bytes()[:len(buf)]
	if !memregion.CopyToHost(region, dst, buf) {
		return 0, 0, nil, false
	}
	return region.Base(), int64(len(buf)), dst, true
}

// stageOutputBuffer pre-allocates an empty n-byte host-resident range for
// the worker to fill, falling back to an oversize mapping when n exceeds
// the frame's remaining scratch budget.
func stageOutputBuffer(f *scratch.Frame, n int) (addr uintptr, hostBuf []byte, ok bool) {
	if n == 0 {
		return 0, nil, true
	}
	if b, ok := f.Alloc(n, 1); ok {
		return memregion.AddrOf(b), b, true
	}
	region, err := f.AllocOversize(n)
	if err != nil {
		return 0, nil, false
	}
	return region.Base(), region.Bytes()[:n], true
}

// copyOutResult validates and copies n bytes of hostBuf into the
// caller-supplied enclave destination. Any containment failure is a
// refusal regardless of what the worker reported.
func copyOutResult(host *memregion.Region, dst []byte, hostBuf []byte, n int) int {
	if n < 0 || n > len(hostBuf) || n > len(dst) {
		return int(errno.EINVAL)
	}
	if n == 0 {
		return 0
	}
	copied, ok := memregion.CopyToEnclave(host, dst, hostBuf[:n])
	if !ok {
		return int(errno.EPERM)
	}
	return copied
}
