// Package attestation implements the attestation marshaller: the
// specialized codec for the GET_ATTESTATION OCALL's composite result — a
// fixed header plus up to four variable-length host-owned buffers (quote,
// IAS report, IAS signature, IAS certificate chain).
//
// The host→enclave handoff for the variable fields deliberately preserves
// the original's error-continuation behavior: a failure copying one field
// does not stop the marshaller from attempting the rest. Only after every
// field has been attempted are the enclave-side allocations for a failed
// call freed and the error surfaced — as errno.EACCES, whichever field or
// fields failed.
package attestation

import (
	"unsafe"

	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/memregion"
)

// Header is the fixed-size quoting-enclave report copied directly into
// the enclave in one shot.
type Header struct {
	Version   uint32
	Flags     uint32
	Measurement [32]byte
	ReportData [64]byte
}

// HostBuffer describes one of the four variable-length fields as the host
// reported it: a pointer into H and a declared length. Text fields get a
// trailing NUL after the copy; Quote and IasSig do not.
type HostBuffer struct {
	Addr uintptr
	Len  int64
	Text bool
}

// Result is the composite attestation report returned by GET_ATTESTATION,
// fully enclave-resident on success.
type Result struct {
	Header Header
	Quote     []byte
	IASReport []byte
	IASSig    []byte
	IASCerts  []byte
}

// Marshal copies hdrHost (a host-resident Header) and each of the four
// variable fields into fresh enclave-side buffers. Every field is
// attempted even after an earlier one fails; on any failure, every
// enclave-side buffer successfully allocated so far is discarded and the
// call returns errno.EACCES. Each field that lies within the host region
// is unmapped via unmapHost once it has been attempted, whether or not its
// copy succeeded; a field outside the host region is never passed to
// unmapHost, and no field is unmapped twice.
func Marshal(host *memregion.Region, hdrHost []byte, fields [4]HostBuffer, unmapHost func(addr uintptr, n int64)) (*Result, int) {
	res := &Result{}

	if len(hdrHost) != int(unsafe.Sizeof(Header{})) {
		return nil, int(errno.EINVAL)
	}
	if _, ok := memregion.CopyToEnclave(host, headerBytes(&res.Header), hdrHost); !ok {
		return nil, int(errno.EPERM)
	}

	failed := false
	dests := make([][]byte, 4)
	for i, f := range fields {
		if f.Len == 0 {
			continue
		}
		hostSlice, ok := host.Slice(f.Addr, uintptr(f.Len))
		if !ok {
			failed = true
			continue
		}
		n := f.Len
		if f.Text {
			n++
		}
		dst := make([]byte, n)
		if _, ok := memregion.CopyToEnclave(host, dst[:f.Len], hostSlice); !ok {
			failed = true
			unmapHost(f.Addr, f.Len)
			continue
		}
		if f.Text {
			dst[n-1] = 0
		}
		dests[i] = dst
		unmapHost(f.Addr, f.Len)
	}

	if failed {
		return nil, int(errno.EACCES)
	}

	res.Quote, res.IASReport, res.IASSig, res.IASCerts = dests[0], dests[1], dests[2], dests[3]
	return res, 0
}

// headerBytes returns a []byte view of h's own backing memory, so
// CopyToEnclave writes directly into the Result's embedded Header.
func headerBytes(h *Header) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), int(unsafe.Sizeof(*h)))
}
