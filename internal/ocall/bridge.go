package ocall

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/octoreflex/ocallbridge/internal/attestation"
	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/descriptor"
	"github.com/octoreflex/ocallbridge/internal/dispatcher"
	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/memregion"
	"github.com/octoreflex/ocallbridge/internal/scratch"
)

// metricsSink is the subset of observability.Metrics the bridge reports
// per-call OCALL metrics through. Declared locally so this package never
// imports internal/observability and a Bridge built without metrics (as
// in tests) costs nothing.
type metricsSink interface {
	RecordOCall(code, path string, ret int, latency time.Duration)
}

// Bridge is the public per-kind OCALL surface: one method per code in
// Code, each following the same five-step contract (allocate scratch,
// stage input buffers, dispatch, validate and copy out results, reset
// scratch on every exit path).
type Bridge struct {
	host                *memregion.Region
	alloc               *scratch.Allocator
	disp                *dispatcher.Dispatcher
	back                *backstop.Backstop
	metrics             metricsSink
	attestationFailures atomic.Uint64
}

// New returns a Bridge wired to the given host region, scratch allocator,
// and dispatcher. back is used directly for OCALLs that must never be
// deferred (exit, sleep).
func New(host *memregion.Region, alloc *scratch.Allocator, disp *dispatcher.Dispatcher, back *backstop.Backstop) *Bridge {
	return &Bridge{host: host, alloc: alloc, disp: disp, back: back}
}

// WithMetrics attaches a metrics sink that every subsequent dispatched
// OCALL reports its code, dispatch path, result, and latency to. Returns
// b for chaining; nil is accepted and disables reporting.
func (b *Bridge) WithMetrics(m metricsSink) *Bridge {
	b.metrics = m
	return b
}

// AttestationFailures returns the lifetime count of GET_ATTESTATION calls
// whose marshaller reported a per-field copy failure.
func (b *Bridge) AttestationFailures() uint64 { return b.attestationFailures.Load() }

// withFrame runs fn with a freshly acquired scratch frame, returning
// errno.EPERM if the scratch pool is exhausted, and always releasing the
// frame on return — the single exit point every OCALL wrapper needs to
// guarantee scratch discipline.
func (b *Bridge) withFrame(fn func(fr *scratch.Frame) int) int {
	fr, ok := b.alloc.NewFrame()
	if !ok {
		return int(errno.EPERM)
	}
	defer fr.Reset()
	return fn(fr)
}

func dispatch[T any](b *Bridge, ctx context.Context, code Code, m *T) int {
	var d descriptor.Descriptor
	d.Reset(descriptor.Code(code), structBytes(m))

	if b.metrics == nil {
		return b.disp.Dispatch(ctx, &d)
	}

	start := time.Now()
	ret, path := b.disp.DispatchWithPath(ctx, &d)
	b.metrics.RecordOCall(code.String(), string(path), ret, time.Since(start))
	return ret
}

// Open stages path (which may be enclave- or host-resident, per the
// large-buffer policy) and returns the new fd, or a negated errno.
func (b *Bridge) Open(ctx context.Context, path []byte, flags int32, mode uint32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, path)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[OpenMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.PathAddr, m.PathLen, m.Flags, m.Mode = addr, ln, flags, mode
		return dispatch(b, ctx, Open, m)
	})
}

func (b *Bridge) Close(ctx context.Context, fd int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[CloseMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		return dispatch(b, ctx, Close, m)
	})
}

// Read pre-allocates an n-byte host-resident output range, dispatches,
// and on success copies exactly the reported byte count into dst.
// Returns the byte count (matching the read(2) convention), or a
// negated errno.
func (b *Bridge) Read(ctx context.Context, fd int32, dst []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, hostBuf, ok := stageOutputBuffer(fr, len(dst))
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[ReadMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.BufAddr, m.BufLen = fd, addr, int64(len(dst))
		ret := dispatch(b, ctx, Read, m)
		if ret < 0 {
			return ret
		}
		return copyOutResult(b.host, dst, hostBuf, ret)
	})
}

// Write implements the literal three-way buffer classification: a
// host-resident src is forwarded by pointer with no copy; an
// enclave-resident src within budget is copied onto the scratch stack;
// one exceeding budget is copied into an oversize host mapping. A
// straddling src is refused without dispatch.
func (b *Bridge) Write(ctx context.Context, fd int32, src []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, src)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[WriteMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.BufAddr, m.BufLen = fd, addr, ln
		return dispatch(b, ctx, Write, m)
	})
}

func (b *Bridge) Fstat(ctx context.Context, fd int32, out *StatOut) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		statBuf, ok := scratch.AllocStruct[StatOut](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[FstatMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		m.StatAddr = memregion.AddrOf(structBytes(statBuf))
		ret := dispatch(b, ctx, Fstat, m)
		if ret < 0 {
			return ret
		}
		*out = *statBuf
		return ret
	})
}

func (b *Bridge) Fionread(ctx context.Context, fd int32) (int, int32) {
	var n int32
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FionreadMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		ret := dispatch(b, ctx, Fionread, m)
		if ret >= 0 {
			n = m.Nbytes
		}
		return ret
	})
	return ret, n
}

func (b *Bridge) Fsetnonblock(ctx context.Context, fd int32, nonblock bool) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FsetnonblockMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		if nonblock {
			m.Nonblock = 1
		}
		return dispatch(b, ctx, Fsetnonblock, m)
	})
}

func (b *Bridge) Fchmod(ctx context.Context, fd int32, mode uint32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FchmodMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Mode = fd, mode
		return dispatch(b, ctx, Fchmod, m)
	})
}

func (b *Bridge) Fsync(ctx context.Context, fd int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FsyncMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		return dispatch(b, ctx, Fsync, m)
	})
}

func (b *Bridge) Ftruncate(ctx context.Context, fd int32, length int64) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FtruncateMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Length = fd, length
		return dispatch(b, ctx, Ftruncate, m)
	})
}

// Lseek returns the new file position via newPos on success.
func (b *Bridge) Lseek(ctx context.Context, fd int32, offset int64, whence int32) (int, int64) {
	var newPos int64
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[LseekMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Offset, m.Whence = fd, offset, whence
		ret := dispatch(b, ctx, Lseek, m)
		if ret >= 0 {
			newPos = m.NewPos
		}
		return ret
	})
	return ret, newPos
}

func (b *Bridge) Mkdir(ctx context.Context, path []byte, mode uint32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, path)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[MkdirMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.PathAddr, m.PathLen, m.Mode = addr, ln, mode
		return dispatch(b, ctx, Mkdir, m)
	})
}

// Getdents behaves like Read: the byte count of filled dirent entries is
// the OCALL's return value.
func (b *Bridge) Getdents(ctx context.Context, fd int32, dst []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, hostBuf, ok := stageOutputBuffer(fr, len(dst))
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[GetdentsMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.BufAddr, m.BufLen = fd, addr, int64(len(dst))
		ret := dispatch(b, ctx, Getdents, m)
		if ret < 0 {
			return ret
		}
		return copyOutResult(b.host, dst, hostBuf, ret)
	})
}

func (b *Bridge) ResumeThread(ctx context.Context, tidHandle uintptr) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[ResumeThreadMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.TidHandle = tidHandle
		return dispatch(b, ctx, ResumeThread, m)
	})
}

func (b *Bridge) CloneThread(ctx context.Context) (int, uintptr) {
	var handle uintptr
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[CloneThreadMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		ret := dispatch(b, ctx, CloneThread, m)
		if ret >= 0 {
			handle = m.NewTidHandle
		}
		return ret
	})
	return ret, handle
}

func (b *Bridge) CreateProcess(ctx context.Context, args []byte) (int, int32) {
	var pid int32
	ret := b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, args)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[CreateProcessMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.ArgsAddr, m.ArgsLen = addr, ln
		ret := dispatch(b, ctx, CreateProcess, m)
		if ret >= 0 {
			pid = m.Pid
		}
		return ret
	})
	return ret, pid
}

// Futex exposes the FUTEX OCALL as a direct wrapper for callers other
// than the dispatcher itself, which issues its kernel waits through
// internal/futexwait directly rather than round-tripping through this
// method.
func (b *Bridge) Futex(ctx context.Context, addr uintptr, op, val int32, timeoutNs int64) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[FutexMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Addr, m.Op, m.Val, m.TimeoutNs = addr, op, val, timeoutNs
		return dispatch(b, ctx, Futex, m)
	})
}

func (b *Bridge) Socketpair(ctx context.Context, domain, typ, proto int32) (int, int32, int32) {
	var fd0, fd1 int32
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[SocketpairMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Domain, m.Type, m.Proto = domain, typ, proto
		ret := dispatch(b, ctx, Socketpair, m)
		if ret >= 0 {
			fd0, fd1 = m.Fd0, m.Fd1
		}
		return ret
	})
	return ret, fd0, fd1
}

func (b *Bridge) Listen(ctx context.Context, fd, backlog int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[ListenMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Backlog = fd, backlog
		return dispatch(b, ctx, Listen, m)
	})
}

// Accept returns the new connected fd, or a negated errno.
func (b *Bridge) Accept(ctx context.Context, fd int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[AcceptMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd = fd
		return dispatch(b, ctx, Accept, m)
	})
}

func (b *Bridge) Connect(ctx context.Context, fd int32, addr []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		a, ln, _, ok := stageInputBuffer(b.host, fr, addr)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[ConnectMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.AddrAddr, m.AddrLen = fd, a, ln
		return dispatch(b, ctx, Connect, m)
	})
}

func (b *Bridge) Recv(ctx context.Context, fd int32, dst []byte, flags int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, hostBuf, ok := stageOutputBuffer(fr, len(dst))
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[RecvMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Flags, m.BufAddr, m.BufLen = fd, flags, addr, int64(len(dst))
		ret := dispatch(b, ctx, Recv, m)
		if ret < 0 {
			return ret
		}
		return copyOutResult(b.host, dst, hostBuf, ret)
	})
}

// Send follows the same three-way classification as Write.
func (b *Bridge) Send(ctx context.Context, fd int32, src []byte, flags int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, src)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[SendMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Flags, m.BufAddr, m.BufLen = fd, flags, addr, ln
		return dispatch(b, ctx, Send, m)
	})
}

func (b *Bridge) Setsockopt(ctx context.Context, fd, level, optname int32, opt []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, opt)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[SetsockoptMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.Level, m.Optname, m.OptAddr, m.OptLen = fd, level, optname, addr, ln
		return dispatch(b, ctx, Setsockopt, m)
	})
}

func (b *Bridge) Shutdown(ctx context.Context, fd, how int32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[ShutdownMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Fd, m.How = fd, how
		return dispatch(b, ctx, Shutdown, m)
	})
}

// Gettime retries on EINTR until a non-EINTR result is observed — the one
// time OCALL this bridge retries internally, deliberately not generalized
// to Poll or Sleep.
func (b *Bridge) Gettime(ctx context.Context) (int, int64) {
	var microsec int64
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[GettimeMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		for {
			ret := dispatch(b, ctx, Gettime, m)
			if errno.IsEINTR(ret) {
				continue
			}
			if ret >= 0 {
				microsec = m.Microsec
			}
			return ret
		}
	})
	return ret, microsec
}

// Sleep is issued synchronously only, never through exitless dispatch: a
// call that must not be deferred. On EINTR, remainingUs reports the
// unslept duration instead of being retried.
func (b *Bridge) Sleep(ctx context.Context, requestedUs int64) (int, int64) {
	var remaining int64
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[SleepMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.RequestedUs = requestedUs
		ret := b.disp.Synchronous(ctx, int32(Sleep), structBytes(m))
		if errno.IsEINTR(ret) {
			remaining = m.RemainingUs
		}
		return ret
	})
	return ret, remaining
}

// Poll stages fds (the pollfd array, written to as well as read) and,
// when it had to be staged or oversize-mapped rather than left
// host-resident, copies the worker's written revents back into it after
// a successful dispatch.
func (b *Bridge) Poll(ctx context.Context, fds []byte, nfds int64, timeoutMs int64) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, _, staged, ok := stageInputBuffer(b.host, fr, fds)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[PollMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.FdsAddr, m.Nfds, m.TimeoutMs = addr, nfds, timeoutMs
		ret := dispatch(b, ctx, Poll, m)
		if ret >= 0 && staged != nil {
			if _, ok := memregion.CopyToEnclave(b.host, fds, staged); !ok {
				return int(errno.EPERM)
			}
		}
		return ret
	})
}

func (b *Bridge) Rename(ctx context.Context, oldPath, newPath []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		oa, ol, _, ok := stageInputBuffer(b.host, fr, oldPath)
		if !ok {
			return int(errno.EPERM)
		}
		na, nl, _, ok := stageInputBuffer(b.host, fr, newPath)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[RenameMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.OldPathAddr, m.OldPathLen, m.NewPathAddr, m.NewPathLen = oa, ol, na, nl
		return dispatch(b, ctx, Rename, m)
	})
}

func (b *Bridge) Delete(ctx context.Context, path []byte, isDir bool) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, path)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[DeleteMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.PathAddr, m.PathLen = addr, ln
		if isDir {
			m.IsDir = 1
		}
		return dispatch(b, ctx, Delete, m)
	})
}

func (b *Bridge) LoadDebug(ctx context.Context, path []byte) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		addr, ln, _, ok := stageInputBuffer(b.host, fr, path)
		if !ok {
			return int(errno.EPERM)
		}
		m, ok := scratch.AllocStruct[LoadDebugMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.PathAddr, m.PathLen = addr, ln
		return dispatch(b, ctx, LoadDebug, m)
	})
}

// Eventfd returns the new fd, or a negated errno.
func (b *Bridge) Eventfd(ctx context.Context, initVal, flags uint32) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[EventfdMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.InitVal, m.Flags = initVal, flags
		return dispatch(b, ctx, Eventfd, m)
	})
}

// MmapUntrusted acquires an anonymous host mapping of size bytes and
// returns its base address via addr.
func (b *Bridge) MmapUntrusted(ctx context.Context, size int64) (int, uintptr) {
	var addr uintptr
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[MmapUntrustedMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Size = size
		ret := dispatch(b, ctx, MmapUntrusted, m)
		if ret >= 0 {
			addr = m.Addr
		}
		return ret
	})
	return ret, addr
}

func (b *Bridge) MunmapUntrusted(ctx context.Context, addr uintptr, size int64) int {
	return b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[MunmapUntrustedMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Addr, m.Size = addr, size
		return dispatch(b, ctx, MunmapUntrusted, m)
	})
}

func (b *Bridge) Cpuid(ctx context.Context, leaf, subleaf uint32) (int, CpuidMsg) {
	var out CpuidMsg
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[CpuidMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		m.Leaf, m.Subleaf = leaf, subleaf
		ret := dispatch(b, ctx, Cpuid, m)
		if ret >= 0 {
			out = *m
		}
		return ret
	})
	return ret, out
}

// GetAttestation dispatches the attestation request and, on a non-error
// result, marshals the composite report into enclave memory via
// internal/attestation — including its literal continue-after-failure
// behavior across the four variable-length fields.
func (b *Bridge) GetAttestation(ctx context.Context) (int, *attestation.Result) {
	var result *attestation.Result
	ret := b.withFrame(func(fr *scratch.Frame) int {
		m, ok := scratch.AllocStruct[GetAttestationMsg](fr)
		if !ok {
			return int(errno.EPERM)
		}
		ret := dispatch(b, ctx, GetAttestation, m)
		if ret < 0 {
			return ret
		}
		hdrHost, ok := b.host.Slice(m.HeaderAddr, uintptr(m.HeaderLen))
		if !ok {
			return int(errno.EPERM)
		}
		fields := [4]attestation.HostBuffer{
			{Addr: m.QuoteAddr, Len: m.QuoteLen, Text: false},
			{Addr: m.IASReportAddr, Len: m.IASReportLen, Text: true},
			{Addr: m.IASSigAddr, Len: m.IASSigLen, Text: false},
			{Addr: m.IASCertsAddr, Len: m.IASCertsLen, Text: true},
		}
		unmap := func(addr uintptr, n int64) {
			if addr == 0 {
				return
			}
			b.MunmapUntrusted(ctx, addr, n)
		}
		res, code := attestation.Marshal(b.host, hdrHost, fields, unmap)
		if code != 0 {
			b.attestationFailures.Add(1)
			return code
		}
		result = res
		return 0
	})
	return ret, result
}

// Exit never returns: it is the host-exit loop invariant, expressed
// directly in terms of Backstop.ExitLoop.
func (b *Bridge) Exit(ctx context.Context, exitCode int32, isKilled bool) {
	var m ExitMsg
	m.ExitCode = exitCode
	if isKilled {
		m.IsKilled = 1
	}
	b.back.ExitLoop(ctx, int32(Exit), structBytes(&m))
}
