package ocall

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/octoreflex/ocallbridge/internal/backstop"
	"github.com/octoreflex/ocallbridge/internal/dispatcher"
	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/memregion"
	"github.com/octoreflex/ocallbridge/internal/scratch"
)

// echoExecutor is a faked host that behaves just well enough to exercise
// the codec paths this package owns, without performing any real host
// syscalls — that is internal/executor's concern.
type echoExecutor struct {
	host       *memregion.Region
	eintrCount int // Gettime: number of EINTR responses before success

	skipAttestationFields bool // GetAttestation: report header only, no variable fields
	failAttestationField  bool // GetAttestation: make IASSig fail containment while the other fields succeed
}

func asMsg[T any](buf []byte) *T { return (*T)(unsafe.Pointer(&buf[0])) }

func (e *echoExecutor) Execute(ctx context.Context, code int32, msg []byte) int {
	switch Code(code) {
	case Read:
		m := asMsg[ReadMsg](msg)
		buf, _ := e.host.Slice(m.BufAddr, uintptr(m.BufLen))
		for i := range buf {
			buf[i] = byte(i)
		}
		return len(buf)
	case Write:
		m := asMsg[WriteMsg](msg)
		return int(m.BufLen)
	case Open:
		return 3
	case Close:
		return 0
	case Gettime:
		m := asMsg[GettimeMsg](msg)
		if e.eintrCount > 0 {
			e.eintrCount--
			return int(errno.EINTR)
		}
		m.Microsec = 123456
		return 0
	case Mkdir, Rename, Delete, Fsync, Fchmod, Ftruncate, Listen, Shutdown, Setsockopt,
		LoadDebug, MunmapUntrusted, Connect, Poll, Fsetnonblock:
		return 0
	case Lseek:
		m := asMsg[LseekMsg](msg)
		m.NewPos = m.Offset + 100
		return 0
	case Fstat:
		m := asMsg[FstatMsg](msg)
		st, _ := e.host.Slice(m.StatAddr, uintptr(unsafe.Sizeof(StatOut{})))
		asMsg[StatOut](st).Size = 4096
		return 0
	case MmapUntrusted:
		m := asMsg[MmapUntrustedMsg](msg)
		m.Addr = 0xdead0000
		return 0
	case Eventfd:
		return 9
	case Socketpair:
		m := asMsg[SocketpairMsg](msg)
		m.Fd0, m.Fd1 = 10, 11
		return 0
	case Accept:
		return 12
	case GetAttestation:
		m := asMsg[GetAttestationMsg](msg)
		return e.fillAttestation(m)
	default:
		return 0
	}
}

// fillAttestation plants a header and, unless suppressed, all four
// variable fields at fixed offsets inside the host region and points the
// message at them — standing in for a real quoting-enclave round trip.
// Planted well past the scratch allocator's 4*4096-byte slab pool (see
// newTestBridge) so the simulated host data never aliases a frame's own
// scratch-resident message.
const attestationScratchBase = 64 * 1024

func (e *echoExecutor) fillAttestation(m *GetAttestationMsg) int {
	const headerSize = 4 + 4 + 32 + 64 // unsafe.Sizeof(attestation.Header{})
	hdrHost, _ := e.host.Slice(e.host.Base()+attestationScratchBase, headerSize)
	for i := range hdrHost {
		hdrHost[i] = 0
	}
	hdrHost[0] = 1 // Version low byte, just to prove the copy happened
	m.HeaderAddr, m.HeaderLen = e.host.Base()+attestationScratchBase, int64(len(hdrHost))

	if e.skipAttestationFields {
		m.QuoteLen, m.IASReportLen, m.IASSigLen, m.IASCertsLen = 0, 0, 0, 0
		return 0
	}

	plant := func(off uintptr, data []byte) uintptr {
		b, _ := e.host.Slice(e.host.Base()+off, uintptr(len(data)))
		copy(b, data)
		return e.host.Base() + off
	}
	quote := []byte("quotebytes0000")
	report := []byte("ias report body")
	sig := []byte("sigbytes")
	certs := []byte("cert chain body")

	m.QuoteAddr, m.QuoteLen = plant(attestationScratchBase+4096, quote), int64(len(quote))
	m.IASReportAddr, m.IASReportLen = plant(attestationScratchBase+8192, report), int64(len(report))
	m.IASSigAddr, m.IASSigLen = plant(attestationScratchBase+12288, sig), int64(len(sig))
	m.IASCertsAddr, m.IASCertsLen = plant(attestationScratchBase+16384, certs), int64(len(certs))

	if e.failAttestationField {
		// Point IASSig at an address outside the host region entirely,
		// forcing memregion containment to refuse it after Quote and
		// IASReport have been attempted and before IASCerts is.
		m.IASSigAddr = 0
		m.IASSigLen = 1 << 40
	}
	return 0
}

func withAttestationExec(skipFields, failField bool) func(*memregion.Region) backstop.Executor {
	return func(host *memregion.Region) backstop.Executor {
		return &echoExecutor{host: host, skipAttestationFields: skipFields, failAttestationField: failField}
	}
}

func newTestBridge(t *testing.T, makeExec func(host *memregion.Region) backstop.Executor) (*Bridge, *memregion.Region) {
	t.Helper()
	host, err := memregion.NewHostRegion(1 << 20)
	if err != nil {
		t.Fatalf("NewHostRegion: %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })

	alloc := scratch.NewAllocator(host, 4096, 4)
	back := backstop.New(makeExec(host))
	disp := dispatcher.New(nil, back, 0) // synchronous-only: simplest to test deterministically
	return New(host, alloc, disp, back), host
}

func withEcho(eintrCount int) func(*memregion.Region) backstop.Executor {
	return func(host *memregion.Region) backstop.Executor {
		return &echoExecutor{host: host, eintrCount: eintrCount}
	}
}

func TestOpenCloseReturnsFdViaRetval(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	if ret := b.Open(context.Background(), []byte("/tmp/x"), 0, 0644); ret != 3 {
		t.Errorf("expected fd 3, got %d", ret)
	}
	if ret := b.Close(context.Background(), 3); ret != 0 {
		t.Errorf("expected 0, got %d", ret)
	}
}

func TestReadCopiesPatternIntoEnclaveBuffer(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	dst := make([]byte, 128)
	ret := b.Read(context.Background(), 3, dst)
	if ret != 128 {
		t.Fatalf("expected 128 bytes read, got %d", ret)
	}
	for i, v := range dst {
		if v != byte(i) {
			t.Fatalf("byte %d mismatch: got %d", i, v)
		}
	}
}

func TestWriteHostResidentBufferForwardedNoCopy(t *testing.T) {
	b, host := newTestBridge(t, withEcho(0))
	hostBuf, ok := host.Slice(host.Base(), 64)
	if !ok {
		t.Fatalf("Slice failed")
	}
	ret := b.Write(context.Background(), 3, hostBuf)
	if ret != 64 {
		t.Errorf("expected 64, got %d", ret)
	}
}

func TestWriteEnclaveBufferWithinBudgetCopied(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	src := make([]byte, 256)
	ret := b.Write(context.Background(), 3, src)
	if ret != 256 {
		t.Errorf("expected 256, got %d", ret)
	}
}

func TestWriteOversizedEnclaveBufferUsesOversizeMapping(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	src := make([]byte, 1<<16) // larger than the 4096-byte scratch slab
	ret := b.Write(context.Background(), 3, src)
	if ret != 1<<16 {
		t.Errorf("expected %d, got %d", 1<<16, ret)
	}
}

func TestWriteStraddlingBufferRefusedWithoutDispatch(t *testing.T) {
	calls := 0
	b, host := newTestBridge(t, func(*memregion.Region) backstop.Executor {
		return execFunc(func(ctx context.Context, code int32, msg []byte) int {
			calls++
			return 0
		})
	})
	full := host.Bytes()
	straddle := unsafe.Slice(&full[len(full)-8], 4096+8)

	ret := b.Write(context.Background(), 3, straddle)
	if ret != int(errno.EPERM) {
		t.Errorf("expected EPERM, got %d", ret)
	}
	if calls != 0 {
		t.Errorf("expected no dispatch for a straddling buffer, got %d calls", calls)
	}
}

type execFunc func(ctx context.Context, code int32, msg []byte) int

func (f execFunc) Execute(ctx context.Context, code int32, msg []byte) int { return f(ctx, code, msg) }

func TestGettimeRetriesOnEINTR(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(2))
	ret, us := b.Gettime(context.Background())
	if ret != 0 {
		t.Fatalf("expected success after retries, got %d", ret)
	}
	if us != 123456 {
		t.Errorf("expected microsec 123456, got %d", us)
	}
}

func TestFstatPopulatesOutParam(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	var st StatOut
	if ret := b.Fstat(context.Background(), 3, &st); ret != 0 {
		t.Fatalf("expected 0, got %d", ret)
	}
	if st.Size != 4096 {
		t.Errorf("expected size 4096, got %d", st.Size)
	}
}

func TestLseekReturnsNewPosition(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	ret, pos := b.Lseek(context.Background(), 3, 50, 0)
	if ret != 0 {
		t.Fatalf("expected 0, got %d", ret)
	}
	if pos != 150 {
		t.Errorf("expected 150, got %d", pos)
	}
}

func TestSocketpairReturnsBothFds(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	ret, fd0, fd1 := b.Socketpair(context.Background(), 1, 1, 0)
	if ret != 0 || fd0 != 10 || fd1 != 11 {
		t.Errorf("unexpected result: ret=%d fd0=%d fd1=%d", ret, fd0, fd1)
	}
}

func TestScratchFrameDisciplineAcrossCalls(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	// Exhausting and releasing the frame pool repeatedly must never
	// deadlock or leak slabs — every OCALL wrapper resets its frame on
	// every exit path, success or failure.
	for i := 0; i < 100; i++ {
		b.Close(context.Background(), int32(i))
	}
}

func TestGetAttestationHeaderOnly(t *testing.T) {
	b, _ := newTestBridge(t, withAttestationExec(true, false))
	ret, res := b.GetAttestation(context.Background())
	if ret != 0 {
		t.Fatalf("expected success, got %d", ret)
	}
	if res.Header.Version != 1 {
		t.Errorf("expected header copy to land Version=1, got %d", res.Header.Version)
	}
	if res.Quote != nil || res.IASReport != nil || res.IASSig != nil || res.IASCerts != nil {
		t.Errorf("expected all variable fields nil when the host reports none")
	}
}

func TestGetAttestationAllFieldsRoundTrip(t *testing.T) {
	b, _ := newTestBridge(t, withAttestationExec(false, false))
	ret, res := b.GetAttestation(context.Background())
	if ret != 0 {
		t.Fatalf("expected success, got %d", ret)
	}
	if string(res.Quote) != "quotebytes0000" {
		t.Errorf("quote mismatch: %q", res.Quote)
	}
	if res.IASReport[len(res.IASReport)-1] != 0 {
		t.Errorf("expected IASReport NUL-terminated")
	}
	if res.IASCerts[len(res.IASCerts)-1] != 0 {
		t.Errorf("expected IASCerts NUL-terminated")
	}
	if string(res.IASSig) != "sigbytes" {
		t.Errorf("IASSig mismatch: %q", res.IASSig)
	}
}

func TestGetAttestationFieldFailurePropagatesEACCES(t *testing.T) {
	b, _ := newTestBridge(t, withAttestationExec(false, true))
	ret, res := b.GetAttestation(context.Background())
	if ret != int(errno.EACCES) {
		t.Fatalf("expected EACCES, got %d", ret)
	}
	if res != nil {
		t.Errorf("expected nil result on failure, got %+v", res)
	}
	if got := b.AttestationFailures(); got != 1 {
		t.Errorf("expected attestation failures count 1, got %d", got)
	}
}

type fakeMetricsSink struct {
	calls []fakeMetricsCall
}

type fakeMetricsCall struct {
	code, path string
	ret        int
}

func (f *fakeMetricsSink) RecordOCall(code, path string, ret int, _ time.Duration) {
	f.calls = append(f.calls, fakeMetricsCall{code: code, path: path, ret: ret})
}

func TestWithMetricsRecordsEveryDispatchedCall(t *testing.T) {
	b, _ := newTestBridge(t, withEcho(0))
	sink := &fakeMetricsSink{}
	b.WithMetrics(sink)

	if ret := b.Open(context.Background(), []byte("/tmp/x"), 0, 0644); ret != 3 {
		t.Fatalf("expected fd 3, got %d", ret)
	}
	if ret := b.Close(context.Background(), 3); ret != 0 {
		t.Fatalf("expected 0, got %d", ret)
	}

	if len(sink.calls) != 2 {
		t.Fatalf("expected 2 recorded calls, got %d: %+v", len(sink.calls), sink.calls)
	}
	if sink.calls[0].code != "OPEN" || sink.calls[0].path != "backstop" || sink.calls[0].ret != 3 {
		t.Errorf("unexpected first call: %+v", sink.calls[0])
	}
}
