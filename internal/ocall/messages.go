package ocall

// Per-kind OCALL messages: value types laid out in scratch memory.
// Buffer fields are represented as (Addr, Len) pairs pointing into the
// host region rather than Go slice headers — a message that ever crossed
// a real enclave/host process boundary could not carry a live slice
// header, only an address and a length, so the layout here matches that
// even though this bridge's worker lives in the same process.
//
// Scalar inputs are assigned by value before dispatch; scalar and buffer
// outputs are written by the worker and read back by the caller only
// after the descriptor (or Backstop call) reports completion.

// OpenMsg's result (the new fd, or a negated errno) is the OCALL's return
// value, not a message field — matching the real open(2)/ocall_open
// convention of returning the descriptor directly.
type OpenMsg struct {
	PathAddr uintptr
	PathLen  int64
	Flags    int32
	Mode     uint32
}

type CloseMsg struct {
	Fd int32
}

type ReadMsg struct {
	Fd      int32
	_       [4]byte
	BufAddr uintptr
	BufLen  int64
}

// WriteMsg carries one of two input shapes depending on classification:
// BufAddr/BufLen point at the caller's own buffer when it already lives
// in the host region and can be forwarded without a copy; otherwise the
// bytes have been copied into scratch (or an oversize mapping) at
// BufAddr/BufLen by the codec before dispatch. The classification itself
// is not carried in the message — by the time the message is built, both
// cases look identical to the worker.
type WriteMsg struct {
	Fd      int32
	_       [4]byte
	BufAddr uintptr
	BufLen  int64
}

type StatOut struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Size    int64
	Atime   int64
	Mtime   int64
	Ctime   int64
}

type FstatMsg struct {
	Fd       int32
	_        [4]byte
	StatAddr uintptr // out: points to a scratch-resident StatOut
}

type FionreadMsg struct {
	Fd     int32
	Nbytes int32 // out
}

type FsetnonblockMsg struct {
	Fd        int32
	Nonblock  int32
}

type FchmodMsg struct {
	Fd   int32
	Mode uint32
}

type FsyncMsg struct {
	Fd int32
}

type FtruncateMsg struct {
	Fd     int32
	_      [4]byte
	Length int64
}

type LseekMsg struct {
	Fd     int32
	Whence int32
	Offset int64
	NewPos int64 // out
}

type MkdirMsg struct {
	PathAddr uintptr
	PathLen  int64
	Mode     uint32
	_        [4]byte
}

type GetdentsMsg struct {
	Fd      int32
	_       [4]byte
	BufAddr uintptr
	BufLen  int64
}

type ResumeThreadMsg struct {
	TidHandle uintptr
}

type CloneThreadMsg struct {
	NewTidHandle uintptr // out
}

type CreateProcessMsg struct {
	ArgsAddr uintptr
	ArgsLen  int64
	Pid      int32 // out
	_        [4]byte
}

// FutexMsg mirrors the raw syscall argument shape for the FUTEX OCALL
// issued through Bridge.Futex. The dispatcher's own kernel-wait phase does
// not use it: it calls internal/futexwait directly.
type FutexMsg struct {
	Addr    uintptr
	Op      int32
	Val     int32
	TimeoutNs int64 // <0 means no timeout
}

type SocketpairMsg struct {
	Domain int32
	Type   int32
	Proto  int32
	Fd0    int32 // out
	Fd1    int32 // out
}

type ListenMsg struct {
	Fd      int32
	Backlog int32
}

// AcceptMsg's result (the new fd, or a negated errno) is the OCALL's
// return value.
type AcceptMsg struct {
	Fd int32
}

type ConnectMsg struct {
	Fd        int32
	_         [4]byte
	AddrAddr  uintptr
	AddrLen   int64
}

type RecvMsg struct {
	Fd      int32
	Flags   int32
	BufAddr uintptr
	BufLen  int64
}

type SendMsg struct {
	Fd      int32
	Flags   int32
	BufAddr uintptr
	BufLen  int64
}

type SetsockoptMsg struct {
	Fd       int32
	Level    int32
	Optname  int32
	OptAddr  uintptr
	OptLen   int64
}

type ShutdownMsg struct {
	Fd  int32
	How int32
}

type GettimeMsg struct {
	Microsec int64 // out
}

type SleepMsg struct {
	RequestedUs int64
	RemainingUs int64 // out, valid when EINTR is returned
}

type PollMsg struct {
	FdsAddr   uintptr
	Nfds      int64
	TimeoutMs int64
}

type RenameMsg struct {
	OldPathAddr uintptr
	OldPathLen  int64
	NewPathAddr uintptr
	NewPathLen  int64
}

type DeleteMsg struct {
	PathAddr uintptr
	PathLen  int64
	IsDir    int32
	_        [4]byte
}

type LoadDebugMsg struct {
	PathAddr uintptr
	PathLen  int64
}

// EventfdMsg's result (the new fd, or a negated errno) is the OCALL's
// return value.
type EventfdMsg struct {
	InitVal uint32
	Flags   uint32
}

type MmapUntrustedMsg struct {
	Size int64
	Addr uintptr // out
}

type MunmapUntrustedMsg struct {
	Addr uintptr
	Size int64
}

type CpuidMsg struct {
	Leaf    uint32
	Subleaf uint32
	Eax     uint32 // out
	Ebx     uint32 // out
	Ecx     uint32 // out
	Edx     uint32 // out
}

type ExitMsg struct {
	ExitCode int32
	IsKilled int32
}

// GetAttestationMsg carries a host pointer/length for the fixed header
// and, for each of the four variable-length fields, a host pointer/length
// the worker populated. A zero Len means the field is absent.
type GetAttestationMsg struct {
	HeaderAddr    uintptr
	HeaderLen     int64
	QuoteAddr     uintptr
	QuoteLen      int64
	IASReportAddr uintptr
	IASReportLen  int64
	IASSigAddr    uintptr
	IASSigLen     int64
	IASCertsAddr  uintptr
	IASCertsLen   int64
}
