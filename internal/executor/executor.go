// Package executor is the reference untrusted-side syscall executor: the
// other half of the bridge's external contract. internal/ocall and
// internal/dispatcher assume some agent drains internal/rpcqueue (or
// answers a Backstop call directly) and eventually performs a real host
// syscall; this package is that agent, built the way
// cmd/octoreflex/main.go's event-worker pool is built — a fixed number
// of goroutines pulling work off a queue until told to stop.
//
// Execute implements backstop.Executor so the same code path serves
// both: entries pulled off the ring by Run's workers, and the
// synchronous fallback the dispatcher takes when the ring is absent or
// full.
package executor

import (
	"context"
	"encoding/binary"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/octoreflex/ocallbridge/internal/descriptor"
	"github.com/octoreflex/ocallbridge/internal/errno"
	"github.com/octoreflex/ocallbridge/internal/futexwait"
	"github.com/octoreflex/ocallbridge/internal/ocall"
	"github.com/octoreflex/ocallbridge/internal/rpcqueue"
)

// Executor drains a rpcqueue.Queue with a fixed worker pool, performing
// the real host syscall each OCALL code names and releasing the
// request descriptor's lock on completion.
type Executor struct {
	queue   *rpcqueue.Queue
	log     *zap.Logger
	workers int

	completed atomic.Uint64
	failed    atomic.Uint64

	cloneHandles atomic.Uint64 // synthetic TCS thread handles, see CloneThread
}

// New returns an Executor ready to Run against queue with the given
// worker count. queue may be nil: Run then does nothing and Execute is
// still usable directly as a backstop.Executor.
func New(queue *rpcqueue.Queue, log *zap.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = 1
	}
	return &Executor{queue: queue, log: log, workers: workers}
}

// Completed and Failed report lifetime counts of OCALLs completed from the
// queue by Run's workers (calls made through Execute directly, as a
// backstop, are not counted); the agent logs them at shutdown.
func (e *Executor) Completed() uint64 { return e.completed.Load() }
func (e *Executor) Failed() uint64    { return e.failed.Load() }

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for in-flight work to finish before returning.
func (e *Executor) Run(ctx context.Context) {
	if e.queue == nil {
		<-ctx.Done()
		return
	}
	var wg sync.WaitGroup
	wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go func(id int) {
			defer wg.Done()
			e.loop(ctx, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (e *Executor) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		desc, ok := e.queue.Dequeue()
		if !ok {
			runtime.Gosched()
			continue
		}
		e.complete(ctx, desc)
	}
}

// complete runs one descriptor to completion and wakes its caller,
// mirroring the dispatcher's own CAS-then-futex-wake convention in
// reverse: the worker is the side that must notice a parked waiter.
func (e *Executor) complete(ctx context.Context, desc *descriptor.Descriptor) {
	result := e.Execute(ctx, int32(desc.OCallIndex), desc.Buffer)
	desc.SetResult(result)
	if result < 0 {
		e.failed.Add(1)
	}
	e.completed.Add(1)
	if prev := desc.SwapState(descriptor.Unlocked); prev == descriptor.LockedWithWaiters {
		futexwait.Wake(desc.FutexAddr(), 1)
	}
}

func msgAt[T any](buf []byte) *T { return (*T)(unsafe.Pointer(&buf[0])) }

func bytesAt(addr uintptr, n int64) []byte {
	if n == 0 || addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

func negErrno(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(syscall.Errno); ok {
		return -int(e)
	}
	return int(errno.EIO)
}

// Execute is the untrusted-side handler for every OCALL code: it
// reinterprets msg as the matching message struct and performs the real
// host syscall. Scalar results with one natural slot (fd, byte count)
// ride the returned int exactly as the OCALL convention requires; other
// outputs (including Lseek's new position) are written back into msg in
// place.
func (e *Executor) Execute(ctx context.Context, code int32, msg []byte) int {
	switch ocall.Code(code) {
	case ocall.Exit:
		m := msgAt[ocall.ExitMsg](msg)
		if e.log != nil {
			e.log.Info("host exit OCALL received", zap.Int32("exit_code", m.ExitCode), zap.Bool("killed", m.IsKilled != 0))
		}
		os.Exit(int(m.ExitCode))
		panic("unreachable")

	case ocall.MmapUntrusted:
		m := msgAt[ocall.MmapUntrustedMsg](msg)
		b, err := unix.Mmap(-1, 0, int(m.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return negErrno(err)
		}
		m.Addr = uintptr(unsafe.Pointer(&b[0]))
		return 0

	case ocall.MunmapUntrusted:
		m := msgAt[ocall.MunmapUntrustedMsg](msg)
		b := unsafe.Slice((*byte)(unsafe.Pointer(m.Addr)), int(m.Size))
		if err := unix.Munmap(b); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Cpuid:
		m := msgAt[ocall.CpuidMsg](msg)
		m.Eax, m.Ebx, m.Ecx, m.Edx = cpuidRaw(m.Leaf, m.Subleaf)
		return 0

	case ocall.Open:
		m := msgAt[ocall.OpenMsg](msg)
		fd, err := unix.Open(string(bytesAt(m.PathAddr, m.PathLen)), int(m.Flags), m.Mode)
		if err != nil {
			return negErrno(err)
		}
		return fd

	case ocall.Close:
		m := msgAt[ocall.CloseMsg](msg)
		if err := unix.Close(int(m.Fd)); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Read:
		m := msgAt[ocall.ReadMsg](msg)
		n, err := unix.Read(int(m.Fd), bytesAt(m.BufAddr, m.BufLen))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.Write:
		m := msgAt[ocall.WriteMsg](msg)
		n, err := unix.Write(int(m.Fd), bytesAt(m.BufAddr, m.BufLen))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.Fstat:
		m := msgAt[ocall.FstatMsg](msg)
		var st unix.Stat_t
		if err := unix.Fstat(int(m.Fd), &st); err != nil {
			return negErrno(err)
		}
		out := msgAt[ocall.StatOut](bytesAt(m.StatAddr, int64(unsafe.Sizeof(ocall.StatOut{}))))
		out.Dev, out.Ino, out.Mode, out.Nlink = st.Dev, st.Ino, st.Mode, uint32(st.Nlink)
		out.Size = st.Size
		out.Atime, out.Mtime, out.Ctime = st.Atim.Sec, st.Mtim.Sec, st.Ctim.Sec
		return 0

	case ocall.Fionread:
		m := msgAt[ocall.FionreadMsg](msg)
		n, err := unix.IoctlGetInt(int(m.Fd), unix.FIONREAD)
		if err != nil {
			return negErrno(err)
		}
		m.Nbytes = int32(n)
		return 0

	case ocall.Fsetnonblock:
		m := msgAt[ocall.FsetnonblockMsg](msg)
		if err := unix.SetNonblock(int(m.Fd), m.Nonblock != 0); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Fchmod:
		m := msgAt[ocall.FchmodMsg](msg)
		if err := unix.Fchmod(int(m.Fd), m.Mode); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Fsync:
		m := msgAt[ocall.FsyncMsg](msg)
		if err := unix.Fsync(int(m.Fd)); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Ftruncate:
		m := msgAt[ocall.FtruncateMsg](msg)
		if err := unix.Ftruncate(int(m.Fd), m.Length); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Lseek:
		m := msgAt[ocall.LseekMsg](msg)
		off, err := unix.Seek(int(m.Fd), m.Offset, int(m.Whence))
		if err != nil {
			return negErrno(err)
		}
		m.NewPos = off
		return 0

	case ocall.Mkdir:
		m := msgAt[ocall.MkdirMsg](msg)
		if err := unix.Mkdir(string(bytesAt(m.PathAddr, m.PathLen)), m.Mode); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Getdents:
		m := msgAt[ocall.GetdentsMsg](msg)
		n, err := unix.Getdents(int(m.Fd), bytesAt(m.BufAddr, m.BufLen))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.ResumeThread:
		// No real TCS to resume outside a genuine enclave runtime;
		// acknowledging the request is the whole of this reference
		// executor's obligation.
		return 0

	case ocall.CloneThread:
		m := msgAt[ocall.CloneThreadMsg](msg)
		m.NewTidHandle = uintptr(e.cloneHandles.Add(1))
		return 0

	case ocall.CreateProcess:
		m := msgAt[ocall.CreateProcessMsg](msg)
		argv := splitNulSeparated(bytesAt(m.ArgsAddr, m.ArgsLen))
		if len(argv) == 0 {
			return int(errno.EINVAL)
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		if err := cmd.Start(); err != nil {
			return negErrno(err)
		}
		m.Pid = int32(cmd.Process.Pid)
		return 0

	case ocall.Futex:
		m := msgAt[ocall.FutexMsg](msg)
		word := (*atomic.Int32)(unsafe.Pointer(m.Addr))
		switch m.Op {
		case 0: // wait
			if err := futexwait.Wait(word, m.Val); err != nil {
				return negErrno(err)
			}
			return 0
		case 1: // wake
			return futexwait.Wake(word, int(m.Val))
		default:
			return int(errno.EINVAL)
		}

	case ocall.Socketpair:
		m := msgAt[ocall.SocketpairMsg](msg)
		fds, err := unix.Socketpair(int(m.Domain), int(m.Type), int(m.Proto))
		if err != nil {
			return negErrno(err)
		}
		m.Fd0, m.Fd1 = int32(fds[0]), int32(fds[1])
		return 0

	case ocall.Listen:
		m := msgAt[ocall.ListenMsg](msg)
		if err := unix.Listen(int(m.Fd), int(m.Backlog)); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Accept:
		m := msgAt[ocall.AcceptMsg](msg)
		nfd, _, err := unix.Accept4(int(m.Fd), 0)
		if err != nil {
			return negErrno(err)
		}
		return nfd

	case ocall.Connect:
		m := msgAt[ocall.ConnectMsg](msg)
		sa, err := parseSockaddr(bytesAt(m.AddrAddr, m.AddrLen))
		if err != nil {
			return negErrno(err)
		}
		if err := unix.Connect(int(m.Fd), sa); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Recv:
		m := msgAt[ocall.RecvMsg](msg)
		n, _, err := unix.Recvfrom(int(m.Fd), bytesAt(m.BufAddr, m.BufLen), int(m.Flags))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.Send:
		// Flags are accepted for wire compatibility but not forwarded:
		// the host fd is always connected by the time Send is issued,
		// so a plain Write is equivalent to Send with no out-of-band data.
		m := msgAt[ocall.SendMsg](msg)
		n, err := unix.Write(int(m.Fd), bytesAt(m.BufAddr, m.BufLen))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.Setsockopt:
		m := msgAt[ocall.SetsockoptMsg](msg)
		opt := bytesAt(m.OptAddr, m.OptLen)
		if len(opt) < 4 {
			return int(errno.EINVAL)
		}
		val := int(binary.LittleEndian.Uint32(opt[:4]))
		if err := unix.SetsockoptInt(int(m.Fd), int(m.Level), int(m.Optname), val); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Shutdown:
		m := msgAt[ocall.ShutdownMsg](msg)
		if err := unix.Shutdown(int(m.Fd), int(m.How)); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Gettime:
		m := msgAt[ocall.GettimeMsg](msg)
		var tv unix.Timeval
		if err := unix.Gettimeofday(&tv); err != nil {
			return negErrno(err)
		}
		m.Microsec = tv.Sec*1_000_000 + int64(tv.Usec)
		return 0

	case ocall.Sleep:
		m := msgAt[ocall.SleepMsg](msg)
		req := unix.NsecToTimespec(m.RequestedUs * 1000)
		var rem unix.Timespec
		if err := unix.Nanosleep(&req, &rem); err != nil {
			m.RemainingUs = rem.Sec*1_000_000 + rem.Nsec/1000
			return negErrno(err)
		}
		return 0

	case ocall.Poll:
		m := msgAt[ocall.PollMsg](msg)
		fds := unsafe.Slice((*unix.PollFd)(unsafe.Pointer(m.FdsAddr)), int(m.Nfds))
		n, err := unix.Poll(fds, int(m.TimeoutMs))
		if err != nil {
			return negErrno(err)
		}
		return n

	case ocall.Rename:
		m := msgAt[ocall.RenameMsg](msg)
		oldPath := string(bytesAt(m.OldPathAddr, m.OldPathLen))
		newPath := string(bytesAt(m.NewPathAddr, m.NewPathLen))
		if err := unix.Rename(oldPath, newPath); err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.Delete:
		m := msgAt[ocall.DeleteMsg](msg)
		path := string(bytesAt(m.PathAddr, m.PathLen))
		var err error
		if m.IsDir != 0 {
			err = unix.Rmdir(path)
		} else {
			err = unix.Unlink(path)
		}
		if err != nil {
			return negErrno(err)
		}
		return 0

	case ocall.LoadDebug:
		m := msgAt[ocall.LoadDebugMsg](msg)
		if e.log != nil {
			e.log.Debug("debug symbol load notification", zap.String("path", string(bytesAt(m.PathAddr, m.PathLen))))
		}
		return 0

	case ocall.GetAttestation:
		// Producing a real quote/IAS report is outside what a reference
		// executor can fake meaningfully; callers exercising attestation
		// end to end supply their own Executor.
		return int(errno.EINVAL)

	case ocall.Eventfd:
		m := msgAt[ocall.EventfdMsg](msg)
		fd, err := unix.Eventfd(uint(m.InitVal), int(m.Flags))
		if err != nil {
			return negErrno(err)
		}
		return fd

	default:
		return int(errno.EINVAL)
	}
}

func splitNulSeparated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, string(buf[start:]))
	}
	return out
}

func parseSockaddr(buf []byte) (unix.Sockaddr, error) {
	if len(buf) < 2 {
		return nil, unix.EINVAL
	}
	family := binary.LittleEndian.Uint16(buf[0:2])
	switch family {
	case unix.AF_INET:
		if len(buf) < 8 {
			return nil, unix.EINVAL
		}
		port := binary.BigEndian.Uint16(buf[2:4])
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], buf[4:8])
		return sa, nil
	case unix.AF_INET6:
		if len(buf) < 24 {
			return nil, unix.EINVAL
		}
		port := binary.BigEndian.Uint16(buf[2:4])
		sa := &unix.SockaddrInet6{Port: int(port)}
		copy(sa.Addr[:], buf[8:24])
		return sa, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}
