// Package socket adapts a single non-blocking TCP file descriptor onto
// a Reactor: buffered, backpressure-aware writes and readiness-driven
// (level-triggered) reads, per spec.md §4.4.
//
// Grounded on the teacher's examples/reactor_echo/main.go +
// socket_unix.go (the register/read/write/close loop around a raw fd)
// and transport/tcp/listener.go (socket option tuning), generalized
// from a single fixed read buffer and direct write into a state
// machine with an output deque and a one-shot writable-notify hook.
package socket

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/solstice-io/reactorws/internal/logx"
	"github.com/solstice-io/reactorws/reactor"
)

// inputBufferSize is the fixed scratch buffer used for each read(2)
// call (spec.md §4.4, default 65536 bytes).
const inputBufferSize = 65536

// State is the adapter's lifecycle state machine.
type State int

const (
	Open State = iota
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by operations attempted after the adapter has
// closed.
var ErrClosed = errors.New("socket: closed")

// Handlers are the callbacks an owner supplies to observe adapter
// events. All are invoked on the reactor's own goroutine.
type Handlers struct {
	// OnData is called with bytes read from the socket. The slice is
	// only valid for the duration of the call.
	OnData func(data []byte)
	// OnClose is called exactly once when the adapter transitions to
	// Closed, whatever the cause (peer EOF, write error, explicit
	// Close). err is nil for a clean peer-initiated close.
	OnClose func(err error)
}

// Adapter wraps one non-blocking socket fd registered with a Reactor.
// Reads are dispatched to Handlers.OnData; writes are queued and
// drained as the fd reports writable, applying backpressure rather
// than growing the output buffer unbounded only at the caller's
// discretion (WriteBytes returns the pending byte count so callers can
// throttle themselves).
type Adapter struct {
	r    *reactor.Reactor
	fd   int
	h    Handlers
	log  logx.Logger

	mu          sync.Mutex
	state       State
	out         [][]byte
	outLen      int
	writeCap    int
	notifyWrite WritableProducer
}

// WritableProducer is a one-shot callback installed via
// NotifyWhenWritable. It runs on the next WRITABLE edge, before the
// output buffer drains, so it may itself call WriteBytes and have
// those bytes piggyback on the same send-edge (spec.md §9
// "Writable-callback ordering"). Returning true keeps it armed for the
// following WRITABLE edge; false consumes it.
type WritableProducer func() bool

// Options configures socket tuning knobs applied at New.
type Options struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY). Default true.
	NoDelay bool
	// NotSentLowAt sets TCP_NOTSENT_LOWAT so the fd reports writable
	// only once the kernel's unsent buffer drains below this many
	// bytes, reducing wasted wake-ups under backpressure. 0 disables
	// it (Linux-only option).
	NotSentLowAt int
	// WriteCap bounds how many bytes are written to the fd per
	// writable dispatch, so one very writable connection cannot starve
	// others registered on the same reactor cycle. Default 2048
	// (spec.md §3/§6 "per-cycle-write-cap").
	WriteCap int
	// Logger receives diagnostics. Defaults to a no-op.
	Logger logx.Logger
}

// DefaultOptions returns the spec's documented socket tuning defaults.
func DefaultOptions() Options {
	return Options{
		NoDelay:      true,
		NotSentLowAt: 4096,
		WriteCap:     2048,
		Logger:       logx.NopLogger(),
	}
}

// New wraps fd (already non-blocking) and registers it with r for
// readability. The caller retains ownership of fd's lifetime in the
// sense that Adapter will close it, but must not otherwise touch it.
func New(r *reactor.Reactor, fd int, h Handlers, opts Options) (*Adapter, error) {
	if opts.WriteCap <= 0 {
		opts.WriteCap = 2048
	}
	if opts.Logger == nil {
		opts.Logger = logx.NopLogger()
	}

	if opts.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if opts.NotSentLowAt > 0 {
		_ = setNotSentLowAt(fd, opts.NotSentLowAt)
	}
	_ = unix.SetNonblock(fd, true)

	a := &Adapter{
		r:        r,
		fd:       fd,
		h:        h,
		log:      opts.Logger,
		state:    Open,
		writeCap: opts.WriteCap,
	}

	if err := r.RegisterDescriptor(fd, reactor.Readable|reactor.Exception, a.onReady); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return a, nil
}

func (a *Adapter) onReady(fd int, ready reactor.Condition) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state == Closed {
		return
	}

	if ready&reactor.Exception != 0 {
		a.fail(io.ErrClosedPipe)
		return
	}
	if ready&reactor.Readable != 0 {
		a.handleReadable()
	}
	if ready&reactor.Writable != 0 {
		a.handleWritable()
	}
}

// handleReadable performs exactly one read(2) per READABLE dispatch
// (spec.md §4.4: "Do not try a second read in the same cycle — this
// preserves fairness across connections"). Any remaining bytes are
// picked up on the next readiness edge.
func (a *Adapter) handleReadable() {
	var buf [inputBufferSize]byte
	n, err := unix.Read(a.fd, buf[:])
	if n > 0 && a.h.OnData != nil {
		a.h.OnData(buf[:n])
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		a.fail(err)
		return
	}
	if n == 0 {
		a.fail(nil) // peer EOF, clean close
	}
}

// WriteBytes queues data for sending, draining as much as possible
// immediately. Returns the number of bytes still buffered after the
// call, for the caller to use as a backpressure signal. Safe to call
// only from the reactor's own goroutine.
func (a *Adapter) WriteBytes(data []byte) (pending int, err error) {
	a.mu.Lock()
	if a.state == Closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	if len(data) > 0 {
		buf := make([]byte, len(data))
		copy(buf, data)
		a.out = append(a.out, buf)
		a.outLen += len(buf)
	}
	a.mu.Unlock()

	a.drain()

	a.mu.Lock()
	pending = a.outLen
	a.mu.Unlock()
	return pending, nil
}

// NotifyWhenWritable installs fn as the pending writable producer,
// replacing any previous one, and ensures WRITABLE is registered so it
// runs on the next writable edge (spec.md §4.4: the fd is registered
// for WRITABLE iff the output buffer is non-empty or a producer is
// pending).
func (a *Adapter) NotifyWhenWritable(fn WritableProducer) {
	a.mu.Lock()
	if a.state == Closed {
		a.mu.Unlock()
		return
	}
	a.notifyWrite = fn
	a.mu.Unlock()

	_ = a.r.RegisterDescriptor(a.fd, reactor.Writable, a.onReady)
}

// handleWritable runs the pending writable producer, if any, before
// draining the output buffer (spec.md §4.4 "Write edge" / §9
// "Writable-callback ordering": the producer may append bytes that
// piggyback on this same send-edge).
func (a *Adapter) handleWritable() {
	a.mu.Lock()
	producer := a.notifyWrite
	a.mu.Unlock()

	if producer != nil {
		keep := producer()
		a.mu.Lock()
		if !keep {
			a.notifyWrite = nil
		}
		a.mu.Unlock()
	}

	a.drain()
}

// drain pushes queued output to the fd, writing at most writeCap
// bytes this call, then updates the fd's write-readiness registration
// per the invariant that WRITABLE stays registered while the output
// buffer is non-empty or a writable producer is pending.
func (a *Adapter) drain() {
	a.mu.Lock()
	if a.state == Closed {
		a.mu.Unlock()
		return
	}
	written := 0
	for len(a.out) > 0 && written < a.writeCap {
		chunk := a.out[0]
		toWrite := chunk
		if room := a.writeCap - written; len(toWrite) > room {
			toWrite = toWrite[:room]
		}
		n, err := unix.Write(a.fd, toWrite)
		if n > 0 {
			written += n
			a.outLen -= n
			if n == len(chunk) {
				a.out = a.out[1:]
			} else {
				a.out[0] = chunk[n:]
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			a.mu.Unlock()
			a.fail(err)
			return
		}
		if n == 0 {
			break
		}
	}

	remaining := len(a.out) > 0
	pending := a.notifyWrite != nil
	shuttingDown := a.state == ShuttingDown
	a.mu.Unlock()

	if remaining || pending {
		_ = a.r.RegisterDescriptor(a.fd, reactor.Writable, a.onReady)
	} else {
		_ = a.r.UnregisterDescriptor(a.fd, reactor.Writable)
		if shuttingDown {
			a.teardown(nil)
		}
	}
}

// Shutdown flushes whatever is queued and then closes: unlike Close it
// does not discard buffered output. WriteBytes calls made while the
// flush is still in progress are queued and flushed too; once the
// buffer is empty the adapter closes and later writes get ErrClosed.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	if a.state != Open {
		a.mu.Unlock()
		return
	}
	a.state = ShuttingDown
	empty := a.outLen == 0
	a.mu.Unlock()

	if empty {
		a.teardown(nil)
	}
}

func (a *Adapter) fail(cause error) {
	a.teardown(cause)
}

func (a *Adapter) teardown(cause error) {
	a.mu.Lock()
	if a.state == Closed {
		a.mu.Unlock()
		return
	}
	a.state = Closed
	a.out = nil
	a.outLen = 0
	a.mu.Unlock()

	_ = a.r.UnregisterDescriptor(a.fd, 0)
	_ = unix.Close(a.fd)

	if a.log.Enabled(logx.Debug) {
		a.log.Log(logx.Entry{Level: logx.Debug, Component: "socket", Message: "closed", Err: cause})
	}
	if a.h.OnClose != nil {
		a.h.OnClose(cause)
	}
}

// Close discards any buffered output and closes the fd immediately.
func (a *Adapter) Close() {
	a.teardown(nil)
}

// State reports the adapter's current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending reports the number of bytes currently buffered for write.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outLen
}

// FD returns the underlying file descriptor. Exposed for owners (e.g.
// package protocol) that need it for diagnostics only; callers must not perform
// I/O on it directly.
func (a *Adapter) FD() int { return a.fd }
