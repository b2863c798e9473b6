// server.go wires httpparse, socket.Adapter, and the frame codec into
// the WebSocketServer state machine of spec.md §4.6: one Connection
// per accepted fd, driven entirely by the reactor thread that owns
// its socket.Adapter.
//
// Grounded on the teacher's protocol/connection.go for the overall
// shape of a per-connection object owning inbound/outbound framing and
// control-frame handling, rewired from channel-based inbox/outbox
// goroutines onto the reactor's single-threaded callback model.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/solstice-io/reactorws/clock"
	"github.com/solstice-io/reactorws/httpparse"
	"github.com/solstice-io/reactorws/internal/logx"
	"github.com/solstice-io/reactorws/reactor"
	"github.com/solstice-io/reactorws/socket"
	"github.com/solstice-io/reactorws/timer"
)

// State is the WebSocketServer connection-level state machine (spec.md
// §4.6's state diagram).
type State int

const (
	ExpectingHandshake State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case ExpectingHandshake:
		return "expecting_handshake"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by SendText/SendBinary/CleanClose when the
// connection is not in the Open state.
var ErrNotOpen = errors.New("wsproto: connection is not open")

// Handlers are the callbacks a Connection's owner supplies. All run on
// the reactor's own goroutine.
type Handlers struct {
	OnOpen   func()
	OnText   func(message string)
	OnBinary func(message []byte)
	// OnClose fires exactly once, with the recorded close code/reason.
	// err is the error the socket adapter closed with (a read failure or
	// peer reset it observed itself) and is nil for clean closes. Closes
	// this Connection starts on its own, including those after a
	// protocol violation or a failed write, also report err=nil; a
	// protocol violation shows only in the close code.
	OnClose func(code CloseCode, reason string, err error)
}

// Options configures a Connection.
type Options struct {
	MaxFramePayload int64
	MaxMessageSize  int64
	// CloseTimeout bounds how long CLOSING waits for the peer's Close
	// echo before the socket is forced shut (supplemented default: 5s,
	// spec.md is silent on an exact value).
	CloseTimeout clock.Duration
	SocketOptions socket.Options
	Logger        logx.Logger
}

// DefaultOptions returns the module's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxFramePayload: DefaultMaxFramePayload,
		MaxMessageSize:  DefaultMaxMessageSize,
		CloseTimeout:    5 * clock.Second,
		SocketOptions:   socket.DefaultOptions(),
		Logger:          logx.NopLogger(),
	}
}

// Connection is one accepted WebSocket connection: an
// EXPECTING_HANDSHAKE -> OPEN -> CLOSING -> CLOSED state machine
// layered on a socket.Adapter.
type Connection struct {
	r    *reactor.Reactor
	sock *socket.Adapter
	h    Handlers
	opts Options

	state  State
	hsBuf  *httpparse.Parser
	dec    *frameDecoder

	fragmented       bool
	reassemblyOpcode Opcode
	reassembly       []byte

	closeTimer timer.Handle
	haveTimer  bool

	closeCode   CloseCode
	closeReason string
}

// Accept wraps fd (already non-blocking) as a new Connection,
// registering it with r and beginning handshake parsing on its first
// bytes.
func Accept(r *reactor.Reactor, fd int, h Handlers, opts Options) (*Connection, error) {
	if opts.MaxFramePayload <= 0 {
		opts = DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = logx.NopLogger()
	}

	c := &Connection{
		r:     r,
		h:     h,
		opts:  opts,
		state: ExpectingHandshake,
		hsBuf: httpparse.New(),
	}

	sock, err := socket.New(r, fd, socket.Handlers{
		OnData:  c.onData,
		OnClose: c.onSocketClose,
	}, opts.SocketOptions)
	if err != nil {
		return nil, err
	}
	c.sock = sock
	return c, nil
}

func (c *Connection) onData(data []byte) {
	switch c.state {
	case ExpectingHandshake:
		c.handleHandshakeBytes(data)
	case Open, Closing:
		c.processFrames(data)
	default:
		// Closed: drop; the socket is being torn down already.
	}
}

func (c *Connection) handleHandshakeBytes(data []byte) {
	req, rest, ok, err := c.hsBuf.Feed(data)
	if err != nil {
		c.rejectHandshake(err)
		return
	}
	if !ok {
		return
	}

	acceptToken, verr := ValidateHandshake(req)
	if verr != nil {
		c.rejectHandshake(verr)
		return
	}

	if _, err := c.sock.WriteBytes(BuildHandshakeResponse(acceptToken)); err != nil {
		c.failAbnormally(err)
		return
	}

	c.state = Open
	c.dec = newFrameDecoder(c.opts.MaxFramePayload)
	if c.h.OnOpen != nil {
		c.h.OnOpen()
	}
	if len(rest) > 0 {
		c.processFrames(rest)
	}
}

func (c *Connection) rejectHandshake(cause error) {
	_, _ = c.sock.WriteBytes(BuildRejectionResponse(cause.Error()))
	c.sock.Shutdown()
	c.state = Closed
}

func (c *Connection) processFrames(data []byte) {
	c.dec.feed(data)
	for {
		frame, ok, err := c.dec.next()
		if err != nil {
			c.protocolErrorClose(err)
			return
		}
		if !ok {
			return
		}
		c.dispatch(frame)
		if c.state == Closed {
			return
		}
	}
}

func (c *Connection) dispatch(frame *Frame) {
	if frame.Opcode.IsControl() {
		c.handleControl(frame)
		return
	}
	c.handleData(frame)
}

func (c *Connection) handleData(frame *Frame) {
	if !c.fragmented {
		if frame.Opcode == OpcodeContinuation {
			c.protocolErrorClose(fmt.Errorf("%w: continuation with no preceding fragment", ErrProtocolError))
			return
		}
		if frame.Fin {
			c.deliver(frame.Opcode, frame.Payload)
			return
		}
		c.fragmented = true
		c.reassemblyOpcode = frame.Opcode
		c.reassembly = append([]byte(nil), frame.Payload...)
		if int64(len(c.reassembly)) > c.opts.MaxMessageSize {
			c.closeWithCode(CloseMessageTooBig, "message too large")
		}
		return
	}

	if frame.Opcode != OpcodeContinuation {
		c.protocolErrorClose(fmt.Errorf("%w: expected continuation frame", ErrProtocolError))
		return
	}
	c.reassembly = append(c.reassembly, frame.Payload...)
	if int64(len(c.reassembly)) > c.opts.MaxMessageSize {
		c.closeWithCode(CloseMessageTooBig, "message too large")
		return
	}
	if frame.Fin {
		opcode := c.reassemblyOpcode
		payload := c.reassembly
		c.fragmented = false
		c.reassembly = nil
		c.deliver(opcode, payload)
	}
}

func (c *Connection) deliver(opcode Opcode, payload []byte) {
	switch opcode {
	case OpcodeText:
		if !utf8.Valid(payload) {
			c.closeWithCode(CloseInvalidPayloadData, "invalid UTF-8")
			return
		}
		if c.h.OnText != nil {
			c.h.OnText(string(payload))
		}
	case OpcodeBinary:
		if c.h.OnBinary != nil {
			c.h.OnBinary(payload)
		}
	default:
		c.protocolErrorClose(fmt.Errorf("%w: unexpected data opcode %#x", ErrProtocolError, byte(opcode)))
	}
}

func (c *Connection) handleControl(frame *Frame) {
	switch frame.Opcode {
	case OpcodeClose:
		c.handlePeerClose(frame)
	case OpcodePing:
		if _, err := c.sock.WriteBytes(EncodeFrame(OpcodePong, frame.Payload, true)); err != nil {
			c.failAbnormally(err)
		}
	case OpcodePong:
		// Ignored.
	default:
		c.protocolErrorClose(fmt.Errorf("%w: unknown control opcode %#x", ErrProtocolError, byte(frame.Opcode)))
	}
}

func (c *Connection) handlePeerClose(frame *Frame) {
	code := CloseNoStatusRcvd
	reason := ""
	if len(frame.Payload) >= 2 {
		code = CloseCode(binary.BigEndian.Uint16(frame.Payload[:2]))
		reason = string(frame.Payload[2:])
	}

	c.closeCode = code
	c.closeReason = reason

	switch c.state {
	case Open:
		// Echo the close frame, then let the flush-driven Shutdown
		// close the socket once it drains.
		_, _ = c.sock.WriteBytes(EncodeFrame(OpcodeClose, frame.Payload, true))
		c.state = Closing
		c.sock.Shutdown()
	case Closing:
		// Peer's echo of a close we initiated: shut the socket down
		// now rather than waiting out the close timeout.
		if c.haveTimer {
			c.closeTimer.Cancel()
			c.haveTimer = false
		}
		c.sock.Shutdown()
	}
}

// SendText emits a single unfragmented text frame.
func (c *Connection) SendText(message string) error {
	if c.state != Open {
		return ErrNotOpen
	}
	_, err := c.sock.WriteBytes(EncodeFrame(OpcodeText, []byte(message), true))
	return err
}

// SendBinary emits a single unfragmented binary frame.
func (c *Connection) SendBinary(message []byte) error {
	if c.state != Open {
		return ErrNotOpen
	}
	_, err := c.sock.WriteBytes(EncodeFrame(OpcodeBinary, message, true))
	return err
}

// CleanClose initiates a graceful close: sends a Close frame carrying
// code/reason, transitions to CLOSING, and arms a timeout after which
// the socket is force-closed if the peer never echoes its own Close.
func (c *Connection) CleanClose(code CloseCode, reason string) error {
	if c.state != Open {
		return ErrNotOpen
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)

	if _, err := c.sock.WriteBytes(EncodeFrame(OpcodeClose, payload, true)); err != nil {
		return err
	}
	c.state = Closing
	c.closeCode = code
	c.closeReason = reason
	c.armCloseTimeout()
	return nil
}

func (c *Connection) armCloseTimeout() {
	c.closeTimer = c.r.ScheduleRelative(c.opts.CloseTimeout, 0, false, c.onCloseTimeout)
	c.haveTimer = true
}

func (c *Connection) onCloseTimeout(now clock.Instant) {
	c.haveTimer = false
	if c.state == Closing {
		c.sock.Close()
	}
}

func (c *Connection) closeWithCode(code CloseCode, reason string) {
	if c.state != Open {
		c.sock.Close()
		return
	}
	_ = c.CleanClose(code, reason)
}

func (c *Connection) protocolErrorClose(cause error) {
	if c.opts.Logger.Enabled(logx.Warn) {
		c.opts.Logger.Log(logx.Entry{Level: logx.Warn, Component: "wsproto", Message: "protocol error", Err: cause})
	}
	c.closeWithCode(CloseProtocolError, cause.Error())
}

func (c *Connection) failAbnormally(cause error) {
	if c.opts.Logger.Enabled(logx.Error) {
		c.opts.Logger.Log(logx.Entry{Level: logx.Error, Component: "wsproto", Message: "abnormal close", Err: cause})
	}
	c.sock.Close()
}

func (c *Connection) onSocketClose(err error) {
	if c.haveTimer {
		c.closeTimer.Cancel()
		c.haveTimer = false
	}
	c.state = Closed
	code := c.closeCode
	if code == 0 {
		code = CloseNoStatusRcvd
	}
	if c.h.OnClose != nil {
		c.h.OnClose(code, c.closeReason, err)
	}
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }
