// Package asyncsocket is the transport layer beneath a session-oriented
// binary protocol: a per-connection I/O wrapper (Connection) and an
// accepting server (Listener) that keeps a registry of live connections.
//
// Reads are driven by one goroutine per connection which hands every
// completed read to a MessageHandler before issuing the next one. Writes are
// fire-and-forget: Send queues the bytes and a writer goroutine puts them on
// the wire in call order. Bytes are never interpreted; framing belongs to
// the MessageHandler, which can use Scratch to reassemble messages across
// reads.
package asyncsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-asyncsocket/idgenerator"
	"github.com/cyberinferno/go-asyncsocket/logger"
	"github.com/cyberinferno/go-asyncsocket/resolver"
	"github.com/cyberinferno/go-asyncsocket/utils"
)

// session is one live socket of a Connection together with the goroutines
// serving it. A Connection has at most one session at a time.
type session struct {
	conn    net.Conn
	raw     []byte
	reading atomic.Bool
	writes  *writeQueue
	stop    chan struct{}
}

func newSession(conn net.Conn, bufferSize, maxPendingWrites int) *session {
	return &session{
		conn:   conn,
		raw:    make([]byte, bufferSize),
		writes: newWriteQueue(maxPendingWrites),
		stop:   make(chan struct{}),
	}
}

// Connection wraps one TCP socket, either dialed with Connect (client role)
// or accepted by a Listener (server role). Its handlers run on the
// connection's own goroutines, never on the caller's.
type Connection struct {
	key              uint64
	bufferSize       int
	dialTimeout      time.Duration
	writeTimeout     time.Duration
	maxPendingWrites int
	handlers         Handlers
	logger           logger.Logger
	resolver         *resolver.Resolver
	scratch          *Scratch

	mu          sync.Mutex
	session     *session
	registry    *Registry
	index       int
	peerAddress string
	peerPort    int

	// handlerMu serializes message handlers across sessions: a read loop
	// left over from a torn-down session may still be inside its handler
	// when Connect starts the next one. data is only touched under it.
	handlerMu sync.Mutex
	data      []byte
	disposed  atomic.Bool
}

// NewConnection creates a client-role Connection. No socket is opened until
// Connect is called.
//
// Parameters:
//   - cfg: Buffer sizes, dial timeout, logger and resolver
//   - h: Handlers invoked for this connection's whole life
//
// Returns:
//   - A new, unconnected *Connection with a fresh unique key
func NewConnection(cfg ConnectionConfig, h Handlers) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		key:              idgenerator.Next(),
		bufferSize:       cfg.BufferSize,
		dialTimeout:      cfg.DialTimeout,
		writeTimeout:     cfg.WriteTimeout,
		maxPendingWrites: cfg.MaxPendingWrites,
		handlers:         h,
		logger:           cfg.Logger,
		resolver:         cfg.Resolver,
		scratch:          newScratch(cfg.UserBufferSize),
		index:            -1,
	}
}

// newServerConnection wraps a socket accepted by a Listener. The socket is
// tuned and its writer started; the caller registers the Connection and
// then calls Receive.
func newServerConnection(reg *Registry, conn net.Conn, cfg ConnectionConfig, h Handlers) (*Connection, error) {
	cfg = cfg.withDefaults()

	if err := tune(conn, cfg.BufferSize); err != nil {
		return nil, fmt.Errorf("tune accepted socket: %w", err)
	}

	index, err := socketHandle(conn)
	if err != nil {
		return nil, fmt.Errorf("socket handle: %w", err)
	}

	c := &Connection{
		key:              idgenerator.Next(),
		bufferSize:       cfg.BufferSize,
		dialTimeout:      cfg.DialTimeout,
		writeTimeout:     cfg.WriteTimeout,
		maxPendingWrites: cfg.MaxPendingWrites,
		handlers:         h,
		logger:           cfg.Logger,
		resolver:         cfg.Resolver,
		scratch:          newScratch(cfg.UserBufferSize),
		registry:         reg,
		index:            index,
	}

	c.peerAddress, c.peerPort = peerOf(conn)
	s := newSession(conn, c.bufferSize, c.maxPendingWrites)
	c.session = s
	go c.writeLoop(s)

	return c, nil
}

// Key returns the process-unique key assigned at construction.
func (c *Connection) Key() uint64 {
	return c.key
}

// Index returns the numeric socket index used as the registry key, or -1
// for a connection that never had a socket.
func (c *Connection) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// PeerAddress returns the remote IP address, or "" before Connect.
func (c *Connection) PeerAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddress
}

// PeerPort returns the remote port, or 0 before Connect.
func (c *Connection) PeerPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPort
}

// DisplayAddress returns the peer address in its fixed-width display form.
func (c *Connection) DisplayAddress() string {
	return utils.FixedWidthString(c.PeerAddress(), displayAddressWidth)
}

// Scratch returns the consumer-owned reassembly buffers.
func (c *Connection) Scratch() *Scratch {
	return c.scratch
}

// Data returns the bytes delivered by the read currently being handled.
// It is only meaningful inside a MessageHandler; the slice is reused by the
// next read.
func (c *Connection) Data() []byte {
	return c.data
}

// BytesRead returns len(Data()).
func (c *Connection) BytesRead() int {
	return len(c.data)
}

// Disposed reports whether Dispose has been called.
func (c *Connection) Disposed() bool {
	return c.disposed.Load()
}

// Connected reports whether the underlying socket is connected right now.
// The answer comes from the operating system rather than a cached flag.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return false
	}

	return socketAlive(s.conn)
}

// String implements fmt.Stringer.
func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("conn#%d[%d] %s", c.key, c.index, net.JoinHostPort(c.peerAddress, strconv.Itoa(c.peerPort)))
}

func (c *Connection) log() logger.Logger {
	c.mu.Lock()
	peer := ""
	if c.peerAddress != "" {
		peer = net.JoinHostPort(c.peerAddress, strconv.Itoa(c.peerPort))
	}
	fields := logger.ConnectionFields(c.key, c.index, peer)
	c.mu.Unlock()

	return c.logger.With(fields...)
}

// Connect dials address:port and starts the read loop. The address may be a
// host name; an IPv4 result is preferred. Calling Connect on a connected
// Connection is a no-op.
//
// Parameters:
//   - ctx: Bounds name resolution and the TCP handshake
//   - address: Host name or literal IP of the peer
//   - port: TCP port of the peer
//
// Returns:
//   - ErrDisposed after Dispose, an error wrapping ErrConnectFailed if the
//     handshake fails, or nil
func (c *Connection) Connect(ctx context.Context, address string, port int) error {
	if c.disposed.Load() {
		return ErrDisposed
	}

	c.mu.Lock()
	connected := c.session != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	target := c.resolver.JoinHostPort(ctx, address, port)
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, err)
	}

	if err := tune(conn, c.bufferSize); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s: tune socket: %w", ErrConnectFailed, target, err)
	}

	index, err := socketHandle(conn)
	if err != nil {
		index = -1
	}

	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisposed
	}

	if c.session != nil {
		// a concurrent Connect won
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	s := newSession(conn, c.bufferSize, c.maxPendingWrites)
	c.session = s
	c.index = index
	c.peerAddress, c.peerPort = peerOf(conn)
	c.mu.Unlock()

	go c.writeLoop(s)
	c.log().Debug("connected")

	return c.Receive()
}

// Receive issues the read loop for the current socket. At most one read is
// ever in flight per Connection; the next one is issued only after the
// MessageHandler for the previous one has returned.
//
// Returns:
//   - ErrNotReadable if there is no live socket, ErrReadPending if the read
//     loop is already running, or nil
func (c *Connection) Receive() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return ErrNotReadable
	}

	if !s.reading.CompareAndSwap(false, true) {
		return ErrReadPending
	}

	go c.readLoop(s)
	return nil
}

// current reports whether s is still the live session.
func (c *Connection) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

func (c *Connection) readLoop(s *session) {
	for {
		n, err := s.conn.Read(s.raw)

		if !c.current(s) {
			// torn down while the read was in flight; teardown already
			// ran and fired the close handler
			return
		}

		if n > 0 && !c.deliver(s, s.raw[:n]) {
			return
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}

			c.teardown(s, err)
			return
		}

		if n == 0 {
			c.teardown(s, nil)
			return
		}
	}
}

// deliver runs the message handler for data read on session s. It reports
// false, without calling the handler, when s was torn down while waiting
// for a previous session's handler to return.
func (c *Connection) deliver(s *session, data []byte) bool {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	if !c.current(s) {
		return false
	}

	c.data = data
	if herr := c.handlers.message(c); herr != nil {
		// swallowed so the loop always issues the next read
		c.log().Error("message handler failed", logger.ErrorField(herr))
	}
	c.data = nil

	return true
}

func (c *Connection) writeLoop(s *session) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.writes.signal:
		}

		for {
			b, ok := s.writes.pop()
			if !ok {
				break
			}

			if err := s.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.discard(err, "set write deadline")
			}

			if _, err := s.conn.Write(b); err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					// the peer stopped reading
					c.teardown(s, fmt.Errorf("%w: %w", ErrWriteTimeout, err))
					return
				}

				// best-effort send; a dead socket is noticed by the read loop
				c.discard(err, "write completion")
			}
		}
	}
}

// Send queues data for writing and returns without waiting for the write.
// Write failures are not reported back; the read side notices a dead socket.
// When there is no live socket the Connection is torn down and
// ErrNotWritable is returned. A peer that stops reading is dropped once
// MaxPendingWrites writes are queued or a write exceeds WriteTimeout.
//
// Parameters:
//   - data: The bytes to send; Send keeps its own copy
//
// Returns:
//   - ErrNotWritable if the stream is not writable, ErrWriteQueueFull if
//     the write queue overflowed, otherwise nil
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		c.Disconnect()
		return ErrNotWritable
	}

	switch err := s.writes.push(utils.CloneBytes(data)); {
	case err == nil:
		return nil
	case errors.Is(err, ErrWriteQueueFull):
		c.teardown(s, err)
		return err
	default:
		c.teardown(s, nil)
		return ErrNotWritable
	}
}

// SendString sends the bytes of text.
func (c *Connection) SendString(text string) error {
	return c.Send([]byte(text))
}

// SendByte sends a single byte.
func (c *Connection) SendByte(b byte) error {
	return c.Send([]byte{b})
}

// PendingWrites returns the number of queued writes not yet handed to the
// socket.
func (c *Connection) PendingWrites() int {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return 0
	}

	return s.writes.len()
}

// Disconnect tears the connection down: it leaves the Listener's registry,
// closes the socket and fires the close handler. It is idempotent and never
// fails; teardown faults go to the error handler.
func (c *Connection) Disconnect() {
	c.teardown(nil, nil)
}

// Dispose disconnects and marks the Connection unusable. Only the first call
// has an effect. Disposing a Connection that never connected fires no
// handler.
func (c *Connection) Dispose() {
	if c.disposed.CompareAndSwap(false, true) {
		c.Disconnect()
	}
}

// Close implements io.Closer by calling Dispose.
func (c *Connection) Close() error {
	c.Dispose()
	return nil
}

// teardown ends session s (or whatever session is live when s is nil).
// Only the caller that detaches the session runs the rest, so the close
// handler fires once per session. cause is the read error that triggered
// the teardown, if any.
func (c *Connection) teardown(s *session, cause error) {
	c.mu.Lock()
	if s == nil {
		s = c.session
	}

	if s == nil || c.session != s {
		c.mu.Unlock()
		return
	}

	c.session = nil
	reg := c.registry
	c.registry = nil
	c.mu.Unlock()

	if reg != nil {
		reg.Remove(c)
	}

	close(s.stop)
	if dropped := s.writes.close(); dropped > 0 {
		c.log().Debug("dropped pending writes on teardown", logger.Field{Key: "dropped", Value: dropped})
	}

	if err := s.conn.Close(); err != nil {
		if isExpectedChurn(err) {
			c.discard(err, "close of already closed socket")
		} else {
			c.reportError(fmt.Errorf("close socket: %w", err))
		}
	}

	if cause != nil {
		if isExpectedChurn(cause) {
			c.discard(cause, "peer reset or local close")
		} else {
			c.reportError(cause)
		}
	}

	c.log().Debug("disconnected")
	if err := c.handlers.close(c); err != nil {
		c.discard(err, "close handler")
	}
}

func (c *Connection) reportError(err error) {
	c.log().Warn("connection error", logger.ErrorField(err))
	if perr := c.handlers.report(c, err); perr != nil {
		c.discard(perr, "error handler")
	}
}

// discard records an error that is intentionally not surfaced. reason names
// the ignored case.
func (c *Connection) discard(err error, reason string) {
	c.log().Debug("ignored error", logger.Field{Key: "reason", Value: reason}, logger.ErrorField(err))
}
