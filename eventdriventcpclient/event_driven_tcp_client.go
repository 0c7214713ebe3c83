// Package eventdriventcpclient provides a reconnecting TCP client built on a
// client-role asyncsocket.Connection. It notifies callers of connection state
// changes, received messages and errors via registered handlers, and can
// re-dial on its own when the connection is lost.
package eventdriventcpclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/go-asyncsocket/asyncsocket"
	"github.com/cyberinferno/go-asyncsocket/logger"
	"github.com/cyberinferno/go-asyncsocket/resolver"
	"github.com/cyberinferno/go-asyncsocket/utils"
)

const lengthPrefixSize = 4

var (
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrAlreadyConnected is returned by Connect while connected or connecting.
	ErrAlreadyConnected = errors.New("already connected or connecting")
	// ErrNotConnected is returned by Send when there is no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrMessageTooLarge is reported when a length prefix exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// ConnectionState represents the current state of the client.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Lost the connection and waiting to re-dial (AutoReconnect only)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address ("host:port")
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// MessageEvent is emitted for every received chunk, or for every complete
// message when DataLengthBasedRead is set.
type MessageEvent struct {
	Data      []byte    // The received bytes; owned by the handler
	Length    int       // len(Data)
	Timestamp time.Time // When the data was received
}

// ErrorEvent is emitted when a connection fault is reported.
type ErrorEvent struct {
	Error     error     // The error that occurred
	Timestamp time.Time // When the error occurred
}

// ConnectionStateHandler is called when the connection state changes. It runs
// on its own goroutine; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// MessageHandler is called for received data. Calls are made in arrival
// order on the connection's read goroutine, so the handler must not block
// for long.
type MessageHandler func(event MessageEvent)

// ErrorHandler is called when an error occurs. It runs on its own
// goroutine; implementations must be safe for concurrent use.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the event-driven TCP client.
type Config struct {
	// Address is the host name or IP to connect to.
	Address string
	// Port is the TCP port to connect to.
	Port int
	// AutoReconnect re-dials after the connection is lost. A deliberate
	// Disconnect or Close never triggers it.
	AutoReconnect bool
	// ReconnectInterval is the delay before each re-dial attempt.
	ReconnectInterval time.Duration
	// ConnectionTimeout bounds each TCP handshake.
	ConnectionTimeout time.Duration
	// BufferSize is the raw receive buffer of each Connection.
	BufferSize int
	// UserBufferSize is the Scratch().Array size of each Connection.
	UserBufferSize int
	// DataLengthBasedRead splits the stream into messages, each preceded by
	// a 4-byte little-endian length, instead of delivering raw chunks.
	DataLengthBasedRead bool
	// MaxMessageSize caps a length-prefixed message; larger prefixes drop
	// the connection.
	MaxMessageSize int
	// Logger receives client and connection logs; nil disables logging.
	Logger logger.Logger
	// Resolver resolves Address; nil uses resolver.Default().
	Resolver *resolver.Resolver
}

// DefaultEventDrivenTCPClientConfig returns a Config with default values for
// the given endpoint. AutoReconnect is false; override fields as needed
// before passing to NewEventDrivenTCPClient.
//
// Parameters:
//   - address: The host name or IP to connect to
//   - port: The TCP port to connect to
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, ConnectionTimeout 10s,
//     BufferSize 4096, UserBufferSize 4096, MaxMessageSize 16 MiB,
//     DataLengthBasedRead false.
func DefaultEventDrivenTCPClientConfig(address string, port int) Config {
	return Config{
		Address:             address,
		Port:                port,
		AutoReconnect:       false,
		ReconnectInterval:   5 * time.Second,
		ConnectionTimeout:   10 * time.Second,
		BufferSize:          4096,
		UserBufferSize:      4096,
		DataLengthBasedRead: false,
		MaxMessageSize:      16 * 1024 * 1024,
	}
}

// EventDrivenTCPClient is a TCP client that drives the connection lifecycle
// via events. Register handlers with OnConnectionState, OnMessage and
// OnError, then call Connect. Every (re)connection uses a fresh
// asyncsocket.Connection. It is safe for concurrent use.
type EventDrivenTCPClient struct {
	config Config
	logger logger.Logger
	target string

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.RWMutex
	conn              *asyncsocket.Connection
	dialing           *asyncsocket.Connection
	state             ConnectionState
	wantConnected     bool
	closed            bool
	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
}

// NewEventDrivenTCPClient creates a new client with the given config. The
// client starts in Disconnected state; call Connect to establish a
// connection.
//
// Parameters:
//   - config: Connection and behavior settings (e.g. from DefaultEventDrivenTCPClientConfig)
//
// Returns:
//   - A new *EventDrivenTCPClient; call Close when done to release resources
func NewEventDrivenTCPClient(config Config) *EventDrivenTCPClient {
	defaults := DefaultEventDrivenTCPClientConfig(config.Address, config.Port)
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaults.ReconnectInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	target := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))
	ctx, cancel := context.WithCancel(context.Background())

	return &EventDrivenTCPClient{
		config:        config,
		logger:        logger.OrNop(config.Logger).With(logger.Field{Key: "remote", Value: target}),
		target:        target,
		ctx:           ctx,
		cancel:        cancel,
		state:         Disconnected,
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the handler for received data, replacing any
// previous one. Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError registers the handler for connection errors, replacing any
// previous one. Pass nil to clear the handler.
func (c *EventDrivenTCPClient) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the configured endpoint. When AutoReconnect is enabled the
// client keeps re-dialing after a lost connection until Disconnect or Close.
//
// Parameters:
//   - ctx: Bounds name resolution and the TCP handshake of this attempt
//
// Returns:
//   - nil on success; ErrClientClosed, ErrAlreadyConnected, or the dial
//     error (wrapping asyncsocket.ErrConnectFailed)
func (c *EventDrivenTCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.wantConnected = true
	c.mu.Unlock()

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectLoop()
		})
	}

	return c.connect(ctx)
}

// Disconnect closes the current connection and moves to Disconnected state.
// It cancels auto-reconnect until the next Connect. Calling it while
// disconnected or closed does nothing.
func (c *EventDrivenTCPClient) Disconnect() {
	c.mu.Lock()
	c.wantConnected = false
	conn, dialing := c.conn, c.dialing
	c.conn, c.dialing = nil, nil
	c.mu.Unlock()

	if conn == nil && dialing == nil {
		return
	}

	if dialing != nil {
		dialing.Dispose()
	}
	if conn != nil {
		conn.Dispose()
	}
	c.setState(Disconnected, nil)
}

// Close shuts down the client, disposes the connection and stops the
// reconnect goroutine. After Close the client is in Closed state and must
// not be used further. Close is idempotent and always returns nil.
func (c *EventDrivenTCPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.wantConnected = false
	conn, dialing := c.conn, c.dialing
	c.conn, c.dialing = nil, nil
	c.mu.Unlock()

	c.cancel()
	if dialing != nil {
		dialing.Dispose()
	}
	if conn != nil {
		conn.Dispose()
	}
	c.wg.Wait()

	c.setState(Closed, nil)

	return nil
}

// Send queues data on the current connection.
//
// Parameters:
//   - data: Bytes to send; the client keeps its own copy
//
// Returns:
//   - ErrNotConnected if there is no connection, otherwise the result of
//     asyncsocket.Connection.Send
func (c *EventDrivenTCPClient) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	return conn.Send(data)
}

// SendString sends the bytes of text.
func (c *EventDrivenTCPClient) SendString(text string) error {
	return c.Send([]byte(text))
}

// GetState returns the current connection state.
func (c *EventDrivenTCPClient) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *EventDrivenTCPClient) IsConnected() bool {
	return c.GetState() == Connected
}

// Connection returns the live asyncsocket.Connection, or nil when
// disconnected or while a dial is still in progress. The value changes on
// every reconnect.
func (c *EventDrivenTCPClient) Connection() *asyncsocket.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *EventDrivenTCPClient) connect(ctx context.Context) error {
	conn := asyncsocket.NewConnection(asyncsocket.ConnectionConfig{
		BufferSize:     c.config.BufferSize,
		UserBufferSize: c.config.UserBufferSize,
		DialTimeout:    c.config.ConnectionTimeout,
		Logger:         c.logger,
		Resolver:       c.config.Resolver,
	}, asyncsocket.Handlers{
		OnMessage: c.handleMessage,
		OnClose:   c.handleClose,
		OnError:   c.handleError,
	})

	// tracked before dialing so a close racing the handshake is matched
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.dialing != nil || c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = conn
	c.mu.Unlock()

	c.setState(Connecting, nil)

	err := conn.Connect(ctx, c.config.Address, c.config.Port)

	c.mu.Lock()
	lost := c.dialing != conn
	if !lost {
		c.dialing = nil
		if err == nil {
			c.conn = conn
		}
	}
	c.mu.Unlock()

	if lost {
		// Disconnect, Close or a peer close won the race and already
		// published the resulting state
		conn.Dispose()
		if err == nil {
			err = ErrNotConnected
		}
		return err
	}

	if err != nil {
		conn.Dispose()
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.logger.Info("connected", logger.Field{Key: "conn_key", Value: conn.Key()})
	c.setState(Connected, nil)

	return nil
}

func (c *EventDrivenTCPClient) handleMessage(conn *asyncsocket.Connection) {
	if !c.config.DataLengthBasedRead {
		c.emitMessage(utils.CloneBytes(conn.Data()))
		return
	}

	stream := &conn.Scratch().Stream
	stream.Write(conn.Data())

	for stream.Len() >= lengthPrefixSize {
		size := binary.LittleEndian.Uint32(stream.Bytes()[:lengthPrefixSize])
		if uint64(size) > uint64(c.config.MaxMessageSize) {
			stream.Reset()
			c.emitError(fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size))
			conn.Disconnect()
			return
		}

		if stream.Len() < lengthPrefixSize+int(size) {
			return
		}

		stream.Next(lengthPrefixSize)
		if size == 0 {
			continue
		}

		c.emitMessage(utils.CloneBytes(stream.Next(int(size))))
	}
}

// handleClose runs when a connection ends. A deliberate Disconnect or Close
// detaches the connection first, so only losses reach the reconnect path.
func (c *EventDrivenTCPClient) handleClose(conn *asyncsocket.Connection) {
	c.mu.Lock()
	switch conn {
	case c.conn:
		c.conn = nil
	case c.dialing:
		c.dialing = nil
	default:
		c.mu.Unlock()
		return
	}

	reconnect := c.config.AutoReconnect && c.wantConnected && !c.closed
	c.mu.Unlock()

	conn.Dispose()
	c.logger.Info("connection lost", logger.Field{Key: "conn_key", Value: conn.Key()})
	c.setState(Disconnected, nil)

	if reconnect {
		c.triggerReconnect()
	}
}

func (c *EventDrivenTCPClient) handleError(_ *asyncsocket.Connection, err error) {
	c.emitError(err)
}

func (c *EventDrivenTCPClient) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
		}

		for c.shouldReconnect() {
			c.setState(Reconnecting, nil)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if !c.shouldReconnect() {
				break
			}

			err := c.connect(c.ctx)
			if err == nil || errors.Is(err, ErrAlreadyConnected) {
				break
			}

			c.logger.Warn("reconnect failed", logger.ErrorField(err))
		}
	}
}

func (c *EventDrivenTCPClient) shouldReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wantConnected && !c.closed && c.conn == nil && c.dialing == nil
}

func (c *EventDrivenTCPClient) triggerReconnect() {
	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *EventDrivenTCPClient) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			Address:   c.target,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}

func (c *EventDrivenTCPClient) emitMessage(data []byte) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler != nil {
		handler(MessageEvent{
			Data:      data,
			Length:    len(data),
			Timestamp: time.Now(),
		})
	}
}

func (c *EventDrivenTCPClient) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		event := ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		}

		go handler(event)
	}
}
