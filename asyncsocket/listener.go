package asyncsocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-asyncsocket/logger"
	"github.com/cyberinferno/go-asyncsocket/recurringtimer"
	"github.com/cyberinferno/go-asyncsocket/resolver"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener binds a TCP port, accepts connections on a dedicated goroutine
// and keeps every live server-side Connection in its Registry.
//
// A fault escaping the accept loop stops the Listener from accepting until
// Stop and Start are called again; it does not restart on its own.
type Listener struct {
	name                string
	logger              logger.Logger
	resolver            *resolver.Resolver
	maintenanceInterval time.Duration
	writeTimeout        time.Duration
	maxPendingWrites    int
	registry            *Registry

	// listen opens the listening socket; replaced in tests.
	listen func(network, address string) (net.Listener, error)

	mu          sync.Mutex
	started     bool
	ln          net.Listener
	quit        chan struct{}
	done        chan struct{}
	maintenance *recurringtimer.Timer
	handlers    Handlers
	connConfig  ConnectionConfig

	stopping  atomic.Bool
	accepting atomic.Bool
}

// NewListener creates a stopped Listener.
//
// Parameters:
//   - cfg: Name, logger, resolver and maintenance settings
//
// Returns:
//   - A new *Listener; call Start to begin accepting
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Name == "" {
		cfg.Name = DefaultListenerConfig().Name
	}

	if cfg.Resolver == nil {
		cfg.Resolver = resolver.Default()
	}

	l := logger.OrNop(cfg.Logger)
	return &Listener{
		name:                cfg.Name,
		logger:              l.With(logger.Field{Key: "listener", Value: cfg.Name}),
		resolver:            cfg.Resolver,
		maintenanceInterval: cfg.MaintenanceInterval,
		writeTimeout:        cfg.WriteTimeout,
		maxPendingWrites:    cfg.MaxPendingWrites,
		registry:            NewRegistry(),
		listen:              net.Listen,
	}
}

// Start binds address:port and launches the accept loop. Calling Start on a
// started Listener does nothing, except while Stop is still disposing
// connections, when ErrListenerStopping is returned instead. A bind failure
// is reported to the error handler and returned.
//
// Parameters:
//   - address: Host name or literal IP to bind; "" binds every interface
//   - port: TCP port; 0 picks an ephemeral port (see Addr)
//   - bufferSize: Raw receive buffer size of every accepted Connection
//   - userBufferSize: Scratch().Array size of every accepted Connection
//   - h: Handlers for the listener and every accepted Connection
//
// Returns:
//   - An error wrapping ErrListenerFailed if binding fails,
//     ErrListenerStopping during Stop, otherwise nil
func (l *Listener) Start(address string, port int, bufferSize, userBufferSize int, h Handlers) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started && l.stopping.Load() {
		return ErrListenerStopping
	}

	if l.started {
		l.logger.Info(fmt.Sprintf("%s already started", l.name))
		return nil
	}

	bindAddr := l.resolver.JoinHostPort(context.Background(), address, port)
	ln, err := l.listen("tcp", bindAddr)
	if err != nil {
		err = fmt.Errorf("%w: bind %s: %w", ErrListenerFailed, bindAddr, err)
		l.logger.Error(fmt.Sprintf("%s failed to start", l.name), logger.ErrorField(err))
		if perr := h.report(nil, err); perr != nil {
			l.logger.Error("error handler failed", logger.ErrorField(perr))
		}
		return err
	}

	connConfig := ConnectionConfig{
		BufferSize:       bufferSize,
		UserBufferSize:   userBufferSize,
		WriteTimeout:     l.writeTimeout,
		MaxPendingWrites: l.maxPendingWrites,
		Logger:           l.logger,
		Resolver:         l.resolver,
	}.withDefaults()

	l.ln = ln
	l.handlers = h
	l.connConfig = connConfig
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	l.stopping.Store(false)
	l.accepting.Store(true)
	l.started = true

	if l.maintenanceInterval > 0 {
		tm, err := recurringtimer.New(l.maintenanceInterval, l.sweep, l.registry, recurringtimer.WithLogger(l.logger))
		if err != nil {
			l.logger.Warn("maintenance disabled", logger.ErrorField(err))
		} else {
			l.maintenance = tm
		}
	}

	l.logger.Info(fmt.Sprintf("%s started", l.name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go l.acceptLoop(ln, l.quit, l.done, h, connConfig)

	return nil
}

// Stop closes the listening socket, waits for the accept loop to exit,
// disposes every registered Connection and forgets the handlers and buffer
// settings. Stop on a stopped Listener does nothing. Stop must not be called
// from an AcceptHandler, which runs on the accept goroutine Stop waits for.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		l.logger.Info(fmt.Sprintf("%s not running", l.name))
		return
	}

	ln, quit, done, maintenance := l.ln, l.quit, l.done, l.maintenance
	if l.stopping.CompareAndSwap(false, true) {
		close(quit)
	}
	l.mu.Unlock()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("ignored error", logger.Field{Key: "reason", Value: "close listening socket"}, logger.ErrorField(err))
	}

	<-done

	if maintenance != nil {
		if err := maintenance.Dispose(); err != nil {
			l.logger.Warn("maintenance timer did not stop", logger.ErrorField(err))
		}
	}

	for _, c := range l.registry.Drain() {
		c.Dispose()
	}

	l.mu.Lock()
	if l.ln == ln {
		l.ln = nil
		l.quit = nil
		l.done = nil
		l.maintenance = nil
		l.handlers = Handlers{}
		l.connConfig = ConnectionConfig{}
		l.started = false
	}
	l.mu.Unlock()

	l.logger.Info(fmt.Sprintf("%s stopped", l.name))
}

// Started reports whether Start has succeeded and Stop has not run since.
func (l *Listener) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Accepting reports whether the accept loop is running. It is false after a
// fatal accept-loop fault even though the Listener is still started.
func (l *Listener) Accepting() bool {
	return l.accepting.Load()
}

// Addr returns the bound address, or nil when stopped.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}

	return l.ln.Addr()
}

// Count returns the number of registered connections.
func (l *Listener) Count() int {
	return l.registry.Len()
}

// RemoveSocket unregisters c. Removing a connection that is not registered
// does nothing. Faults are reported to the error handler, never returned.
func (l *Listener) RemoveSocket(c *Connection) {
	if c == nil {
		l.reportError(nil, fmt.Errorf("remove socket: %w", ErrNilConnection))
		return
	}

	if !l.registry.Remove(c) {
		l.logger.Debug("remove socket: not registered", logger.Field{Key: "conn_key", Value: c.Key()})
	}
}

// RetrieveSocket returns the connection registered under index.
//
// Returns:
//   - The Connection and true, or nil and false if none is registered
func (l *Listener) RetrieveSocket(index int) (*Connection, bool) {
	return l.registry.Get(index)
}

// SendAll sends data to every connection registered at call time, in accept
// order. A failure on one connection tears that connection down and does not
// stop delivery to the rest.
//
// Returns:
//   - nil if every send was queued, otherwise the joined per-connection errors
func (l *Listener) SendAll(data []byte) error {
	var errs []error
	for _, c := range l.registry.Snapshot() {
		if err := c.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("send to conn %d: %w", c.Key(), err))
		}
	}

	return errors.Join(errs...)
}

// SendAllString is SendAll for text.
func (l *Listener) SendAllString(text string) error {
	return l.SendAll([]byte(text))
}

func (l *Listener) acceptLoop(ln net.Listener, quit <-chan struct{}, done chan<- struct{}, h Handlers, cfg ConnectionConfig) {
	defer close(done)
	defer l.accepting.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.fail(ln, h, fmt.Errorf("%w: accept loop panic: %v", ErrListenerFailed, r))
		}
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopping.Load() {
				l.logger.Info(fmt.Sprintf("%s accept loop exited", l.name))
				return
			}

			if errors.Is(err, net.ErrClosed) {
				l.fail(ln, h, fmt.Errorf("%w: listening socket closed: %w", ErrListenerFailed, err))
				return
			}

			if conn != nil {
				_ = conn.Close()
			}

			l.logger.Error(fmt.Sprintf("%s accept error", l.name), logger.ErrorField(err))
			l.reportTo(h, nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err))
			l.reportTo(h, nil, ErrAcceptRecovered)

			backoff = nextAcceptBackoff(backoff)
			select {
			case <-quit:
				l.logger.Info(fmt.Sprintf("%s accept loop exited", l.name))
				return
			case <-time.After(backoff):
			}

			continue
		}

		backoff = 0
		l.admit(conn, h, cfg)
	}
}

func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}

	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}

	return d
}

// admit wraps an accepted socket, registers it, runs the accept handler and
// issues the first read. Failures are reported and the socket dropped; they
// never stop the accept loop.
func (l *Listener) admit(conn net.Conn, h Handlers, cfg ConnectionConfig) {
	if !socketAlive(conn) {
		l.logger.Debug("discarding accepted socket that is no longer connected")
		_ = conn.Close()
		return
	}

	c, err := newServerConnection(l.registry, conn, cfg, h)
	if err != nil {
		_ = conn.Close()
		l.reportTo(h, nil, fmt.Errorf("%w: %w", ErrAcceptFailed, err))
		return
	}

	l.registry.Add(c)
	c.log().Debug("accepted")

	if err := h.accept(c); err != nil {
		l.reportTo(h, c, fmt.Errorf("accept handler: %w", err))
		c.Dispose()
		return
	}

	if err := c.Receive(); err != nil {
		l.reportTo(h, c, fmt.Errorf("first receive: %w", err))
	}
}

// fail records a fault that ends the accept loop. The listening socket is
// closed so peers are refused instead of queueing on a dead backlog.
func (l *Listener) fail(ln net.Listener, h Handlers, err error) {
	l.logger.Error(fmt.Sprintf("%s stopped accepting", l.name), logger.ErrorField(err))
	l.reportTo(h, nil, err)
	_ = ln.Close()
}

// sweep disposes registered connections whose socket is no longer connected.
func (l *Listener) sweep(state any) {
	registry := state.(*Registry)
	for _, c := range registry.Snapshot() {
		if c.Connected() {
			continue
		}

		c.log().Info("maintenance: disposing dead connection")
		registry.Remove(c)
		c.Dispose()
	}
}

func (l *Listener) reportError(c *Connection, err error) {
	l.mu.Lock()
	h := l.handlers
	l.mu.Unlock()

	l.reportTo(h, c, err)
}

func (l *Listener) reportTo(h Handlers, c *Connection, err error) {
	if perr := h.report(c, err); perr != nil {
		l.logger.Error("error handler failed", logger.ErrorField(perr))
	}
}
