package asyncsocket

import (
	"time"

	"github.com/cyberinferno/go-asyncsocket/logger"
	"github.com/cyberinferno/go-asyncsocket/resolver"
)

const (
	defaultBufferSize     = 4096
	defaultUserBufferSize = 4096
	defaultDialTimeout    = 10 * time.Second

	defaultWriteTimeout     = 30 * time.Second
	defaultMaxPendingWrites = 1024

	// displayAddressWidth is the width of DisplayAddress, enough for any
	// dotted IPv4 address.
	displayAddressWidth = 15
)

// ConnectionConfig holds the settings of a Connection.
type ConnectionConfig struct {
	// BufferSize is the capacity of the raw receive buffer. It is also
	// applied as the socket's OS-level receive and send buffer size.
	BufferSize int
	// UserBufferSize is the length of Scratch().Array.
	UserBufferSize int
	// DialTimeout bounds the TCP handshake in Connect.
	DialTimeout time.Duration
	// WriteTimeout bounds each queued write; a peer that stops reading for
	// longer is dropped.
	WriteTimeout time.Duration
	// MaxPendingWrites caps the writes queued but not yet on the wire.
	MaxPendingWrites int
	// Logger receives diagnostics; nil discards them.
	Logger logger.Logger
	// Resolver turns host names into addresses; nil uses resolver.Default().
	Resolver *resolver.Resolver
}

// DefaultConnectionConfig returns a ConnectionConfig with 4096-byte raw and
// user buffers, a 10s dial timeout, a 30s write timeout and at most 1024
// pending writes.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		BufferSize:       defaultBufferSize,
		UserBufferSize:   defaultUserBufferSize,
		DialTimeout:      defaultDialTimeout,
		WriteTimeout:     defaultWriteTimeout,
		MaxPendingWrites: defaultMaxPendingWrites,
	}
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}

	if c.UserBufferSize < 0 {
		c.UserBufferSize = 0
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	if c.MaxPendingWrites <= 0 {
		c.MaxPendingWrites = defaultMaxPendingWrites
	}

	c.Logger = logger.OrNop(c.Logger)
	if c.Resolver == nil {
		c.Resolver = resolver.Default()
	}

	return c
}

// ListenerConfig holds the settings of a Listener that do not change
// between Start calls.
type ListenerConfig struct {
	// Name labels the listener in log output.
	Name string
	// Logger receives diagnostics for the listener and its connections.
	Logger logger.Logger
	// Resolver resolves the bind address; nil uses resolver.Default().
	Resolver *resolver.Resolver
	// MaintenanceInterval is how often the registry is swept for
	// connections whose socket is no longer connected. Zero disables it.
	MaintenanceInterval time.Duration
	// WriteTimeout and MaxPendingWrites apply to every accepted connection;
	// zero values take the ConnectionConfig defaults.
	WriteTimeout     time.Duration
	MaxPendingWrites int
}

// DefaultListenerConfig returns a ListenerConfig named "listener" with
// maintenance disabled.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{Name: "listener"}
}
