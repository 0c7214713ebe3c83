package asyncsocket

import "github.com/cyberinferno/go-asyncsocket/safemap"

// Registry is the table of live server-side connections, keyed by socket
// index and kept in accept order. One lock guards every operation.
//
// Broadcast and bulk disposal work on a Snapshot or Drain rather than under
// the lock: tearing a connection down calls back into Remove.
type Registry struct {
	entries *safemap.SafeMap[int, *Connection]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: safemap.NewSafeMap[int, *Connection]()}
}

// Add registers c under its socket index.
func (r *Registry) Add(c *Connection) {
	r.entries.Store(c.Index(), c)
}

// Remove unregisters c. The entry is only removed if it still belongs to c,
// so a socket index reused by a newer connection is never evicted by a late
// removal of the old one.
//
// Returns:
//   - true if c was registered and has been removed
func (r *Registry) Remove(c *Connection) bool {
	return r.entries.DeleteIf(c.Index(), func(v *Connection) bool {
		return v == c
	})
}

// Get returns the connection registered under index.
func (r *Registry) Get(index int) (*Connection, bool) {
	return r.entries.Load(index)
}

// Snapshot returns the registered connections in accept order.
func (r *Registry) Snapshot() []*Connection {
	return r.entries.Values()
}

// Drain unregisters every connection and returns them in accept order.
func (r *Registry) Drain() []*Connection {
	return r.entries.Drain()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return r.entries.Len()
}
