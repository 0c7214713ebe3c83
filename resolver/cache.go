package resolver

import (
	"context"
	"time"
)

// FetchFunc performs the real lookup for a host when the cache has no entry.
// It returns the address chosen for the host.
type FetchFunc func(ctx context.Context) (string, error)

// Cache stores resolved addresses keyed by host name. Implementations must
// be safe for concurrent use and must make sure concurrent misses for the
// same host trigger a single fetch.
type Cache interface {
	// GetOrFetch returns the cached address for host, or calls fetchFn and
	// stores its result for ttl. A failed fetch is not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - host: The host name to look up
	//   - ttl: Time-to-live for a freshly fetched address
	//   - fetchFn: Function to resolve the host on a miss
	//
	// Returns:
	//   - The cached or fetched address
	//   - An error if the cache or the fetch failed
	GetOrFetch(ctx context.Context, host string, ttl time.Duration, fetchFn FetchFunc) (string, error)

	// Delete forgets the address cached for host.
	Delete(ctx context.Context, host string) error

	// Clear forgets every cached address.
	Clear(ctx context.Context) error

	// ItemCount returns the number of cached addresses.
	ItemCount(ctx context.Context) (int, error)
}
