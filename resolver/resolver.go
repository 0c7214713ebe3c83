// Package resolver turns host names into dialable or bindable addresses.
// Resolution prefers an IPv4 result, falls back to the first result, and
// returns the literal input when the name cannot be resolved at all.
// Results are kept in a pluggable Cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-asyncsocket/logger"
)

// ErrLookupFailed wraps every failure of the underlying name lookup.
var ErrLookupFailed = errors.New("host lookup failed")

// LookupFunc returns the IP addresses of host.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Config holds the settings of a Resolver.
type Config struct {
	// Cache stores resolved addresses; nil disables caching.
	Cache Cache
	// TTL is how long a resolved address is cached.
	TTL time.Duration
	// Lookup performs the real lookup; nil uses net.DefaultResolver.
	Lookup LookupFunc
	// Logger receives cache failures; nil discards them.
	Logger logger.Logger
}

// DefaultConfig returns a Config with an in-memory cache holding addresses
// for 5 minutes and the system resolver.
func DefaultConfig() Config {
	return Config{
		Cache:  NewMemoryCache(5*time.Minute, 10*time.Minute),
		TTL:    5 * time.Minute,
		Lookup: SystemLookup,
	}
}

// Resolver resolves host names. It is safe for concurrent use.
type Resolver struct {
	cache  Cache
	ttl    time.Duration
	lookup LookupFunc
	logger logger.Logger
}

// New creates a Resolver from cfg.
//
// Parameters:
//   - cfg: Resolver settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new *Resolver
func New(cfg Config) *Resolver {
	if cfg.Lookup == nil {
		cfg.Lookup = SystemLookup
	}

	return &Resolver{
		cache:  cfg.Cache,
		ttl:    cfg.TTL,
		lookup: cfg.Lookup,
		logger: logger.OrNop(cfg.Logger),
	}
}

var (
	defaultOnce     sync.Once
	defaultResolver *Resolver
)

// Default returns the process-wide Resolver built from DefaultConfig.
func Default() *Resolver {
	defaultOnce.Do(func() {
		defaultResolver = New(DefaultConfig())
	})

	return defaultResolver
}

// SystemLookup resolves host through net.DefaultResolver.
func SystemLookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}

	return ips, nil
}

// PreferIPv4 returns the first IPv4 address in ips, or the first address
// when none is IPv4. It returns nil for an empty slice.
func PreferIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}

	if len(ips) == 0 {
		return nil
	}

	return ips[0]
}

// Resolve returns the address to use for host. Literal IPs and the empty
// host (all interfaces) are returned unchanged. Resolve never fails: when the
// name cannot be resolved the literal input is returned and the subsequent
// dial or bind reports the problem.
//
// Parameters:
//   - ctx: Context bounding the lookup
//   - host: Host name or literal IP
//
// Returns:
//   - The chosen IP address in string form, or host itself
func (r *Resolver) Resolve(ctx context.Context, host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return host
	}

	name := strings.ToLower(host)
	if r.cache == nil {
		return r.resolveUncached(ctx, host, name)
	}

	addr, err := r.cache.GetOrFetch(ctx, name, r.ttl, func(ctx context.Context) (string, error) {
		return r.fetch(ctx, name)
	})
	if err == nil {
		return addr
	}

	if errors.Is(err, ErrLookupFailed) {
		r.logger.Debug("host lookup failed, using literal address", logger.Field{Key: "host", Value: host}, logger.ErrorField(err))
		return host
	}

	r.logger.Warn("address cache failed, resolving directly", logger.Field{Key: "host", Value: host}, logger.ErrorField(err))
	return r.resolveUncached(ctx, host, name)
}

// JoinHostPort resolves host and joins it with port.
func (r *Resolver) JoinHostPort(ctx context.Context, host string, port int) string {
	return net.JoinHostPort(r.Resolve(ctx, host), fmt.Sprint(port))
}

func (r *Resolver) resolveUncached(ctx context.Context, host, name string) string {
	addr, err := r.fetch(ctx, name)
	if err != nil {
		r.logger.Debug("host lookup failed, using literal address", logger.Field{Key: "host", Value: host}, logger.ErrorField(err))
		return host
	}

	return addr
}

func (r *Resolver) fetch(ctx context.Context, name string) (string, error) {
	ips, err := r.lookup(ctx, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrLookupFailed, name, err)
	}

	ip := PreferIPv4(ips)
	if ip == nil {
		return "", fmt.Errorf("%w: %s: no addresses", ErrLookupFailed, name)
	}

	return ip.String(), nil
}
