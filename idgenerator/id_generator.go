// Package idgenerator hands out process-unique, monotonically increasing
// 64-bit keys. Keys are never reused, even after the object they identified
// is gone.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a concurrency-safe
// manner. The starting value is set at construction and the first Id() returns
// startValue+1, so a generator started at 0 never hands out 0.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Id() returns startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next key by atomically incrementing the internal counter.
//
// Returns:
//   - The next uint64 ID
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued key without advancing the counter.
// It returns the start value if no key has been issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}

var global = NewIdGenerator(0)

// Next returns the next key from the process-wide generator shared by every
// package that needs a process-unique identity.
func Next() uint64 {
	return global.Id()
}
