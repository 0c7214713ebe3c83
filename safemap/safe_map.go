// Package safemap provides a type-safe, concurrent map that remembers
// insertion order. Every operation runs under one RWMutex, so compound
// operations such as DeleteIf and Drain are atomic with respect to each other.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Iteration visits entries in the order their keys were first stored.
// Overwriting an existing key keeps its original position.
//
// SafeMap must not be copied after first use. Store, Load and Has are O(1);
// Delete, DeleteIf and Range are O(n) in the number of entries.
type SafeMap[K comparable, V any] struct {
	mu    sync.RWMutex
	m     map[K]V
	order []K
}

// NewSafeMap returns a new empty SafeMap ready for use.
//
// Returns:
//   - A pointer to a new SafeMap[K, V]
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k. It overwrites any existing value for k.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m == nil {
		m.m = make(map[K]V)
	}

	if _, found := m.m[k]; !found {
		m.order = append(m.order, k)
	}

	m.m[k] = v
}

// Load returns the value for key k and whether the key was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, found := m.m[k]
	return v, found
}

// Get is equivalent to Load.
func (m *SafeMap[K, V]) Get(k K) (V, bool) {
	return m.Load(k)
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
//
// Parameters:
//   - k: The key to delete
//
// Returns:
//   - true if an entry was removed
func (m *SafeMap[K, V]) Delete(k K) bool {
	return m.DeleteIf(k, func(V) bool { return true })
}

// DeleteIf removes the entry for key k only when pred reports true for the
// stored value. The check and the removal happen under the same lock.
//
// Parameters:
//   - k: The key to delete
//   - pred: Called with the stored value; return true to delete it
//
// Returns:
//   - true if an entry was removed
func (m *SafeMap[K, V]) DeleteIf(k K, pred func(v V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, found := m.m[k]
	if !found || !pred(v) {
		return false
	}

	delete(m.m, k)
	for i, key := range m.order {
		if key == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return true
}

// Range calls f for each entry in insertion order while holding the read
// lock. If f returns false, Range stops. f must not modify the map.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, k := range m.order {
		if !f(k, m.m[k]) {
			return
		}
	}
}

// Values returns a snapshot of the values in insertion order. The snapshot
// may be used after the lock is released, including to modify the map.
func (m *SafeMap[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make([]V, 0, len(m.order))
	for _, k := range m.order {
		values = append(values, m.m[k])
	}

	return values
}

// Drain removes every entry and returns the removed values in insertion order.
func (m *SafeMap[K, V]) Drain() []V {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make([]V, 0, len(m.order))
	for _, k := range m.order {
		values = append(values, m.m[k])
	}

	m.m = make(map[K]V)
	m.order = nil
	return values
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.Load(k)
	return found
}
