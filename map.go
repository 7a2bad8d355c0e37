package threadsafe

import (
	"fmt"
	"iter"
)

// Map is a concurrent map over Table for comparable keys.
//
// It is the strong-keyed sibling of WeakMap: the same probing engine, with
// the stored key compared directly through a Comparer[K] (DefaultComparer
// unless WithComparer is given).
//
// Notes:
//   - Create instances with NewMap.
//   - Map must not be copied after first use.
type Map[K comparable, V any] struct {
	_        noCopy
	table    Table[K, V]
	comparer Comparer[K]
}

// NewMap creates a new Map instance.
//
// Parameters:
//   - options: WithCapacity, WithComparer[K]
func NewMap[K comparable, V any](options ...func(*Config)) *Map[K, V] {
	cfg := newConfig(options)
	m := &Map[K, V]{}
	m.table.init(cfg)
	m.comparer = comparerFor[K](cfg)
	if m.comparer == nil {
		m.comparer = DefaultComparer[K]()
	}
	return m
}

func (m *Map[K, V]) match(key K) func(K) bool {
	return func(stored K) bool {
		return m.comparer.Equal(stored, key)
	}
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	return m.table.Get(m.comparer.Hash(key), m.match(key))
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) bool {
	return m.table.ContainsKey(m.comparer.Hash(key), m.match(key))
}

// TryAdd inserts key and value unless key is already present.
func (m *Map[K, V]) TryAdd(key K, value V) bool {
	_, added := m.table.TryAdd(m.comparer.Hash(key), m.match(key), key, value)
	return added
}

// AddNew inserts key and value, or returns an error wrapping
// ErrDuplicateKey if key is already present.
func (m *Map[K, V]) AddNew(key K, value V) error {
	if !m.TryAdd(key, value) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	return nil
}

// GetOrAdd returns the existing value for key, or stores and returns value.
// The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) GetOrAdd(key K, value V) (actual V, loaded bool) {
	return m.table.GetOrAdd(m.comparer.Hash(key), m.match(key), key, value)
}

// GetOrAddFn is like GetOrAdd but computes the value with valueFn only
// when key is missing.
func (m *Map[K, V]) GetOrAddFn(key K, valueFn func() V) (actual V, loaded bool) {
	return m.table.GetOrAddFn(m.comparer.Hash(key), m.match(key), key, valueFn)
}

// Set stores value for key. isNew reports whether key was absent.
func (m *Map[K, V]) Set(key K, value V) (isNew bool) {
	return m.table.Set(m.comparer.Hash(key), m.match(key), key, value)
}

// TryUpdate replaces the value for key when the current value satisfies
// matchValue (nil matches any value), returning the previous value.
func (m *Map[K, V]) TryUpdate(
	key K,
	value V,
	matchValue func(V) bool,
) (previous V, updated bool) {
	return m.table.TryUpdate(m.comparer.Hash(key), m.match(key), value, matchValue)
}

// Remove deletes key and returns its value.
func (m *Map[K, V]) Remove(key K) (value V, removed bool) {
	_, value, removed = m.table.TryRemove(m.comparer.Hash(key), m.match(key))
	return value, removed
}

// RemovePair deletes key only if its value satisfies matchValue.
func (m *Map[K, V]) RemovePair(key K, matchValue func(V) bool) bool {
	_, _, removed := m.table.TryRemovePair(m.comparer.Hash(key), m.match(key), matchValue)
	return removed
}

// RemoveWhereKey removes every entry whose key satisfies pred.
func (m *Map[K, V]) RemoveWhereKey(pred func(key K) bool) int {
	return m.table.RemoveWhereKey(pred)
}

// RemoveWhereValue removes every entry whose value satisfies pred.
func (m *Map[K, V]) RemoveWhereValue(pred func(value V) bool) int {
	return m.table.RemoveWhereValue(pred)
}

// Where returns a weakly consistent iterator over entries whose key
// satisfies pred.
func (m *Map[K, V]) Where(pred func(key K) bool) iter.Seq2[K, V] {
	return m.table.Where(pred)
}

// All returns a weakly consistent iterator over the entries.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.table.Range
}

// Keys returns an iterator over the keys.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.table.Range {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns an iterator over the values.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range m.table.Range {
			if !yield(v) {
				return
			}
		}
	}
}

// Count returns the approximate number of entries.
func (m *Map[K, V]) Count() int {
	return m.table.Count()
}

// Drain empties the map and returns a single-use iterator over what it
// held.
func (m *Map[K, V]) Drain() iter.Seq2[K, V] {
	return m.table.Drain()
}

// Clear removes all entries.
func (m *Map[K, V]) Clear() {
	m.table.Clear()
}
