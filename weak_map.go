package threadsafe

import (
	"fmt"
	"iter"
	"runtime"
	"weak"
)

// WeakMap is a concurrent map whose keys do not keep their objects alive.
//
// Each key is stored behind a Needle. A key whose object has been
// collected is invisible: lookups, enumeration and updates skip it, yet its
// entry keeps occupying a slot (and is included in Count) until a sweep
// removes it. Sweeps happen on RemoveDeadItems, or on every notification
// of the configured Notifier while AutoRemoveDeadItems is enabled.
//
// Keys are compared with a Comparer[*K]; the default compares pointers.
// Passing a nil key is a programming error.
//
// Subscription lifecycle:
//
//	Unregistered --SetAutoRemoveDeadItems(true)--> Registered
//	Registered   --SetAutoRemoveDeadItems(false) / Close / collection--> Unregistered
//
// Close is the primary way to unregister. A runtime cleanup attached to the
// map unregisters as a fallback when a map is dropped without Close.
//
// Notes:
//   - Create instances with NewWeakMap.
//   - WeakMap must not be copied after first use.
type WeakMap[K, V any] struct {
	_         noCopy
	table     Table[Needle[K], V]
	comparer  Comparer[*K]
	newNeedle NeedleFactory[K]
	notifier  *Notifier

	mu      TicketLock // guards the fields below
	sub     *Subscription
	cleanup runtime.Cleanup
	closed  bool
}

// NewWeakMap creates a new WeakMap instance.
//
// Parameters:
//   - options: WithCapacity, WithComparer[*K], WithNeedleFactory[K],
//     WithAutoRemoveDeadItems, WithNotifier
func NewWeakMap[K, V any](options ...func(*Config)) *WeakMap[K, V] {
	cfg := newConfig(options)
	m := &WeakMap[K, V]{notifier: cfg.notifier}
	m.table.init(cfg)
	m.comparer = comparerFor[*K](cfg)
	if m.comparer == nil {
		m.comparer = DefaultComparer[*K]()
	}
	m.newNeedle = needleFactoryFor[K](cfg)
	if m.newNeedle == nil {
		m.newNeedle = newWeakNeedle[K]
	}
	if cfg.autoRemove {
		m.SetAutoRemoveDeadItems(true)
	}
	return m
}

func mustKey[K any](key *K) {
	if key == nil {
		panic(fmt.Errorf("%w: nil key", ErrInvalidArgument))
	}
}

// match returns the predicate that finds key among stored needles: the
// needle must be alive and its target equal to key.
func (m *WeakMap[K, V]) match(key *K) func(Needle[K]) bool {
	return func(stored Needle[K]) bool {
		target, ok := stored.TryGetTarget()
		return ok && m.comparer.Equal(target, key)
	}
}

func (m *WeakMap[K, V]) hash(key *K) uintptr {
	mustKey(key)
	return m.comparer.Hash(key)
}

// Get returns the value stored for key.
func (m *WeakMap[K, V]) Get(key *K) (value V, ok bool) {
	return m.table.Get(m.hash(key), m.match(key))
}

// ContainsKey reports whether key has a live entry.
func (m *WeakMap[K, V]) ContainsKey(key *K) bool {
	return m.table.ContainsKey(m.hash(key), m.match(key))
}

// TryAdd inserts key and value unless key already has a live entry.
func (m *WeakMap[K, V]) TryAdd(key *K, value V) bool {
	h := m.hash(key)
	needle := m.newNeedle(key)
	if _, added := m.table.TryAdd(h, m.match(key), needle, value); !added {
		needle.Dispose()
		return false
	}
	return true
}

// AddNew inserts key and value. It returns an error wrapping
// ErrDuplicateKey if key already has a live entry, or ErrInvalidArgument
// if key is nil.
func (m *WeakMap[K, V]) AddNew(key *K, value V) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidArgument)
	}
	if !m.TryAdd(key, value) {
		return fmt.Errorf("%w: %p", ErrDuplicateKey, key)
	}
	return nil
}

// GetOrAdd returns the live value for key, or stores value and returns it.
// Concurrent callers with equal keys all get the same stored value.
func (m *WeakMap[K, V]) GetOrAdd(key *K, value V) V {
	h := m.hash(key)
	match := m.match(key)
	if v, ok := m.table.Get(h, match); ok {
		return v
	}
	needle := m.newNeedle(key)
	actual, loaded := m.table.GetOrAdd(h, match, needle, value)
	if loaded {
		needle.Dispose()
	}
	return actual
}

// GetOrAddFn is like GetOrAdd but computes the value with valueFn only
// when the key is missing.
func (m *WeakMap[K, V]) GetOrAddFn(key *K, valueFn func() V) V {
	h := m.hash(key)
	match := m.match(key)
	if v, ok := m.table.Get(h, match); ok {
		return v
	}
	needle := m.newNeedle(key)
	actual, loaded := m.table.GetOrAddFn(h, match, needle, valueFn)
	if loaded {
		needle.Dispose()
	}
	return actual
}

// Set stores value for key, replacing any live value. isNew reports
// whether a new entry was created.
func (m *WeakMap[K, V]) Set(key *K, value V) (isNew bool) {
	h := m.hash(key)
	needle := m.newNeedle(key)
	if isNew = m.table.Set(h, m.match(key), needle, value); !isNew {
		needle.Dispose()
	}
	return isNew
}

// TryUpdate replaces the value for key when the current value satisfies
// matchValue (nil matches any value).
func (m *WeakMap[K, V]) TryUpdate(key *K, value V, matchValue func(V) bool) bool {
	_, updated := m.table.TryUpdate(m.hash(key), m.match(key), value, matchValue)
	return updated
}

// Remove deletes the live entry for key and returns its value.
func (m *WeakMap[K, V]) Remove(key *K) (value V, removed bool) {
	return m.removePair(key, nil)
}

// RemovePair deletes the live entry for key only if its value satisfies
// matchValue.
func (m *WeakMap[K, V]) RemovePair(key *K, matchValue func(V) bool) bool {
	_, removed := m.removePair(key, matchValue)
	return removed
}

func (m *WeakMap[K, V]) removePair(key *K, matchValue func(V) bool) (V, bool) {
	needle, value, ok := m.table.TryRemovePair(m.hash(key), m.match(key), matchValue)
	if !ok {
		return *new(V), false
	}
	needle.Dispose()
	return value, true
}

// RemoveDeadItems sweeps every entry whose key has been collected and
// returns how many it removed.
func (m *WeakMap[K, V]) RemoveDeadItems() int {
	n := 0
	for needle := range m.table.RemovedWhereKey(isDead[K]) {
		needle.Dispose()
		n++
	}
	return n
}

func isDead[K any](n Needle[K]) bool {
	return !n.IsAlive()
}

// RemoveWhereKey removes every live entry whose key satisfies pred.
// Entries changed while the sweep runs may be missed.
func (m *WeakMap[K, V]) RemoveWhereKey(pred func(key *K) bool) int {
	if pred == nil {
		panic(fmt.Errorf("%w: nil key predicate", ErrInvalidArgument))
	}
	n := 0
	for needle := range m.table.RemovedWhereKey(func(stored Needle[K]) bool {
		target, ok := stored.TryGetTarget()
		return ok && pred(target)
	}) {
		needle.Dispose()
		n++
	}
	return n
}

// RemoveWhereValue removes every entry whose value satisfies pred,
// including entries whose keys are dead.
func (m *WeakMap[K, V]) RemoveWhereValue(pred func(value V) bool) int {
	n := 0
	for needle := range m.table.RemovedWhereValue(pred) {
		needle.Dispose()
		n++
	}
	return n
}

// All returns a weakly consistent iterator over the live entries.
func (m *WeakMap[K, V]) All() iter.Seq2[*K, V] {
	return func(yield func(*K, V) bool) {
		for needle, v := range m.table.Range {
			if target, ok := needle.TryGetTarget(); ok && !yield(target, v) {
				return
			}
		}
	}
}

// Keys returns an iterator over the live keys.
func (m *WeakMap[K, V]) Keys() iter.Seq[*K] {
	return func(yield func(*K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns an iterator over the values of live entries.
func (m *WeakMap[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range m.All() {
			if !yield(v) {
				return
			}
		}
	}
}

// Where returns a weakly consistent iterator over the live entries whose
// key satisfies pred.
func (m *WeakMap[K, V]) Where(pred func(key *K) bool) iter.Seq2[*K, V] {
	if pred == nil {
		panic(fmt.Errorf("%w: nil key predicate", ErrInvalidArgument))
	}
	return func(yield func(*K, V) bool) {
		for k, v := range m.All() {
			if pred(k) && !yield(k, v) {
				return
			}
		}
	}
}

// Count returns the approximate number of entries, including entries
// whose keys are dead but not swept yet. It is an upper bound on the live
// entries.
func (m *WeakMap[K, V]) Count() int {
	return m.table.Count()
}

// Clear removes every entry.
func (m *WeakMap[K, V]) Clear() {
	for needle := range m.table.Drain() {
		needle.Dispose()
	}
}

// AutoRemoveDeadItems reports whether the map is subscribed to its
// notifier.
func (m *WeakMap[K, V]) AutoRemoveDeadItems() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// SetAutoRemoveDeadItems subscribes the map to its notifier (the
// process-wide GCNotifier unless WithNotifier was given) so each
// notification sweeps dead entries, or unsubscribes it. Enabling an
// already enabled map, or any map after Close, does nothing.
func (m *WeakMap[K, V]) SetAutoRemoveDeadItems(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !enabled {
		m.unregisterLocked()
		return
	}
	if m.sub != nil || m.closed {
		return
	}
	if m.notifier == nil {
		m.notifier = GCNotifier()
	}
	// The callback reaches the map weakly, and the notifier holds the
	// subscription weakly, so neither keeps the map alive.
	wm := weak.Make(m)
	m.sub = m.notifier.Subscribe(func() {
		if target := wm.Value(); target != nil {
			target.RemoveDeadItems()
		}
	})
	m.cleanup = runtime.AddCleanup(m, (*Subscription).Close, m.sub)
}

func (m *WeakMap[K, V]) unregisterLocked() {
	if m.sub == nil {
		return
	}
	m.cleanup.Stop()
	m.sub.Close()
	m.sub = nil
}

// Close unsubscribes the map from its notifier for good. The map stays
// usable; dead entries are only swept by explicit RemoveDeadItems calls
// afterwards. Close always returns nil.
func (m *WeakMap[K, V]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked()
	m.closed = true
	return nil
}
