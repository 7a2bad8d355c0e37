package threadsafe

import (
	"fmt"
	"iter"
	"sync/atomic"
)

// Table is a concurrent open-addressing hash table with linear probing.
//
// Table never hashes or compares keys itself. Every keyed operation takes
// a caller supplied hash and a match predicate over the stored key; this
// lets one engine serve both Map, where the stored key is the key, and
// WeakMap, where the stored key is a Needle and matching requires the
// needle's target to be alive.
//
// Concurrency model:
//   - Readers: wait-free probe over atomically published immutable slots.
//   - Writers: CAS on individual slots, no locks. Slots go
//     Empty→Occupied→Removed within a generation; tombstones are only
//     reclaimed by a rebuild.
//   - Rebuild (grow, purge, clear): one goroutine freezes every slot of
//     the current generation with CAS, copies the live entries into a new
//     generation and publishes it. Writers that meet a frozen slot wait
//     for the rebuild and retry; readers keep reading the frozen payload.
//
// Notes:
//   - The zero value is ready to use.
//   - Table must not be copied after first use.
type Table[K, V any] struct {
	_       noCopy
	gen     atomic.Pointer[generation[K, V]]
	rs      atomic.Pointer[rebuildState]
	minLen  int
	growths atomic.Uint32
}

// NewTable creates a new Table instance.
//
// Parameters:
//   - options: configuration options (WithCapacity)
func NewTable[K, V any](options ...func(*Config)) *Table[K, V] {
	t := &Table[K, V]{}
	t.init(newConfig(options))
	return t
}

func (t *Table[K, V]) init(cfg *Config) {
	t.minLen = calcTableLen(cfg.capacity)
	t.gen.Store(newGeneration[K, V](t.minLen))
}

//go:nosplit
func (t *Table[K, V]) generation() *generation[K, V] {
	if g := t.gen.Load(); g != nil {
		return g
	}
	return t.slowInit()
}

//go:noinline
func (t *Table[K, V]) slowInit() *generation[K, V] {
	g := newGeneration[K, V](max(t.minLen, minTableLen))
	if t.gen.CompareAndSwap(nil, g) {
		return g
	}
	return t.gen.Load()
}

func mustMatch[K any](match func(K) bool) {
	if match == nil {
		panic(fmt.Errorf("%w: nil match predicate", ErrInvalidArgument))
	}
}

// ============================================================================
// Reads
// ============================================================================

func (t *Table[K, V]) lookup(hash uintptr, match func(K) bool) *slot[K, V] {
	mustMatch(match)
	g := t.gen.Load()
	if g == nil {
		return nil
	}
	for {
		e, moved := g.lookup(hash, match)
		if moved {
			// Prefer the replacement once it has been published; until then
			// the frozen payload is the latest value.
			if ng := t.gen.Load(); ng != g {
				g = ng
				continue
			}
		}
		return e
	}
}

// Get returns the value stored under the entry whose key satisfies match.
func (t *Table[K, V]) Get(hash uintptr, match func(K) bool) (value V, ok bool) {
	if e := t.lookup(hash, match); e != nil {
		return e.value, true
	}
	return *new(V), false
}

// GetEntry is like Get but also returns the stored key.
func (t *Table[K, V]) GetEntry(
	hash uintptr,
	match func(K) bool,
) (key K, value V, ok bool) {
	if e := t.lookup(hash, match); e != nil {
		return e.key, e.value, true
	}
	return *new(K), *new(V), false
}

// ContainsKey reports whether an entry whose key satisfies match exists.
func (t *Table[K, V]) ContainsKey(hash uintptr, match func(K) bool) bool {
	return t.lookup(hash, match) != nil
}

// ContainsPair reports whether an entry whose key satisfies match exists
// and its value satisfies matchValue.
func (t *Table[K, V]) ContainsPair(
	hash uintptr,
	match func(K) bool,
	matchValue func(V) bool,
) bool {
	e := t.lookup(hash, match)
	return e != nil && (matchValue == nil || matchValue(e.value))
}

// ============================================================================
// Writes
// ============================================================================

// compute locates the live entry for (hash, match) and applies fn to it.
// fn receives nil when no entry exists and may be called again if the
// slot changes underneath it.
//
// Returns the entry fn saw on the attempt that took effect and the
// operation that was applied.
func (t *Table[K, V]) compute(
	hash uintptr,
	match func(K) bool,
	key K,
	fn func(cur *slot[K, V]) (computeOp, V),
) (*slot[K, V], computeOp) {
	mustMatch(match)
	for {
		g := t.generation()
		idx, cur, res := g.probe(hash, match)
		switch res {
		case probeMoved:
			t.waitRebuild()
			continue
		case probeFull:
			t.rebuild(g)
			continue
		default:
		}

		op, value := fn(cur)
		switch op {
		case updateOp:
			if cur != nil {
				next := &slot[K, V]{
					hash:  cur.hash,
					key:   cur.key,
					value: value,
					state: slotOccupied,
				}
				if g.slots[idx].CompareAndSwap(cur, next) {
					return cur, updateOp
				}
				continue
			}
			if g.used.Load() >= g.threshold {
				t.rebuild(g)
				continue
			}
			next := &slot[K, V]{
				hash:  hash,
				key:   key,
				value: value,
				state: slotOccupied,
			}
			if g.slots[idx].CompareAndSwap(nil, next) {
				g.used.Add(1)
				g.count.Inc()
				return nil, updateOp
			}
			// lost the slot, possibly to an equal key: probe again
		case deleteOp:
			if cur == nil {
				return nil, cancelOp
			}
			if g.slots[idx].CompareAndSwap(cur, g.removed) {
				g.count.Dec()
				return cur, deleteOp
			}
		default:
			return cur, cancelOp
		}
	}
}

// TryAdd inserts key and value unless an entry whose key satisfies match
// already exists.
//
// Returns:
//   - existing: the value already stored when added is false
//   - added: true if this call inserted the entry
func (t *Table[K, V]) TryAdd(
	hash uintptr,
	match func(K) bool,
	key K,
	value V,
) (existing V, added bool) {
	cur, op := t.compute(hash, match, key,
		func(cur *slot[K, V]) (computeOp, V) {
			if cur != nil {
				return cancelOp, value
			}
			return updateOp, value
		},
	)
	if op == updateOp {
		return *new(V), true
	}
	return cur.value, false
}

// AddNew inserts key and value, or returns an error wrapping
// ErrDuplicateKey if an entry whose key satisfies match already exists.
func (t *Table[K, V]) AddNew(
	hash uintptr,
	match func(K) bool,
	key K,
	value V,
) error {
	if _, added := t.TryAdd(hash, match, key, value); !added {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	return nil
}

// GetOrAdd returns the existing value for the entry whose key satisfies
// match, or inserts key and value. The loaded result is true if the value
// was loaded, false if stored.
func (t *Table[K, V]) GetOrAdd(
	hash uintptr,
	match func(K) bool,
	key K,
	value V,
) (actual V, loaded bool) {
	if e := t.lookup(hash, match); e != nil {
		return e.value, true
	}
	existing, added := t.TryAdd(hash, match, key, value)
	if added {
		return value, false
	}
	return existing, true
}

// GetOrAddFn is like GetOrAdd but only calls valueFn once a probe has
// reached a free slot. The produced value is reused if the insert has to
// be retried, so every caller that stores sees its own single call; racing
// callers for an equal key may each call valueFn, and all of them return
// the value that won.
func (t *Table[K, V]) GetOrAddFn(
	hash uintptr,
	match func(K) bool,
	key K,
	valueFn func() V,
) (actual V, loaded bool) {
	if e := t.lookup(hash, match); e != nil {
		return e.value, true
	}
	var (
		created bool
		value   V
	)
	cur, op := t.compute(hash, match, key,
		func(cur *slot[K, V]) (computeOp, V) {
			if cur != nil {
				return cancelOp, value
			}
			if !created {
				value = valueFn()
				created = true
			}
			return updateOp, value
		},
	)
	if op == updateOp {
		return value, false
	}
	return cur.value, true
}

// Set stores value under the entry whose key satisfies match, inserting
// key if there is none. When an entry is replaced its stored key is kept.
func (t *Table[K, V]) Set(
	hash uintptr,
	match func(K) bool,
	key K,
	value V,
) (isNew bool) {
	cur, _ := t.compute(hash, match, key,
		func(*slot[K, V]) (computeOp, V) {
			return updateOp, value
		},
	)
	return cur == nil
}

// TryUpdate replaces the value of an existing entry when its current value
// satisfies matchValue (nil matches any value).
func (t *Table[K, V]) TryUpdate(
	hash uintptr,
	match func(K) bool,
	value V,
	matchValue func(V) bool,
) (previous V, updated bool) {
	cur, op := t.compute(hash, match, *new(K),
		func(cur *slot[K, V]) (computeOp, V) {
			if cur == nil || (matchValue != nil && !matchValue(cur.value)) {
				return cancelOp, value
			}
			return updateOp, value
		},
	)
	if op != updateOp {
		return *new(V), false
	}
	return cur.value, true
}

// TryRemove tombstones the entry whose key satisfies match and returns its
// stored key and value.
func (t *Table[K, V]) TryRemove(
	hash uintptr,
	match func(K) bool,
) (key K, value V, ok bool) {
	return t.TryRemovePair(hash, match, nil)
}

// TryRemovePair is like TryRemove but only removes the entry when its value
// satisfies matchValue (nil matches any value).
func (t *Table[K, V]) TryRemovePair(
	hash uintptr,
	match func(K) bool,
	matchValue func(V) bool,
) (key K, value V, ok bool) {
	cur, op := t.compute(hash, match, *new(K),
		func(cur *slot[K, V]) (computeOp, V) {
			if cur == nil || (matchValue != nil && !matchValue(cur.value)) {
				return cancelOp, *new(V)
			}
			return deleteOp, *new(V)
		},
	)
	if op != deleteOp {
		return *new(K), *new(V), false
	}
	return cur.key, cur.value, true
}

// ============================================================================
// Sweeps and enumeration
// ============================================================================

// RemovedWhereKey returns a lazy, single-pass sequence that tombstones every
// entry whose stored key satisfies pred and yields it after its removal
// succeeded. Two concurrent sweeps never yield the same entry.
//
// Entries inserted or changed while the sweep runs may be missed.
func (t *Table[K, V]) RemovedWhereKey(pred func(K) bool) iter.Seq2[K, V] {
	mustMatch(pred)
	return t.removedWhere(func(e *slot[K, V]) bool { return pred(e.key) })
}

// RemovedWhereValue is like RemovedWhereKey with a predicate over values.
func (t *Table[K, V]) RemovedWhereValue(pred func(V) bool) iter.Seq2[K, V] {
	if pred == nil {
		panic(fmt.Errorf("%w: nil value predicate", ErrInvalidArgument))
	}
	return t.removedWhere(func(e *slot[K, V]) bool { return pred(e.value) })
}

// RemoveWhereKey removes every entry whose stored key satisfies pred and
// returns how many it removed.
func (t *Table[K, V]) RemoveWhereKey(pred func(K) bool) int {
	n := 0
	for range t.RemovedWhereKey(pred) {
		n++
	}
	return n
}

// RemoveWhereValue removes every entry whose value satisfies pred and
// returns how many it removed.
func (t *Table[K, V]) RemoveWhereValue(pred func(V) bool) int {
	n := 0
	for range t.RemovedWhereValue(pred) {
		n++
	}
	return n
}

func (t *Table[K, V]) removedWhere(pred func(*slot[K, V]) bool) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		g := t.generation()
		for {
			restart, stop := t.sweep(g, pred, yield)
			if stop || !restart {
				return
			}
			t.waitRebuild()
			g = t.generation()
		}
	}
}

// sweep tombstones matching entries of one generation. It asks for a
// restart when the generation gets retired under it; entries it already
// removed are not copied, so the restart cannot yield them again.
func (t *Table[K, V]) sweep(
	g *generation[K, V],
	pred func(*slot[K, V]) bool,
	yield func(K, V) bool,
) (restart, stop bool) {
	for i := range g.slots {
		for {
			s := g.slots[i].Load()
			if s == nil || s.state == slotRemoved {
				break
			}
			if s.moved() {
				return true, false
			}
			if !pred(s) {
				break
			}
			if g.slots[i].CompareAndSwap(s, g.removed) {
				g.count.Dec()
				if !yield(s.key, s.value) {
					return false, true
				}
				break
			}
		}
	}
	return false, false
}

// All returns a weakly consistent iterator over the live entries.
//
// It walks the generation that was current when iteration started and
// yields each slot at most once; entries inserted after the start may be
// missed. It never blocks writers.
func (t *Table[K, V]) All() iter.Seq2[K, V] {
	return t.Range
}

// Range calls yield for each live entry until yield returns false.
// See All for consistency guarantees.
func (t *Table[K, V]) Range(yield func(key K, value V) bool) {
	g := t.gen.Load()
	if g == nil {
		return
	}
	for i := range g.slots {
		if s := g.slots[i].Load(); s != nil && s.live() {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Where returns a weakly consistent iterator over the entries whose stored
// key satisfies pred. It is not guaranteed to find every match under
// concurrent mutation.
func (t *Table[K, V]) Where(pred func(K) bool) iter.Seq2[K, V] {
	mustMatch(pred)
	return func(yield func(K, V) bool) {
		for k, v := range t.Range {
			if pred(k) && !yield(k, v) {
				return
			}
		}
	}
}

// Drain atomically replaces the contents with an empty generation and
// returns a single-use sequence over every entry that was stored at that
// moment. The swap happens when Drain is called; the sequence yields each
// entry once and is empty on any later iteration. Breaking out of a range
// leaves the remaining entries for the next one. The sequence may be
// ranged from several goroutines: each entry still goes to exactly one.
func (t *Table[K, V]) Drain() iter.Seq2[K, V] {
	var live []*slot[K, V]
	t.exclusive(func(g *generation[K, V]) *generation[K, V] {
		live = g.freeze()
		return newGeneration[K, V](max(t.minLen, minTableLen))
	})
	var rest atomic.Pointer[[]*slot[K, V]]
	rest.Store(&live)
	return func(yield func(K, V) bool) {
		p := rest.Swap(nil)
		if p == nil {
			return
		}
		entries := *p
		for i, e := range entries {
			if !yield(e.key, e.value) {
				if tail := entries[i+1:]; len(tail) > 0 {
					rest.Store(&tail)
				}
				return
			}
		}
	}
}

// Clear removes all entries.
func (t *Table[K, V]) Clear() {
	t.exclusive(func(g *generation[K, V]) *generation[K, V] {
		g.freeze()
		return newGeneration[K, V](max(t.minLen, minTableLen))
	})
}

// Count returns the approximate number of live entries.
func (t *Table[K, V]) Count() int {
	g := t.gen.Load()
	if g == nil {
		return 0
	}
	return int(max(g.count.Value(), 0))
}

// Capacity returns the number of slots of the current generation.
func (t *Table[K, V]) Capacity() int {
	g := t.gen.Load()
	if g == nil {
		return 0
	}
	return len(g.slots)
}

// ============================================================================
// Rebuild
// ============================================================================

func (t *Table[K, V]) beginRebuild() (*rebuildState, bool) {
	rs := new(rebuildState)
	rs.wg.Add(1)
	if !t.rs.CompareAndSwap(nil, rs) {
		return nil, false
	}
	return rs, true
}

func (t *Table[K, V]) endRebuild(rs *rebuildState) {
	t.rs.Store(nil)
	rs.wg.Done()
}

// waitRebuild blocks while a rebuild is in flight. A rebuild publishes its
// generation before it clears rs, so a caller that met a moved slot finds
// the replacement once this returns.
func (t *Table[K, V]) waitRebuild() {
	if rs := t.rs.Load(); rs != nil {
		rs.wg.Wait()
	}
}

// rebuild replaces g with a generation sized for its live entries,
// dropping tombstones. Only one goroutine rebuilds; the rest wait for it.
func (t *Table[K, V]) rebuild(g *generation[K, V]) {
	rs, ok := t.beginRebuild()
	if !ok {
		t.waitRebuild()
		return
	}
	if t.gen.Load() != g {
		t.endRebuild(rs)
		return
	}
	live := g.freeze()
	ng := newGeneration[K, V](max(t.minLen, calcTableLen(len(live)+1)))
	ng.fill(live)
	if len(ng.slots) > len(g.slots) {
		t.growths.Add(1)
	}
	t.gen.Store(ng)
	t.endRebuild(rs)
}

// exclusive runs fn as a rebuild of the current generation, waiting for
// any other rebuild to finish first. fn returns the replacement.
func (t *Table[K, V]) exclusive(fn func(g *generation[K, V]) *generation[K, V]) {
	for {
		rs, ok := t.beginRebuild()
		if !ok {
			t.waitRebuild()
			continue
		}
		t.gen.Store(fn(t.generation()))
		t.endRebuild(rs)
		return
	}
}
