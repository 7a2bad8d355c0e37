package threadsafe

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Performance and resizing configuration
const (
	// loadFactor: rebuild when non-empty slots (live + tombstones) exceed
	// this fraction of the slot array.
	loadFactor = 0.75
	// minTableLen: minimum number of slots
	minTableLen = 16
)

type slotState uint8

const (
	// slotOccupied holds a live entry.
	slotOccupied slotState = iota + 1
	// slotRemoved is a tombstone; never reused within a generation.
	slotRemoved
	// The moved states belong to a retired generation. They are written by
	// a rebuild and never change again.
	slotMovedEmpty
	slotMovedRemoved
	slotMoved // payload is still valid for readers
)

type probeResult uint8

const (
	probeFound probeResult = iota
	probeEmpty
	probeMoved
	probeFull
)

type computeOp uint8

const (
	cancelOp computeOp = iota
	updateOp
	deleteOp
)

// slot is an immutable table entry. A nil slot pointer means Empty.
// Fields are written before the pointer is published with CAS, so a
// reader that loads the pointer observes a complete entry.
type slot[K, V any] struct {
	hash  uintptr
	key   K
	value V
	state slotState
}

//go:nosplit
func (s *slot[K, V]) live() bool {
	return s.state == slotOccupied || s.state == slotMoved
}

//go:nosplit
func (s *slot[K, V]) moved() bool {
	return s.state >= slotMovedEmpty
}

// rebuildState represents the current state of a rebuild (grow, shrink,
// tombstone purge or clear).
type rebuildState struct {
	wg sync.WaitGroup
}

// generation is one slot array. Rebuilds replace the whole generation;
// the old one stays readable by anyone still holding it.
type generation[K, V any] struct {
	slots     []atomic.Pointer[slot[K, V]]
	mask      int
	threshold int64
	// used counts non-empty slots (live + tombstones).
	used atomic.Int64
	// count is the approximate number of live entries.
	count *xsync.Counter
	// shared sentinels for this generation
	removed      *slot[K, V]
	movedEmpty   *slot[K, V]
	movedRemoved *slot[K, V]
}

func newGeneration[K, V any](tableLen int) *generation[K, V] {
	return &generation[K, V]{
		slots:        make([]atomic.Pointer[slot[K, V]], tableLen),
		mask:         tableLen - 1,
		threshold:    int64(float64(tableLen) * loadFactor),
		count:        xsync.NewCounter(),
		removed:      &slot[K, V]{state: slotRemoved},
		movedEmpty:   &slot[K, V]{state: slotMovedEmpty},
		movedRemoved: &slot[K, V]{state: slotMovedRemoved},
	}
}

// calcTableLen computes the slot count for n live entries so that a fresh
// generation starts at most half full.
// return value must be a power of 2
//
//go:nosplit
func calcTableLen(n int) int {
	if n <= minTableLen/2 {
		return minTableLen
	}
	return nextPowOf2(n * 2)
}

//go:nosplit
func (g *generation[K, V]) index(hash uintptr) int {
	return int(spread(hash)) & g.mask
}

// probe walks the linear probe sequence for hash in a generation that
// accepts writes.
//
// Returns:
//   - probeFound: idx and cur point at the live matching entry
//   - probeEmpty: idx is the first Empty slot; no live match precedes it
//   - probeMoved: the generation is being retired
//   - probeFull: every slot was visited without a match or an Empty slot
func (g *generation[K, V]) probe(
	hash uintptr,
	match func(K) bool,
) (idx int, cur *slot[K, V], res probeResult) {
	i := g.index(hash)
	for n := 0; n <= g.mask; n++ {
		s := g.slots[i].Load()
		if s == nil {
			return i, nil, probeEmpty
		}
		switch s.state {
		case slotOccupied:
			if s.hash == hash && match(s.key) {
				return i, s, probeFound
			}
		case slotRemoved:
			// tombstones keep the probe going
		default:
			return i, nil, probeMoved
		}
		i = (i + 1) & g.mask
	}
	return -1, nil, probeFull
}

// lookup is the read-only probe. It never waits: a moved slot still
// carries the payload it had when the rebuild froze it, and moved reports
// that the caller may prefer a newer generation.
func (g *generation[K, V]) lookup(
	hash uintptr,
	match func(K) bool,
) (e *slot[K, V], moved bool) {
	i := g.index(hash)
	for n := 0; n <= g.mask; n++ {
		s := g.slots[i].Load()
		if s == nil {
			return nil, moved
		}
		switch s.state {
		case slotOccupied, slotMoved:
			if s.state == slotMoved {
				moved = true
			}
			if s.hash == hash && match(s.key) {
				return s, moved
			}
		case slotMovedEmpty:
			return nil, true
		case slotMovedRemoved:
			moved = true
		}
		i = (i + 1) & g.mask
	}
	return nil, moved
}

// freeze retires the generation: every slot is swapped for its moved
// counterpart with CAS, so a concurrent writer either lands before the
// freeze (and is collected here) or fails its CAS and retries elsewhere.
// Returns the live entries in slot order.
func (g *generation[K, V]) freeze() []*slot[K, V] {
	live := make([]*slot[K, V], 0, max(int(g.count.Value()), 0))
	for i := range g.slots {
		for {
			s := g.slots[i].Load()
			var next *slot[K, V]
			switch {
			case s == nil:
				next = g.movedEmpty
			case s.state == slotOccupied:
				next = &slot[K, V]{
					hash:  s.hash,
					key:   s.key,
					value: s.value,
					state: slotMoved,
				}
			case s.state == slotRemoved:
				next = g.movedRemoved
			default:
				// already frozen
				next = s
			}
			if next == s || g.slots[i].CompareAndSwap(s, next) {
				if next.state == slotMoved {
					live = append(live, next)
				}
				break
			}
		}
	}
	return live
}

// fill inserts entries into a generation nobody else can see yet.
func (g *generation[K, V]) fill(entries []*slot[K, V]) {
	for _, e := range entries {
		i := g.index(e.hash)
		for g.slots[i].Load() != nil {
			i = (i + 1) & g.mask
		}
		g.slots[i].Store(&slot[K, V]{
			hash:  e.hash,
			key:   e.key,
			value: e.value,
			state: slotOccupied,
		})
	}
	g.used.Store(int64(len(entries)))
	g.count.Add(int64(len(entries)))
}
