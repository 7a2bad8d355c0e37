package threadsafe

import (
	"iter"
	"sync/atomic"

	"github.com/llxisdsh/threadsafe/internal/opt"
)

// Queue is an unbounded lock-free FIFO queue (Michael-Scott two-pointer
// queue).
//
// Producers and consumers never take a lock. Operations that do not race
// observe FIFO order; racing operations are ordered by some linearizable
// interleaving, not by wall-clock time.
//
// Notes:
//   - The zero value is ready to use.
//   - Queue must not be copied after first use.
type Queue[T any] struct {
	_     noCopy
	head  atomic.Pointer[queueNode[T]] // sentinel; head.next is the front
	_     [opt.PointerPad_]byte
	tail  atomic.Pointer[queueNode[T]]
	_     [opt.PointerPad_]byte
	count atomic.Int64
}

type queueNode[T any] struct {
	value T
	next  atomic.Pointer[queueNode[T]]
}

// NewQueue creates an empty Queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.lazyInit()
	return q
}

func (q *Queue[T]) lazyInit() {
	if q.tail.Load() != nil {
		return
	}
	q.head.CompareAndSwap(nil, new(queueNode[T]))
	q.tail.CompareAndSwap(nil, q.head.Load())
}

// Add appends value to the back of the queue. It always succeeds.
func (q *Queue[T]) Add(value T) {
	q.lazyInit()
	n := &queueNode[T]{value: value}
	var spins int
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// tail is lagging, help it along
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.count.Add(1)
			return
		}
		delay(&spins)
	}
}

// TryTake removes and returns the front value. It reports false when the
// queue is empty at the moment of the attempt; it never waits.
func (q *Queue[T]) TryTake() (value T, ok bool) {
	var spins int
	for {
		head := q.head.Load()
		if head == nil {
			return *new(T), false
		}
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return *new(T), false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			// next becomes the sentinel; its value is immutable once linked.
			q.count.Add(-1)
			return next.value, true
		}
		delay(&spins)
	}
}

// TryPeek returns the front value without removing it.
func (q *Queue[T]) TryPeek() (value T, ok bool) {
	head := q.head.Load()
	if head == nil {
		return *new(T), false
	}
	if next := head.next.Load(); next != nil {
		return next.value, true
	}
	return *new(T), false
}

// Count returns the approximate number of queued values.
func (q *Queue[T]) Count() int {
	return int(max(q.count.Load(), 0))
}

// IsEmpty reports whether the queue had no values at the moment of the
// call.
func (q *Queue[T]) IsEmpty() bool {
	head := q.head.Load()
	return head == nil || head.next.Load() == nil
}

// All returns a weakly consistent iterator over the queued values from
// front to back. It does not remove anything; values taken or added during
// the walk may or may not be seen.
func (q *Queue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		head := q.head.Load()
		if head == nil {
			return
		}
		for n := head.next.Load(); n != nil; n = n.next.Load() {
			if !yield(n.value) {
				return
			}
		}
	}
}

// Drain returns an iterator that takes values from the front until the
// queue is empty or iteration stops.
func (q *Queue[T]) Drain() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := q.TryTake()
			if !ok || !yield(v) {
				return
			}
		}
	}
}
