package threadsafe

import "iter"

// Bag is an unordered concurrent collection of values that allows
// duplicates. It is backed by a Queue, so a single goroutine gets values
// back in insertion order, but callers must not rely on any order.
//
// The zero value is ready to use.
type Bag[T any] struct {
	q Queue[T]
}

// NewBag creates an empty Bag holding values.
func NewBag[T any](values ...T) *Bag[T] {
	b := &Bag[T]{}
	for _, v := range values {
		b.q.Add(v)
	}
	return b
}

// Add puts value into the bag.
func (b *Bag[T]) Add(value T) {
	b.q.Add(value)
}

// TryTake removes and returns some value, or reports false if the bag is
// empty.
func (b *Bag[T]) TryTake() (value T, ok bool) {
	return b.q.TryTake()
}

// TryPeek returns some value without removing it.
func (b *Bag[T]) TryPeek() (value T, ok bool) {
	return b.q.TryPeek()
}

// Count returns the approximate number of values in the bag.
func (b *Bag[T]) Count() int {
	return b.q.Count()
}

// IsEmpty reports whether the bag was empty at the moment of the call.
func (b *Bag[T]) IsEmpty() bool {
	return b.q.IsEmpty()
}

// Clear takes every value and returns how many were taken.
func (b *Bag[T]) Clear() int {
	n := 0
	for range b.q.Drain() {
		n++
	}
	return n
}

// All returns a weakly consistent iterator over the values without
// removing them.
func (b *Bag[T]) All() iter.Seq[T] {
	return b.q.All()
}

// Drain returns an iterator that takes values until the bag is empty.
func (b *Bag[T]) Drain() iter.Seq[T] {
	return b.q.Drain()
}
