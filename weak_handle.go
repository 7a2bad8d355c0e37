package threadsafe

import (
	"fmt"
	"sync/atomic"
	"weak"
)

// Needle observes one object without owning it.
//
// Once TryGetTarget reports false it never reports true again for the
// same Needle. Dispose releases whatever the Needle needs to observe its
// target; it is idempotent and does not affect the target itself.
type Needle[T any] interface {
	IsAlive() bool
	TryGetTarget() (target *T, ok bool)
	Dispose()
}

// NeedleFactory wraps a key into a Needle. WeakMap calls it once per
// insertion attempt.
type NeedleFactory[T any] func(target *T) Needle[T]

// WeakHandle is the default Needle, built on weak.Pointer.
type WeakHandle[T any] struct {
	ptr atomic.Pointer[weak.Pointer[T]]
}

// NewWeakHandle creates a WeakHandle observing target.
// target must not be nil.
func NewWeakHandle[T any](target *T) *WeakHandle[T] {
	if target == nil {
		panic(fmt.Errorf("%w: nil weak handle target", ErrInvalidArgument))
	}
	wp := weak.Make(target)
	h := &WeakHandle[T]{}
	h.ptr.Store(&wp)
	return h
}

func newWeakNeedle[T any](target *T) Needle[T] {
	return NewWeakHandle(target)
}

// IsAlive reports whether the target has not been collected and the handle
// has not been disposed.
func (h *WeakHandle[T]) IsAlive() bool {
	_, ok := h.TryGetTarget()
	return ok
}

// TryGetTarget returns the target if it is still reachable.
func (h *WeakHandle[T]) TryGetTarget() (*T, bool) {
	wp := h.ptr.Load()
	if wp == nil {
		return nil, false
	}
	if v := wp.Value(); v != nil {
		return v, true
	}
	// collected: drop the weak pointer so the handle stays dead
	h.ptr.CompareAndSwap(wp, nil)
	return nil, false
}

// Dispose releases the weak pointer. Safe to call more than once.
func (h *WeakHandle[T]) Dispose() {
	h.ptr.Store(nil)
}
