package threadsafe

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/llxisdsh/pb"
	"golang.org/x/sync/errgroup"
)

// Notifier is an eviction trigger: a process-wide or private event source
// that calls its subscribers with no payload.
//
// GCNotifier fires after garbage collection cycles. NewNotifier returns
// one that only fires when pumped, either by Notify or by StartTicker.
// Subscribers must not assume timeliness: a notification arrives at some
// point after the event, on an unspecified goroutine, or possibly never.
//
// The registry holds subscriptions weakly. A subscriber that drops its
// *Subscription without closing it simply stops being called once the
// subscription is collected.
type Notifier struct {
	_           noCopy
	subs        pb.MapOf[uint64, weak.Pointer[Subscription]]
	nextID      atomic.Uint64
	fired       atomic.Uint64
	dispatching atomic.Bool
	pending     atomic.Bool
}

// Subscription is the token returned by Notifier.Subscribe. Keep it
// reachable for as long as the callback should run.
type Subscription struct {
	id     uint64
	fn     func()
	n      *Notifier
	closed atomic.Bool
}

// NewNotifier creates a Notifier that fires only when pumped.
func NewNotifier() *Notifier {
	return &Notifier{}
}

var gcNotifier = sync.OnceValue(func() *Notifier {
	n := NewNotifier()
	n.armGC()
	return n
})

// GCNotifier returns the process-wide Notifier that fires after garbage
// collection cycles.
func GCNotifier() *Notifier {
	return gcNotifier()
}

// gcSentinel carries a pointer so it is never tiny-allocated next to
// unrelated objects, which would delay its collection.
type gcSentinel struct {
	_ *byte
}

// armGC allocates an unreachable sentinel whose cleanup runs after the
// next collection; the cleanup notifies and re-arms.
func (n *Notifier) armGC() {
	runtime.AddCleanup(&gcSentinel{}, func(n *Notifier) {
		n.notifyAsync()
		n.armGC()
	}, n)
}

// notifyAsync dispatches on a fresh goroutine. Notifications that arrive
// while a dispatch is running are coalesced into one more dispatch.
func (n *Notifier) notifyAsync() {
	n.pending.Store(true)
	if !n.dispatching.CompareAndSwap(false, true) {
		return
	}
	go n.dispatchPending()
}

func (n *Notifier) dispatchPending() {
	for {
		for n.pending.Swap(false) {
			n.Notify()
		}
		n.dispatching.Store(false)
		// A notifyAsync between the last Swap and the Store saw
		// dispatching set and left its notification to us.
		if !n.pending.Load() || !n.dispatching.CompareAndSwap(false, true) {
			return
		}
	}
}

// Subscribe registers fn and returns its subscription. fn must be safe to
// call concurrently with itself and with the subscriber's own operations.
func (n *Notifier) Subscribe(fn func()) *Subscription {
	if fn == nil {
		panic(fmt.Errorf("%w: nil notification callback", ErrInvalidArgument))
	}
	s := &Subscription{id: n.nextID.Add(1), fn: fn, n: n}
	n.subs.Store(s.id, weak.Make(s))
	return s
}

// Notify calls every live subscriber and waits for all of them to return.
// Subscribers run concurrently, at most GOMAXPROCS at a time.
func (n *Notifier) Notify() {
	var (
		live    []*Subscription
		expired []uint64
	)
	n.subs.Range(func(id uint64, wp weak.Pointer[Subscription]) bool {
		if s := wp.Value(); s != nil {
			live = append(live, s)
		} else {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		n.subs.Delete(id)
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, s := range live {
		if s.closed.Load() {
			continue
		}
		g.Go(func() error {
			s.fn()
			return nil
		})
	}
	_ = g.Wait()
	n.fired.Add(1)
}

// StartTicker pumps the notifier every d until the returned stop function
// is called. stop is idempotent.
func (n *Notifier) StartTicker(d time.Duration) (stop func()) {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.Notify()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Subscribers returns the number of registered subscriptions, including
// ones whose owners were collected but have not been pruned yet.
func (n *Notifier) Subscribers() int {
	return n.subs.Size()
}

// Notifications returns how many dispatch rounds have completed.
func (n *Notifier) Notifications() uint64 {
	return n.fired.Load()
}

// Close unregisters the subscription. Safe to call more than once and
// concurrently with a dispatch; a dispatch already in flight may still
// make one last call.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.n.subs.Delete(s.id)
	}
}

// Active reports whether the subscription has not been closed.
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}
