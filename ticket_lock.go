package threadsafe

import (
	"sync/atomic"
)

// TicketLock is a fair, FIFO spin-lock for very small critical sections.
//
// Lock takes a ticket and spins (then sleeps, see delay) until its number
// is served; Unlock serves the next ticket. Goroutines therefore acquire
// the lock in the order they called Lock.
//
// WeakMap uses it to serialize changes to its notifier subscription, which
// touch a couple of fields and never block while holding it.
type TicketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the lock. Blocks until the lock is available.
func (l *TicketLock) Lock() {
	my := l.next.Add(1) - 1
	var spins int
	for l.serving.Load() != my {
		delay(&spins)
	}
}

// TryLock acquires the lock only if nobody holds or waits for it.
func (l *TicketLock) TryLock() bool {
	serving := l.serving.Load()
	return l.next.CompareAndSwap(serving, serving+1)
}

// Unlock releases the lock.
func (l *TicketLock) Unlock() {
	l.serving.Add(1)
}
