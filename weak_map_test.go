package threadsafe

import (
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/llxisdsh/threadsafe/internal/opt"
)

// needleRecorder hands out needles whose liveness the test controls.
type needleRecorder struct {
	mu       sync.Mutex
	dead     map[*point]*atomic.Bool
	created  atomic.Int32
	disposed atomic.Int32
}

type fakeNeedle struct {
	r        *needleRecorder
	target   *point
	dead     *atomic.Bool
	disposed atomic.Bool
}

func newNeedleRecorder() *needleRecorder {
	return &needleRecorder{dead: make(map[*point]*atomic.Bool)}
}

func (r *needleRecorder) factory(target *point) Needle[point] {
	r.mu.Lock()
	dead, ok := r.dead[target]
	if !ok {
		dead = new(atomic.Bool)
		r.dead[target] = dead
	}
	r.mu.Unlock()
	r.created.Add(1)
	return &fakeNeedle{r: r, target: target, dead: dead}
}

// kill makes every needle of target report a collected key.
func (r *needleRecorder) kill(target *point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dead, ok := r.dead[target]; ok {
		dead.Store(true)
	}
}

// outstanding is the number of needles created and not disposed.
func (r *needleRecorder) outstanding() int {
	return int(r.created.Load() - r.disposed.Load())
}

func (n *fakeNeedle) IsAlive() bool {
	_, ok := n.TryGetTarget()
	return ok
}

func (n *fakeNeedle) TryGetTarget() (*point, bool) {
	if n.dead.Load() || n.disposed.Load() {
		return nil, false
	}
	return n.target, true
}

func (n *fakeNeedle) Dispose() {
	if n.disposed.CompareAndSwap(false, true) {
		n.r.disposed.Add(1)
	}
}

func newRecordedWeakMap(r *needleRecorder, options ...func(*Config)) *WeakMap[point, int] {
	options = append(options, WithNeedleFactory(NeedleFactory[point](r.factory)))
	return NewWeakMap[point, int](options...)
}

func expectInvalidArgument(t *testing.T) {
	t.Helper()
	err, ok := recover().(error)
	if !ok || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("recovered %v, want ErrInvalidArgument", err)
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestWeakMap_Basic(t *testing.T) {
	m := NewWeakMap[point, string]()
	k1 := &point{x: 1, name: "one"}
	k2 := &point{x: 2, name: "two"}

	if !m.TryAdd(k1, "a") {
		t.Fatal("TryAdd failed")
	}
	if m.TryAdd(k1, "b") {
		t.Fatal("TryAdd duplicate succeeded")
	}
	if v, ok := m.Get(k1); !ok || v != "a" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	// the default comparer uses identity
	if m.ContainsKey(&point{x: 1, name: "one"}) {
		t.Fatal("equal but distinct key found")
	}
	if !m.Set(k2, "c") {
		t.Fatal("Set on missing key should be new")
	}
	if m.Set(k2, "d") {
		t.Fatal("Set on existing key reported new")
	}
	if !m.TryUpdate(k2, "e", func(v string) bool { return v == "d" }) {
		t.Fatal("TryUpdate failed")
	}
	if m.TryUpdate(k2, "f", func(v string) bool { return v == "d" }) {
		t.Fatal("TryUpdate with stale value succeeded")
	}
	if n := m.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if v, removed := m.Remove(k2); !removed || v != "e" {
		t.Fatalf("Remove = %q, %v", v, removed)
	}
	if m.RemovePair(k1, func(v string) bool { return v == "zzz" }) {
		t.Fatal("RemovePair with mismatching value succeeded")
	}
	if !m.RemovePair(k1, nil) {
		t.Fatal("RemovePair failed")
	}
	if n := m.Count(); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
	runtime.KeepAlive(k1)
	runtime.KeepAlive(k2)
}

func TestWeakMap_AddNew(t *testing.T) {
	m := NewWeakMap[point, int]()
	k := &point{x: 1}
	if err := m.AddNew(k, 1); err != nil {
		t.Fatalf("AddNew: %v", err)
	}
	if err := m.AddNew(k, 2); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("AddNew duplicate err = %v", err)
	}
	if err := m.AddNew(nil, 3); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("AddNew(nil) err = %v", err)
	}
	if v, _ := m.Get(k); v != 1 {
		t.Fatalf("Get = %d, want 1", v)
	}
}

func TestWeakMap_NilKeyPanics(t *testing.T) {
	m := NewWeakMap[point, int]()
	ops := map[string]func(){
		"Get":         func() { m.Get(nil) },
		"ContainsKey": func() { m.ContainsKey(nil) },
		"TryAdd":      func() { m.TryAdd(nil, 1) },
		"GetOrAdd":    func() { m.GetOrAdd(nil, 1) },
		"Set":         func() { m.Set(nil, 1) },
		"Remove":      func() { m.Remove(nil) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			defer expectInvalidArgument(t)
			op()
		})
	}
}

func TestWeakMap_DeadKeyIsInvisibleUntilSwept(t *testing.T) {
	r := newNeedleRecorder()
	m := newRecordedWeakMap(r)
	k1 := &point{x: 1}
	k2 := &point{x: 2}
	m.Set(k1, 1)
	m.Set(k2, 2)

	r.kill(k1)
	if _, ok := m.Get(k1); ok {
		t.Fatal("dead key found")
	}
	if m.ContainsKey(k1) {
		t.Fatal("ContainsKey reported a dead key")
	}
	if n := m.Count(); n != 2 {
		t.Fatalf("Count = %d, dead entries count until swept", n)
	}
	keys := slices.Collect(m.Keys())
	if len(keys) != 1 || keys[0] != k2 {
		t.Fatalf("Keys = %v", keys)
	}
	if m.TryUpdate(k1, 10, nil) {
		t.Fatal("TryUpdate reached a dead key")
	}
	if _, removed := m.Remove(k1); removed {
		t.Fatal("Remove reached a dead key")
	}

	if n := m.RemoveDeadItems(); n != 1 {
		t.Fatalf("RemoveDeadItems = %d, want 1", n)
	}
	if n := m.RemoveDeadItems(); n != 0 {
		t.Fatalf("second RemoveDeadItems = %d, want 0", n)
	}
	if n := m.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	if o := r.outstanding(); o != 1 {
		t.Fatalf("%d needles outstanding, want 1", o)
	}
}

func TestWeakMap_NeedlesAreDisposed(t *testing.T) {
	r := newNeedleRecorder()
	m := newRecordedWeakMap(r)
	k := &point{x: 1}

	m.TryAdd(k, 1)
	m.TryAdd(k, 2) // rejected: its needle is disposed
	if o := r.outstanding(); o != 1 {
		t.Fatalf("after failed TryAdd: %d outstanding", o)
	}
	m.Set(k, 3) // replaces the value, keeps the stored needle
	if o := r.outstanding(); o != 1 {
		t.Fatalf("after Set: %d outstanding", o)
	}
	if v := m.GetOrAdd(k, 4); v != 3 {
		t.Fatalf("GetOrAdd = %d, want 3", v)
	}
	if v := m.GetOrAddFn(k, func() int { return 5 }); v != 3 {
		t.Fatalf("GetOrAddFn = %d, want 3", v)
	}
	if o := r.outstanding(); o != 1 {
		t.Fatalf("after GetOrAdd: %d outstanding", o)
	}
	m.Remove(k)
	if o := r.outstanding(); o != 0 {
		t.Fatalf("after Remove: %d outstanding", o)
	}

	for i := range 10 {
		m.Set(&point{x: i}, i)
	}
	m.Clear()
	if o := r.outstanding(); o != 0 {
		t.Fatalf("after Clear: %d outstanding", o)
	}
	if n := m.Count(); n != 0 {
		t.Fatalf("Count after Clear = %d", n)
	}
}

func TestWeakMap_ContentComparer(t *testing.T) {
	byX := NewComparer(
		func(p *point) uintptr { return uintptr(p.x) },
		func(a, b *point) bool { return a.x == b.x },
	)
	m := NewWeakMap[point, string](WithComparer(byX))
	stored := &point{x: 7, name: "stored"}
	m.Set(stored, "seven")
	if v, ok := m.Get(&point{x: 7, name: "probe"}); !ok || v != "seven" {
		t.Fatalf("Get by content = %q, %v", v, ok)
	}
	if m.TryAdd(&point{x: 7}, "again") {
		t.Fatal("TryAdd with an equal key succeeded")
	}
	for k := range m.Keys() {
		if k != stored {
			t.Fatal("stored key was replaced")
		}
	}
	runtime.KeepAlive(stored)
}

func TestWeakMap_Predicates(t *testing.T) {
	r := newNeedleRecorder()
	m := newRecordedWeakMap(r)
	keys := make([]*point, 10)
	for i := range keys {
		keys[i] = &point{x: i}
		m.Set(keys[i], i*10)
	}
	var odd []int
	for k, v := range m.Where(func(k *point) bool { return k.x%2 == 1 }) {
		if v != k.x*10 {
			t.Fatalf("key %d has value %d", k.x, v)
		}
		odd = append(odd, k.x)
	}
	slices.Sort(odd)
	if !slices.Equal(odd, []int{1, 3, 5, 7, 9}) {
		t.Fatalf("Where = %v", odd)
	}

	r.kill(keys[0])
	r.kill(keys[1])
	// dead keys are never handed to the key predicate
	n := m.RemoveWhereKey(func(k *point) bool {
		if k == keys[0] || k == keys[1] {
			t.Errorf("predicate saw dead key %d", k.x)
		}
		return k.x < 4
	})
	if n != 2 {
		t.Fatalf("RemoveWhereKey = %d, want 2", n)
	}
	// value predicates also reach dead entries
	if n := m.RemoveWhereValue(func(v int) bool { return v < 10 }); n != 1 {
		t.Fatalf("RemoveWhereValue = %d, want 1", n)
	}
	if n := m.Count(); n != 7 {
		t.Fatalf("Count = %d, want 7", n)
	}
	values := slices.Sorted(m.Values())
	if len(values) != 6 || values[0] != 40 {
		t.Fatalf("Values = %v", values)
	}
	if o := r.outstanding(); o != 7 {
		t.Fatalf("%d needles outstanding, want 7", o)
	}
}

func TestWeakMap_AutoRemoveWithManualNotifier(t *testing.T) {
	r := newNeedleRecorder()
	n := NewNotifier()
	m := newRecordedWeakMap(r, WithNotifier(n), WithAutoRemoveDeadItems(true))
	if !m.AutoRemoveDeadItems() {
		t.Fatal("AutoRemoveDeadItems = false")
	}
	m.SetAutoRemoveDeadItems(true)
	if s := n.Subscribers(); s != 1 {
		t.Fatalf("Subscribers = %d, want 1", s)
	}

	k := &point{x: 1}
	m.Set(k, 1)
	r.kill(k)
	n.Notify()
	if c := m.Count(); c != 0 {
		t.Fatalf("Count after notification = %d, want 0", c)
	}

	m.SetAutoRemoveDeadItems(false)
	if m.AutoRemoveDeadItems() || n.Subscribers() != 0 {
		t.Fatal("disable did not unsubscribe")
	}
	k2 := &point{x: 2}
	m.Set(k2, 2)
	r.kill(k2)
	n.Notify()
	if c := m.Count(); c != 1 {
		t.Fatalf("Count = %d, unsubscribed map was swept", c)
	}

	m.SetAutoRemoveDeadItems(true)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n.Subscribers() != 0 || m.AutoRemoveDeadItems() {
		t.Fatal("Close did not unsubscribe")
	}
	m.SetAutoRemoveDeadItems(true)
	if m.AutoRemoveDeadItems() {
		t.Fatal("closed map subscribed again")
	}
	if c := m.RemoveDeadItems(); c != 1 {
		t.Fatalf("RemoveDeadItems after Close = %d, want 1", c)
	}
}

//go:noinline
func setUnreachableKeys(m *WeakMap[point, int], n int) {
	for i := range n {
		m.Set(&point{x: i, name: "temporary"}, i)
	}
}

func TestWeakMap_CollectedKeysAreSweptOnGC(t *testing.T) {
	m := NewWeakMap[point, int](WithAutoRemoveDeadItems(true))
	defer m.Close()
	kept := &point{x: -1, name: "kept"}
	m.Set(kept, -1)
	setUnreachableKeys(m, 100)

	waitFor(t, 10*time.Second, func() bool {
		runtime.GC()
		return m.Count() == 1
	})
	if v, ok := m.Get(kept); !ok || v != -1 {
		t.Fatalf("kept key lost: %d, %v", v, ok)
	}
	runtime.KeepAlive(kept)
}

func TestWeakMap_ExplicitSweepWithoutNotifier(t *testing.T) {
	m := NewWeakMap[point, int](WithAutoRemoveDeadItems(false))
	setUnreachableKeys(m, 10)
	swept := 0
	ok := collected(func() bool {
		swept += m.RemoveDeadItems()
		return swept == 10
	})
	if !ok {
		t.Fatalf("swept %d of 10 dead entries", swept)
	}
	if n := m.Count(); n != 0 {
		t.Fatalf("Count = %d", n)
	}
}

// dropSubscribedWeakMap builds a subscribed map, drops it, and returns a
// weak handle on its subscription.
//
//go:noinline
func dropSubscribedWeakMap(t *testing.T, n *Notifier) weak.Pointer[Subscription] {
	m := NewWeakMap[point, int](WithNotifier(n), WithAutoRemoveDeadItems(true))
	m.Set(&point{x: 1}, 1)
	if s := n.Subscribers(); s != 1 {
		t.Fatalf("Subscribers = %d, want 1", s)
	}
	m.mu.Lock()
	sub := weak.Make(m.sub)
	m.mu.Unlock()
	runtime.KeepAlive(m)
	return sub
}

func TestWeakMap_CollectedMapUnsubscribes(t *testing.T) {
	n := NewNotifier()
	sub := dropSubscribedWeakMap(t, n)
	// The map's cleanup is the last strong holder of the subscription and
	// closes it, so the subscription only dies after it was unregistered.
	waitFor(t, 10*time.Second, func() bool {
		runtime.GC()
		return sub.Value() == nil
	})
	if opt.Race_ {
		// pb.MapOf reads its buckets without the race detector's
		// happens-before edges, and the GC gives none to the cleanup.
		return
	}
	if s := n.Subscribers(); s != 0 {
		t.Fatalf("Subscribers = %d, want 0", s)
	}
}

func TestWeakMap_ConcurrentGetOrAdd(t *testing.T) {
	const workers = 16
	r := newNeedleRecorder()
	m := newRecordedWeakMap(r)
	k := &point{x: 42}
	results := make([]int, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := range workers {
		go func() {
			defer wg.Done()
			results[w] = m.GetOrAdd(k, w)
		}()
	}
	wg.Wait()
	for w := range workers {
		if results[w] != results[0] {
			t.Fatalf("worker %d saw %d, worker 0 saw %d", w, results[w], results[0])
		}
	}
	if o := r.outstanding(); o != 1 {
		t.Fatalf("%d needles outstanding, want 1", o)
	}
	if c := m.Count(); c != 1 {
		t.Fatalf("Count = %d, want 1", c)
	}
}

func TestWeakMap_ConcurrentChurnAndSweep(t *testing.T) {
	r := newNeedleRecorder()
	m := newRecordedWeakMap(r)
	const workers = 4
	const perWorker = 2000
	keys := make([][]*point, workers)
	for w := range keys {
		keys[w] = make([]*point, perWorker)
		for i := range keys[w] {
			keys[w][i] = &point{x: w*perWorker + i}
		}
	}
	var wg sync.WaitGroup
	wg.Add(workers + 1)
	for w := range workers {
		go func() {
			defer wg.Done()
			for i, k := range keys[w] {
				m.Set(k, i)
				if i%2 == 0 {
					r.kill(k)
				}
			}
		}()
	}
	go func() {
		defer wg.Done()
		for range 50 {
			m.RemoveDeadItems()
		}
	}()
	wg.Wait()
	m.RemoveDeadItems()
	if c := m.Count(); c != workers*perWorker/2 {
		t.Fatalf("Count = %d, want %d", c, workers*perWorker/2)
	}
	for w := range keys {
		for i, k := range keys[w] {
			if _, ok := m.Get(k); ok != (i%2 == 1) {
				t.Fatalf("key %d present = %v", k.x, ok)
			}
		}
	}
	if o := r.outstanding(); o != workers*perWorker/2 {
		t.Fatalf("%d needles outstanding", o)
	}
}
