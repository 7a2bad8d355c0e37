package threadsafe

import (
	"fmt"
	"sync"

	"github.com/xyproto/env/v2"
)

// ============================================================================
// Configuration
// ============================================================================

// Config defines configurable options for Table, Map and WeakMap
// initialization.
type Config struct {
	// capacity provides an estimate of the expected number of entries.
	// This is used to pre-allocate the slot array with appropriate
	// capacity, reducing the need for resizing during initial population.
	// If zero or negative, the default minimum capacity will be used.
	// The actual capacity will be rounded up to the next power of 2.
	capacity int

	// autoRemove controls whether a WeakMap subscribes to its notifier
	// and sweeps dead entries on every notification.
	autoRemove bool

	// notifier is the eviction trigger a WeakMap subscribes to.
	// If nil, the process-wide GCNotifier is used.
	notifier *Notifier

	// comparer is a Comparer[K] for the key type; stored untyped and
	// checked against the key type during initialization.
	comparer any

	// needleFactory is a NeedleFactory[K] for WeakMap keys.
	needleFactory any
}

// Environment variables read once per process to seed the defaults of
// every Config.
const (
	EnvAutoRemoveDeadItems = "THREADSAFE_AUTO_REMOVE_DEAD_ITEMS"
	EnvMinCapacity         = "THREADSAFE_MIN_CAPACITY"
)

var envDefaults = sync.OnceValue(readEnvDefaults)

func readEnvDefaults() Config {
	return Config{
		capacity:   env.Int(EnvMinCapacity, 0),
		autoRemove: env.Bool(EnvAutoRemoveDeadItems),
	}
}

func newConfig(options []func(*Config)) *Config {
	cfg := envDefaults()
	for _, o := range options {
		o(&cfg)
	}
	return &cfg
}

// WithCapacity configures a new instance with capacity enough
// to hold cap entries. The capacity is treated as the minimal
// capacity, meaning that rebuilds never produce a smaller slot array.
// If cap is zero or negative, the value is ignored.
func WithCapacity(cap int) func(*Config) {
	return func(c *Config) {
		c.capacity = cap
	}
}

// WithAutoRemoveDeadItems controls whether a WeakMap sweeps dead entries
// automatically whenever its notifier fires. The default comes from the
// THREADSAFE_AUTO_REMOVE_DEAD_ITEMS environment variable.
func WithAutoRemoveDeadItems(enabled bool) func(*Config) {
	return func(c *Config) {
		c.autoRemove = enabled
	}
}

// WithNotifier sets the eviction trigger a WeakMap subscribes to when
// auto removal is enabled. Pass NewNotifier() to pump sweeps manually or
// from a ticker instead of from garbage collection cycles.
func WithNotifier(n *Notifier) func(*Config) {
	return func(c *Config) {
		c.notifier = n
	}
}

// WithComparer sets the key Comparer. T must match the key type of the
// collection being built: K for Map, *K for WeakMap.
//
// Usage:
//
//	byName := NewComparer(
//		func(u *User) uintptr { return uintptr(len(u.Name)) },
//		func(a, b *User) bool { return a.Name == b.Name },
//	)
//	m := NewWeakMap[User, int](WithComparer(byName))
//
// WithComparer panics with ErrInvalidArgument if comparer is nil.
func WithComparer[T any](comparer Comparer[T]) func(*Config) {
	if comparer == nil {
		panic(fmt.Errorf("%w: nil comparer", ErrInvalidArgument))
	}
	return func(c *Config) {
		c.comparer = comparer
	}
}

// WithNeedleFactory replaces the function a WeakMap uses to wrap keys.
// Mostly useful for tests that need to control key liveness.
func WithNeedleFactory[T any](factory NeedleFactory[T]) func(*Config) {
	return func(c *Config) {
		if factory != nil {
			c.needleFactory = factory
		}
	}
}

func comparerFor[T any](cfg *Config) Comparer[T] {
	if cfg.comparer == nil {
		return nil
	}
	comparer, ok := cfg.comparer.(Comparer[T])
	if !ok {
		panic(fmt.Errorf("%w: comparer %T does not compare %T",
			ErrInvalidArgument, cfg.comparer, *new(T)))
	}
	return comparer
}

func needleFactoryFor[T any](cfg *Config) NeedleFactory[T] {
	if cfg.needleFactory == nil {
		return nil
	}
	factory, ok := cfg.needleFactory.(NeedleFactory[T])
	if !ok {
		panic(fmt.Errorf("%w: needle factory %T does not wrap %T",
			ErrInvalidArgument, cfg.needleFactory, new(T)))
	}
	return factory
}
