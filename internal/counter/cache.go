// Package counter keeps the broker's per-variant pending-task estimates.
//
// The cache is an optimization, not a source of truth: values may drift from
// the task store between resyncs and may go negative. Every successful
// mutation notifies registered listeners with the variant and its new value.
package counter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store is the durable key/value backend behind a Cache.
type Store interface {
	Get(ctx context.Context, variant string) (int64, bool, error)
	Set(ctx context.Context, variant string, value int64) error
	// Add applies delta atomically and returns the new value.
	Add(ctx context.Context, variant string, delta int64) (int64, error)
	All(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Change describes a mutation of one counter.
type Change struct {
	Variant string
	Value   int64
}

// Listener receives change notifications. It runs on the mutating goroutine
// and must not block.
type Listener func(Change)

// Cache wraps a Store with change notification.
type Cache struct {
	store  Store
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewCache wires a Cache over store.
func NewCache(store Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger}
}

// OnChange registers fn for every future mutation.
func (c *Cache) OnChange(fn Listener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Get returns the counter for variant; missing variants read as zero.
func (c *Cache) Get(ctx context.Context, variant string) (int64, error) {
	v, _, err := c.store.Get(ctx, variant)
	if err != nil {
		return 0, fmt.Errorf("get counter %q: %w", variant, err)
	}
	return v, nil
}

// Set overwrites the counter for variant.
func (c *Cache) Set(ctx context.Context, variant string, value int64) error {
	if err := c.store.Set(ctx, variant, value); err != nil {
		return fmt.Errorf("set counter %q: %w", variant, err)
	}
	c.notify(Change{Variant: variant, Value: value})
	return nil
}

// Increment adds one to the counter for variant.
func (c *Cache) Increment(ctx context.Context, variant string) (int64, error) {
	return c.add(ctx, variant, 1)
}

// Decrement subtracts one from the counter for variant. The result may be
// negative when the cache has drifted.
func (c *Cache) Decrement(ctx context.Context, variant string) (int64, error) {
	return c.add(ctx, variant, -1)
}

// Keys returns every tracked variant in sorted order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	all, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Snapshot returns a copy of every counter.
func (c *Cache) Snapshot(ctx context.Context) (map[string]int64, error) {
	all, err := c.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return all, nil
}

// Close releases the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) add(ctx context.Context, variant string, delta int64) (int64, error) {
	v, err := c.store.Add(ctx, variant, delta)
	if err != nil {
		return 0, fmt.Errorf("add %d to counter %q: %w", delta, variant, err)
	}
	if v < 0 {
		c.logger.Debug("counter below zero", zap.String("variant", variant), zap.Int64("value", v))
	}
	c.notify(Change{Variant: variant, Value: v})
	return v, nil
}

func (c *Cache) notify(change Change) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		c.safeCall(fn, change)
	}
}

func (c *Cache) safeCall(fn Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("counter listener panicked",
				zap.String("variant", change.Variant),
				zap.Any("panic", r),
			)
		}
	}()
	fn(change)
}
