// Package keymutex provides mutual exclusion keyed by arbitrary strings.
//
// Waiters on the same key are queued on a one-slot channel, which the Go
// runtime services in arrival order, so no waiter starves. Entries are
// reference counted and dropped once the last holder or waiter leaves.
package keymutex

import (
	"context"
	"strings"
	"sync"
)

// Mutex serializes critical sections that share a key.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

// New returns an empty Mutex.
func New() *Mutex {
	return &Mutex{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key; extra calls are no-ops.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.unref(key, e)
		})
	}, nil
}

// Do runs fn while holding key. Errors from fn are returned unchanged.
func (m *Mutex) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// WithLock runs fn while holding key and returns its result.
func WithLock[T any](ctx context.Context, m *Mutex, key string, fn func(context.Context) (T, error)) (T, error) {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	defer unlock()
	return fn(ctx)
}

// Len reports how many keys are currently held or awaited.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Mutex) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Mutex) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

var escaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func join(prefix string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(escaper.Replace(p))
	}
	return b.String()
}

// TaskCreateKey guards creation of (namespace, key).
func TaskCreateKey(namespace, key string) string {
	return join("task-create", namespace, key)
}

// TaskKey guards mutation of a single task.
func TaskKey(namespace, taskID string) string {
	return join("task", namespace, taskID)
}

// ClientKey guards mutation of a single worker record.
func ClientKey(namespace, clientID string) string {
	return join("client", namespace, clientID)
}
