/*
Package lock provides per-key mutual exclusion for balance mutations.

PURPOSE:
  Every operation that reads a contract balance and writes a value
  derived from it runs under a lock keyed by the contract id. Two
  implementations share one interface: an in-process keyed mutex for
  single-instance deployments, and a Redis-backed lock for fleets.

USAGE:
  release, err := locker.Acquire(ctx, "contract:"+id)
  if err != nil { return err }
  defer release()

SEE ALSO:
  - redis.go: The distributed implementation
*/
package lock

import (
	"context"
	"sync"
)

// Locker serializes critical sections by key.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done. The
	// returned func releases the key and is safe to call once.
	Acquire(ctx context.Context, key string) (release func(), err error)

	// TryAcquire grabs the key only if it is free. ok reports whether
	// the key was obtained; release is nil when it was not.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// =============================================================================
// KEYED MUTEX - In-process implementation
// =============================================================================

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex hands out one semaphore per key, reference-counted so
// idle keys do not accumulate.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) entry(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) put(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	e := m.entry(key)
	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				m.put(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.put(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	e := m.entry(key)
	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				m.put(key, e)
			})
		}, true, nil
	default:
		m.put(key, e)
		return nil, false, nil
	}
}
