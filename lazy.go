package depman

import (
	"context"
	"sync"
	"time"
)

// Lazy wraps a dependency that is resolved on first access -- useful
// for bootstrap code that needs an interface before it can express a
// proper dependency registration (e.g. glue code holding a reference
// across a manager it doesn't own a service in). Resolution blocks
// until some ACTIVE service offers T or ctx is done.
type Lazy[T any] struct {
	mgr  *Manager
	once sync.Once
	val  T
	err  error
}

// NewLazy creates a lazy accessor for whatever service eventually
// offers T on mgr.
func NewLazy[T any](mgr *Manager) *Lazy[T] {
	return &Lazy[T]{mgr: mgr}
}

// Get resolves the dependency, blocking on first call until an ACTIVE
// offerer appears or ctx is done; subsequent calls return the cached
// result immediately regardless of ctx.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.once.Do(func() {
		l.val, l.err = WaitForOffered[T](ctx, l.mgr)
	})
	return l.val, l.err
}

// MustGet resolves the dependency, panicking on error.
func (l *Lazy[T]) MustGet(ctx context.Context) T {
	v, err := l.Get(ctx)
	if err != nil {
		panic("depman: Lazy.MustGet: " + err.Error())
	}
	return v
}

// pollInterval bounds how often WaitForOffered rechecks the service
// population; deliberately short since this path only serves bootstrap
// code, never the dispatch loop itself.
const pollInterval = 5 * time.Millisecond

// WaitForOffered blocks until some ACTIVE service offers T, returning
// its bound instance, or returns ctx's error if it is done first. It
// is the external-caller counterpart to Dependency[T](ctx): a
// coroutine already running inside the manager should prefer
// Dependency, which never blocks and never scans the service table.
func WaitForOffered[T any](ctx context.Context, m *Manager) (T, error) {
	var zero T
	key := NewInterfaceKey[T]()

	for {
		infos, err := m.FindActive(ctx)
		if err != nil {
			return zero, err
		}
		for _, info := range infos {
			for _, off := range info.OfferedInterfaces {
				if off.Hash != key.Hash() {
					continue
				}
				if typed, ok := off.Instance.(T); ok {
					return typed, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
