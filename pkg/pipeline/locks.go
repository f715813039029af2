package pipeline

import (
	"context"
	"sync"
)

// Locks is a set of keyed mutexes whose Lock honours context cancellation.
// Entries are removed once no goroutine holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

func (l *Locks) acquireEntry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) releaseEntry(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.releaseEntry(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires key without blocking.
func (l *Locks) TryLock(key string) (func(), bool) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.releaseEntry(key, e)
			})
		}, true
	default:
		l.releaseEntry(key, e)
		return nil, false
	}
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && len(e.ch) > 0
}
