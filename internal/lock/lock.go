// Package lock serializes mutations on one ride. Different rides never
// contend.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-bidding/internal/models"
)

// Locker hands out a per-ride critical section. The returned unlock must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, rideID string) (unlock func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Entries are reference counted and dropped
// when nobody holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) Lock(ctx context.Context, rideID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[rideID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[rideID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(rideID, e)
		return nil, fmt.Errorf("%w: lock ride %s: %v", models.ErrConflict, rideID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(rideID, e)
		})
	}, nil
}

func (l *Local) release(rideID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, rideID)
	}
}

// held reports how many ride entries are live; tests use it to check cleanup.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
