// Package userlock serializes state-mutating work per user identity.
// Calls for the same user run in strict arrival order; calls for
// different users proceed fully in parallel.
package userlock

import (
	"context"
	"sync"
)

type waiter struct {
	done chan struct{}
}

type Locker struct {
	mu    sync.Mutex
	tails map[int64]*waiter
}

func New() *Locker {
	return &Locker{tails: make(map[int64]*waiter)}
}

// Do appends fn to the user's chain and runs it once every earlier call
// for that user has settled. A prior call's failure does not poison the
// chain. The entry is removed from the map when this call is still the
// chain's tail, so an idle user costs nothing.
//
// If ctx is cancelled while waiting, fn never runs and ctx.Err() is
// returned; the slot still resolves so queued successors proceed.
func (l *Locker) Do(ctx context.Context, userID int64, fn func(context.Context) error) error {
	me := &waiter{done: make(chan struct{})}

	l.mu.Lock()
	prev := l.tails[userID]
	l.tails[userID] = me
	l.mu.Unlock()

	defer func() {
		close(me.done)
		l.mu.Lock()
		if l.tails[userID] == me {
			delete(l.tails, userID)
		}
		l.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Idle reports whether no call is queued or running for any user.
func (l *Locker) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails) == 0
}
