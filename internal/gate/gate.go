// Package gate bounds the number of concurrently in-flight outbound AI
// calls across all users. Waiters queue FIFO in two priority classes:
// high-priority callers (retries) are admitted before normal callers
// that arrived earlier, but behind other high-priority callers.
package gate

import (
	"container/list"
	"context"
	"sync"
)

const DefaultLimit = 15

type Gate struct {
	mu     sync.Mutex
	limit  int
	active int
	high   *list.List // of chan struct{}
	normal *list.List
}

func New(limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{
		limit:  limit,
		high:   list.New(),
		normal: list.New(),
	}
}

// Run executes fn once a slot is available. The slot is released in a
// deferred cleanup path, so fn failing (or panicking) cannot leak it.
func (g *Gate) Run(ctx context.Context, highPriority bool, fn func(context.Context) error) error {
	g.mu.Lock()
	if g.active < g.limit {
		g.active++
		g.mu.Unlock()
	} else {
		admit := make(chan struct{})
		q := g.normal
		if highPriority {
			q = g.high
		}
		elem := q.PushBack(admit)
		g.mu.Unlock()

		select {
		case <-admit:
			// Slot transferred by release; active already counts us.
		case <-ctx.Done():
			g.mu.Lock()
			select {
			case <-admit:
				// Lost the race: release already admitted us, pass the
				// slot on instead of leaking it.
				g.mu.Unlock()
				g.release()
			default:
				q.Remove(elem)
				g.mu.Unlock()
			}
			return ctx.Err()
		}
	}

	defer g.release()
	return fn(ctx)
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if elem := g.high.Front(); elem != nil {
		g.high.Remove(elem)
		close(elem.Value.(chan struct{}))
		return
	}
	if elem := g.normal.Front(); elem != nil {
		g.normal.Remove(elem)
		close(elem.Value.(chan struct{}))
		return
	}
	g.active--
}

// Active reports the number of currently running operations.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
