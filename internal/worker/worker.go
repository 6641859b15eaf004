// Package worker runs bounded queue workers. A queue preserves arrival
// order: its handler runs inline in the worker goroutine, so job N+1
// never starts before job N finishes. The shared semaphore caps how many
// handlers run at once across all queues.
package worker

import (
	"context"
	"sync"
)

type StartOptions[J any] struct {
	Ctx    context.Context
	Sem    chan struct{}
	Jobs   <-chan J
	Handle func(context.Context, J)
}

// Start launches one worker goroutine over the queue. Each job waits for
// a semaphore slot, then runs to completion before the next is taken.
func Start[J any](opts StartOptions[J]) {
	go func() {
		for {
			select {
			case <-opts.Ctx.Done():
				return
			case job, ok := <-opts.Jobs:
				if !ok {
					return
				}
				select {
				case opts.Sem <- struct{}{}:
				case <-opts.Ctx.Done():
					return
				}
				func() {
					defer func() { <-opts.Sem }()
					opts.Handle(opts.Ctx, job)
				}()
			}
		}
	}()
}

// Enqueue blocks until the job is accepted or either context ends.
func Enqueue[J any](ctx, workersCtx context.Context, jobs chan<- J, job J) error {
	if ctx == nil {
		ctx = workersCtx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-workersCtx.Done():
		return workersCtx.Err()
	case jobs <- job:
		return nil
	}
}

// Keyed fans jobs out to per-key queues sharing one semaphore. Jobs with
// the same key run strictly in arrival order; distinct keys run
// concurrently up to the semaphore size. Queues live until ctx ends.
type Keyed[K comparable, J any] struct {
	ctx    context.Context
	sem    chan struct{}
	buffer int
	handle func(context.Context, J)

	mu     sync.Mutex
	queues map[K]chan J
}

func NewKeyed[K comparable, J any](ctx context.Context, sem chan struct{}, buffer int, handle func(context.Context, J)) *Keyed[K, J] {
	return &Keyed[K, J]{
		ctx:    ctx,
		sem:    sem,
		buffer: buffer,
		handle: handle,
		queues: make(map[K]chan J),
	}
}

func (p *Keyed[K, J]) queue(key K) chan J {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[key]
	if !ok {
		q = make(chan J, p.buffer)
		p.queues[key] = q
		Start(StartOptions[J]{Ctx: p.ctx, Sem: p.sem, Jobs: q, Handle: p.handle})
	}
	return q
}

// Enqueue blocks until the key's queue accepts the job or either context
// ends.
func (p *Keyed[K, J]) Enqueue(ctx context.Context, key K, job J) error {
	return Enqueue(ctx, p.ctx, p.queue(key), job)
}
