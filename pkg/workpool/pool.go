// Package workpool runs blocking calls on a bounded number of workers and
// hands their results back through futures.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of workers of the shared default pool.
const DefaultSize = 16

// DefaultQueue is how many calls per worker may wait for a free worker
// before Submit itself starts to block.
const DefaultQueue = 64

var (
	defaultPool *Pool
	defaultOnce sync.Once
)

// Default returns the process wide pool, creating it on first use.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(DefaultSize)
	})
	return defaultPool
}

// Pool bounds how many submitted calls execute at the same time. Calls
// beyond the bound wait for a free worker, and at most queue of them may
// wait; further submissions block the submitter.
type Pool struct {
	sem     *semaphore.Weighted
	pending *semaphore.Weighted
	size    int
	queue   int
	wg      sync.WaitGroup
}

type PoolOption func(*Pool)

// WithQueue sets how many calls may wait for a free worker. It defaults to
// DefaultQueue per worker.
func WithQueue(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.queue = n
		}
	}
}

func New(size int, opts ...PoolOption) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:  size,
		queue: size * DefaultQueue,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(int64(size))
	p.pending = semaphore.NewWeighted(int64(size + p.queue))
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Wait blocks until every submitted call has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Future is the pending result of a submitted call.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}

// Wait blocks until the call finishes or ctx is done. A cancelled wait does
// not stop the call itself; it keeps its worker until it returns.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit schedules fn. It returns immediately unless the queue is full, in
// which case it blocks until a slot frees up or ctx is done. If ctx is done
// before a worker becomes free, fn never runs and the future resolves with
// ctx.Err().
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	if err := p.pending.Acquire(ctx, 1); err != nil {
		f.err = err
		close(f.done)
		return f
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.pending.Release(1)
		defer close(f.done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			f.err = err
			return
		}
		defer p.sem.Release(1)

		f.value, f.err = fn()
	}()

	return f
}

// Run submits fn and waits for its result.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	return Submit(ctx, p, fn).Wait(ctx)
}

// Go schedules fn without a way to observe its completion. Like Submit it
// blocks while the queue is full.
func (p *Pool) Go(fn func()) {
	Submit(context.Background(), p, func() (struct{}, error) {
		fn()
		return struct{}{}, nil
	})
}
