package envelope

import (
	"context"
	"errors"
	"sync"
)

// DefaultWorkers bounds concurrent envelope opens. Opening is
// elliptic-curve math; two or three in flight keeps a bulk history load
// from starving the rest of the process.
const DefaultWorkers = 3

// Pool runs envelope work on a fixed set of worker goroutines consuming a
// shared task queue.
type Pool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool of the given size. Sizes below one fall back to
// DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}

	p := &Pool{
		tasks: make(chan func(), workers*2),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit queues a task. It blocks while all workers are busy and the queue
// is full, which is what bounds the amount of work in flight.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pool is closed")
	}

	p.tasks <- task
	return nil
}

// Close stops accepting tasks and waits for queued work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// OpenOutcome is the result delivered by OpenAsync.
type OpenOutcome struct {
	Result *OpenResult
	Err    error
}

// OpenAsync runs Open on the pool and returns a channel carrying the single
// outcome. The task always runs to completion: a caller that stops waiting
// abandons the result, not the work, so caches fed from the outcome still
// fill.
func (dec *DecryptionEngine) OpenAsync(ctx context.Context, pool *Pool, env *Envelope, local Identity) <-chan OpenOutcome {
	out := make(chan OpenOutcome, 1)

	err := pool.Submit(func() {
		result, openErr := dec.Open(ctx, env, local)
		out <- OpenOutcome{Result: result, Err: openErr}
	})
	if err != nil {
		out <- OpenOutcome{Err: err}
	}

	return out
}
