package worker

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Do after Close
var ErrPoolClosed = errors.New("worker pool closed")

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type lane struct {
	tasks   chan task
	pending int
}

// Pool runs tasks one at a time per key and concurrently across keys. A
// lane goroutine lives only while its key has queued work.
type Pool struct {
	buffer int
	sem    *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most concurrency keys at once
func NewPool(concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Pool{
		buffer: 8,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		lanes:  make(map[string]*lane),
	}
}

// Do runs fn on the lane of key and waits for its result
func (p *Pool) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	ln, ok := p.lanes[key]
	if !ok {
		ln = &lane{tasks: make(chan task, p.buffer)}
		p.lanes[key] = ln
		p.wg.Add(1)
		go p.run(key, ln)
	}
	ln.pending++
	p.mu.Unlock()

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case ln.tasks <- t:
	case <-ctx.Done():
		p.release(key, ln)
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(key string, ln *lane) {
	defer p.wg.Done()

	for t := range ln.tasks {
		t.done <- p.exec(t)
		if p.release(key, ln) {
			return
		}
	}
}

func (p *Pool) exec(t task) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if err := p.sem.Acquire(t.ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return t.fn(t.ctx)
}

// release drops one pending task and retires the lane when it is idle
func (p *Pool) release(key string, ln *lane) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ln.pending--
	if ln.pending > 0 {
		return false
	}
	delete(p.lanes, key)
	close(ln.tasks)
	return true
}

// Active returns the number of keys with queued or running work
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close rejects new work and waits for queued tasks to finish
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
