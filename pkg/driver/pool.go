package driver

import (
	"sync"
	"sync/atomic"
)

// task is one unit of per-motor work on the dispatch pool. Cancelling a
// task before a worker picks it up prevents it from running at all; a task
// already running is not interrupted, only its completion is ignored by
// whoever cancelled it.
type task struct {
	fn        func()
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel marks the task so it will not start. Safe to call at any time.
func (t *task) Cancel() {
	t.cancelled.Store(true)
}

// Wait blocks until the task finished or was skipped.
func (t *task) Wait() {
	<-t.done
}

// pool is a bounded worker pool for per-motor bus dispatch, sized to the
// motor count so issuing six simultaneous motions does not serialize
// behind one slow bus write.
type pool struct {
	tasks chan *task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newPool(workers int) *pool {
	p := &pool{tasks: make(chan *task, workers*8)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				if !t.cancelled.Load() {
					t.fn()
				}
				close(t.done)
			}
		}()
	}
	return p
}

// Submit enqueues fn; ok is false when the pool is shut down or the queue
// is saturated.
func (p *pool) Submit(fn func()) (*task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	t := &task{fn: fn, done: make(chan struct{})}
	select {
	case p.tasks <- t:
		return t, true
	default:
		return nil, false
	}
}

// Shutdown stops accepting work and waits for the workers to drain.
func (p *pool) Shutdown() {
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

// Closed reports whether Shutdown has been called.
func (p *pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
