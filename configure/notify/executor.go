package notify

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrExecutorClosed = errors.New("executor closed")
)

// Executor runs subscriber deliveries asynchronously
type Executor interface {
	Execute(fn func()) error
}

// WorkerExecutor is a fixed size goroutine pool fed by a bounded queue.
// Execute blocks when the queue is full.
type WorkerExecutor struct {
	queue chan func()

	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewWorkerExecutor(workers, queueSize int) *WorkerExecutor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	w := &WorkerExecutor{
		queue:   make(chan func(), queueSize),
		closeCh: make(chan struct{}),
	}
	w.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go w.work()
	}
	return w
}

func (w *WorkerExecutor) work() {
	defer w.wg.Done()
	for {
		select {
		case fn := <-w.queue:
			fn()
		case <-w.closeCh:
			// drain what has been accepted
			for {
				select {
				case fn := <-w.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (w *WorkerExecutor) Execute(fn func()) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrExecutorClosed
	}
	w.queue <- fn
	return nil
}

// Close stops accepting new work and waits for accepted work to finish
func (w *WorkerExecutor) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.closeCh)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// GoExecutor starts one goroutine per delivery, at most limit at a time
type GoExecutor struct {
	sem *semaphore.Weighted
}

func NewGoExecutor(limit int64) *GoExecutor {
	if limit <= 0 {
		limit = 1
	}
	return &GoExecutor{sem: semaphore.NewWeighted(limit)}
}

func (g *GoExecutor) Execute(fn func()) error {
	if err := g.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	go func() {
		defer g.sem.Release(1)
		fn()
	}()
	return nil
}
