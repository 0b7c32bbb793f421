package process

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Executor runs submitted work on a fixed set of goroutines fed by a
// bounded queue.
type Executor struct {
	queue chan func()
	log   hclog.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func NewExecutor(workers, queueSize int, logger hclog.Logger) *Executor {
	e := &Executor{
		queue: make(chan func(), queueSize),
		log:   logger,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for task := range e.queue {
		e.runTask(task)
	}
}

func (e *Executor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// Submit queues task without blocking. It reports false when the queue is
// full or the executor is stopped.
func (e *Executor) Submit(task func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.queue <- task:
		return true
	default:
		e.log.Warn("executor queue full, task dropped", "capacity", cap(e.queue))
		return false
	}
}

// Go runs task on its own goroutine, tracked for Stop. It is meant for work
// that waits on replies and would otherwise pin a worker.
func (e *Executor) Go(task func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTask(task)
	}()
	return true
}

// Stop drains queued work and waits for workers to exit.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		close(e.queue)
		e.mu.Unlock()
	})
	e.wg.Wait()
}
