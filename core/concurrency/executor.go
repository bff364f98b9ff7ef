// File: core/concurrency/executor.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks across worker goroutines. Each worker owns a
// lock-free queue and steals from its neighbours when its own runs dry;
// a shared overflow channel takes tasks no queue has room for.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// TaskFunc is a unit of work.
type TaskFunc func()

// Executor manages a fixed pool of worker goroutines.
type Executor struct {
	queues   []*Queue[TaskFunc]
	overflow chan TaskFunc
	wake     chan struct{}
	stop     chan struct{}
	next     atomic.Uint64
	closed   atomic.Bool
	mu       sync.RWMutex // Submit holds it shared, Close exclusively
	wg       sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewExecutor starts numWorkers workers, runtime.NumCPU() when numWorkers <= 0.
// queueSize bounds each worker's queue.
func NewExecutor(numWorkers, queueSize int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	e := &Executor{
		queues:   make([]*Queue[TaskFunc], numWorkers),
		overflow: make(chan TaskFunc, numWorkers*4),
		wake:     make(chan struct{}, numWorkers),
		stop:     make(chan struct{}),
	}
	for i := range e.queues {
		e.queues[i] = NewQueue[TaskFunc](queueSize)
	}
	e.wg.Add(numWorkers)
	for i := range e.queues {
		go e.run(i)
	}
	return e
}

// Submit enqueues task. It blocks only while the overflow channel is full.
func (e *Executor) Submit(task TaskFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	e.submitted.Add(1)
	idx := int(e.next.Add(1) % uint64(len(e.queues)))
	if !e.queues[idx].Enqueue(task) {
		e.overflow <- task
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting tasks, lets the workers finish what is queued and
// waits for them to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return
	}
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
}

// NumWorkers returns the worker count.
func (e *Executor) NumWorkers() int { return len(e.queues) }

// Stats returns basic executor counters.
func (e *Executor) Stats() map[string]int64 {
	done := e.completed.Load()
	return map[string]int64{
		"submitted_tasks": e.submitted.Load(),
		"completed_tasks": done,
		"pending_tasks":   e.submitted.Load() - done,
		"panicked_tasks":  e.panicked.Load(),
		"num_workers":     int64(len(e.queues)),
	}
}

// take returns the next task for worker id: its own queue first, then the
// others in order, then the overflow channel.
func (e *Executor) take(id int) (TaskFunc, bool) {
	n := len(e.queues)
	for k := 0; k < n; k++ {
		if t, ok := e.queues[(id+k)%n].Dequeue(); ok {
			return t, true
		}
	}
	select {
	case t := <-e.overflow:
		return t, true
	default:
		return nil, false
	}
}

func (e *Executor) run(id int) {
	defer e.wg.Done()
	for {
		if t, ok := e.take(id); ok {
			e.execute(t)
			continue
		}
		select {
		case <-e.wake:
		case t := <-e.overflow:
			e.execute(t)
		case <-e.stop:
			// Submit cannot add more once stop is closed.
			for t, ok := e.take(id); ok; t, ok = e.take(id) {
				e.execute(t)
			}
			return
		}
	}
}

// execute runs t. A panicking task is counted and does not take the worker
// down with it.
func (e *Executor) execute(t TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
		}
		e.completed.Add(1)
	}()
	t()
}
