// Package worker provides a bounded goroutine pool.  powgate runs beacon
// deliveries and session starts on it.
package worker

import (
	"sync"
)

// WorkerPool manages a fixed number of goroutines that drain a shared job
// queue.
//
//   - workerCount goroutines are started once and reused.
//   - jobQueue is buffered.  Submit blocks when it is full; TrySubmit
//     reports false instead, which is what a beacon needs: the host either
//     queues the payload now or refuses it.
//   - Stop closes the queue and waits for in-flight jobs.  Submissions
//     after Stop are refused rather than panicking on the closed channel.
type WorkerPool struct {
	workerCount int
	jobQueue    chan func()
	wg          sync.WaitGroup

	mu      sync.RWMutex // guards stopped against the close of jobQueue
	stopped bool
}

// NewWorkerPool creates a WorkerPool with workerCount goroutines and room for
// queueSize pending jobs.  queueSize <= 0 selects workerCount*4.
func NewWorkerPool(workerCount, queueSize int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = workerCount * 4
	}
	return &WorkerPool{
		workerCount: workerCount,
		jobQueue:    make(chan func(), queueSize),
	}
}

// Start launches the worker goroutines.  It must be called exactly once before
// any jobs are submitted.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			for job := range wp.jobQueue {
				job()
			}
		}()
	}
}

// Submit enqueues job, blocking while the queue is full.  It returns false
// if the pool has been stopped.
func (wp *WorkerPool) Submit(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	wp.jobQueue <- job
	return true
}

// TrySubmit enqueues job only if there is room right now.
func (wp *WorkerPool) TrySubmit(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobQueue <- job:
		return true
	default:
		return false
	}
}

// Stop refuses further jobs, lets the queued ones finish and waits for every
// worker to exit.  Idempotent.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.stopped {
		wp.stopped = true
		close(wp.jobQueue)
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}
