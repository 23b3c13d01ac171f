// Package eventloop provides the single-threaded cooperative scheduler that
// every page instance runs on.
//
// The loop mirrors a browser's event loop closely enough for the gate logic
// to keep its ordering guarantees:
//   - Post queues a macrotask (setTimeout 0).  Macrotasks run one at a time
//     in FIFO order.
//   - Microtask queues a microtask (promise resolution).  The whole
//     microtask queue is drained after every macrotask and before the next
//     one starts, so a long chain of microtasks never lets a macrotask in.
//   - AfterFunc posts a macrotask once a delay has elapsed.
//
// All queues are guarded by one mutex so I/O goroutines can hand results
// back to the loop; the tasks themselves only ever execute on the goroutine
// that called Run.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Loop is a cooperative task scheduler.  The zero value is not usable; call
// New.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	micro []func()

	// wake has capacity 1 so Post never blocks and repeated wake-ups while
	// the loop is busy collapse into one.
	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// New creates an idle Loop.  Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Post queues task as a macrotask.  Safe for concurrent use.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	l.signal()
}

// Microtask queues task to run before the next macrotask.  Safe for
// concurrent use.
func (l *Loop) Microtask(task func()) {
	l.mu.Lock()
	l.micro = append(l.micro, task)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc posts task after d has elapsed.  The returned function cancels
// the timer and reports whether it stopped it before it fired.
func (l *Loop) AfterFunc(d time.Duration, task func()) (cancel func() bool) {
	t := time.AfterFunc(d, func() { l.Post(task) })
	return t.Stop
}

// Run processes tasks on the calling goroutine until ctx is done or Stop is
// called.  It returns ctx.Err() on cancellation and nil after Stop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.drainMicrotasks()
		if task, ok := l.nextTask(); ok {
			task()
			continue
		}
		if l.pendingMicrotasks() {
			continue
		}

		select {
		case <-l.wake:
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop makes Run return after the task currently executing.  Idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.stopCh)
	})
}

// Stopped is closed once Stop has been called.
func (l *Loop) Stopped() <-chan struct{} { return l.stopCh }

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) nextTask() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

func (l *Loop) pendingMicrotasks() bool {
	l.mu.Lock()
	n := len(l.micro)
	l.mu.Unlock()
	return n > 0
}

// drainMicrotasks runs microtasks until the queue is empty, including any
// queued by the microtasks themselves.
func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.mu.Unlock()
		task()
	}
}
