// Package scheduler starts sessions on the worker pool at a bounded rate.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/firasghr/powgate/session"
	"github.com/firasghr/powgate/worker"
)

// Scheduler bridges the SessionManager and the WorkerPool.
//
// Architecture:
//   - Run walks the registered sessions in id order and submits one job per
//     session to the WorkerPool.  Before each submission it waits on a
//     token-bucket limiter, so a large fleet does not hit the issuer with
//     every page load at once.
//   - Run blocks until every submitted job has returned.
//   - Stop makes Run stop submitting and cancels the context handed to the
//     jobs already running.
type Scheduler struct {
	sessionManager *session.SessionManager
	workerPool     *worker.WorkerPool
	limiter        *rate.Limiter
	stopCh         chan struct{}
	once           sync.Once
}

// NewScheduler creates a Scheduler that uses sm to enumerate sessions and wp
// to execute jobs.  startsPerSecond <= 0 disables pacing.
func NewScheduler(sm *session.SessionManager, wp *worker.WorkerPool, startsPerSecond float64) *Scheduler {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if startsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(startsPerSecond), 1)
	}
	return &Scheduler{
		sessionManager: sm,
		workerPool:     wp,
		limiter:        limiter,
		stopCh:         make(chan struct{}),
	}
}

// Run submits jobFn(ctx, s) for every session and waits for all of them.
// It returns an error if it stopped before every session was started.
// jobFn must be safe for concurrent use by multiple goroutines.
func (sc *Scheduler) Run(ctx context.Context, jobFn func(ctx context.Context, s *session.Session)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sc.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	sessions := sc.sessionManager.Sessions()
	var (
		wg      sync.WaitGroup
		started int
		err     error
	)
	for _, s := range sessions {
		if err = sc.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		captured := s
		if !sc.workerPool.Submit(func() {
			defer wg.Done()
			jobFn(ctx, captured)
		}) {
			wg.Done()
			err = fmt.Errorf("scheduler: worker pool stopped")
			break
		}
		started++
	}
	wg.Wait()

	if started < len(sessions) {
		return fmt.Errorf("scheduler: started %d of %d sessions: %w", started, len(sessions), err)
	}
	return nil
}

// Stop signals the Scheduler to stop starting sessions and cancels running
// jobs.  Stop is idempotent.
func (sc *Scheduler) Stop() {
	sc.once.Do(func() {
		close(sc.stopCh)
	})
}
