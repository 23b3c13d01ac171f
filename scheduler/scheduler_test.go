package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firasghr/powgate/config"
	"github.com/firasghr/powgate/scheduler"
	"github.com/firasghr/powgate/session"
	"github.com/firasghr/powgate/worker"
)

func fleet(t *testing.T, n int) *session.SessionManager {
	t.Helper()
	sm := session.NewSessionManager(config.DefaultConfig())
	require.NoError(t, sm.CreateSessions(n, nil))
	t.Cleanup(sm.StopAll)
	return sm
}

func pool(t *testing.T, n int) *worker.WorkerPool {
	t.Helper()
	wp := worker.NewWorkerPool(n, n)
	wp.Start()
	t.Cleanup(wp.Stop)
	return wp
}

func TestRun_EverySessionOnce(t *testing.T) {
	sm := fleet(t, 6)
	sc := scheduler.NewScheduler(sm, pool(t, 3), 0)

	var mu sync.Mutex
	seen := map[int]int{}
	err := sc.Run(context.Background(), func(_ context.Context, s *session.Session) {
		mu.Lock()
		seen[s.ID]++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, seen, 6)
	for id, n := range seen {
		require.Equal(t, 1, n, "session %d", id)
	}
}

func TestRun_PacesStarts(t *testing.T) {
	sm := fleet(t, 3)
	sc := scheduler.NewScheduler(sm, pool(t, 3), 20)

	start := time.Now()
	require.NoError(t, sc.Run(context.Background(), func(context.Context, *session.Session) {}))
	// One token up front, then one every 50ms.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestStop_CancelsRunningJobs(t *testing.T) {
	sm := fleet(t, 2)
	sc := scheduler.NewScheduler(sm, pool(t, 2), 0)

	var running atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- sc.Run(context.Background(), func(ctx context.Context, _ *session.Session) {
			running.Add(1)
			<-ctx.Done()
		})
	}()

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	sc.Stop()
	sc.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStop_BeforeRun(t *testing.T) {
	sm := fleet(t, 3)
	sc := scheduler.NewScheduler(sm, pool(t, 1), 1)
	sc.Stop()

	var ran atomic.Int32
	err := sc.Run(context.Background(), func(context.Context, *session.Session) { ran.Add(1) })
	require.Error(t, err)
	require.Less(t, ran.Load(), int32(3))
}
