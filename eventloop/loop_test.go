package eventloop_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/firasghr/powgate/eventloop"
)

// runUntilStopped runs l in the background and returns a channel that
// receives Run's error.
func runUntilStopped(l *eventloop.Loop) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	return errCh
}

func wait(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_TasksRunInOrder(t *testing.T) {
	l := eventloop.New()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(l.Stop)
	wait(t, runUntilStopped(l))

	if want := []int{0, 1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
}

func TestLoop_MicrotasksDrainBeforeNextTask(t *testing.T) {
	l := eventloop.New()
	var got []string
	l.Post(func() {
		got = append(got, "task1")
		l.Microtask(func() {
			got = append(got, "micro1")
			l.Microtask(func() { got = append(got, "micro2") })
		})
	})
	l.Post(func() {
		got = append(got, "task2")
		l.Stop()
	})
	wait(t, runUntilStopped(l))

	want := []string{"task1", "micro1", "micro2", "task2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
}

func TestLoop_AfterFunc(t *testing.T) {
	l := eventloop.New()
	start := time.Now()
	var elapsed time.Duration
	l.AfterFunc(20*time.Millisecond, func() {
		elapsed = time.Since(start)
		l.Stop()
	})
	wait(t, runUntilStopped(l))
	if elapsed < 20*time.Millisecond {
		t.Errorf("AfterFunc fired after %v, want >= 20ms", elapsed)
	}
}

func TestLoop_AfterFuncCancel(t *testing.T) {
	l := eventloop.New()
	fired := false
	cancel := l.AfterFunc(10*time.Millisecond, func() { fired = true })
	if !cancel() {
		t.Error("cancel should report the timer was stopped")
	}
	l.AfterFunc(30*time.Millisecond, l.Stop)
	wait(t, runUntilStopped(l))
	if fired {
		t.Error("cancelled task ran")
	}
}

func TestLoop_ContextCancel(t *testing.T) {
	l := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
}

func TestLoop_PostFromOtherGoroutine(t *testing.T) {
	l := eventloop.New()
	errCh := runUntilStopped(l)
	done := make(chan struct{})
	go l.Post(func() {
		close(done)
		l.Stop()
	})
	wait(t, errCh)
	select {
	case <-done:
	default:
		t.Error("task posted from another goroutine never ran")
	}
}

func TestLoop_StopIdempotent(t *testing.T) {
	l := eventloop.New()
	l.Stop()
	l.Stop()
	select {
	case <-l.Stopped():
	default:
		t.Error("Stopped channel not closed")
	}
}

func TestResult(t *testing.T) {
	ok := eventloop.Ok(42)
	if ok.Value != 42 || ok.Err != nil {
		t.Errorf("Ok: got %+v", ok)
	}
	boom := errors.New("boom")
	fail := eventloop.Fail[int](boom)
	if fail.Err != boom || fail.Value != 0 {
		t.Errorf("Fail: got %+v", fail)
	}
}
