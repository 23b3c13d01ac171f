package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// GateClicker decides when the visitor clicks a rendered gate.  It must
// not block: it arranges for click to be called later, or never once ctx is
// done.  click is safe from any goroutine.
type GateClicker func(ctx context.Context, sessionID int, click func())

// DelayClicker clicks every gate after d.
func DelayClicker(d time.Duration) GateClicker {
	return func(ctx context.Context, _ int, click func()) {
		t := time.NewTimer(d)
		go func() {
			defer t.Stop()
			select {
			case <-t.C:
				click()
			case <-ctx.Done():
			}
		}()
	}
}

// LineClicker asks a person to click.  Each gate prints a prompt to w and
// is clicked when a line arrives on r.  Gates are served in the order they
// were rendered, one line each.
func LineClicker(r io.Reader, w io.Writer) GateClicker {
	lines := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- struct{}{}
		}
		close(lines)
	}()

	var mu sync.Mutex
	return func(ctx context.Context, sessionID int, click func()) {
		go func() {
			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(w, "session %d: please click to verify that you are a human [press Enter] ", sessionID)
			select {
			case _, ok := <-lines:
				if ok {
					click()
				}
			case <-ctx.Done():
			}
		}()
	}
}
