// Package pow searches for the proof-of-work nonce the gate asks for.
//
// The search is cooperative.  Each candidate is one asynchronous digest, so
// every step resumes from a fresh loop task rather than from the previous
// step's stack.  After YieldEvery attempts the solver re-posts itself as a
// macrotask, which lets timers, clicks and visibility events run between
// chunks even when the digest backend answers with microtasks.
//
// There is no bound on the nonce, no timeout and no cancel: a solve ends when
// a satisfying nonce is found, when the digest backend fails, or when the
// loop it runs on is abandoned.  A failed digest is never skipped to the next
// nonce; the solve ends with the backend's error.
package pow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/logger"
)

// DefaultYieldEvery is the number of attempts between two yields.
const DefaultYieldEvery = 10000

// Digester is the digest backend the solver drives.  digest.Provider
// satisfies it.
type Digester interface {
	Digest(text string, done func(eventloop.Result[string]))
}

// Solver finds the smallest nonce whose digest starts with a prefix.
type Solver struct {
	loop       *eventloop.Loop
	digester   Digester
	yieldEvery uint64
	onChunk    func(tried uint64)
	log        *logger.Logger
}

// Option configures a Solver.
type Option func(*Solver)

// WithYieldEvery sets the number of attempts per chunk.  Values below 1 are
// ignored.
func WithYieldEvery(n int) Option {
	return func(s *Solver) {
		if n >= 1 {
			s.yieldEvery = uint64(n)
		}
	}
}

// WithOnChunk registers fn to run at every yield with the number of nonces
// tried so far.
func WithOnChunk(fn func(tried uint64)) Option {
	return func(s *Solver) { s.onChunk = fn }
}

// WithLogger sets the solver's logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSolver creates a Solver that schedules its chunks on loop.
func NewSolver(loop *eventloop.Loop, d Digester, opts ...Option) *Solver {
	s := &Solver{
		loop:       loop,
		digester:   d,
		yieldEvery: DefaultYieldEvery,
		log:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve tests challenge+"0", challenge+"1", … in order and calls done with
// the first nonce whose hex digest starts with prefix.  A digest failure ends
// the search and is passed to done unchanged in kind, so callers can test it
// with errors.Is.  done is called exactly once, on the loop goroutine.
func (s *Solver) Solve(challenge, prefix string, done func(eventloop.Result[uint64])) {
	var (
		nonce      uint64
		iterations uint64
	)

	var step func()
	chunk := func() {
		iterations = 0
		step()
	}
	step = func() {
		candidate := challenge + strconv.FormatUint(nonce, 10)
		s.digester.Digest(candidate, func(r eventloop.Result[string]) {
			if r.Err != nil {
				s.log.Debug("digest failed", "nonce", nonce, "err", r.Err)
				done(eventloop.Fail[uint64](fmt.Errorf("pow: nonce %d: %w", nonce, r.Err)))
				return
			}
			if strings.HasPrefix(r.Value, prefix) {
				s.log.Debug("nonce found", "nonce", nonce, "digest", r.Value)
				done(eventloop.Ok(nonce))
				return
			}
			nonce++
			iterations++
			if iterations >= s.yieldEvery {
				if s.onChunk != nil {
					s.onChunk(nonce)
				}
				s.loop.Post(chunk)
				return
			}
			step()
		})
	}
	chunk()
}
