// Package session – SessionManager manages the lifecycle of all sessions.
package session

import (
	"fmt"
	"sync"

	"github.com/firasghr/powgate/config"
	"github.com/firasghr/powgate/proxy"
)

// SessionManager owns the fleet of sessions.
//
// Concurrency model:
//   - A sync.RWMutex protects the sessions map.  Reads (GetSession, Count,
//     Sessions) use RLock; writes (CreateSessions, StopAll) use a full Lock.
//   - Session creation is parallelised with goroutines and a
//     sync.WaitGroup, so building many clients does not take O(count)
//     serial time.
type SessionManager struct {
	sessions map[int]*Session
	mutex    sync.RWMutex
	config   *config.Config
	opts     []Option
}

// NewSessionManager creates an empty SessionManager backed by cfg.  opts
// are applied to every session it creates.
func NewSessionManager(cfg *config.Config, opts ...Option) *SessionManager {
	return &SessionManager{
		sessions: make(map[int]*Session),
		config:   cfg,
		opts:     opts,
	}
}

// CreateSessions creates count sessions concurrently, assigning each one the
// next proxy from r (or a direct connection if r is nil or empty).
//
// If any session fails to initialise, an aggregated error is returned and
// the successfully-created sessions remain registered.
func (sm *SessionManager) CreateSessions(count int, r *proxy.Rotator) error {
	type result struct {
		s   *Session
		err error
	}

	results := make(chan result, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p := ""
			if r != nil {
				p = r.Next()
			}
			s, err := NewSession(id, p, sm.config, sm.opts...)
			results <- result{s: s, err: err}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	sm.mutex.Lock()
	for res := range results {
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		sm.sessions[res.s.ID] = res.s
	}
	sm.mutex.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("session manager: %d session(s) failed to create; first error: %w", len(errs), errs[0])
	}
	return nil
}

// GetSession returns the session with the given id and true, or nil and false
// if no such session exists.  Safe for concurrent use.
func (sm *SessionManager) GetSession(id int) (*Session, bool) {
	sm.mutex.RLock()
	s, ok := sm.sessions[id]
	sm.mutex.RUnlock()
	return s, ok
}

// Sessions returns the registered sessions ordered by id.
func (sm *SessionManager) Sessions() []*Session {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	out := make([]*Session, 0, len(sm.sessions))
	for id := 0; len(out) < len(sm.sessions); id++ {
		if s, ok := sm.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// CountByState returns how many sessions are in each state.
func (sm *SessionManager) CountByState() map[string]int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	counts := make(map[string]int)
	for _, s := range sm.sessions {
		counts[s.CurrentState()]++
	}
	return counts
}

// StopAll closes every session, releasing their HTTP transport resources.
func (sm *SessionManager) StopAll() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	for id, s := range sm.sessions {
		s.Close()
		delete(sm.sessions, id)
	}
}

// Count returns the number of currently registered sessions.
func (sm *SessionManager) Count() int {
	sm.mutex.RLock()
	n := len(sm.sessions)
	sm.mutex.RUnlock()
	return n
}
