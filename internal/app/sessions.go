package app

import (
	"context"
	"log/slog"
	"sync"
)

// sessionSet tracks every in-flight session so the app can stop accepting new
// work and wind down active callers during shutdown. Each session gets a child
// context that is cancelled either by its own release func or by drain.
type sessionSet struct {
	mu       sync.Mutex
	next     uint64
	cancels  map[uint64]context.CancelFunc
	wg       sync.WaitGroup
	draining bool
}

func newSessionSet() *sessionSet {
	return &sessionSet{cancels: make(map[uint64]context.CancelFunc)}
}

// add registers a new session derived from parent. It reports ok=false once
// draining has begun, in which case the caller must turn the connection away.
// The returned release func must be called exactly once when the session ends.
func (s *sessionSet) add(parent context.Context) (context.Context, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	id := s.next
	s.next++
	s.cancels[id] = cancel
	s.wg.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			s.wg.Done()
		})
	}
	return ctx, release, true
}

// count returns the number of sessions currently in flight.
func (s *sessionSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// drain stops admitting new sessions, cancels every active one and waits for
// them to finish or for ctx to expire, whichever comes first.
func (s *sessionSet) drain(ctx context.Context, log *slog.Logger) {
	s.mu.Lock()
	s.draining = true
	active := len(s.cancels)
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	if active == 0 {
		return
	}
	log.Info("draining active sessions", "count", active)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("all sessions drained")
	case <-ctx.Done():
		log.Warn("shutdown grace expired with sessions still active", "remaining", s.count())
	}
}
