package stream

import (
	"context"
	"sync"
)

// Signal is a broadcast boolean flag. The engine raises it while an
// active video stream is waiting on bytes; the thumbnail prefetcher
// watches it to yield bandwidth. Zero value is ready to use and unset.
type Signal struct {
	mu   sync.Mutex
	set  bool
	wait chan struct{}
}

// Set transitions the flag and wakes waiters on every change.
func (s *Signal) Set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == v {
		return
	}
	s.set = v
	if s.wait != nil {
		close(s.wait)
		s.wait = nil
	}
}

// Get reports the current value.
func (s *Signal) Get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// AwaitClear blocks until the flag is unset or the context ends.
func (s *Signal) AwaitClear(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.set {
			s.mu.Unlock()
			return nil
		}
		if s.wait == nil {
			s.wait = make(chan struct{})
		}
		ch := s.wait
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
