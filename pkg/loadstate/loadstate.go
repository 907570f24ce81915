// Package loadstate holds the last successfully forwarded model-load
// request body for a worker, so the health service can replay it after a
// crash and the tagging service can trigger an auto-load when none has run
// yet.
package loadstate

import (
	"sync"
	"time"
)

// State is a small value type guarding a captured load request body behind
// a mutex, with explicit capture/clear/peek operations. It replaces the
// shared mutable strings the original implementation passed around.
type State struct {
	mu    sync.Mutex
	body  []byte
	has   bool
	setAt time.Time
}

// Capture records body as the most recent successful load request.
func (s *State) Capture(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	s.body = cp
	s.has = true
	s.setAt = time.Now()
}

// Clear discards the captured body, latching the worker into safe mode
// until the next successful client-initiated load re-arms recovery.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = nil
	s.has = false
}

// Peek returns a copy of the captured body and whether one is present.
func (s *State) Peek() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return nil, false
	}
	cp := make([]byte, len(s.body))
	copy(cp, s.body)
	return cp, true
}

// SetAt returns the time of the last capture. Zero value if never captured.
func (s *State) SetAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAt
}
