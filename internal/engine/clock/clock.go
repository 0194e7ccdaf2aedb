// Package clock centralizes the "current time" signal so that a training
// session frozen at a simulated time classifies due/overdue deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the effective current time. Every engine component reads
// time through a Clock rather than time.Now.
type Clock interface {
	Now() time.Time
	Simulating() bool
}

// System is a Clock backed by the real wall clock.
type System struct{}

// Now returns the current wall-clock time in UTC.
func (System) Now() time.Time { return time.Now().UTC() }

// Simulating always reports false for the system clock.
func (System) Simulating() bool { return false }

// Simulated is an instructor-controlled Clock. It starts passing through the
// wall clock; SetAbsolute or SetOffset switch it into simulation until Reset.
type Simulated struct {
	mu     sync.RWMutex
	base   func() time.Time
	offset time.Duration
	frozen *time.Time
	active bool
}

// NewSimulated returns a Simulated clock passing through the wall clock.
func NewSimulated() *Simulated {
	return &Simulated{base: func() time.Time { return time.Now().UTC() }}
}

// Now returns the effective current time.
func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frozen != nil {
		return *s.frozen
	}
	return s.base().Add(s.offset)
}

// Simulating reports whether an instructor override is in effect.
func (s *Simulated) Simulating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetAbsolute freezes the clock at t.
func (s *Simulated) SetAbsolute(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := t.UTC()
	s.frozen = &u
	s.active = true
}

// SetOffset shifts the wall clock by d.
func (s *Simulated) SetOffset(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = nil
	s.offset = d
	s.active = true
}

// Advance moves a frozen clock forward by d. No-op unless frozen.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen != nil {
		u := s.frozen.Add(d)
		s.frozen = &u
	}
}

// Reset returns the clock to wall-clock passthrough.
func (s *Simulated) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = nil
	s.offset = 0
	s.active = false
}
