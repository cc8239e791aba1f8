// Package clock abstracts the time source so schedulers and freshness
// checks are testable without sleeping.
package clock

import "time"

// Clock provides the current time. Production code uses Real; tests use
// Manual to drive timers deterministically.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Manual is a settable clock for tests.
type Manual struct {
	Current time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{Current: t}
}

func (m *Manual) Now() time.Time { return m.Current }

func (m *Manual) Since(t time.Time) time.Duration { return m.Current.Sub(t) }

// Advance moves the manual clock forward.
func (m *Manual) Advance(d time.Duration) { m.Current = m.Current.Add(d) }
