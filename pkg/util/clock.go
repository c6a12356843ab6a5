package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock is a Clock whose time only moves when Advance is called.
type ManualClock struct {
	T time.Time
}

func NewManualClock(t time.Time) *ManualClock { return &ManualClock{T: t} }

func (m *ManualClock) Now() time.Time { return m.T }

func (m *ManualClock) Advance(d time.Duration) { m.T = m.T.Add(d) }

// After fires immediately once the manual time passes the deadline. It is
// intended for tests that advance time explicitly.
func (m *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- m.T.Add(d)
	return ch
}
