// Package timeutil exports functions and types related to time and date.
package timeutil

import "time"

// A Clock is an object that can tell you the current time.
//
// This interface allows decoupling code that uses time from the code that creates
// a point in time. You can use this to your advantage by injecting Clocks into interfaces
// rather than having implementations call time.Now() directly.
//
// Use NewRealClock() in production.
// Use NewSimulatedClock() in test.
type Clock interface {
	Now() time.Time

	// After returns the instant d after Now. The broker resolves every
	// relative Delay -- a delayed or released job's availability
	// instant -- through this one method, so a SimulatedClock's
	// AdvanceTime moves all of them together. A reservation's
	// visibility expiry is computed from the same Now() reading that
	// is stamped as reserved_at, not through After.
	After(d time.Duration) time.Time
}

func NewRealClock() Clock { return &realTimeClock{} }

type realTimeClock struct{}

func (_ *realTimeClock) Now() time.Time { return time.Now() }

func (_ *realTimeClock) After(d time.Duration) time.Time { return time.Now().Add(d) }

// A SimulatedClock is a concrete Clock implementation that doesn't "tick" on its own.
// Time is advanced by explicit call to the AdvanceTime() or SetTime() functions.
type SimulatedClock struct {
	t time.Time
}

func NewSimulatedClock(t time.Time) *SimulatedClock {
	return &SimulatedClock{t}
}

func (c *SimulatedClock) Now() time.Time { return c.t }

func (c *SimulatedClock) After(d time.Duration) time.Time { return c.t.Add(d) }

func (c *SimulatedClock) SetTime(t time.Time) { c.t = t }

func (c *SimulatedClock) AdvanceTime(d time.Duration) { c.t = c.t.Add(d) }
