package broker

import (
	"time"

	"github.com/relaycode/redisqueue/internal/timeutil"
)

// Delay describes when a job should become available, in one of three
// shapes: an absolute instant, a duration relative to now, or a plain
// seconds offset. Exactly one constructor should be used to build a
// value; the zero value means "now".
type Delay struct {
	at  time.Time
	in  time.Duration
	set bool
}

// At returns a Delay describing the absolute instant t.
func At(t time.Time) Delay {
	return Delay{at: t, set: true}
}

// In returns a Delay describing a duration relative to the broker's
// current time when it is resolved.
func In(d time.Duration) Delay {
	return Delay{in: d, set: true}
}

// Seconds returns a Delay of the given number of seconds relative to
// the broker's current time when it is resolved.
func Seconds(s int64) Delay {
	return Delay{in: time.Duration(s) * time.Second, set: true}
}

// resolve returns the absolute availability instant for this Delay
// against clock.
func (d Delay) resolve(clock timeutil.Clock) time.Time {
	if !d.set {
		return clock.Now()
	}
	if !d.at.IsZero() {
		return d.at
	}
	return clock.After(d.in)
}
