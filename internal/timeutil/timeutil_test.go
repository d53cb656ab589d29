package timeutil

import (
	"testing"
	"time"
)

func TestSimulatedClock(t *testing.T) {
	now := time.Now()

	tests := []struct {
		desc      string
		initTime  time.Time
		advanceBy time.Duration
		wantTime  time.Time
	}{
		{
			desc:      "advance time forward",
			initTime:  now,
			advanceBy: 30 * time.Second,
			wantTime:  now.Add(30 * time.Second),
		},
		{
			desc:      "advance time backward",
			initTime:  now,
			advanceBy: -10 * time.Second,
			wantTime:  now.Add(-10 * time.Second),
		},
	}

	for _, tc := range tests {
		c := NewSimulatedClock(tc.initTime)

		if c.Now() != tc.initTime {
			t.Errorf("%s: Before Advance; SimulatedClock.Now() = %v, want %v", tc.desc, c.Now(), tc.initTime)
		}

		c.AdvanceTime(tc.advanceBy)

		if c.Now() != tc.wantTime {
			t.Errorf("%s: After Advance; SimulatedClock.Now() = %v, want %v", tc.desc, c.Now(), tc.wantTime)
		}
	}
}

func TestSimulatedClockAfter(t *testing.T) {
	now := time.Now()
	c := NewSimulatedClock(now)

	if got, want := c.After(10*time.Second), now.Add(10*time.Second); got != want {
		t.Errorf("After(10s) = %v, want %v", got, want)
	}

	c.AdvanceTime(time.Minute)

	if got, want := c.After(10*time.Second), now.Add(time.Minute+10*time.Second); got != want {
		t.Errorf("After AdvanceTime(1m), After(10s) = %v, want %v", got, want)
	}
}

func TestRealClockAfter(t *testing.T) {
	c := NewRealClock()
	before := time.Now()
	got := c.After(time.Minute)
	after := time.Now()

	if got.Before(before.Add(time.Minute)) || got.After(after.Add(time.Minute)) {
		t.Errorf("After(1m) = %v, want within [%v, %v]", got, before.Add(time.Minute), after.Add(time.Minute))
	}
}
