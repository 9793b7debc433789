package engine

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timers supplies the current time and one-shot timers to the ingress side.
//
// AfterFunc returns a stop function with time.Timer.Stop semantics. The
// callback may run on any goroutine; callers re-post it onto their runner.
type Timers interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// ClockTimers adapts a clock.Clock to Timers.
type ClockTimers struct {
	clock clock.Clock
}

// NewClockTimers wraps c. A nil c uses the wall clock.
func NewClockTimers(c clock.Clock) ClockTimers {
	if c == nil {
		c = clock.New()
	}
	return ClockTimers{clock: c}
}

// Now returns the clock's current time.
func (t ClockTimers) Now() time.Time {
	return t.clock.Now()
}

// AfterFunc arms a one-shot timer on the clock.
func (t ClockTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	timer := t.clock.AfterFunc(d, fn)
	return timer.Stop
}
