package engine

import (
	"log/slog"
	"time"
)

// VsyncInterval is the nominal frame interval the preemption thresholds are
// derived from.
const VsyncInterval = 17 * time.Millisecond

// PreemptionState is the state of a channel's preemption controller.
type PreemptionState int

const (
	// PreemptionIdle is the initial state and the end of every cycle.
	PreemptionIdle PreemptionState = iota

	// PreemptionWaiting has work queued and a PreemptWait timer armed.
	PreemptionWaiting

	// PreemptionChecking inspects the age of the oldest queued message.
	PreemptionChecking

	// PreemptionPreempting holds the shared flag until caught up or until
	// the budget runs out.
	PreemptionPreempting

	// PreemptionWouldPreemptDescheduled would preempt, but one of the
	// channel's own units is descheduled, so the flag stays clear.
	PreemptionWouldPreemptDescheduled
)

func (s PreemptionState) String() string {
	switch s {
	case PreemptionIdle:
		return "IDLE"
	case PreemptionWaiting:
		return "WAITING"
	case PreemptionChecking:
		return "CHECKING"
	case PreemptionPreempting:
		return "PREEMPTING"
	case PreemptionWouldPreemptDescheduled:
		return "WOULD_PREEMPT_DESCHEDULED"
	default:
		return "UNKNOWN"
	}
}

// PreemptionConfig holds the controller thresholds.
type PreemptionConfig struct {
	// PreemptWait is how long the oldest message may wait before the
	// channel starts preempting.
	PreemptWait time.Duration

	// MaxPreempt caps one preemption cycle.
	MaxPreempt time.Duration

	// StopThreshold is the age below which the channel counts as caught up.
	StopThreshold time.Duration
}

// DefaultPreemptionConfig returns thresholds derived from VsyncInterval:
// two missed frames before preempting, at most one frame of preemption.
func DefaultPreemptionConfig() PreemptionConfig {
	return PreemptionConfig{
		PreemptWait:   2 * VsyncInterval,
		MaxPreempt:    VsyncInterval,
		StopThreshold: VsyncInterval,
	}
}

// preemptionEvent names what triggered an evaluation.
type preemptionEvent int

const (
	eventQueued preemptionEvent = iota + 1
	eventProcessed
	eventScheduling
	eventTimer
)

func (e preemptionEvent) String() string {
	switch e {
	case eventQueued:
		return "queued"
	case eventProcessed:
		return "processed"
	case eventScheduling:
		return "scheduling"
	case eventTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// preemptionController decides whether a channel raises its preempting
// flag.
//
// CRITICAL: every method runs on the I/O runner. Other goroutines only ever
// see the flag. Timer callbacks are re-posted onto the I/O runner and carry
// the generation they were armed with; a fire whose generation is stale is
// ignored.
type preemptionController struct {
	channel string
	cfg     PreemptionConfig
	queue   *MessageQueue
	flag    *PreemptionFlag
	timers  Timers
	post    func(task func()) bool

	state          PreemptionState
	anyDescheduled bool

	// budget is the preemption time left in the current cycle. It survives
	// a trip through WouldPreemptDescheduled.
	budget      time.Duration
	capDeadline time.Time

	gen       uint64
	stopTimer func() bool
	closed    bool

	observer Observer
	logger   *slog.Logger
}

// evaluate is the single entry point for every event source.
func (c *preemptionController) evaluate(ev preemptionEvent) {
	if c.closed || c.flag == nil {
		return
	}

	switch c.state {
	case PreemptionIdle:
		if c.queue.HasQueued() {
			c.toWaiting()
		}

	case PreemptionWaiting:
		if ev == eventTimer {
			c.toChecking()
		}

	case PreemptionChecking:
		c.check()

	case PreemptionPreempting:
		switch {
		case ev == eventTimer:
			c.logger.Debug("preemption budget exhausted")
			c.toIdle()
		case c.anyDescheduled:
			c.toWouldPreemptDescheduled()
		default:
			c.toIdleIfCaughtUp()
		}

	case PreemptionWouldPreemptDescheduled:
		if !c.anyDescheduled {
			c.toPreempting()
		} else {
			c.toIdleIfCaughtUp()
		}
	}
}

func (c *preemptionController) setSchedulingState(anyDescheduled bool) {
	c.anyDescheduled = anyDescheduled
	c.evaluate(eventScheduling)
}

func (c *preemptionController) toWaiting() {
	c.setState(PreemptionWaiting)
	c.arm(c.cfg.PreemptWait)
}

func (c *preemptionController) toChecking() {
	c.setState(PreemptionChecking)
	c.budget = c.cfg.MaxPreempt
	c.check()
}

func (c *preemptionController) check() {
	oldest, ok := c.queue.Oldest()
	if !ok {
		c.toIdle()
		return
	}

	elapsed := c.timers.Now().Sub(oldest)
	if elapsed < c.cfg.PreemptWait {
		c.arm(c.cfg.PreemptWait - elapsed)
		return
	}

	c.cancel()
	if c.anyDescheduled {
		c.toWouldPreemptDescheduled()
		return
	}
	c.toPreempting()
}

func (c *preemptionController) toPreempting() {
	c.setState(PreemptionPreempting)
	c.flag.Set()
	c.capDeadline = c.timers.Now().Add(c.budget)
	c.arm(c.budget)
}

func (c *preemptionController) toWouldPreemptDescheduled() {
	if c.state == PreemptionPreempting {
		c.budget = c.capDeadline.Sub(c.timers.Now())
		if c.budget <= 0 {
			c.toIdle()
			return
		}
	}
	c.cancel()
	c.setState(PreemptionWouldPreemptDescheduled)
	c.flag.Reset()
}

func (c *preemptionController) toIdleIfCaughtUp() {
	oldest, ok := c.queue.Oldest()
	if !ok || c.timers.Now().Sub(oldest) < c.cfg.StopThreshold {
		c.toIdle()
	}
}

func (c *preemptionController) toIdle() {
	c.cancel()
	c.setState(PreemptionIdle)
	c.flag.Reset()

	// Work may still be queued; start the next cycle right away.
	c.evaluate(eventQueued)
}

func (c *preemptionController) arm(d time.Duration) {
	c.cancel()
	gen := c.gen
	c.stopTimer = c.timers.AfterFunc(d, func() {
		c.post(func() { c.onTimer(gen) })
	})
}

func (c *preemptionController) cancel() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.gen++
}

func (c *preemptionController) onTimer(gen uint64) {
	if gen != c.gen {
		return
	}
	c.stopTimer = nil
	c.evaluate(eventTimer)
}

// close clears the flag unconditionally and cancels any armed timer.
func (c *preemptionController) close() {
	if c.closed {
		return
	}
	c.cancel()
	c.flag.Reset()
	c.setState(PreemptionIdle)
	c.closed = true
}

func (c *preemptionController) setState(to PreemptionState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug("preemption state changed", "from", from.String(), "to", to.String())
	c.observer.PreemptionChanged(c.channel, from, to)
}
