package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gpuchan/internal/message"
)

func TestDefaultPreemptionConfig(t *testing.T) {
	cfg := DefaultPreemptionConfig()
	assert.Equal(t, 34*time.Millisecond, cfg.PreemptWait)
	assert.Equal(t, 17*time.Millisecond, cfg.MaxPreempt)
	assert.Equal(t, 17*time.Millisecond, cfg.StopThreshold)
}

func TestPreemptionState_String(t *testing.T) {
	assert.Equal(t, "IDLE", PreemptionIdle.String())
	assert.Equal(t, "WOULD_PREEMPT_DESCHEDULED", PreemptionWouldPreemptDescheduled.String())
	assert.Equal(t, "UNKNOWN", PreemptionState(99).String())
}

func TestPreemption_NoFlagNeverLeavesIdle(t *testing.T) {
	f := newFixture(t)
	ch, _ := f.channelWithUnit("a")

	f.deliver(ch, command(1))
	f.advance(time.Second)

	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
	assert.Equal(t, 0, f.timers.Pending())
	assert.Empty(t, f.observer.States())
}

func TestPreemption_WaitCheckPreempt(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	assert.Equal(t, PreemptionWaiting, ch.PreemptionState())

	f.advance(33 * time.Millisecond)
	assert.Equal(t, PreemptionWaiting, ch.PreemptionState())
	assert.False(t, flag.IsSet())

	f.advance(time.Millisecond)
	assert.Equal(t, PreemptionPreempting, ch.PreemptionState())
	assert.True(t, flag.IsSet())
	assert.Equal(t, []PreemptionState{
		PreemptionWaiting,
		PreemptionChecking,
		PreemptionPreempting,
	}, f.observer.States())
}

func TestPreemption_CheckingRearmsForYoungMessage(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	// The first message is processed right away; a second one arrives
	// 20ms later, so the check at 34ms finds it only 14ms old.
	f.deliver(ch, command(1))
	f.drain(100)
	f.advance(20 * time.Millisecond)
	f.deliver(ch, command(1))

	f.advance(14 * time.Millisecond)
	assert.Equal(t, PreemptionChecking, ch.PreemptionState())
	assert.False(t, flag.IsSet())

	f.advance(19 * time.Millisecond)
	assert.Equal(t, PreemptionChecking, ch.PreemptionState())

	f.advance(time.Millisecond)
	assert.Equal(t, PreemptionPreempting, ch.PreemptionState())
	assert.True(t, flag.IsSet())
}

func TestPreemption_CheckingWithEmptyQueueGoesIdle(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.drain(100)
	assert.Equal(t, PreemptionWaiting, ch.PreemptionState(), "waiting ignores completions")

	f.advance(34 * time.Millisecond)
	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
	assert.False(t, flag.IsSet())
	assert.Equal(t, 0, f.timers.Pending())
}

// A channel that never catches up still drops the flag once its budget is
// spent.
func TestPreemption_Bounded(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	f.advance(16 * time.Millisecond)
	assert.True(t, flag.IsSet())

	f.advance(time.Millisecond)
	assert.False(t, flag.IsSet(), "flag cleared within the budget")
	assert.Equal(t, PreemptionWaiting, ch.PreemptionState(), "next cycle starts at once")

	for cycle := 0; cycle < 5; cycle++ {
		var setFor time.Duration
		for i := 0; i < 51; i++ {
			f.advance(time.Millisecond)
			if flag.IsSet() {
				setFor += time.Millisecond
			}
		}
		assert.LessOrEqual(t, setFor, 17*time.Millisecond, "cycle %d", cycle)
	}
}

func TestPreemption_CaughtUpStopsPreempting(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, unit := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	f.drain(100)
	assert.Equal(t, []message.OrderNumber{1}, unit.ExecutedOrders())
	assert.False(t, flag.IsSet())
	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
	assert.Equal(t, 0, f.timers.Pending(), "cap timer cancelled")
}

func TestPreemption_YoungBacklogCountsAsCaughtUp(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	f.deliver(ch, command(1))
	f.step()

	assert.False(t, flag.IsSet(), "remaining message is younger than the stop threshold")
	assert.Equal(t, PreemptionWaiting, ch.PreemptionState())
}

func TestPreemption_NeverWhileDescheduled(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, unit := f.channelWithUnit("hog", WithPreemptingFlag(flag))
	unit.SetSchedulable(false)
	ch.SchedulingChanged(1)
	f.drain(100)

	f.deliver(ch, command(1))
	f.drain(100)

	for i := 0; i < 200; i++ {
		f.advance(time.Millisecond)
		require.False(t, flag.IsSet(), "flag raised at %dms", i+1)
	}
	assert.Equal(t, PreemptionWouldPreemptDescheduled, ch.PreemptionState())

	unit.SetSchedulable(true)
	ch.SchedulingChanged(1)
	f.worker.RunPending()
	f.settleIO()
	assert.Equal(t, PreemptionPreempting, ch.PreemptionState())
	assert.True(t, flag.IsSet())

	f.drain(100)
	assert.Equal(t, []message.OrderNumber{1}, unit.ExecutedOrders())
	assert.False(t, flag.IsSet())
	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
}

func TestPreemption_DispatcherNoticesDescheduledUnit(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, unit := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	// No SchedulingChanged: the dispatcher finds out when it pops the message.
	unit.SetSchedulable(false)
	f.deliver(ch, command(1))
	f.drain(100)
	require.Empty(t, unit.Executed())

	for i := 0; i < 40; i++ {
		f.advance(time.Millisecond)
		require.False(t, flag.IsSet(), "flag raised at %dms", i+1)
	}
	assert.Equal(t, PreemptionWouldPreemptDescheduled, ch.PreemptionState())

	unit.SetSchedulable(true)
	ch.SchedulingChanged(1)
	f.worker.RunPending()
	f.settleIO()
	assert.True(t, flag.IsSet())

	f.drain(100)
	assert.Equal(t, []message.OrderNumber{1}, unit.ExecutedOrders())
	assert.False(t, flag.IsSet())
	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
}

func TestPreemption_ExecutionClearsDescheduledMark(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, unit := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	unit.SetSchedulable(false)
	f.deliver(ch, command(1))
	f.drain(100)

	// The unit recovers without SchedulingChanged; a later wait gets it
	// dispatched, and the next backlog may preempt again.
	unit.SetSchedulable(true)
	f.deliver(ch, message.Message{RoutingID: 1, Kind: message.KindWaitForToken})
	f.drain(100)
	require.Len(t, unit.Executed(), 2)

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	assert.True(t, flag.IsSet())
	assert.Equal(t, PreemptionPreempting, ch.PreemptionState())
}

func TestPreemption_BudgetPreservedAcrossDeschedule(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, unit := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	// 6ms into the 17ms budget the unit blocks.
	f.advance(6 * time.Millisecond)
	unit.SetSchedulable(false)
	ch.SchedulingChanged(1)
	f.drain(100)
	assert.Equal(t, PreemptionWouldPreemptDescheduled, ch.PreemptionState())
	assert.False(t, flag.IsSet())

	f.advance(20 * time.Millisecond)
	assert.Equal(t, PreemptionWouldPreemptDescheduled, ch.PreemptionState())

	unit.SetSchedulable(true)
	ch.SchedulingChanged(1)
	f.worker.RunPending()
	f.settleIO()
	require.True(t, flag.IsSet())

	f.advance(10 * time.Millisecond)
	assert.True(t, flag.IsSet())

	f.advance(time.Millisecond)
	assert.False(t, flag.IsSet(), "only the remaining 11ms were granted")
}

func TestPreemption_StaleTimerIgnored(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.Equal(t, PreemptionPreempting, ch.PreemptionState())

	// Completion and a new message are queued on the I/O runner before the
	// cap timer's fire.
	f.worker.RunOne()
	require.NoError(t, ch.Deliver(command(1)))
	f.timers.Advance(17 * time.Millisecond)
	f.settleIO()

	assert.Equal(t, PreemptionWaiting, ch.PreemptionState())
	assert.False(t, flag.IsSet())
}

func TestPreemption_CloseClearsFlag(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	ch, _ := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(ch, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	ch.Close()
	f.settleIO()

	assert.False(t, flag.IsSet())
	assert.Equal(t, PreemptionIdle, ch.PreemptionState())
	assert.Equal(t, 0, f.timers.Pending())

	f.advance(time.Second)
	assert.False(t, flag.IsSet())
}

func TestPreemption_OtherChannelYields(t *testing.T) {
	f := newFixture(t)
	flag := NewPreemptionFlag()
	victim, victimUnit := f.channelWithUnit("victim", WithPreemptedByFlag(flag))
	hog, hogUnit := f.channelWithUnit("hog", WithPreemptingFlag(flag))

	f.deliver(victim, command(1))
	f.deliver(hog, command(1))
	f.advance(34 * time.Millisecond)
	require.True(t, flag.IsSet())

	f.drain(100)

	assert.Equal(t, []message.OrderNumber{1}, victimUnit.ExecutedOrders())
	assert.Equal(t, []message.OrderNumber{2}, hogUnit.ExecutedOrders())

	var relevant []string
	for _, ev := range f.observer.Events() {
		switch ev {
		case "victim requeue preempted 1", "hog dispatch command 2", "victim dispatch command 1":
			relevant = append(relevant, ev)
		}
	}
	assert.Equal(t, []string{
		"victim requeue preempted 1",
		"hog dispatch command 2",
		"victim dispatch command 1",
	}, relevant)
	assert.False(t, flag.IsSet())
}
