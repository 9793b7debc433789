package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/testutil"
)

// fixture runs one or more channels on manual runners and virtual time.
type fixture struct {
	t         *testing.T
	io        *testutil.ManualRunner
	worker    *testutil.ManualRunner
	timers    *testutil.VirtualTimers
	coord     *testutil.RecordingCoordinator
	transport *testutil.RecordingTransport
	orders    *OrderCounter
	observer  *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:         t,
		io:        testutil.NewManualRunner(),
		worker:    testutil.NewManualRunner(),
		timers:    testutil.NewVirtualTimers(time.Time{}),
		coord:     testutil.NewRecordingCoordinator(),
		transport: testutil.NewRecordingTransport(),
		orders:    NewOrderCounter(),
		observer:  &recordingObserver{},
	}
}

func (f *fixture) channel(id string, opts ...Option) *Channel {
	base := []Option{
		WithID(id),
		WithTimers(f.timers),
		WithObserver(f.observer),
	}
	return New(f.io, f.worker, f.coord, f.transport, f.orders, append(base, opts...)...)
}

// channelWithUnit creates a channel with one schedulable unit on route 1.
func (f *fixture) channelWithUnit(id string, opts ...Option) (*Channel, *testutil.FakeUnit) {
	ch := f.channel(id, opts...)
	unit := testutil.NewFakeUnit()
	ch.AddUnit(1, unit)
	f.worker.RunPending()
	f.settleIO()
	return ch, unit
}

func (f *fixture) deliver(ch *Channel, msgs ...message.Message) {
	f.t.Helper()
	for _, msg := range msgs {
		require.NoError(f.t, ch.Deliver(msg))
	}
	f.settleIO()
}

func (f *fixture) settleIO() {
	f.io.RunUntilIdle(1000)
}

// step runs one worker task and settles the I/O runner.
func (f *fixture) step() bool {
	ran := f.worker.RunOne()
	f.settleIO()
	return ran
}

// drain runs worker tasks until none are left or max have run.
func (f *fixture) drain(max int) int {
	n := 0
	for n < max && f.step() {
		n++
	}
	return n
}

func (f *fixture) advance(d time.Duration) {
	f.timers.AdvanceWith(d, f.settleIO)
}

func command(route int32) message.Message {
	return message.Message{RoutingID: route, Kind: message.KindCommand}
}

// recordingObserver renders events as short strings.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
	states []PreemptionState
	errs   []error
}

func (o *recordingObserver) add(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf(format, args...))
}

func (o *recordingObserver) MessageAdmitted(ch string, msg *message.ChannelMessage, class Class) {
	o.add("%s admit %s %s", ch, class, msg.Order)
}

func (o *recordingObserver) MessageRejected(ch string, msg message.Message, err error) {
	o.addErr(err)
	o.add("%s reject %s", ch, msg.Kind)
}

func (o *recordingObserver) MessageDispatched(ch string, msg *message.ChannelMessage) {
	o.add("%s dispatch %s %s", ch, msg.Payload.Kind, msg.Order)
}

func (o *recordingObserver) MessageRequeued(ch string, msg *message.ChannelMessage, reason RequeueReason) {
	o.add("%s requeue %s %s", ch, reason, msg.Order)
}

func (o *recordingObserver) MessageDropped(ch string, msg *message.ChannelMessage, err error) {
	o.addErr(err)
	o.add("%s drop %s %s", ch, msg.Payload.Kind, msg.Order)
}

func (o *recordingObserver) PreemptionChanged(ch string, from, to PreemptionState) {
	o.mu.Lock()
	o.states = append(o.states, to)
	o.mu.Unlock()
	o.add("%s preemption %s -> %s", ch, from, to)
}

func (o *recordingObserver) ReplySent(ch string, reply message.Reply) {
	o.add("%s reply %s", ch, reply.To)
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) addErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

// Errors returns the errors passed to MessageRejected and MessageDropped.
func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) States() []PreemptionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PreemptionState(nil), o.states...)
}
