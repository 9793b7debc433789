package harness

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/message"
)

// tracer records engine events as TraceEvents stamped with virtual time.
type tracer struct {
	mu     sync.Mutex
	now    func() time.Duration
	events []TraceEvent

	// progress counts dispatches, drops and non-preemption requeues.
	// spins counts preemption requeues.
	progress int
	spins    int
}

var _ engine.Observer = (*tracer)(nil)

func (t *tracer) add(channel, typ, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, TraceEvent{
		Seq:     int64(len(t.events) + 1),
		At:      t.now(),
		Channel: channel,
		Type:    typ,
		Detail:  fmt.Sprintf(format, args...),
	})
}

func (t *tracer) advanced() {
	t.mu.Lock()
	t.progress++
	t.mu.Unlock()
}

func (t *tracer) counters() (progress, spins int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.spins
}

func (t *tracer) snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent{}, t.events...)
}

func (t *tracer) MessageAdmitted(ch string, msg *message.ChannelMessage, class engine.Class) {
	if msg.HasSyncPoint() {
		t.add(ch, EventAdmit, "%s %s %s sp=%d", class, msg.Payload.Kind, msg.Order, msg.SyncPoint)
		return
	}
	t.add(ch, EventAdmit, "%s %s %s", class, msg.Payload.Kind, msg.Order)
}

func (t *tracer) MessageRejected(ch string, msg message.Message, err error) {
	t.add(ch, EventReject, "%s %s", msg.Kind, errorCode(err))
}

func (t *tracer) MessageDispatched(ch string, msg *message.ChannelMessage) {
	t.advanced()
	t.add(ch, EventDispatch, "%s %s", msg.Payload.Kind, msg.Order)
}

func (t *tracer) MessageRequeued(ch string, msg *message.ChannelMessage, reason engine.RequeueReason) {
	if reason == engine.RequeuePreempted {
		t.mu.Lock()
		t.spins++
		t.mu.Unlock()
	} else {
		t.advanced()
	}
	t.add(ch, EventRequeue, "%s %s %s", reason, msg.Payload.Kind, msg.Order)
}

func (t *tracer) MessageDropped(ch string, msg *message.ChannelMessage, err error) {
	t.advanced()
	t.add(ch, EventDrop, "%s %s %s", msg.Payload.Kind, msg.Order, errorCode(err))
}

func (t *tracer) PreemptionChanged(ch string, from, to engine.PreemptionState) {
	t.add(ch, EventPreemption, "%s -> %s", from, to)
}

func (t *tracer) ReplySent(ch string, reply message.Reply) {
	t.add(ch, EventReply, "%s", formatReply(reply))
}

func (t *tracer) retired(id uint32) {
	t.add("-", EventRetire, "sp=%d", id)
}

func errorCode(err error) string {
	var re *engine.RuntimeError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return err.Error()
}

func formatReply(reply message.Reply) string {
	if reply.Error {
		return fmt.Sprintf("%s error=%s", reply.To, reply.Reason)
	}
	return fmt.Sprintf("%s sp=%d", reply.To, reply.SyncPoint)
}
