package engine

import (
	"log/slog"

	"github.com/roach88/gpuchan/internal/message"
)

// IngressFilter admits messages for one channel on the I/O runner.
//
// It classifies each message once, hands out order numbers, pushes into the
// MessageQueue and drives the preemption controller.
//
// CRITICAL: all methods run on the I/O runner.
type IngressFilter struct {
	channel     string
	queue       *MessageQueue
	orders      *OrderCounter
	transport   Transport
	timers      Timers
	allowFuture bool
	preemption  *preemptionController
	closed      bool

	observer Observer
	logger   *slog.Logger
}

// OnMessage admits msg and returns how it was classified.
//
// Rejected messages get an error reply when the sender is blocked on one.
// Insert-sync-point requests are answered with the new id, or with an error
// reply once the channel is torn down.
func (f *IngressFilter) OnMessage(msg message.Message) Class {
	class, rerr := Classify(msg, f.allowFuture)

	switch class {
	case ClassPassThrough:
		return class

	case ClassRejected:
		rerr.Channel = f.channel
		f.logger.Warn("message rejected",
			"kind", msg.Kind.String(),
			"route", msg.RoutingID,
			"code", string(rerr.Code),
			"error", rerr.Message,
		)
		f.observer.MessageRejected(f.channel, msg, rerr)
		if msg.Sync {
			f.replyError(msg, rerr)
		}

	case ClassPriority:
		cm := f.newChannelMessage(msg)
		if f.admitting() && f.queue.PushPriority(cm) {
			f.observer.MessageAdmitted(f.channel, cm, class)
		}

	case ClassOrdered:
		if !f.admitting() {
			break
		}
		cm := f.newChannelMessage(msg)
		if f.queue.PushOrdered(f.orders.Next(), cm) {
			f.observer.MessageAdmitted(f.channel, cm, class)
		}

	case ClassSyncPointRequest:
		f.admitSyncPoint(msg)
	}

	f.preemption.evaluate(eventQueued)
	return class
}

func (f *IngressFilter) admitSyncPoint(msg message.Message) {
	if !f.admitting() {
		f.rejectClosed(msg)
		return
	}

	cm := f.newChannelMessage(msg)
	id, ok := f.queue.GenerateAndPushSyncPoint(f.orders.Next(), cm, msg.Retire)
	if !ok {
		f.rejectClosed(msg)
		return
	}

	f.observer.MessageAdmitted(f.channel, cm, ClassSyncPointRequest)
	f.send(message.Reply{
		RoutingID: msg.RoutingID,
		To:        msg.Kind,
		SyncPoint: id,
	})
}

// OnMessageProcessed is posted by the dispatcher whenever a message
// completes.
func (f *IngressFilter) OnMessageProcessed() {
	f.preemption.evaluate(eventProcessed)
}

// UpdateSchedulingState is posted by the dispatcher when the channel moves
// between "all units schedulable" and "some unit descheduled".
func (f *IngressFilter) UpdateSchedulingState(anyDescheduled bool) {
	f.preemption.setSchedulingState(anyDescheduled)
}

// PreemptionState returns the controller's current state.
func (f *IngressFilter) PreemptionState() PreemptionState {
	return f.preemption.state
}

func (f *IngressFilter) close() {
	f.closed = true
	f.preemption.close()
}

// admitting reports whether new work may still consume an order number.
func (f *IngressFilter) admitting() bool {
	return !f.closed && f.queue.Enabled()
}

func (f *IngressFilter) newChannelMessage(msg message.Message) *message.ChannelMessage {
	return &message.ChannelMessage{
		ReceivedAt: f.timers.Now(),
		Payload:    msg,
	}
}

// rejectClosed answers a sync point request that arrived after teardown.
// The client is waiting for an id, so it gets an error reply even when the
// request was not sync.
func (f *IngressFilter) rejectClosed(msg message.Message) {
	rerr := NewChannelClosedError(f.channel)
	rerr.RoutingID = msg.RoutingID
	f.logger.Debug("sync point request after teardown", "route", msg.RoutingID)
	f.observer.MessageRejected(f.channel, msg, rerr)
	f.replyError(msg, rerr)
}

func (f *IngressFilter) replyError(msg message.Message, rerr *RuntimeError) {
	f.send(message.Reply{
		RoutingID: msg.RoutingID,
		To:        msg.Kind,
		Error:     true,
		Reason:    string(rerr.Code),
	})
}

func (f *IngressFilter) send(reply message.Reply) {
	if err := f.transport.Send(reply); err != nil {
		f.logger.Warn("reply failed", "route", reply.RoutingID, "to", reply.To.String(), "error", err)
		return
	}
	f.observer.ReplySent(f.channel, reply)
}
