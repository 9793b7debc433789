package engine

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/syncpoint"
)

// Dispatcher pops messages for one channel and routes them to execution
// units.
//
// CRITICAL: all methods run on the worker runner, which is shared by every
// channel. RunOnce handles at most one message per call and re-posts itself
// while work remains, so channels interleave fairly on the worker.
type Dispatcher struct {
	channel     string
	queue       *MessageQueue
	coord       syncpoint.Coordinator
	transport   Transport
	preemptedBy *PreemptionFlag

	units       map[int32]ExecutionUnit
	descheduled map[int32]struct{}

	// pendingFuture holds sync points inserted without the retire flag,
	// waiting for a RetireSyncPoint message.
	pendingFuture map[uint32]struct{}

	// torndown is set by teardown. Future sync points executed later are
	// retired at once.
	torndown bool

	// schedule posts another RunOnce onto the worker.
	schedule func()

	// notify posts a completion notification to the filter.
	notify func()

	// schedulingChanged posts the channel's new descheduled state to the
	// filter.
	schedulingChanged func(anyDescheduled bool)

	observer Observer
	logger   *slog.Logger
}

// RunOnce pops and handles the next message, if any.
func (d *Dispatcher) RunOnce() {
	msg, ok := d.queue.PopNext()
	if !ok {
		return
	}

	if msg.Order.IsOrdered() && !d.queue.InWindow(msg.Order) {
		d.dropOutOfWindow(msg)
		return
	}

	route := msg.Payload.RoutingID
	unit, ok := d.units[route]
	if !ok {
		d.dropUnknownRoute(msg)
		d.complete(msg)
		return
	}

	schedulable := unit.IsSchedulable()
	if !schedulable {
		d.trackScheduling(route, false)
	}
	preempted := unit.IsBeingPreempted() || d.preemptedBy.IsSet()
	if !schedulable || preempted {
		d.queue.ReinsertFront(msg)

		reason := RequeueDescheduled
		if preempted {
			reason = RequeuePreempted
		}
		d.observer.MessageRequeued(d.channel, msg, reason)

		// A descheduled unit resumes through SchedulingChanged. Only a
		// priority message that could run ahead of it is worth a retry.
		if preempted || (msg.Order.IsOrdered() && d.queue.HasPriority()) {
			d.schedule()
		}
		return
	}

	unit.Execute(msg)
	d.observer.MessageDispatched(d.channel, msg)
	d.trackScheduling(route, unit.IsSchedulable())

	switch msg.Payload.Kind {
	case message.KindInsertSyncPoint:
		if msg.RetireOnCompletion || d.torndown {
			d.retire(msg.SyncPoint)
		} else {
			d.pendingFuture[msg.SyncPoint] = struct{}{}
		}
	case message.KindRetireSyncPoint:
		d.retireFuture(msg.Payload.SyncPoint)
	}

	if msg.Order.IsOrdered() && unit.HasMoreInternalWork() {
		next := message.ContinueFrom(msg)
		d.queue.ReinsertFront(next)
		d.observer.MessageRequeued(d.channel, next, RequeueContinue)
		d.schedule()
		return
	}

	d.complete(msg)
}

func (d *Dispatcher) complete(msg *message.ChannelMessage) {
	d.queue.Complete(msg.Order)
	d.notify()
	if d.queue.HasQueued() {
		d.schedule()
	}
}

func (d *Dispatcher) dropUnknownRoute(msg *message.ChannelMessage) {
	rerr := NewUnknownRouteError(d.channel, msg.Payload.RoutingID)
	rerr.Order = msg.Order

	switch {
	case msg.HasSyncPoint():
		d.retire(msg.SyncPoint)
	case msg.Payload.Kind == message.KindRetireSyncPoint:
		d.retireFuture(msg.Payload.SyncPoint)
	case msg.Payload.Sync:
		d.send(message.Reply{
			RoutingID: msg.Payload.RoutingID,
			To:        msg.Payload.Kind,
			Error:     true,
			Reason:    string(rerr.Code),
		})
	}

	d.logger.Warn("message dropped",
		"route", msg.Payload.RoutingID,
		"kind", msg.Payload.Kind.String(),
		"order", msg.Order.String(),
		"code", string(rerr.Code),
	)
	d.observer.MessageDropped(d.channel, msg, rerr)
}

func (d *Dispatcher) dropOutOfWindow(msg *message.ChannelMessage) {
	rerr := NewOrderViolationError(d.channel, msg.Order, d.queue.CompletedOrder(), d.queue.AssignedOrder())
	rerr.RoutingID = msg.Payload.RoutingID

	if msg.HasSyncPoint() {
		d.retire(msg.SyncPoint)
	}

	d.logger.Error("message dropped", "error", rerr)
	d.observer.MessageDropped(d.channel, msg, rerr)
	if d.queue.HasQueued() {
		d.schedule()
	}
}

func (d *Dispatcher) retire(id uint32) {
	d.coord.Retire(id)
	d.queue.RetiredSyncPoint()
}

func (d *Dispatcher) retireFuture(id uint32) {
	if _, ok := d.pendingFuture[id]; !ok {
		d.logger.Warn("retire of unknown sync point ignored", "sync_point", id)
		return
	}
	delete(d.pendingFuture, id)
	d.retire(id)
}

func (d *Dispatcher) send(reply message.Reply) {
	if err := d.transport.Send(reply); err != nil {
		d.logger.Warn("reply failed", "route", reply.RoutingID, "to", reply.To.String(), "error", err)
		return
	}
	d.observer.ReplySent(d.channel, reply)
}

// addUnit registers unit under route.
func (d *Dispatcher) addUnit(route int32, unit ExecutionUnit) {
	d.units[route] = unit
	d.trackScheduling(route, unit.IsSchedulable())
	if d.queue.HasQueued() {
		d.schedule()
	}
}

// removeUnit forgets route. Messages still queued for it take the
// unknown-route path.
func (d *Dispatcher) removeUnit(route int32) {
	delete(d.units, route)
	d.trackScheduling(route, true)
	if d.queue.HasQueued() {
		d.schedule()
	}
}

// unitSchedulingChanged re-reads the unit's schedulability.
func (d *Dispatcher) unitSchedulingChanged(route int32) {
	unit, ok := d.units[route]
	if !ok {
		return
	}
	schedulable := unit.IsSchedulable()
	d.trackScheduling(route, schedulable)
	if schedulable && d.queue.HasQueued() {
		d.schedule()
	}
}

func (d *Dispatcher) trackScheduling(route int32, schedulable bool) {
	before := len(d.descheduled) > 0
	if schedulable {
		delete(d.descheduled, route)
	} else {
		d.descheduled[route] = struct{}{}
	}
	if after := len(d.descheduled) > 0; after != before {
		d.schedulingChanged(after)
	}
}

// teardown retires every future sync point that never saw its retire
// message.
func (d *Dispatcher) teardown() {
	d.torndown = true
	ids := slices.Sorted(maps.Keys(d.pendingFuture))
	for _, id := range ids {
		d.retire(id)
	}
	clear(d.pendingFuture)
	if len(ids) > 0 {
		d.logger.Debug("future sync points retired at teardown", "count", len(ids))
	}
}
