package engine

import (
	"sync"
	"time"

	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/syncpoint"
)

// QueueStats tracks queue activity for one channel.
type QueueStats struct {
	Enqueued            uint64
	Dequeued            uint64
	Requeued            uint64
	Dropped             uint64
	SyncPointsAllocated uint64
	SyncPointsRetired   uint64
	Depth               int
	MaxDepth            int
}

// MessageQueue holds a channel's pending messages.
//
// Two lanes: the ordered lane carries messages with real order numbers in
// FIFO order, the priority lane carries OutOfOrder wait messages and is
// always drained first.
//
// Thread-safety: every method is safe for concurrent use. The I/O runner
// pushes, the worker runner pops. The lock is held only for slice and
// counter mutation; wake callbacks and sync point retirement run after it
// is released. Allocation is the one coordinator call made under the lock,
// so an id never exists without a queued retirement path.
//
// INVARIANTS:
//   - completed <= assigned
//   - once disabled the queue only moves toward empty
type MessageQueue struct {
	mu        sync.Mutex
	ordered   []*message.ChannelMessage
	priority  []*message.ChannelMessage
	assigned  message.OrderNumber
	completed message.OrderNumber
	enabled   bool
	coord     syncpoint.Coordinator
	wake      func()
	stats     QueueStats
}

// NewMessageQueue creates an enabled, empty queue.
//
// wake is invoked (outside the lock) whenever a push makes an empty queue
// non-empty, and whenever a push makes the priority lane non-empty; it
// typically posts Dispatcher.RunOnce to the worker. A nil wake is allowed.
func NewMessageQueue(coord syncpoint.Coordinator, wake func()) *MessageQueue {
	return &MessageQueue{
		ordered:  make([]*message.ChannelMessage, 0, 64),
		priority: make([]*message.ChannelMessage, 0, 8),
		enabled:  true,
		coord:    coord,
		wake:     wake,
	}
}

// PushOrdered appends msg to the ordered lane under order.
// Returns false (and does nothing) if the queue was torn down.
func (q *MessageQueue) PushOrdered(order message.OrderNumber, msg *message.ChannelMessage) bool {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return false
	}
	wasEmpty := q.lenLocked() == 0
	q.pushOrderedLocked(order, msg)
	q.mu.Unlock()

	if wasEmpty {
		q.signal()
	}
	return true
}

// PushPriority appends msg to the priority lane. Only wait messages use it.
// Returns false (and does nothing) if the queue was torn down.
func (q *MessageQueue) PushPriority(msg *message.ChannelMessage) bool {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return false
	}
	// An ordered message may be parked behind a descheduled unit with no
	// RunOnce pending, so the first priority message always wakes.
	wake := len(q.priority) == 0
	msg.Order = message.OutOfOrder
	q.priority = append(q.priority, msg)
	q.stats.Enqueued++
	q.trackDepthLocked()
	q.mu.Unlock()

	if wake {
		q.signal()
	}
	return true
}

// GenerateAndPushSyncPoint allocates a sync point, stamps msg with it and
// pushes msg to the ordered lane, all under one critical section.
//
// Returns ok=false without allocating if the queue was torn down; the
// caller must then send an error reply.
func (q *MessageQueue) GenerateAndPushSyncPoint(order message.OrderNumber, msg *message.ChannelMessage, retire bool) (id uint32, ok bool) {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return 0, false
	}
	wasEmpty := q.lenLocked() == 0
	id = q.coord.Allocate()
	msg.SyncPoint = id
	msg.RetireOnCompletion = retire
	q.pushOrderedLocked(order, msg)
	q.stats.SyncPointsAllocated++
	q.mu.Unlock()

	if wasEmpty {
		q.signal()
	}
	return id, true
}

// PopNext removes and returns the next message: the priority lane first,
// then the ordered lane. Never blocks.
func (q *MessageQueue) PopNext() (*message.ChannelMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var msg *message.ChannelMessage
	switch {
	case len(q.priority) > 0:
		msg, q.priority = popFront(q.priority)
	case len(q.ordered) > 0:
		msg, q.ordered = popFront(q.ordered)
	default:
		return nil, false
	}
	q.stats.Dequeued++
	q.stats.Depth = q.lenLocked()
	return msg, true
}

// ReinsertFront puts msg back at the front of the lane it came from.
//
// If the queue was torn down in the meantime the message is dropped and its
// sync point, if any, retired so no waiter is stranded.
func (q *MessageQueue) ReinsertFront(msg *message.ChannelMessage) {
	q.mu.Lock()
	if !q.enabled {
		q.stats.Dropped++
		retire := msg.HasSyncPoint()
		if retire {
			q.stats.SyncPointsRetired++
		}
		q.mu.Unlock()
		if retire {
			q.coord.Retire(msg.SyncPoint)
		}
		return
	}

	if msg.Order == message.OutOfOrder {
		q.priority = pushFront(q.priority, msg)
	} else {
		q.ordered = pushFront(q.ordered, msg)
	}
	q.stats.Requeued++
	q.trackDepthLocked()
	q.mu.Unlock()
}

// Complete records that order has been fully processed.
// OutOfOrder and stale numbers are ignored.
func (q *MessageQueue) Complete(order message.OrderNumber) {
	if !order.IsOrdered() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if order > q.completed && order <= q.assigned {
		q.completed = order
	}
}

// InWindow reports whether order lies in [completed, assigned].
func (q *MessageQueue) InWindow(order message.OrderNumber) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return order >= q.completed && order <= q.assigned
}

// RetiredSyncPoint counts a sync point retired outside the queue (by the
// dispatcher) in this queue's statistics.
func (q *MessageQueue) RetiredSyncPoint() {
	q.mu.Lock()
	q.stats.SyncPointsRetired++
	q.mu.Unlock()
}

// Teardown disables the queue, drains both lanes and retires every queued
// sync point through the coordinator. Returns the number of messages
// discarded. Calling Teardown again is a no-op.
func (q *MessageQueue) Teardown() int {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return 0
	}
	q.enabled = false

	var ids []uint32
	discarded := 0
	for _, lane := range [][]*message.ChannelMessage{q.priority, q.ordered} {
		for i, msg := range lane {
			if msg.HasSyncPoint() {
				ids = append(ids, msg.SyncPoint)
			}
			lane[i] = nil
			discarded++
		}
	}
	q.priority = q.priority[:0]
	q.ordered = q.ordered[:0]
	q.stats.Dropped += uint64(discarded)
	q.stats.SyncPointsRetired += uint64(len(ids))
	q.stats.Depth = 0
	q.mu.Unlock()

	for _, id := range ids {
		q.coord.Retire(id)
	}
	return discarded
}

// Oldest returns the receipt time of the oldest queued message across both
// lanes. ok is false when the queue is empty.
func (q *MessageQueue) Oldest() (at time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ordered) > 0 {
		at, ok = q.ordered[0].ReceivedAt, true
	}
	if len(q.priority) > 0 {
		if p := q.priority[0].ReceivedAt; !ok || p.Before(at) {
			at, ok = p, true
		}
	}
	return at, ok
}

// HasQueued reports whether either lane holds a message.
func (q *MessageQueue) HasQueued() bool {
	return q.Len() > 0
}

// HasPriority reports whether the priority lane holds a message.
func (q *MessageQueue) HasPriority() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) > 0
}

// Len returns the number of queued messages across both lanes.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// AssignedOrder returns the highest order number pushed so far.
func (q *MessageQueue) AssignedOrder() message.OrderNumber {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.assigned
}

// CompletedOrder returns the highest order number fully processed.
func (q *MessageQueue) CompletedOrder() message.OrderNumber {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Enabled reports whether the queue still accepts pushes.
func (q *MessageQueue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Stats returns a snapshot of the queue statistics.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *MessageQueue) pushOrderedLocked(order message.OrderNumber, msg *message.ChannelMessage) {
	msg.Order = order
	q.ordered = append(q.ordered, msg)
	if order > q.assigned {
		q.assigned = order
	}
	q.stats.Enqueued++
	q.trackDepthLocked()
}

func (q *MessageQueue) lenLocked() int {
	return len(q.ordered) + len(q.priority)
}

func (q *MessageQueue) trackDepthLocked() {
	q.stats.Depth = q.lenLocked()
	if q.stats.Depth > q.stats.MaxDepth {
		q.stats.MaxDepth = q.stats.Depth
	}
}

func (q *MessageQueue) signal() {
	if q.wake != nil {
		q.wake()
	}
}

// popFront removes the first element. The vacated slot is nilled so the
// backing array does not pin the message.
func popFront(lane []*message.ChannelMessage) (*message.ChannelMessage, []*message.ChannelMessage) {
	msg := lane[0]
	lane[0] = nil
	if len(lane) == 1 {
		return msg, lane[:0]
	}
	return msg, lane[1:]
}

func pushFront(lane []*message.ChannelMessage, msg *message.ChannelMessage) []*message.ChannelMessage {
	lane = append(lane, nil)
	copy(lane[1:], lane)
	lane[0] = msg
	return lane
}
