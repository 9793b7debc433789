package engine

import "github.com/roach88/gpuchan/internal/message"

// ExecutionUnit performs the effect of routed messages ("stub").
//
// All methods are called on the worker goroutine.
type ExecutionUnit interface {
	// IsSchedulable reports false while the unit is blocked for reasons
	// unrelated to preemption (waiting on an external resource).
	IsSchedulable() bool

	// IsBeingPreempted reports whether another channel currently has
	// priority over this unit.
	IsBeingPreempted() bool

	// HasMoreInternalWork is queried after Execute. True means the unit
	// needs another Continue message before the order number completes.
	HasMoreInternalWork() bool

	Execute(msg *message.ChannelMessage)
}

// Transport sends replies back to the client.
// Send is called on the I/O goroutine for ingress replies and on the worker
// goroutine for routing failures.
type Transport interface {
	Send(reply message.Reply) error
}

// Runner executes posted tasks one at a time, in FIFO order, on a single
// goroutine. Post returns false only once the runner will execute no
// further task, so the caller may do the work inline.
type Runner interface {
	Post(task func()) bool
}

// RequeueReason explains why the dispatcher put a message back.
type RequeueReason string

const (
	// RequeueDescheduled means the target unit is not schedulable.
	RequeueDescheduled RequeueReason = "descheduled"

	// RequeuePreempted means another channel has priority.
	RequeuePreempted RequeueReason = "preempted"

	// RequeueContinue means the unit still has internal work.
	RequeueContinue RequeueReason = "continue"
)

// Observer receives scheduling events for tracing.
//
// Methods are called from both the I/O and worker goroutines and must be
// safe for concurrent use. They must not call back into the channel.
type Observer interface {
	MessageAdmitted(channel string, msg *message.ChannelMessage, class Class)
	MessageRejected(channel string, msg message.Message, err error)
	MessageDispatched(channel string, msg *message.ChannelMessage)
	MessageRequeued(channel string, msg *message.ChannelMessage, reason RequeueReason)
	MessageDropped(channel string, msg *message.ChannelMessage, err error)
	PreemptionChanged(channel string, from, to PreemptionState)
	ReplySent(channel string, reply message.Reply)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) MessageAdmitted(string, *message.ChannelMessage, Class) {}
func (NopObserver) MessageRejected(string, message.Message, error) {}
func (NopObserver) MessageDispatched(string, *message.ChannelMessage) {}
func (NopObserver) MessageRequeued(string, *message.ChannelMessage, RequeueReason) {}
func (NopObserver) MessageDropped(string, *message.ChannelMessage, error) {}
func (NopObserver) PreemptionChanged(string, PreemptionState, PreemptionState) {}
func (NopObserver) ReplySent(string, message.Reply) {}
