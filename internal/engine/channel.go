package engine

import (
	"log/slog"
	"sync"

	"github.com/roach88/gpuchan/internal/message"
	"github.com/roach88/gpuchan/internal/syncpoint"
)

// Channel wires one client's queue, filter and dispatcher onto an I/O
// runner and a shared worker runner.
//
// Thread-safety model:
//   - Deliver, AddUnit, RemoveUnit, SchedulingChanged, Close: safe from any
//     goroutine (they post onto the owning runner)
//   - RunOnce: worker runner only
//   - PreemptionState: I/O runner only
type Channel struct {
	id         string
	io         Runner
	worker     Runner
	queue      *MessageQueue
	filter     *IngressFilter
	dispatcher *Dispatcher
	logger     *slog.Logger
	closeOnce  sync.Once
}

type channelOptions struct {
	id          string
	idGen       IDGenerator
	allowFuture bool
	preempting  *PreemptionFlag
	preemptedBy *PreemptionFlag
	preemption  PreemptionConfig
	timers      Timers
	observer    Observer
	logger      *slog.Logger
}

// Option configures a Channel.
type Option func(*channelOptions)

// WithID sets the channel id. Default: a fresh UUIDv7.
func WithID(id string) Option {
	return func(o *channelOptions) {
		o.id = id
	}
}

// WithIDGenerator sets the generator used when no id is given.
func WithIDGenerator(gen IDGenerator) Option {
	return func(o *channelOptions) {
		o.idGen = gen
	}
}

// WithFutureSyncPoints allows the client to insert sync points that are not
// retired on completion, and to retire them explicitly. Untrusted clients
// must not get this permission.
func WithFutureSyncPoints(allow bool) Option {
	return func(o *channelOptions) {
		o.allowFuture = allow
	}
}

// WithPreemptingFlag gives the channel a flag it raises to preempt others.
// Without one the channel never preempts.
func WithPreemptingFlag(f *PreemptionFlag) Option {
	return func(o *channelOptions) {
		o.preempting = f
	}
}

// WithPreemptedByFlag makes the channel yield while f is set.
func WithPreemptedByFlag(f *PreemptionFlag) Option {
	return func(o *channelOptions) {
		o.preemptedBy = f
	}
}

// WithPreemptionConfig overrides the preemption thresholds.
// Default: DefaultPreemptionConfig().
func WithPreemptionConfig(cfg PreemptionConfig) Option {
	return func(o *channelOptions) {
		o.preemption = cfg
	}
}

// WithTimers sets the time source. Default: the wall clock.
func WithTimers(t Timers) Option {
	return func(o *channelOptions) {
		o.timers = t
	}
}

// WithObserver installs tracing hooks.
func WithObserver(obs Observer) Option {
	return func(o *channelOptions) {
		o.observer = obs
	}
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *channelOptions) {
		o.logger = l
	}
}

// New creates a channel.
//
// orders is shared by every channel of the same client group. coord and
// transport must be safe for use from both runners.
func New(
	io, worker Runner,
	coord syncpoint.Coordinator,
	transport Transport,
	orders *OrderCounter,
	opts ...Option,
) *Channel {
	o := channelOptions{
		idGen:      UUIDv7Generator{},
		preemption: DefaultPreemptionConfig(),
		observer:   NopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = o.idGen.Generate()
	}
	if o.timers == nil {
		o.timers = NewClockTimers(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("channel", o.id)

	c := &Channel{
		id:     o.id,
		io:     io,
		worker: worker,
		logger: logger,
	}

	c.queue = NewMessageQueue(coord, c.scheduleRunOnce)

	c.filter = &IngressFilter{
		channel:     o.id,
		queue:       c.queue,
		orders:      orders,
		transport:   transport,
		timers:      o.timers,
		allowFuture: o.allowFuture,
		observer:    o.observer,
		logger:      logger,
		preemption: &preemptionController{
			channel:  o.id,
			cfg:      o.preemption,
			queue:    c.queue,
			flag:     o.preempting,
			timers:   o.timers,
			post:     io.Post,
			observer: o.observer,
			logger:   logger,
		},
	}

	c.dispatcher = &Dispatcher{
		channel:       o.id,
		queue:         c.queue,
		coord:         coord,
		transport:     transport,
		preemptedBy:   o.preemptedBy,
		units:         make(map[int32]ExecutionUnit),
		descheduled:   make(map[int32]struct{}),
		pendingFuture: make(map[uint32]struct{}),
		schedule:      c.scheduleRunOnce,
		notify: func() {
			c.io.Post(c.filter.OnMessageProcessed)
		},
		schedulingChanged: func(anyDescheduled bool) {
			c.io.Post(func() { c.filter.UpdateSchedulingState(anyDescheduled) })
		},
		observer: o.observer,
		logger:   logger,
	}

	return c
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.id
}

// Queue returns the channel's message queue.
func (c *Channel) Queue() *MessageQueue {
	return c.queue
}

// Stats returns a snapshot of the queue statistics.
func (c *Channel) Stats() QueueStats {
	return c.queue.Stats()
}

// Deliver hands a raw message to the ingress filter.
// Returns ErrLoopClosed if the I/O runner no longer accepts work.
func (c *Channel) Deliver(msg message.Message) error {
	if !c.io.Post(func() { c.filter.OnMessage(msg) }) {
		return ErrLoopClosed
	}
	return nil
}

// AddUnit registers an execution unit under route.
func (c *Channel) AddUnit(route int32, unit ExecutionUnit) {
	c.worker.Post(func() { c.dispatcher.addUnit(route, unit) })
}

// RemoveUnit unregisters the unit under route.
func (c *Channel) RemoveUnit(route int32) {
	c.worker.Post(func() { c.dispatcher.removeUnit(route) })
}

// SchedulingChanged must be called whenever the unit under route becomes
// schedulable or descheduled.
func (c *Channel) SchedulingChanged(route int32) {
	c.worker.Post(func() { c.dispatcher.unitSchedulingChanged(route) })
}

// RunOnce handles the next queued message. Worker runner only.
func (c *Channel) RunOnce() {
	c.dispatcher.RunOnce()
}

// PreemptionState returns the controller state. I/O runner only.
func (c *Channel) PreemptionState() PreemptionState {
	return c.filter.PreemptionState()
}

// Close tears the channel down.
//
// The queue is torn down synchronously, retiring every queued sync point.
// Dispatcher and filter teardown are posted to their runners. A runner that
// refuses the post has finished for good, so the teardown runs inline
// without racing it. Calling Close again is a no-op.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		discarded := c.queue.Teardown()
		c.logger.Info("channel closed", "discarded", discarded)

		if !c.worker.Post(c.dispatcher.teardown) {
			c.dispatcher.teardown()
		}
		if !c.io.Post(c.filter.close) {
			c.filter.close()
		}
	})
}

func (c *Channel) scheduleRunOnce() {
	c.worker.Post(c.dispatcher.RunOnce)
}
