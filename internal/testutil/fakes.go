package testutil

import (
	"sync"

	"github.com/roach88/gpuchan/internal/message"
)

// FakeUnit is a scriptable execution unit.
//
// Thread-safety: safe for concurrent use; tests typically flip state from
// the test goroutine while a worker runner calls it.
type FakeUnit struct {
	mu          sync.Mutex
	schedulable bool
	preempted   bool
	moreWork    int
	executed    []message.ChannelMessage
	onExecute   func(*message.ChannelMessage)
}

// NewFakeUnit creates a schedulable unit with no internal work.
func NewFakeUnit() *FakeUnit {
	return &FakeUnit{schedulable: true}
}

// IsSchedulable reports the scripted scheduling state.
func (u *FakeUnit) IsSchedulable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.schedulable
}

// IsBeingPreempted reports the scripted preemption state.
func (u *FakeUnit) IsBeingPreempted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.preempted
}

// HasMoreInternalWork returns true the next n times after SetMoreWork(n).
func (u *FakeUnit) HasMoreInternalWork() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.moreWork > 0 {
		u.moreWork--
		return true
	}
	return false
}

// Execute records msg.
func (u *FakeUnit) Execute(msg *message.ChannelMessage) {
	u.mu.Lock()
	u.executed = append(u.executed, *msg)
	hook := u.onExecute
	u.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
}

// SetSchedulable scripts IsSchedulable.
func (u *FakeUnit) SetSchedulable(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.schedulable = v
}

// SetPreempted scripts IsBeingPreempted.
func (u *FakeUnit) SetPreempted(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.preempted = v
}

// SetMoreWork makes HasMoreInternalWork report true n more times.
func (u *FakeUnit) SetMoreWork(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.moreWork = n
}

// OnExecute installs a hook called after each Execute.
func (u *FakeUnit) OnExecute(fn func(*message.ChannelMessage)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onExecute = fn
}

// Executed returns a copy of every message executed so far.
func (u *FakeUnit) Executed() []message.ChannelMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]message.ChannelMessage, len(u.executed))
	copy(out, u.executed)
	return out
}

// ExecutedOrders returns the order numbers of executed messages.
func (u *FakeUnit) ExecutedOrders() []message.OrderNumber {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]message.OrderNumber, len(u.executed))
	for i, m := range u.executed {
		out[i] = m.Order
	}
	return out
}

// RecordingCoordinator is a sync point coordinator that remembers every
// allocation and retirement.
//
// Thread-safety: safe for concurrent use.
type RecordingCoordinator struct {
	mu        sync.Mutex
	next      uint32
	allocated []uint32
	retired   []uint32
	onRetire  func(uint32)
}

// NewRecordingCoordinator creates a coordinator whose first id is 1.
func NewRecordingCoordinator() *RecordingCoordinator {
	return &RecordingCoordinator{}
}

// Allocate returns the next id.
func (c *RecordingCoordinator) Allocate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.allocated = append(c.allocated, c.next)
	return c.next
}

// Retire records id, duplicates included.
func (c *RecordingCoordinator) Retire(id uint32) {
	c.mu.Lock()
	c.retired = append(c.retired, id)
	hook := c.onRetire
	c.mu.Unlock()

	if hook != nil {
		hook(id)
	}
}

// OnRetire installs a hook called after each Retire.
func (c *RecordingCoordinator) OnRetire(fn func(uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRetire = fn
}

// Allocated returns a copy of the allocated ids in allocation order.
func (c *RecordingCoordinator) Allocated() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.allocated...)
}

// Retired returns a copy of the retired ids in retirement order.
func (c *RecordingCoordinator) Retired() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.retired...)
}

// RecordingTransport collects replies.
//
// Thread-safety: safe for concurrent use.
type RecordingTransport struct {
	mu      sync.Mutex
	replies []message.Reply
	err     error
}

// NewRecordingTransport creates an empty transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// Send records reply and returns the scripted error, if any.
func (t *RecordingTransport) Send(reply message.Reply) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, reply)
	return t.err
}

// FailWith makes subsequent sends return err after recording.
func (t *RecordingTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Replies returns a copy of every reply sent.
func (t *RecordingTransport) Replies() []message.Reply {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]message.Reply(nil), t.replies...)
}
