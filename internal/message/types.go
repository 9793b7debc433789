package message

import (
	"fmt"
	"math"
	"time"
)

// OrderNumber establishes causal dispatch order for a channel.
type OrderNumber uint32

const (
	// NoOrder means no order number has been observed yet.
	NoOrder OrderNumber = 0

	// OutOfOrder marks priority-lane messages that bypass ordering.
	OutOfOrder OrderNumber = math.MaxUint32
)

// IsOrdered reports whether n is a real order number.
func (n OrderNumber) IsOrdered() bool {
	return n != NoOrder && n != OutOfOrder
}

func (n OrderNumber) String() string {
	switch n {
	case NoOrder:
		return "none"
	case OutOfOrder:
		return "out-of-order"
	}
	return fmt.Sprintf("%d", uint32(n))
}

// Kind identifies the payload type of a Message.
type Kind int

const (
	// KindCommand is any command-buffer message without special handling
	// (flushes, resource creation, ...).
	KindCommand Kind = iota + 1

	// KindWaitForToken blocks the client until the unit reaches a token.
	KindWaitForToken

	// KindWaitForGetOffset blocks the client until the unit's get offset
	// reaches a value.
	KindWaitForGetOffset

	// KindInsertSyncPoint requests a new sync point id. The sender waits on a
	// reply carrying the id.
	KindInsertSyncPoint

	// KindRetireSyncPoint retires a previously inserted future sync point.
	KindRetireSyncPoint

	// KindContinue is synthesized by the dispatcher when a unit still has
	// internal work after executing a message.
	KindContinue
)

var kindNames = map[Kind]string{
	KindCommand:          "command",
	KindWaitForToken:     "wait_for_token",
	KindWaitForGetOffset: "wait_for_get_offset",
	KindInsertSyncPoint:  "insert_sync_point",
	KindRetireSyncPoint:  "retire_sync_point",
	KindContinue:         "continue",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts the string form produced by Kind.String back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

// IsWait reports whether the kind is one of the two wait kinds that use the
// priority lane.
func (k Kind) IsWait() bool {
	return k == KindWaitForToken || k == KindWaitForGetOffset
}

// Message is a raw message as delivered by the transport.
type Message struct {
	// RoutingID names the target execution unit.
	RoutingID int32

	Kind Kind

	// Sync is set when the sender blocks waiting on a reply.
	Sync bool

	// Reply marks replies travelling back through the channel. Replies are
	// never queued.
	Reply bool

	// Unblock marks messages the transport handles without blocking.
	Unblock bool

	// Retire is the retire flag of an insert-sync-point request.
	Retire bool

	// SyncPoint is the id targeted by a retire-sync-point request.
	SyncPoint uint32

	Body []byte
}

// ChannelMessage is one admitted unit of work.
//
// Ownership moves with the value: the queue owns it while it is queued, the
// dispatcher owns it once popped.
type ChannelMessage struct {
	Order OrderNumber

	// ReceivedAt is used only for preemption timing, never for ordering.
	ReceivedAt time.Time

	Payload Message

	// SyncPoint is non-zero only for sync-point producing payloads.
	SyncPoint uint32

	RetireOnCompletion bool
}

// HasSyncPoint reports whether the message carries an allocated sync point.
func (m *ChannelMessage) HasSyncPoint() bool {
	return m.SyncPoint != 0
}

// ContinueFrom builds the follow-up message that resumes a unit's internal
// work at the same order number as m.
func ContinueFrom(m *ChannelMessage) *ChannelMessage {
	return &ChannelMessage{
		Order:      m.Order,
		ReceivedAt: m.ReceivedAt,
		Payload: Message{
			RoutingID: m.Payload.RoutingID,
			Kind:      KindContinue,
		},
	}
}

// Reply is sent back to the client through the transport.
type Reply struct {
	RoutingID int32

	// To is the kind of the message being answered.
	To Kind

	// SyncPoint carries the allocated id for insert-sync-point replies.
	SyncPoint uint32

	// Error is set for synthesized error replies.
	Error bool

	// Reason is a short machine-readable cause for error replies.
	Reason string
}
