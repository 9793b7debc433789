package engine

import "github.com/roach88/gpuchan/internal/message"

// Class is the admission decision made once per incoming message.
// Everything downstream of the filter switches on it.
type Class int

const (
	// ClassOrdered messages get an order number and go to the ordered lane.
	ClassOrdered Class = iota + 1

	// ClassPriority messages bypass ordering via the priority lane.
	ClassPriority

	// ClassSyncPointRequest messages allocate a sync point and are queued
	// in order. The sender is waiting on a reply carrying the id.
	ClassSyncPointRequest

	// ClassRejected messages violate the channel's sync point policy.
	ClassRejected

	// ClassPassThrough messages (replies, non-blocking messages) are left to
	// the transport and never queued.
	ClassPassThrough
)

func (c Class) String() string {
	switch c {
	case ClassOrdered:
		return "ordered"
	case ClassPriority:
		return "priority"
	case ClassSyncPointRequest:
		return "sync_point_request"
	case ClassRejected:
		return "rejected"
	case ClassPassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// Classify decides how msg is admitted.
//
// allowFuture is the channel's static permission to create sync points that
// are not retired on completion. Without it, insert requests with the retire
// flag cleared and all retire requests are rejected with a protocol
// violation.
func Classify(msg message.Message, allowFuture bool) (Class, *RuntimeError) {
	if msg.Reply || msg.Unblock {
		return ClassPassThrough, nil
	}

	switch {
	case msg.Kind == message.KindInsertSyncPoint:
		if !allowFuture && !msg.Retire {
			return ClassRejected, NewProtocolViolationError("future sync points not allowed", msg.RoutingID)
		}
		return ClassSyncPointRequest, nil

	case msg.Kind == message.KindRetireSyncPoint:
		if !allowFuture {
			return ClassRejected, NewProtocolViolationError("retire sync point not allowed", msg.RoutingID)
		}
		return ClassOrdered, nil

	case msg.Kind.IsWait():
		return ClassPriority, nil
	}
	return ClassOrdered, nil
}
