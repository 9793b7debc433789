package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/gpuchan/internal/message"
)

// ErrLoopClosed is returned when work is posted to a stopped Loop.
var ErrLoopClosed = errors.New("engine: loop closed")

// RuntimeError represents a failure detected while admitting or dispatching
// a message.
//
// None of these are fatal. The worst outcome of any of them is that one
// channel's remaining work is abandoned.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Channel identifies the affected channel.
	Channel string

	// RoutingID is the target of the offending message, if any.
	RoutingID int32

	// Order is the order number of the offending message, if any.
	Order message.OrderNumber
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeProtocolViolation indicates an untrusted client attempted a
	// forbidden sync point operation.
	ErrCodeProtocolViolation RuntimeErrorCode = "PROTOCOL_VIOLATION"

	// ErrCodeChannelClosed indicates the channel was already torn down.
	ErrCodeChannelClosed RuntimeErrorCode = "CHANNEL_CLOSED"

	// ErrCodeUnknownRoute indicates no execution unit exists for a routing id.
	ErrCodeUnknownRoute RuntimeErrorCode = "UNKNOWN_ROUTE"

	// ErrCodeOrderViolation indicates a message outside the order window.
	ErrCodeOrderViolation RuntimeErrorCode = "ORDER_VIOLATION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Channel != "" && e.RoutingID != 0 {
		return fmt.Sprintf("%s: %s (channel=%s, route=%d)", e.Code, e.Message, e.Channel, e.RoutingID)
	}
	if e.Channel != "" {
		return fmt.Sprintf("%s: %s (channel=%s)", e.Code, e.Message, e.Channel)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsProtocolViolation returns true if err is a protocol violation.
func IsProtocolViolation(err error) bool {
	return hasCode(err, ErrCodeProtocolViolation)
}

// IsChannelClosed returns true if err reports a torn down channel.
func IsChannelClosed(err error) bool {
	return hasCode(err, ErrCodeChannelClosed)
}

// IsUnknownRoute returns true if err reports a missing execution unit.
func IsUnknownRoute(err error) bool {
	return hasCode(err, ErrCodeUnknownRoute)
}

// IsOrderViolation returns true if err reports an out-of-window message.
func IsOrderViolation(err error) bool {
	return hasCode(err, ErrCodeOrderViolation)
}

// NewProtocolViolationError creates a RuntimeError for a forbidden request.
func NewProtocolViolationError(reason string, routingID int32) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeProtocolViolation,
		Message:   reason,
		RoutingID: routingID,
	}
}

// NewChannelClosedError creates a RuntimeError for a push after teardown.
func NewChannelClosedError(channel string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeChannelClosed,
		Message: "channel torn down",
		Channel: channel,
	}
}

// NewUnknownRouteError creates a RuntimeError for a missing execution unit.
func NewUnknownRouteError(channel string, routingID int32) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeUnknownRoute,
		Message:   "no execution unit for routing id",
		Channel:   channel,
		RoutingID: routingID,
	}
}

// NewOrderViolationError creates a RuntimeError for a message whose order
// number lies outside [completed, assigned].
func NewOrderViolationError(channel string, order, completed, assigned message.OrderNumber) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeOrderViolation,
		Message: fmt.Sprintf("order %s outside window [%s, %s]", order, completed, assigned),
		Channel: channel,
		Order:   order,
	}
}
