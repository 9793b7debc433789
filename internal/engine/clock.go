package engine

import (
	"sync/atomic"

	"github.com/roach88/gpuchan/internal/message"
)

// OrderCounter hands out order numbers for a group of ingress filters.
//
// Every channel in a process shares one counter, so order numbers are
// globally unique and strictly increasing in admission order. The first
// number is 1; 0 is reserved for "no order observed".
//
// Thread-safety: safe for concurrent use.
type OrderCounter struct {
	seq atomic.Uint32
}

// NewOrderCounter creates a counter whose first Next returns 1.
func NewOrderCounter() *OrderCounter {
	return &OrderCounter{}
}

// NewOrderCounterAt creates a counter that resumes after start.
func NewOrderCounterAt(start message.OrderNumber) *OrderCounter {
	c := &OrderCounter{}
	c.seq.Store(uint32(start))
	return c
}

// Next returns the next order number.
// Panics if the counter would reach the OutOfOrder sentinel.
func (c *OrderCounter) Next() message.OrderNumber {
	n := message.OrderNumber(c.seq.Add(1))
	if n == message.OutOfOrder {
		panic("engine: order numbers exhausted")
	}
	return n
}

// Current returns the last number handed out.
func (c *OrderCounter) Current() message.OrderNumber {
	return message.OrderNumber(c.seq.Load())
}
