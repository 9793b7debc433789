// Package engine implements the per-client command channel scheduler.
//
// A Channel accepts command messages from one client, gives them a total
// causal order, lets wait messages jump the queue, and hands them to
// execution units on a worker goroutine shared by many channels.
//
// ARCHITECTURE:
//
// Two runners per channel:
// The I/O runner executes the IngressFilter and its preemption controller.
// The worker runner executes the Dispatcher and is shared by every channel
// in the process. A Runner is any single goroutine that executes posted
// closures in FIFO order (Loop in production, testutil.ManualRunner in
// tests and simulation).
//
// Message Flow:
//  1. Transport delivers a Message; the filter classifies it once
//  2. Ordered messages get the next number from the shared OrderCounter
//  3. The MessageQueue holds an ordered lane and a priority lane
//  4. Dispatcher.RunOnce pops one message, routes it, executes it
//  5. Completion advances the completed order and notifies the filter
//
// The MessageQueue mutex is the only lock shared between the runners.
// No execution unit is ever called while it is held.
//
// CRITICAL PATTERNS:
//
// Ordering:
// For order numbers n1 < n2 on one channel, n1 completes before n2 is
// dispatched. A unit with leftover internal work gets a Continue message at
// the same order number instead of completing.
//
// Sync point liveness:
// Every allocated sync point retires exactly once: on dispatch, when its
// route is gone, or at teardown.
//
// Cooperative preemption:
// A channel whose oldest message waits too long sets a shared flag that
// other channels' dispatchers honour by yielding. The flag is never set
// while one of the channel's own units is descheduled, and is always
// cleared within the preemption budget.
package engine
