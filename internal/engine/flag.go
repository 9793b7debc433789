package engine

import "sync/atomic"

// PreemptionFlag is the shared "preempt others" handle.
//
// One channel's preemption controller writes it; the dispatchers of every
// channel holding it as their preempted-by flag read it before each message.
// A nil *PreemptionFlag is valid and never set.
type PreemptionFlag struct {
	set atomic.Bool
}

// NewPreemptionFlag creates a cleared flag.
func NewPreemptionFlag() *PreemptionFlag {
	return &PreemptionFlag{}
}

// Set raises the flag.
func (f *PreemptionFlag) Set() {
	f.set.Store(true)
}

// Reset clears the flag. Resetting a nil flag is a no-op.
func (f *PreemptionFlag) Reset() {
	if f == nil {
		return
	}
	f.set.Store(false)
}

// IsSet reports whether the flag is raised.
func (f *PreemptionFlag) IsSet() bool {
	if f == nil {
		return false
	}
	return f.set.Load()
}
