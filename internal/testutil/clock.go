package testutil

import (
	"container/heap"
	"sync"
	"time"
)

// Epoch is the default start of virtual time.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// VirtualTimers is a deterministic clock with one-shot timers.
//
// Time only moves when Advance is called. Due timers fire synchronously on
// the advancing goroutine in deadline order (ties in arming order), with Now
// reporting each timer's deadline while its callback runs. This makes
// timer-driven traces byte-for-byte reproducible.
//
// Satisfies engine.Timers. Thread-safety: all methods are safe for
// concurrent use; callbacks run without the internal lock held.
type VirtualTimers struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers virtualHeap
}

// NewVirtualTimers creates a clock at start. A zero start uses Epoch.
func NewVirtualTimers(start time.Time) *VirtualTimers {
	if start.IsZero() {
		start = Epoch
	}
	return &VirtualTimers{now: start}
}

// Now returns the current virtual time.
func (v *VirtualTimers) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc arms fn to run once d of virtual time has passed.
// The returned stop function reports whether it prevented the fire.
func (v *VirtualTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	t := &virtualTimer{when: v.now.Add(d), seq: v.seq, fn: fn}
	heap.Push(&v.timers, t)

	return func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		if t.index < 0 {
			return false
		}
		heap.Remove(&v.timers, t.index)
		return true
	}
}

// Advance moves virtual time forward by d, firing every timer that falls
// due, including timers armed by callbacks within the window.
func (v *VirtualTimers) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if len(v.timers) == 0 || v.timers[0].when.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		t := heap.Pop(&v.timers).(*virtualTimer)
		if t.when.After(v.now) {
			v.now = t.when
		}
		v.mu.Unlock()

		t.fn()
	}
}

// AdvanceWith moves virtual time forward by d one deadline at a time,
// calling settle after each group of due timers fired and once more at the
// end. Tests use settle to drain the runners the callbacks posted to, so
// every fire is handled at its own virtual instant.
func (v *VirtualTimers) AdvanceWith(d time.Duration, settle func()) {
	target := v.Now().Add(d)
	for {
		at, ok := v.NextDeadline()
		if !ok || at.After(target) {
			break
		}
		v.Advance(at.Sub(v.Now()))
		settle()
	}
	v.Advance(target.Sub(v.Now()))
	settle()
}

// Pending returns the number of armed timers.
func (v *VirtualTimers) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

// NextDeadline returns the earliest armed deadline.
func (v *VirtualTimers) NextDeadline() (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.timers) == 0 {
		return time.Time{}, false
	}
	return v.timers[0].when, true
}

type virtualTimer struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

type virtualHeap []*virtualTimer

func (h virtualHeap) Len() int { return len(h) }

func (h virtualHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h virtualHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *virtualHeap) Push(x any) {
	t := x.(*virtualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *virtualHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
