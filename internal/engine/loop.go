package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Loop is the production Runner: an unbounded FIFO of tasks executed by one
// goroutine calling Run.
//
// CRITICAL: Run must be called from exactly one goroutine. Post is safe
// from any goroutine, including from tasks running on the loop itself.
// A panicking task is logged and the loop keeps going.
//
// After Stop, Post keeps accepting tasks until Run has drained the queue
// and returned. A false Post therefore means no task of this loop is
// running or will run.
type Loop struct {
	name    string
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	running bool
	signal  chan struct{} // buffered, size 1
}

// NewLoop creates an idle loop. Call Run to start executing tasks.
func NewLoop(name string) *Loop {
	return &Loop{
		name:   name,
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Post appends task to the loop.
// Returns false once the loop is stopped and Run is not draining it.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped && !l.running {
		return false
	}
	l.tasks = append(l.tasks, task)
	l.wake()
	return true
}

// Run executes tasks until ctx is cancelled or Stop is called.
// After Stop, Run returns once no task is left, including tasks posted
// while it drains.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	slog.Debug("loop starting", "loop", l.name)

	for {
		task, ok, exit := l.next()
		if exit {
			slog.Debug("loop stopping: drained", "loop", l.name)
			return nil
		}
		if ok {
			l.run(task)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("loop stopping: context cancelled", "loop", l.name)
			l.mu.Lock()
			l.stopped = true
			l.running = false
			l.mu.Unlock()
			return ctx.Err()

		case <-l.signal:
		}
	}
}

// Stop makes Run return once drained. Post fails from then on.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.wake()
}

// Len returns the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// wake signals Run without blocking; the buffer of 1 coalesces wake-ups.
// Caller must hold l.mu.
func (l *Loop) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// next dequeues the oldest task. exit reports that the loop is stopped and
// empty; Run is marked finished in the same critical section so no
// accepted task is left behind.
func (l *Loop) next() (task func(), ok, exit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		if l.stopped {
			l.running = false
			return nil, false, true
		}
		return nil, false, false
	}
	task = l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return task, true, false
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "loop", l.name, "panic", r)
		}
	}()
	task()
}
