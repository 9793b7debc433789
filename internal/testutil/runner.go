package testutil

import "sync"

// ManualRunner is a Runner whose tasks run only when the test says so.
//
// It stands in for an I/O or worker goroutine: Post queues, RunPending and
// RunUntilIdle execute on the calling goroutine. Satisfies engine.Runner.
//
// Thread-safety: Post is safe from any goroutine.
type ManualRunner struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	ran    int
}

// NewManualRunner creates an empty runner.
func NewManualRunner() *ManualRunner {
	return &ManualRunner{}
}

// Post queues task. Returns false after Close.
func (r *ManualRunner) Post(task func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.tasks = append(r.tasks, task)
	return true
}

// RunOne executes the oldest queued task. Returns false if none was queued.
func (r *ManualRunner) RunOne() bool {
	r.mu.Lock()
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return false
	}
	task := r.tasks[0]
	r.tasks[0] = nil
	r.tasks = r.tasks[1:]
	r.ran++
	r.mu.Unlock()

	task()
	return true
}

// RunPending executes the tasks queued at the time of the call. Tasks
// posted while running wait for the next call. Returns the number run.
func (r *ManualRunner) RunPending() int {
	r.mu.Lock()
	n := len(r.tasks)
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		r.RunOne()
	}
	return n
}

// RunUntilIdle executes tasks, including newly posted ones, until the queue
// is empty or max tasks have run. Returns the number run.
func (r *ManualRunner) RunUntilIdle(max int) int {
	n := 0
	for n < max && r.RunOne() {
		n++
	}
	return n
}

// Len returns the number of queued tasks.
func (r *ManualRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Ran returns the number of tasks executed so far.
func (r *ManualRunner) Ran() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran
}

// Close rejects further posts and discards queued tasks.
func (r *ManualRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.tasks = nil
}
