package harness

import (
	"errors"
	"fmt"
)

// stepQuota caps the worker tasks one drain step may run. A yielding
// channel re-posts its RunOnce for as long as the shared flag is raised.
type stepQuota struct {
	limit   int
	current int
}

func newStepQuota(limit int) *stepQuota {
	return &stepQuota{limit: limit}
}

// Check counts one task and fails once the limit is passed.
func (q *stepQuota) Check(step int) error {
	q.current++
	if q.current > q.limit {
		return &StepsExceededError{Step: step, Tasks: q.current, Limit: q.limit}
	}
	return nil
}

// Current returns the number of tasks counted so far.
func (q *stepQuota) Current() int {
	return q.current
}

// StepsExceededError reports a drain step that hit the task cap.
type StepsExceededError struct {
	Step  int // index of the drain step
	Tasks int // tasks counted, including the rejected one
	Limit int
}

func (e *StepsExceededError) Error() string {
	return fmt.Sprintf("steps[%d]: drain exceeded %d worker tasks", e.Step, e.Limit)
}

// IsStepsExceededError returns true if the error is a StepsExceededError.
// Uses errors.As to handle wrapped errors.
func IsStepsExceededError(err error) bool {
	var se *StepsExceededError
	return errors.As(err, &se)
}
