package harness

import (
	"time"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/store"
)

// Trace event types.
const (
	EventStep       = "step"
	EventAdmit      = "admit"
	EventReject     = "reject"
	EventDispatch   = "dispatch"
	EventRequeue    = "requeue"
	EventDrop       = "drop"
	EventPreemption = "preemption"
	EventReply      = "reply"
	EventRetire     = "retire"
)

// TraceEvent is one line of a simulation trace.
type TraceEvent struct {
	Seq     int64         `json:"seq"`
	At      time.Duration `json:"at"`
	Channel string        `json:"channel"`
	Type    string        `json:"type"`
	Detail  string        `json:"detail"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success.
	// True if every expect step matched.
	Pass bool `json:"pass"`

	// Trace contains every scheduling event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Stats holds each channel's final queue statistics.
	Stats map[string]engine.QueueStats `json:"stats"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Stats:  make(map[string]engine.QueueStats),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record converts the result into a store run.
func (r *Result) Record(id, scenario string, createdAt time.Time) store.Run {
	run := store.Run{
		ID:        id,
		Scenario:  scenario,
		Passed:    r.Pass,
		Stats:     r.Stats,
		CreatedAt: createdAt,
	}
	if len(r.Errors) > 0 {
		run.Errors = append([]string(nil), r.Errors...)
	}
	for _, ev := range r.Trace {
		run.Events = append(run.Events, store.Event{
			Seq:     ev.Seq,
			At:      ev.At,
			Channel: ev.Channel,
			Type:    ev.Type,
			Detail:  ev.Detail,
		})
	}
	return run
}
