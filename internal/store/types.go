package store

import (
	"time"

	"github.com/roach88/gpuchan/internal/engine"
)

// Run is one recorded execution of a scenario.
type Run struct {
	ID        string
	Scenario  string
	Passed    bool
	Errors    []string
	Stats     map[string]engine.QueueStats
	CreatedAt time.Time
	Events    []Event
}

// Event is one trace line of a run. Seq is dense from 1 within a run.
type Event struct {
	Seq     int64
	At      time.Duration
	Channel string
	Type    string
	Detail  string
}

// RunSummary is a run without its events.
type RunSummary struct {
	ID        string
	Scenario  string
	Passed    bool
	Errors    []string
	CreatedAt time.Time
	Events    int
}
