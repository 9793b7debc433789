package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/gpuchan/internal/engine"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestRun creates a passing run with n events alternating between
// channels a and b.
func createTestRun(id, scenario string, created time.Time, n int) Run {
	run := Run{
		ID:        id,
		Scenario:  scenario,
		Passed:    true,
		CreatedAt: created,
		Stats: map[string]engine.QueueStats{
			"a": {Enqueued: 2, Dequeued: 2},
		},
	}
	for i := 1; i <= n; i++ {
		ch := "a"
		if i%2 == 0 {
			ch = "b"
		}
		run.Events = append(run.Events, Event{
			Seq:     int64(i),
			At:      time.Duration(i) * time.Millisecond,
			Channel: ch,
			Type:    "dispatch",
			Detail:  "command",
		})
	}
	return run
}
