package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/store"
)

// seedRuns creates a database with two recorded runs.
func seedRuns(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:        "run-a",
			Scenario:  "preempt_bounded",
			Passed:    true,
			CreatedAt: base,
			Stats: map[string]engine.QueueStats{
				"fast": {Enqueued: 1, Dequeued: 1, MaxDepth: 1},
				"slow": {Enqueued: 2, Dequeued: 2, Requeued: 1, MaxDepth: 2},
			},
			Events: []store.Event{
				{Seq: 1, At: 0, Channel: "slow", Type: "admit", Detail: "ordered command 1"},
				{Seq: 2, At: 34 * time.Millisecond, Channel: "fast", Type: "preemption", Detail: "CHECKING -> PREEMPTING"},
				{Seq: 3, At: 34 * time.Millisecond, Channel: "slow", Type: "requeue", Detail: "preempted command 1"},
			},
		},
		{
			ID:        "run-b",
			Scenario:  "ordered_dispatch",
			Passed:    false,
			Errors:    []string{"steps[2]: completed[client]: expected 2, got 1"},
			CreatedAt: base.Add(time.Minute),
		},
	}
	for _, run := range runs {
		require.NoError(t, st.WriteRun(context.Background(), run))
	}
	return dbPath
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTrace_ListRuns(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "trace", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓  2024-03-01T12:00:00Z  run-a  preempt_bounded")
	assert.Contains(t, out, "✗  2024-03-01T12:01:00Z  run-b  ordered_dispatch")
	assert.Less(t, bytes.Index([]byte(out), []byte("run-a")), bytes.Index([]byte(out), []byte("run-b")))
}

func TestTrace_ListRunsByScenarioJSON(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "--format", "json", "trace", "--db", dbPath, "--scenario", "preempt_bounded")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   []TraceSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "run-a", resp.Data[0].ID)
	assert.Equal(t, 3, resp.Data[0].Events)
}

func TestTrace_ShowRun(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "trace", "--db", dbPath, "--run", "run-a")
	require.NoError(t, err)
	assert.Contains(t, out, "Run: run-a")
	assert.Contains(t, out, "Status: PASSED")
	assert.Contains(t, out, "  0002 34ms fast preemption CHECKING -> PREEMPTING\n")
	assert.Contains(t, out, "  slow: enqueued=2 dequeued=2 requeued=1 dropped=0 sync_points=0/0 max_depth=2\n")
}

func TestTrace_ShowRunFailedStatus(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "trace", "--db", dbPath, "--run", "run-b")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: FAILED")
	assert.Contains(t, out, "steps[2]: completed[client]: expected 2, got 1")
	assert.Contains(t, out, "(no events)")
}

func TestTrace_ChannelAndTypeFilters(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "--format", "json", "trace", "--db", dbPath, "--run", "run-a", "--channel", "slow")
	require.NoError(t, err)

	var resp struct {
		RunID string   `json:"run_id"`
		Data  TraceRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "run-a", resp.RunID)
	require.Len(t, resp.Data.Events, 2)
	assert.Equal(t, int64(1), resp.Data.Events[0].Seq)
	assert.Equal(t, int64(3), resp.Data.Events[1].Seq)

	out, err = executeRoot(t, "--format", "json", "trace", "--db", dbPath, "--run", "run-a", "--type", "preemption")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Events, 1)
	assert.Equal(t, "34ms", resp.Data.Events[0].At)
	assert.Equal(t, "fast", resp.Data.Events[0].Channel)
}

func TestTrace_RunNotFound(t *testing.T) {
	dbPath := seedRuns(t)

	out, err := executeRoot(t, "--format", "json", "trace", "--db", dbPath, "--run", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRunNotFound, resp.Error.Code)
}

func TestTrace_EmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	out, err := executeRoot(t, "trace", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestTrace_RequiresDB(t *testing.T) {
	_, err := executeRoot(t, "trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "db" not set`)
}
