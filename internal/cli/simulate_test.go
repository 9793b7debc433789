package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/store"
)

const orderedScenario = `name: ordered_dispatch
channels:
  - name: client
    units: [1]
steps:
  - send: { channel: client, kind: command, route: 1, count: 2 }
  - drain: true
  - expect:
      dispatched:
        client: ["command 1", "command 2"]
      completed: { client: 2 }
`

const orderedGolden = `0001 0s client step send command route=1 x2
0002 0s client admit ordered command 1
0003 0s client admit ordered command 2
0004 0s - step drain
0005 0s client dispatch command 1
0006 0s client dispatch command 2
`

const failingScenario = `name: wrong_count
channels:
  - name: client
    units: [1]
steps:
  - send: { channel: client, kind: command, route: 1 }
  - expect:
      queued: { client: 0 }
`

// writeScenarioDir creates a scenario directory with the given files.
func writeScenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func executeSimulate(t *testing.T, opts *SimulateOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newSimulateCommand(opts)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

func TestSimulate_Passes(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"ordered_dispatch.yaml":          orderedScenario,
		"golden/ordered_dispatch.golden": orderedGolden,
	})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ ordered_dispatch")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestSimulate_SingleFileWithTrace(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"ordered_dispatch.yaml": orderedScenario})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}},
		filepath.Join(dir, "ordered_dispatch.yaml"), "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "    0005 0s client dispatch command 1\n")
}

func TestSimulate_UpdateWritesGolden(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"ordered_dispatch.yaml": orderedScenario})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "ordered_dispatch.golden"))
	require.NoError(t, err)
	assert.Equal(t, orderedGolden, string(golden))
}

func TestSimulate_GoldenMismatch(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"ordered_dispatch.yaml":          orderedScenario,
		"golden/ordered_dispatch.golden": "0001 0s client step something else\n",
	})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ ordered_dispatch")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestSimulate_FailedExpectationJSON(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"ordered_dispatch.yaml": orderedScenario,
		"wrong_count.yaml":      failingScenario,
	})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "json"}}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenarioFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)

	// Lexical order: ordered_dispatch before wrong_count
	require.Len(t, resp.Data.Scenarios, 2)
	failed := resp.Data.Scenarios[1]
	assert.Equal(t, "wrong_count", failed.Name)
	assert.Equal(t, []string{"steps[1]: queued[client]: expected 0, got 1"}, failed.Errors)
}

func TestSimulate_Filter(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"ordered_dispatch.yaml": orderedScenario,
		"wrong_count.yaml":      failingScenario,
	})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir, "--filter", "ordered_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "wrong_count")
}

func TestSimulate_NoScenarios(t *testing.T) {
	dir := t.TempDir()

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestSimulate_InvalidScenario(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"broken.yaml": "name: broken\nchannels: []\nsteps: []\n"})

	out, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestSimulate_MissingPath(t *testing.T) {
	_, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}}, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}

func TestSimulate_InvalidConfig(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"ordered_dispatch.yaml": orderedScenario,
		"bad.cue":               `preemption: vsync_interval: "soon"`,
	})

	_, err := executeSimulate(t, &SimulateOptions{RootOptions: &RootOptions{Format: "text"}},
		dir, "--config", filepath.Join(dir, "bad.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid config")
}

func TestSimulate_RecordsRun(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"ordered_dispatch.yaml": orderedScenario})
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	opts := &SimulateOptions{
		RootOptions: &RootOptions{Format: "json"},
		IDs:         engine.NewFixedGenerator("run-1"),
		Clock:       mock,
	}
	out, err := executeSimulate(t, opts, dir, "--db", dbPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-1", resp.RunID)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	run, err := st.ReadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "ordered_dispatch", run.Scenario)
	assert.True(t, run.Passed)
	assert.Equal(t, mock.Now(), run.CreatedAt)
	assert.Len(t, run.Events, 6)
	assert.Equal(t, uint64(2), run.Stats["client"].Dequeued)
}

func TestFindScenarioFiles_SkipsGoldenDir(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"a.yaml":          orderedScenario,
		"nested/b.yml":    orderedScenario,
		"golden/c.yaml":   orderedScenario,
		"notes.txt":       "not a scenario",
		"golden/a.golden": orderedGolden,
	})

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "nested", "b.yml"),
	}, files)
}

func TestFindScenarioFiles_BadPattern(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"a.yaml": orderedScenario})

	_, err := findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "preempt_bounded.golden"),
		goldenFilePath(filepath.Join("scenarios", "preempt_bounded.yaml")))
}
