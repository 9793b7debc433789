package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gpuchan/internal/config"
	"github.com/roach88/gpuchan/internal/store"
	"github.com/roach88/gpuchan/internal/testutil"
)

func runYAML(t *testing.T, src string, opts ...Option) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	result, err := Run(s, opts...)
	require.NoError(t, err)
	return result
}

func TestRun_WaitOvertakesDescheduledCommand(t *testing.T) {
	result := runYAML(t, `
name: wait_overtakes
channels:
  - name: c
    units: [1, 2]
steps:
  - deschedule: { channel: c, route: 1 }
  - send: { channel: c, kind: command, route: 1 }
  - send: { channel: c, kind: wait_for_token, route: 2 }
  - drain: true
  - expect:
      dispatched:
        c: ["wait_for_token out-of-order"]
      queued: { c: 1 }
      completed: { c: 0 }
  - schedule: { channel: c, route: 1 }
  - drain: true
  - expect:
      dispatched:
        c: ["wait_for_token out-of-order", "command 1"]
      queued: { c: 0 }
      completed: { c: 1 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ContinueKeepsOrder(t *testing.T) {
	result := runYAML(t, `
name: continue
channels:
  - name: c
    units: [1]
steps:
  - more_work: { channel: c, route: 1, count: 2 }
  - send: { channel: c, kind: command, route: 1, count: 2 }
  - drain: true
  - expect:
      dispatched:
        c: ["command 1", "continue 1", "continue 1", "command 2"]
      completed: { c: 2 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, uint64(2), result.Stats["c"].Requeued)
}

func TestRun_PreemptingChannelThatNeverCatchesUp(t *testing.T) {
	result := runYAML(t, `
name: never_catches_up
channels:
  - name: renderer
    yields: true
    units: [1]
  - name: gpu
    preempts: true
    units: [1]
steps:
  - preempt: { channel: gpu, route: 1 }
  - send: { channel: renderer, kind: command, route: 1 }
  - send: { channel: gpu, kind: command, route: 1 }
  - advance: 34ms
  - drain: true
  - expect:
      flag: true
      states: { gpu: PREEMPTING }
      dispatched: { renderer: [], gpu: [] }
  - advance: 17ms
  - expect:
      flag: false
      states: { gpu: WAITING }
  - drain: true
  - expect:
      dispatched: { renderer: ["command 1"], gpu: [] }
      queued: { renderer: 0, gpu: 1 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UnknownRouteRetiresSyncPoint(t *testing.T) {
	result := runYAML(t, `
name: unknown_route
channels:
  - name: c
    units: [1]
steps:
  - send: { channel: c, kind: insert_sync_point, route: 7, retire: true }
  - send: { channel: c, kind: command, route: 7, sync: true }
  - drain: true
  - expect:
      retired: [1]
      dispatched: { c: [] }
      completed: { c: 2 }
      replies:
        c: ["insert_sync_point sp=1", "command error=UNKNOWN_ROUTE"]
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, uint64(1), result.Stats["c"].SyncPointsRetired)
}

func TestRun_TeardownRetiresQueuedSyncPoints(t *testing.T) {
	result := runYAML(t, `
name: teardown
channels:
  - name: c
    trusted: true
    units: [1]
steps:
  - deschedule: { channel: c, route: 1 }
  - send: { channel: c, kind: insert_sync_point, route: 1, retire: true, count: 2 }
  - drain: true
  - teardown: c
  - drain: true
  - expect:
      retired: [1, 2]
      queued: { c: 0 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, uint64(2), result.Stats["c"].Dropped)
}

func TestRun_FailedExpectation(t *testing.T) {
	result := runYAML(t, `
name: failing
channels:
  - name: c
    units: [1]
steps:
  - send: { channel: c, kind: command, route: 1 }
  - expect:
      queued: { c: 0 }
      flag: true
`)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"steps[1]: flag: expected true, got false",
		"steps[1]: queued[c]: expected 0, got 1",
	}, result.Errors)
}

func TestRun_MissingUnitIsReported(t *testing.T) {
	result := runYAML(t, `
name: missing_unit
channels:
  - name: c
    units: [1]
steps:
  - deschedule: { channel: c, route: 9 }
`)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{`steps[0]: channel "c" has no unit on route 9`}, result.Errors)
}

func TestRun_DrainStepCap(t *testing.T) {
	cfg, err := config.Parse("cap.cue", []byte("simulation: max_steps: 3"))
	require.NoError(t, err)

	result := runYAML(t, `
name: capped
channels:
  - name: c
    units: [1]
steps:
  - send: { channel: c, kind: command, route: 1, count: 5 }
  - drain: true
`, WithConfig(*cfg))

	assert.False(t, result.Pass)
	assert.Equal(t, []string{"steps[1]: drain exceeded 3 worker tasks"}, result.Errors)
	assert.Equal(t, 2, result.Stats["c"].Depth)
}

func TestRun_CustomThresholds(t *testing.T) {
	cfg, err := config.Parse("fast.cue", []byte(`preemption: vsync_interval: "5ms"`))
	require.NoError(t, err)

	result := runYAML(t, `
name: fast
channels:
  - name: gpu
    preempts: true
    units: [1]
steps:
  - send: { channel: gpu, kind: command, route: 1 }
  - advance: 10ms
  - expect:
      flag: true
      states: { gpu: PREEMPTING }
`, WithConfig(*cfg))

	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/preempt_bounded.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, RenderTrace(first.Trace), RenderTrace(second.Trace))
}

func TestResult_RecordRoundTrip(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/sync_point_lifecycle.yaml")
	require.NoError(t, err)
	result, err := Run(s)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	run := result.Record("run-1", s.Name, testutil.Epoch)
	require.NoError(t, st.WriteRun(ctx, run))

	got, err := st.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Passed)
	assert.Equal(t, s.Name, got.Scenario)
	require.Len(t, got.Events, len(result.Trace))
	for i, ev := range result.Trace {
		assert.Equal(t, ev.Seq, got.Events[i].Seq)
		assert.Equal(t, ev.Detail, got.Events[i].Detail)
	}
	assert.Equal(t, result.Stats["host"], got.Stats["host"])
}
