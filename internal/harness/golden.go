package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderTrace formats a trace as one line per event:
//
//	<seq> <at> <channel> <type> <detail>
//
// Columns are space separated; the output is byte-for-byte stable for a
// given scenario.
func RenderTrace(trace []TraceEvent) []byte {
	var b strings.Builder
	for _, ev := range trace {
		fmt.Fprintf(&b, "%04d %s %s %s %s\n", ev.Seq, ev.At, ev.Channel, ev.Type, ev.Detail)
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}

	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, RenderTrace(result.Trace))
}
