package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/roach88/gpuchan/internal/config"
	"github.com/roach88/gpuchan/internal/engine"
	"github.com/roach88/gpuchan/internal/harness"
	"github.com/roach88/gpuchan/internal/store"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Config   string // CUE config file
	Database string // persist runs when set
	Filter   string // scenario filter (glob pattern)
	Update   bool   // regenerate golden files
	Trace    bool   // print each trace

	// IDs overrides the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator

	// Clock stamps stored runs. If nil, defaults to the wall clock.
	Clock clock.Clock
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Events int      `json:"events"`
	RunID  string   `json:"run_id,omitempty"`
	Errors []string `json:"errors,omitempty"`
	Trace  []string `json:"trace,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	return newSimulateCommand(&SimulateOptions{RootOptions: rootOpts})
}

func newSimulateCommand(opts *SimulateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <scenario-file-or-dir>",
		Short: "Run scenarios in virtual time",
		Long: `Run scripted channel scenarios against the scheduler in virtual time.

Each scenario's expect steps are checked, and its trace is compared with
golden/<name>.golden next to the scenario file when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad config, etc.)

Examples:
  gpuchan simulate ./scenarios
  gpuchan simulate ./scenarios --filter "preempt_*"
  gpuchan simulate ./scenarios --update
  gpuchan simulate ./scenarios/ordered_dispatch.yaml --trace
  gpuchan simulate ./scenarios --db runs.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE config file (defaults apply when omitted)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database to record runs in")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario's trace")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario path not found: %s", path))
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)

	files, err := findScenarioFiles(path, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(files) == 0 {
		if opts.Format == "json" {
			return outputSimulateJSON(cmd, SimulateResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
	}

	if opts.IDs == nil {
		opts.IDs = engine.UUIDv7Generator{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := SimulateResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		sr := simulateScenario(ctx, opts, cfg, logger, st, file, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputSimulateJSON(cmd, result)
	}
	return outputSimulateText(cmd, result)
}

// findScenarioFiles returns path itself when it is a file, or every YAML
// file below it in lexical order.
func findScenarioFiles(path string, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		ok, err := matchFilter(path, filter)
		if err != nil || !ok {
			return nil, err
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			// Golden files live next to scenarios and are never scenarios.
			if info.Name() == "golden" && p != path {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		ok, err := matchFilter(p, filter)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, p)
		}
		return nil
	})

	return files, err
}

func matchFilter(path, filter string) (bool, error) {
	if filter == "" {
		return true, nil
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	matched, err := filepath.Match(filter, name)
	if err != nil {
		return false, fmt.Errorf("invalid filter pattern: %w", err)
	}
	return matched, nil
}

// simulateScenario runs one scenario file, applies the golden check and
// records the run.
func simulateScenario(ctx context.Context, opts *SimulateOptions, cfg config.Config, logger *slog.Logger, st *store.Store, file string, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"

	fail := func(name string, errs ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: name, File: file, Pass: false, Errors: errs}
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), fmt.Sprintf("failed to load scenario: %v", err))
	}

	result, err := harness.Run(scenario,
		harness.WithConfig(cfg),
		harness.WithLogger(logger.With("scenario", file)),
	)
	if err != nil {
		return fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	rendered := harness.RenderTrace(result.Trace)
	sr := ScenarioResult{
		Name:   scenario.Name,
		File:   file,
		Pass:   result.Pass,
		Events: len(result.Trace),
		Errors: result.Errors,
	}
	if opts.Trace {
		sr.Trace = strings.Split(strings.TrimSuffix(string(rendered), "\n"), "\n")
	}

	goldenNote := ""
	goldenPath := goldenFilePath(file)
	switch {
	case opts.Update:
		if err := writeGolden(goldenPath, rendered); err != nil {
			return fail(scenario.Name, fmt.Sprintf("failed to update golden file: %v", err))
		}
		goldenNote = " (golden updated)"
	default:
		match, err := compareGolden(goldenPath, rendered)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No golden file: assertion-based validation only.
		case err != nil:
			return fail(scenario.Name, fmt.Sprintf("golden comparison failed: %v", err))
		case !match:
			sr.Pass = false
			sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	if st != nil {
		id := opts.IDs.Generate()
		run := result.Record(id, scenario.Name, opts.Clock.Now().UTC())
		run.Passed = sr.Pass
		if len(sr.Errors) > 0 {
			run.Errors = append([]string(nil), sr.Errors...)
		}
		if err := st.WriteRun(ctx, run); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to record run: %v", err))
		} else {
			sr.RunID = id
		}
	}

	if text {
		mark := "✓"
		if !sr.Pass {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s%s\n", mark, sr.Name, goldenNote)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		if sr.RunID != "" {
			fmt.Fprintf(w, "  run: %s\n", sr.RunID)
		}
		if opts.Trace {
			writeIndented(w, rendered)
		}
	}
	return sr
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// writeGolden writes the rendered trace as the golden file.
func writeGolden(path string, rendered []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, rendered, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// compareGolden reports whether the golden file matches rendered.
// The error wraps os.ErrNotExist when there is no golden file.
func compareGolden(path string, rendered []byte) (bool, error) {
	golden, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.Equal(golden, rendered), nil
}

func writeIndented(w io.Writer, rendered []byte) {
	for _, line := range strings.SplitAfter(string(rendered), "\n") {
		if line != "" {
			fmt.Fprintf(w, "    %s", line)
		}
	}
}

// outputSimulateJSON outputs the simulation result as JSON.
func outputSimulateJSON(cmd *cobra.Command, result SimulateResult) error {
	status := "ok"
	if result.Failed > 0 {
		status = "error"
	}

	response := CLIResponse{
		Status: status,
		Data:   result,
	}
	if len(result.Scenarios) == 1 {
		response.RunID = result.Scenarios[0].RunID
	}

	if result.Failed > 0 {
		response.Error = &CLIError{
			Code:    ErrCodeScenarioFailed,
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// outputSimulateText outputs the summary line.
func outputSimulateText(cmd *cobra.Command, result SimulateResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Simulation Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
