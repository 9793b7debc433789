package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/gpuchan/internal/config"
	"github.com/roach88/gpuchan/internal/harness"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Kind       string            `json:"kind"` // "config" or "scenario"
	Thresholds map[string]string `json:"thresholds,omitempty"`
	Log        *config.Log       `json:"log,omitempty"`
	MaxSteps   int               `json:"max_steps,omitempty"`
	Scenario   string            `json:"scenario,omitempty"`
	Channels   int               `json:"channels,omitempty"`
	Steps      int               `json:"steps,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue|scenario.yaml>",
		Short: "Validate a config or scenario file",
		Long: `Validate a scheduler config (.cue) or a scenario (.yaml, .yml)
without running anything.

Configs are unified with the built-in schema and their preemption
thresholds are resolved; scenarios are parsed and checked for unknown
fields, unknown channels and malformed steps.

Examples:
  gpuchan validate gpuchan.cue
  gpuchan validate scenarios/preempt_bounded.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("file not found: %s", path))
	}

	formatter.VerboseLog("Validating %s", path)

	if isScenarioFile(path) {
		return validateScenarioFile(formatter, path)
	}
	return validateConfigFile(formatter, path)
}

func isScenarioFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func validateConfigFile(formatter *OutputFormatter, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidateError(formatter, ErrCodeInvalidConfig, err)
	}
	thresholds, err := cfg.Thresholds()
	if err != nil {
		return outputValidateError(formatter, ErrCodeInvalidConfig, err)
	}

	result := ValidationResult{
		Valid: true,
		Kind:  "config",
		Thresholds: map[string]string{
			"preempt_wait":   thresholds.PreemptWait.String(),
			"max_preempt":    thresholds.MaxPreempt.String(),
			"stop_threshold": thresholds.StopThreshold.String(),
		},
		Log:      &cfg.Log,
		MaxSteps: cfg.Simulation.MaxSteps,
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✓ Config valid")
	fmt.Fprintf(w, "  preempt_wait:   %s\n", thresholds.PreemptWait)
	fmt.Fprintf(w, "  max_preempt:    %s\n", thresholds.MaxPreempt)
	fmt.Fprintf(w, "  stop_threshold: %s\n", thresholds.StopThreshold)
	fmt.Fprintf(w, "  log:            %s/%s\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Fprintf(w, "  max_steps:      %d\n", cfg.Simulation.MaxSteps)
	return nil
}

func validateScenarioFile(formatter *OutputFormatter, path string) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return outputValidateError(formatter, ErrCodeInvalidScenario, err)
	}

	result := ValidationResult{
		Valid:    true,
		Kind:     "scenario",
		Scenario: scenario.Name,
		Channels: len(scenario.Channels),
		Steps:    len(scenario.Steps),
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Scenario valid: %s (%d channels, %d steps)\n",
		scenario.Name, len(scenario.Channels), len(scenario.Steps))
	return nil
}

// outputValidateError reports err and returns an ExitFailure error.
func outputValidateError(formatter *OutputFormatter, code string, err error) error {
	var details any
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		details = map[string]any{"field": cfgErr.Field, "line": cfgErr.Line()}
	}

	if formatter.Format == "json" {
		if encErr := formatter.Error(code, err.Error(), details); encErr != nil {
			return encErr
		}
	} else {
		writeValidationError(formatter.Writer, err)
	}
	return WrapExitError(ExitFailure, "validation failed", err)
}

func writeValidationError(w io.Writer, err error) {
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintf(w, "  %v\n", err)
}
