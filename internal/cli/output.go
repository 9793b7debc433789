package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes shared by simulate, trace, validate and run.
const (
	ExitSuccess      = 0 // every scenario passed, or the file validated
	ExitFailure      = 1 // a scenario failed or a file did not validate
	ExitCommandError = 2 // bad flags, missing paths, unknown run id
)

// Error codes for CLIError.
const (
	ErrCodeScenarioFailed  = "E_SCENARIO_FAILED"
	ErrCodeInvalidConfig   = "E_INVALID_CONFIG"
	ErrCodeInvalidScenario = "E_INVALID_SCENARIO"
	ErrCodeRunNotFound     = "E_RUN_NOT_FOUND"
)

// ExitError carries the process exit code main passes to os.Exit.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes validate and trace results as text or as a
// CLIResponse envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // --verbose progress lines; defaults to Writer
	Verbose   bool
}

// CLIResponse is the envelope of every --format json output.
type CLIResponse struct {
	Status string    `json:"status"`           // "ok" or "error"
	Data   any       `json:"data,omitempty"`   // success payload
	Error  *CLIError `json:"error,omitempty"`  // error details
	RunID  string    `json:"run_id,omitempty"` // stored run, when persisted
}

// CLIError reports a failed command inside a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`              // "E_SCENARIO_FAILED", "E_INVALID_CONFIG", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes a progress line under --verbose, to ErrWriter when set
// so JSON on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
