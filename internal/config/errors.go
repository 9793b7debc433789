package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error is a config failure with its source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Line returns the 1-based source line, or 0 when unknown.
func (e *Error) Line() int {
	if !e.Pos.IsValid() {
		return 0
	}
	return e.Pos.Line()
}

// formatCUEError reduces a CUE error list to its first error, keeping the
// field path and the position inside the user's file when there is one.
func formatCUEError(filename string, err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	out := &Error{
		Field:   strings.Join(first.Path(), "."),
		Message: msgOf(first),
	}
	if out.Field == "" {
		out.Field = "config"
	}
	for _, pos := range errors.Positions(first) {
		if pos.Filename() == filename {
			out.Pos = pos
			break
		}
	}
	return out
}

func msgOf(err errors.Error) string {
	format, args := err.Msg()
	return fmt.Sprintf(format, args...)
}
