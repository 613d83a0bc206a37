package tool

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotFound is returned when a tool name is not registered
var ErrToolNotFound = errors.New("tool not found")

// ValidationError reports tool input that does not match the tool's input schema.
// The loop hands it back to the model so it can retry with corrected arguments.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ExecutionError reports a failure of the tool backend itself
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// DuplicateToolError is returned when registering a name twice
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
