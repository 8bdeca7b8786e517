package filter

import (
	"errors"
	"fmt"
)

// ErrUnknownFilter is returned when a named filter was never registered
var ErrUnknownFilter = errors.New("unknown filter")

type (
	// CompilationError indicates a filter expression could not be compiled
	CompilationError struct {
		Expression string
		Reason     string
		Err        error
	}

	// EvaluationError indicates a filter failed at runtime on one issue
	EvaluationError struct {
		Expression string
		IssueID    int
		Err        error
	}
)

func (e *CompilationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compilation error in '%s': %s: %v", e.Expression, e.Reason, e.Err)
	}
	return fmt.Sprintf("compilation error in '%s': %s", e.Expression, e.Reason)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error for '%s' on issue #%d: %v", e.Expression, e.IssueID, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
