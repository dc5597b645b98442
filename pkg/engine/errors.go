package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error by how the run must react to it.
type ErrorClass string

const (
	// ErrorClassConfig is a configuration error: duplicate label, unknown
	// keyword, cyclic dependency, unconsumed keyword. Detected at parse or
	// build time and fatal to input loading.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassNumeric is a runtime numeric error local to one action's
	// calculate: an argument outside its declared domain. Recoverable by
	// default: the action's output goes undefined for the step.
	ErrorClassNumeric ErrorClass = "numeric"

	// ErrorClassComm is a collective-communication error. Always fatal: a
	// partial collective leaves ranks in inconsistent states.
	ErrorClassComm ErrorClass = "comm"

	// ErrorClassCommand is a host command-interface error: unrecognized
	// key, call in an invalid lifecycle state. Fatal to the host request.
	ErrorClassCommand ErrorClass = "command"
)

// EngineError is a classified error with enough context to name the
// offending action and input line.
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass

	// Code identifies the error for programmatic handling.
	Code string

	// Message is the human-readable error message.
	Message string

	// Label is the action label involved, if any.
	Label string

	// Line is the 1-based input-script line, if known.
	Line int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Label != "" {
		msg += fmt.Sprintf(" (label=%s)", e.Label)
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line=%d)", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for chain inspection.
func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithLabel adds the offending action label.
func (e *EngineError) WithLabel(label string) *EngineError {
	e.Label = label
	return e
}

// WithLine adds the offending input line.
func (e *EngineError) WithLine(line int) *EngineError {
	e.Line = line
	return e
}

// NewConfigError creates a parse/build-time configuration error.
func NewConfigError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfig, Code: code, Message: message, Err: err}
}

// NewNumericError creates a recoverable per-step numeric error.
func NewNumericError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNumeric, Code: code, Message: message, Err: err}
}

// NewCommError creates a fatal communication error.
func NewCommError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassComm, Code: ErrCodeCollectiveMismatch, Message: message, Err: err}
}

// NewCommandError creates a host command-interface error.
func NewCommandError(code, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCommand, Code: code, Message: message, Err: err}
}

// IsConfig returns true if the error is a configuration error.
func IsConfig(err error) bool { return hasClass(err, ErrorClassConfig) }

// IsNumeric returns true if the error is a recoverable numeric error.
func IsNumeric(err error) bool { return hasClass(err, ErrorClassNumeric) }

// IsComm returns true if the error is a communication error.
func IsComm(err error) bool { return hasClass(err, ErrorClassComm) }

// IsCommand returns true if the error is a command-interface error.
func IsCommand(err error) bool { return hasClass(err, ErrorClassCommand) }

// IsFatal returns true if the run cannot continue past the error.
// Numeric errors are the only recoverable class.
func IsFatal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class != ErrorClassNumeric
	}
	return true
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Error codes.
const (
	ErrCodeDuplicateLabel      = "DUPLICATE_LABEL"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeUnknownAction       = "UNKNOWN_ACTION"
	ErrCodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrCodeUnconsumedKeyword   = "UNCONSUMED_KEYWORD"
	ErrCodeDomain              = "DOMAIN_ERROR"
	ErrCodeCollectiveMismatch  = "COLLECTIVE_MISMATCH"
	ErrCodeUnrecognizedCommand = "UNRECOGNIZED_COMMAND"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
)
