package actions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ToolError is a declared failure of an action. Its Message is shown to the
// model as "EnvError: <message>".
type ToolError struct {
	Message string
	Cause   error
}

// Errorf builds a ToolError with a formatted message.
func Errorf(format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error for operators without changing the
// model-facing message.
func (e *ToolError) WithCause(err error) *ToolError {
	e.Cause = err
	return e
}

// ArgumentError means an action was invoked with the wrong call shape:
// missing, unexpected, or mistyped arguments.
type ArgumentError struct {
	Action     string
	Missing    []string
	Unexpected []string
	Cause      error
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return fmt.Sprintf("bad arguments for %s: %s", e.Action, strings.Join(parts, "; "))
}

// Unwrap returns the underlying decode error, if any.
func (e *ArgumentError) Unwrap() error {
	return e.Cause
}

// IsToolError reports whether err is, or wraps, a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Decode converts an argument mapping into a struct whose fields carry `arg`
// tags. Numbers given as strings and the like are converted; unknown keys are
// rejected.
func Decode(action string, args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "arg",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder for %s: %w", action, err)
	}
	if err := dec.Decode(args); err != nil {
		return &ArgumentError{Action: action, Cause: err}
	}
	return nil
}
