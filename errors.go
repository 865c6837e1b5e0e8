package flume

import (
	"errors"
	"fmt"
)

// ErrUnknownTag is returned when downstream code asks a result for an output
// tag the stage never requested.
var ErrUnknownTag = errors.New("flume: unknown output tag")

// ConfigError is a construction-time configuration problem: bad key coder
// determinism, an unsafe trigger, a malformed combine function, a nil
// processing function. Config errors are fatal and are raised before any
// element is processed.
type ConfigError struct {
	Stage  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Stage == "" {
		return "flume: " + e.Reason
	}
	return fmt.Sprintf("flume: %s: %s", e.Stage, e.Reason)
}

func configErrorf(stage, format string, args ...any) error {
	return &ConfigError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TypeViolationError reports a runtime type-check failure within a stage.
type TypeViolationError struct {
	Stage    string
	Expected string
	Actual   string
}

func (e *TypeViolationError) Error() string {
	return fmt.Sprintf("Runtime type violation detected within %s: expected %s, got %s",
		e.Stage, e.Expected, e.Actual)
}

// ThresholdError is raised when the fraction of quarantined elements within
// a threshold window exceeds the configured limit.
type ThresholdError struct {
	Stage     string
	Window    string
	Bad       int64
	Total     int64
	Threshold float64
}

func (e *ThresholdError) Error() string {
	ratio := float64(e.Bad) / float64(e.Total)
	return fmt.Sprintf("flume: %s: too many failed elements in %s: %d / %d = %v > %v",
		e.Stage, e.Window, e.Bad, e.Total, ratio, e.Threshold)
}
