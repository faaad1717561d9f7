package fmdx

import (
	"errors"
	"fmt"
)

// Severity classifies a task failure for the supervisor.
type Severity int

const (
	// Recoverable failures trigger the task's normal reconnect path.
	Recoverable Severity = iota
	// FeatureFatal failures permanently disable one optional feature for
	// the session; the rest of the system keeps running.
	FeatureFatal
	// Fatal failures stop the whole controller.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case FeatureFatal:
		return "feature-fatal"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// ClassifiedError is an error with an explicit disposition. Components raise
// the classification themselves; the supervisor never derives fatality from
// error text.
type ClassifiedError struct {
	Severity Severity
	Feature  string // set for FeatureFatal: which feature to disable
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("%s (%s): %v", e.Severity, e.Feature, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Severity, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// FatalError wraps err as Fatal.
func FatalError(err error) error {
	return &ClassifiedError{Severity: Fatal, Err: err}
}

// FeatureError wraps err as FeatureFatal for the named feature.
func FeatureError(feature string, err error) error {
	return &ClassifiedError{Severity: FeatureFatal, Feature: feature, Err: err}
}

// Classify extracts the severity of err. Unclassified errors are
// Recoverable: the reconnect path is the default disposition.
func Classify(err error) (Severity, string) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Severity, ce.Feature
	}
	return Recoverable, ""
}
