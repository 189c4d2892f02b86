// Package flow implements the orchestration core for migration engagement
// workflows: the phase sequence registry, transition validation, the
// write-through persistence discipline that keeps master and child flow
// records consistent, error classification, conflict resolution and stale
// flow cleanup.
package flow

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an unknown flow type or phase. It is fatal and
// never retried: a flow must not silently proceed through an undefined phase.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "flow configuration error: " + e.Detail
}

// ValidationError reports an illegal transition request or missing required
// phase inputs. Fatal for this attempt; a corrected caller may retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "flow validation error: " + e.Reason
}

// TransientError wraps a retryable failure (timeout, lock contention,
// upstream unavailability). The retry loop decides whether to try again.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConsistencyError reports master/child divergence that must halt the
// operation rather than be healed silently: a tenant mismatch between the
// two records, or more than one open transition-log entry.
type ConsistencyError struct {
	FlowID string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("flow %s consistency violation: %s", e.FlowID, e.Detail)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
