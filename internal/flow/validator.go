package flow

import (
	"fmt"
)

// ValidationResult is the outcome of a transition check.
type ValidationResult struct {
	Allowed    bool
	Idempotent bool
	Forced     bool
	Reason     string
}

// ValidateTransition decides whether a flow currently in currentPhase may
// move to targetPhase under cfg's ordering.
//
// Rules, in order: the same phase is an allowed no-op (Idempotent=true);
// the immediate successor is allowed; anything else, including every
// backward move, requires force. Forced moves are allowed regardless of
// ordering and must be logged with the forced-override trigger so audits
// can distinguish correction from progress.
//
// Unknown phases are a ConfigurationError, not a rejection: an undefined
// phase must never be silently allowed or silently refused.
func ValidateTransition(cfg *FlowTypeConfig, currentPhase, targetPhase string, force bool) (ValidationResult, error) {
	currentIdx, ok := cfg.IndexOf(currentPhase)
	if !ok {
		return ValidationResult{}, &ConfigurationError{
			Detail: fmt.Sprintf("flow type %q has no phase %q (current)", cfg.Type, currentPhase),
		}
	}
	targetIdx, ok := cfg.IndexOf(targetPhase)
	if !ok {
		return ValidationResult{}, &ConfigurationError{
			Detail: fmt.Sprintf("flow type %q has no phase %q (target)", cfg.Type, targetPhase),
		}
	}

	if targetIdx == currentIdx {
		return ValidationResult{Allowed: true, Idempotent: true, Reason: "already in target phase"}, nil
	}

	if targetIdx == currentIdx+1 {
		return ValidationResult{Allowed: true, Forced: force}, nil
	}

	if force {
		return ValidationResult{Allowed: true, Forced: true}, nil
	}

	if targetIdx < currentIdx {
		return ValidationResult{
			Reason: fmt.Sprintf("backward transition %s -> %s requires force", currentPhase, targetPhase),
		}, nil
	}
	return ValidationResult{
		Reason: fmt.Sprintf("non-sequential transition %s -> %s", currentPhase, targetPhase),
	}, nil
}
