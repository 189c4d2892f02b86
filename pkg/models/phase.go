package models

import (
	"time"
)

// RetryPolicy holds the tunable retry parameters for one phase. Values are
// configuration data, not constants; the registry populates them from config.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// PhaseDefinition is the static description of one phase within a flow
// type's ordered sequence. Order indices are unique and contiguous from 0;
// a released sequence is only ever appended to.
type PhaseDefinition struct {
	Name           string      `json:"name"`
	Order          int         `json:"order"`
	RequiredInputs []string    `json:"required_inputs,omitempty"`
	Outputs        []string    `json:"outputs,omitempty"`
	CanPause       bool        `json:"can_pause"`
	CanSkip        bool        `json:"can_skip"`
	Retry          RetryPolicy `json:"retry"`
}
