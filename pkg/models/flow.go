// Package models defines the domain models for the migration platform
package models

import (
	"time"
)

// FlowType identifies which engagement workflow a flow instance runs.
type FlowType string

const (
	FlowTypeDiscovery  FlowType = "discovery"
	FlowTypeCollection FlowType = "collection"
	FlowTypeAssessment FlowType = "assessment"
	FlowTypePlanning   FlowType = "planning"
)

// FlowStatus is the lifecycle status of a flow. It is orthogonal to phase
// names: a phase value stored in a status column is a data defect and is
// rejected by Valid.
type FlowStatus string

const (
	FlowStatusInitialized FlowStatus = "initialized"
	FlowStatusRunning     FlowStatus = "running"
	FlowStatusPaused      FlowStatus = "paused"
	FlowStatusCompleted   FlowStatus = "completed"
	FlowStatusFailed      FlowStatus = "failed"
	FlowStatusCancelled   FlowStatus = "cancelled"
)

// AllFlowStatuses lists the six legal lifecycle values.
var AllFlowStatuses = []FlowStatus{
	FlowStatusInitialized,
	FlowStatusRunning,
	FlowStatusPaused,
	FlowStatusCompleted,
	FlowStatusFailed,
	FlowStatusCancelled,
}

// Valid reports whether s is one of the six lifecycle values.
func (s FlowStatus) Valid() bool {
	switch s {
	case FlowStatusInitialized, FlowStatusRunning, FlowStatusPaused,
		FlowStatusCompleted, FlowStatusFailed, FlowStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a flow in this status permits no further phase
// advances.
func (s FlowStatus) Terminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusFailed || s == FlowStatusCancelled
}

// TransitionTrigger records what caused a phase transition.
type TransitionTrigger string

const (
	TriggerFlowCreated         TransitionTrigger = "flow_created"
	TriggerUserAction          TransitionTrigger = "user_action"
	TriggerScheduler           TransitionTrigger = "scheduler"
	TriggerWebhook             TransitionTrigger = "webhook"
	TriggerPhaseExecutor       TransitionTrigger = "phase_executor"
	TriggerForcedAdminOverride TransitionTrigger = "forced_admin_override"
	TriggerStaleCleanup        TransitionTrigger = "stale_cleanup"
	TriggerAutoComplete        TransitionTrigger = "auto_complete"
	TriggerAdminAction         TransitionTrigger = "admin_action"
)

// PhaseTransition is one entry of a master flow's append-only transition log.
// An entry with a nil ExitedAt is the currently open phase.
type PhaseTransition struct {
	Phase     string            `json:"phase"`
	EnteredAt time.Time         `json:"entered_at"`
	ExitedAt  *time.Time        `json:"exited_at,omitempty"`
	Trigger   TransitionTrigger `json:"trigger"`
}

// ErrorClass is the classification applied to a recorded flow error.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassFatal     ErrorClass = "fatal"
)

// FlowError is one entry of a master flow's ordered error history.
type FlowError struct {
	Phase        string     `json:"phase"`
	Message      string     `json:"message"`
	Code         string     `json:"code,omitempty"`
	Class        ErrorClass `json:"class"`
	Retryable    bool       `json:"retryable"`
	RecoveryHint string     `json:"recovery_hint,omitempty"`
	Attempt      int        `json:"attempt,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// MasterFlowRecord is the authoritative record of one workflow instance.
// FlowID, ClientAccountID and EngagementID are immutable after creation.
type MasterFlowRecord struct {
	FlowID           string            `json:"flow_id" db:"flow_id"`
	FlowType         FlowType          `json:"flow_type" db:"flow_type"`
	ClientAccountID  string            `json:"client_account_id" db:"client_account_id"`
	EngagementID     string            `json:"engagement_id" db:"engagement_id"`
	Status           FlowStatus        `json:"lifecycle_status" db:"lifecycle_status"`
	PhaseTransitions []PhaseTransition `json:"phase_transitions" db:"phase_transitions"`
	ErrorHistory     []FlowError       `json:"error_history" db:"error_history"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// OpenTransitions returns the indices of transition-log entries that have not
// been closed. A healthy record has at most one.
func (m *MasterFlowRecord) OpenTransitions() []int {
	var open []int
	for i := range m.PhaseTransitions {
		if m.PhaseTransitions[i].ExitedAt == nil {
			open = append(open, i)
		}
	}
	return open
}

// CurrentPhase returns the phase of the single open transition-log entry, or
// "" when every entry is closed (terminal flows).
func (m *MasterFlowRecord) CurrentPhase() string {
	for i := len(m.PhaseTransitions) - 1; i >= 0; i-- {
		if m.PhaseTransitions[i].ExitedAt == nil {
			return m.PhaseTransitions[i].Phase
		}
	}
	return ""
}

// ChildFlowRecord is the denormalized, flow-type-specific projection of a
// master flow. It never stores its own transition history; CurrentPhase
// mirrors the master's open transition entry and the master wins on conflict.
type ChildFlowRecord struct {
	ID                 string          `json:"id" db:"id"`
	MasterFlowID       string          `json:"master_flow_id" db:"master_flow_id"`
	FlowType           FlowType        `json:"flow_type" db:"-"`
	ClientAccountID    string          `json:"client_account_id" db:"client_account_id"`
	EngagementID       string          `json:"engagement_id" db:"engagement_id"`
	CurrentPhase       string          `json:"current_phase" db:"current_phase"`
	PhaseCompletion    map[string]bool `json:"phase_completion" db:"phase_completion"`
	ProgressPercentage int             `json:"progress_percentage" db:"progress_percentage"`
	Status             FlowStatus      `json:"status" db:"status"`
	ErrorMessage       *string         `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails       []byte          `json:"error_details,omitempty" db:"error_details"` // JSONB
	DomainPayload      []byte          `json:"domain_payload,omitempty" db:"domain_payload"` // JSONB
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// BlockingFlow describes an active flow that prevents creation of a new flow
// of the same type for the tenant.
type BlockingFlow struct {
	FlowID string `json:"flow_id"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}
