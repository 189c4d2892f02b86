package models

import (
	"time"
)

// AuditAction identifies the administrative operation an audit record traces.
type AuditAction string

const (
	AuditActionForcedTransition AuditAction = "forced_transition"
	AuditActionStatusBackfill   AuditAction = "status_backfill"
	AuditActionFlowDeleted      AuditAction = "flow_deleted"
	AuditActionStaleCleanup     AuditAction = "stale_cleanup"
)

// AuditRecord traces an administrative correction. Admin deletes, forced
// overrides and backfills must write one of these before mutating data.
type AuditRecord struct {
	ID              string      `json:"id" db:"id"`
	ClientAccountID string      `json:"client_account_id" db:"client_account_id"`
	EngagementID    string      `json:"engagement_id" db:"engagement_id"`
	FlowID          string      `json:"flow_id" db:"flow_id"`
	Action          AuditAction `json:"action" db:"action"`
	Detail          string      `json:"detail" db:"detail"`
	Actor           string      `json:"actor" db:"actor"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}
