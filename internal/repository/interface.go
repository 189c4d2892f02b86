// Package repository provides persistence for master and child flow records.
package repository

import (
	"context"
	"errors"
	"time"

	"migrateiq/backend/pkg/models"
)

// ErrNotFound is returned when a flow does not exist for the given tenant.
// Cross-tenant lookups surface this same error so flow IDs cannot be probed.
var ErrNotFound = errors.New("flow record not found")

// Child field update keys accepted by UpdateChildFields. Only fields that
// actually changed should be submitted; the orchestrator computes the delta.
const (
	FieldCurrentPhase    = "current_phase"
	FieldStatus          = "status"
	FieldProgress        = "progress_percentage"
	FieldPhaseCompletion = "phase_completion"
	FieldErrorMessage    = "error_message"
	FieldErrorDetails    = "error_details"
	FieldDomainPayload   = "domain_payload"
	FieldUpdatedAt       = "updated_at"
)

// FlowStore is the transactional store for flow orchestration state. Master
// and child records for one flow are always written together inside InTx;
// no caller outside the orchestration service mutates them directly.
type FlowStore interface {
	// InTx runs fn against a transaction-bound store. Any error rolls the
	// whole transaction back; partial master/child writes are never visible.
	InTx(ctx context.Context, fn func(FlowStore) error) error

	// CreateFlow inserts a master record and its child projection.
	CreateFlow(ctx context.Context, master *models.MasterFlowRecord, child *models.ChildFlowRecord) error

	// GetMasterFlow loads a master record scoped to the tenant.
	GetMasterFlow(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlowRecord, error)

	// GetChildFlow loads the child projection for a master flow.
	GetChildFlow(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string) (*models.ChildFlowRecord, error)

	// UpdateMasterFlow persists a master record's status, transition log,
	// error history and updated_at.
	UpdateMasterFlow(ctx context.Context, tenant models.TenantContext, master *models.MasterFlowRecord) error

	// UpdateChildFields issues a delta update touching only the submitted
	// fields of a child record.
	UpdateChildFields(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, masterFlowID string, fields map[string]any) error

	// ListFlows returns all master records for a tenant.
	ListFlows(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlowRecord, error)

	// ListActiveFlows returns the tenant's child records of one flow type
	// whose status is non-terminal.
	ListActiveFlows(ctx context.Context, tenant models.TenantContext, flowType models.FlowType) ([]*models.ChildFlowRecord, error)

	// ListStaleFlows returns the tenant's running or paused master records
	// not updated since cutoff.
	ListStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) ([]*models.MasterFlowRecord, error)

	// CountStaleFlows re-counts stale flows; bulk corrective writes verify
	// with this after committing instead of trusting update row counts.
	CountStaleFlows(ctx context.Context, tenant models.TenantContext, cutoff time.Time) (int, error)

	// DeleteFlow removes a master record and, by cascade, its child. Admin
	// and audit paths only; callers must append an audit record first.
	DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID string) error

	// AppendAudit writes an audit record.
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
}
