package flow

import (
	"context"
	"fmt"
	"time"

	"migrateiq/backend/pkg/models"
)

// ManageAction is an admin remediation applied to flows that block or
// clutter an engagement.
type ManageAction string

const (
	ActionCancelFlow     ManageAction = "cancel_flow"
	ActionCancelMultiple ManageAction = "cancel_multiple"
	ActionCompleteFlow   ManageAction = "complete_flow"
	ActionCancelStale    ManageAction = "cancel_stale"
	ActionAutoComplete   ManageAction = "auto_complete"
)

// ManageRequest parameterizes one remediation action.
type ManageRequest struct {
	Action         ManageAction `json:"action"`
	FlowID         string       `json:"flow_id,omitempty"`
	FlowIDs        []string     `json:"flow_ids,omitempty"`
	HoursThreshold int          `json:"hours_threshold,omitempty"`
}

// ManageResult lists the flows a remediation touched and any per-flow
// failures that did not abort the whole request.
type ManageResult struct {
	Action   ManageAction `json:"action"`
	Affected []string     `json:"affected"`
	Skipped  []string     `json:"skipped,omitempty"`
}

// Resolver answers "would a new flow collide with an existing one" and
// carries the remediation actions. Every corrective write goes through the
// persistence service; there is no back-door mutation path.
type Resolver struct {
	svc    *Service
	logger Logger
}

// NewResolver creates a conflict resolver over the orchestration service.
func NewResolver(svc *Service, logger Logger) *Resolver {
	return &Resolver{svc: svc, logger: logger}
}

// GetBlockingFlows returns the tenant's flows of the given type whose
// current phase is in the configured blocking set. Flows past that set are
// non-blocking even while active: later phases only refine data already
// collected, so concurrency there is safe, whereas two concurrent
// early-phase flows could import the same source data twice.
func (r *Resolver) GetBlockingFlows(ctx context.Context, tenant models.TenantContext, flowType models.FlowType) ([]models.BlockingFlow, error) {
	cfg, err := r.svc.registry.Lookup(flowType)
	if err != nil {
		return nil, err
	}
	active, err := r.svc.store.ListActiveFlows(ctx, tenant, flowType)
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}

	var blocking []models.BlockingFlow
	for _, c := range active {
		if !cfg.IsBlockingPhase(c.CurrentPhase) {
			continue
		}
		blocking = append(blocking, models.BlockingFlow{
			FlowID: c.MasterFlowID,
			Phase:  c.CurrentPhase,
			Reason: fmt.Sprintf("phase %s has not yet materialized the %s inventory", c.CurrentPhase, flowType),
		})
	}
	return blocking, nil
}

// Manage dispatches one remediation action.
func (r *Resolver) Manage(ctx context.Context, tenant models.TenantContext, req ManageRequest) (ManageResult, error) {
	result := ManageResult{Action: req.Action}

	switch req.Action {
	case ActionCancelFlow:
		if req.FlowID == "" {
			return result, &ValidationError{Reason: "cancel_flow requires flow_id"}
		}
		if err := r.svc.CancelFlow(ctx, tenant, req.FlowID, models.TriggerAdminAction); err != nil {
			return result, err
		}
		result.Affected = append(result.Affected, req.FlowID)

	case ActionCompleteFlow:
		if req.FlowID == "" {
			return result, &ValidationError{Reason: "complete_flow requires flow_id"}
		}
		if err := r.svc.CompleteFlow(ctx, tenant, req.FlowID, models.TriggerAdminAction); err != nil {
			return result, err
		}
		result.Affected = append(result.Affected, req.FlowID)

	case ActionCancelMultiple:
		if len(req.FlowIDs) == 0 {
			return result, &ValidationError{Reason: "cancel_multiple requires flow_ids"}
		}
		for _, id := range req.FlowIDs {
			if err := r.svc.CancelFlow(ctx, tenant, id, models.TriggerAdminAction); err != nil {
				r.logger.Warn("cancel_multiple skipped flow", "flow_id", id, "error", err)
				result.Skipped = append(result.Skipped, id)
				continue
			}
			result.Affected = append(result.Affected, id)
		}

	case ActionCancelStale:
		hours := req.HoursThreshold
		if hours <= 0 {
			return result, &ValidationError{Reason: "cancel_stale requires a positive hours_threshold"}
		}
		cutoff := r.svc.now().Add(-time.Duration(hours) * time.Hour)
		stale, err := r.svc.store.ListStaleFlows(ctx, tenant, cutoff)
		if err != nil {
			return result, fmt.Errorf("list stale flows: %w", err)
		}
		for _, m := range stale {
			if err := r.svc.CancelFlow(ctx, tenant, m.FlowID, models.TriggerAdminAction); err != nil {
				r.logger.Warn("cancel_stale skipped flow", "flow_id", m.FlowID, "error", err)
				result.Skipped = append(result.Skipped, m.FlowID)
				continue
			}
			result.Affected = append(result.Affected, m.FlowID)
		}

	case ActionAutoComplete:
		eligible, err := r.autoCompleteEligible(ctx, tenant)
		if err != nil {
			return result, err
		}
		for _, id := range eligible {
			if err := r.svc.CompleteFlow(ctx, tenant, id, models.TriggerAutoComplete); err != nil {
				r.logger.Warn("auto_complete skipped flow", "flow_id", id, "error", err)
				result.Skipped = append(result.Skipped, id)
				continue
			}
			result.Affected = append(result.Affected, id)
		}

	default:
		return result, &ValidationError{Reason: fmt.Sprintf("unknown manage action %q", req.Action)}
	}

	r.svc.metrics.manageApplied(ctx, string(req.Action), len(result.Affected))
	return result, nil
}

// autoCompleteEligible selects active flows that have already cleared every
// blocking phase: their primary artifact exists, so force-completing them is
// policy-safe.
func (r *Resolver) autoCompleteEligible(ctx context.Context, tenant models.TenantContext) ([]string, error) {
	var eligible []string
	for _, flowType := range r.svc.registry.Types() {
		cfg, err := r.svc.registry.Lookup(flowType)
		if err != nil {
			return nil, err
		}
		active, err := r.svc.store.ListActiveFlows(ctx, tenant, flowType)
		if err != nil {
			return nil, fmt.Errorf("list active flows: %w", err)
		}
		for _, c := range active {
			if cfg.IsBlockingPhase(c.CurrentPhase) {
				continue
			}
			eligible = append(eligible, c.MasterFlowID)
		}
	}
	return eligible, nil
}
