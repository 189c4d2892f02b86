package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// AdvanceResult reports the outcome of a phase advance request.
type AdvanceResult struct {
	Success       bool     `json:"success"`
	WasIdempotent bool     `json:"was_idempotent"`
	PriorPhase    string   `json:"prior_phase"`
	NewPhase      string   `json:"new_phase,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Service is the write-through persistence helper: the only component
// permitted to mutate lifecycle status, the transition log or the child's
// denormalized phase fields. Master and child are always written together in
// one transaction.
type Service struct {
	store    repository.FlowStore
	registry *Registry
	logger   Logger
	metrics  *orchestratorMetrics
	now      func() time.Time
}

// NewService creates the orchestration service.
func NewService(store repository.FlowStore, registry *Registry, logger Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  newOrchestratorMetrics(),
		now:      time.Now,
	}
}

// Registry exposes the injected phase sequence registry.
func (s *Service) Registry() *Registry { return s.registry }

// Store exposes the underlying flow store for read-only collaborators.
func (s *Service) Store() repository.FlowStore { return s.store }

// CreateFlow creates a master record and its child projection in one
// transaction, seeded with an open transition-log entry for the first phase.
// Creation is refused while another flow of the same type sits in a blocking
// phase for the tenant.
func (s *Service) CreateFlow(ctx context.Context, tenant models.TenantContext, flowType models.FlowType, payload []byte, trigger models.TransitionTrigger) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	if !tenant.Complete() {
		return nil, nil, &ValidationError{Reason: "tenant context is incomplete"}
	}
	cfg, err := s.registry.Lookup(flowType)
	if err != nil {
		return nil, nil, err
	}

	active, err := s.store.ListActiveFlows(ctx, tenant, flowType)
	if err != nil {
		return nil, nil, fmt.Errorf("list active flows: %w", err)
	}
	for _, c := range active {
		if cfg.IsBlockingPhase(c.CurrentPhase) {
			return nil, nil, &ValidationError{
				Reason: fmt.Sprintf("flow %s is still in blocking phase %s", c.MasterFlowID, c.CurrentPhase),
			}
		}
	}

	now := s.now()
	first := cfg.FirstPhase()
	master := &models.MasterFlowRecord{
		FlowID:          uuid.New().String(),
		FlowType:        flowType,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		Status:          models.FlowStatusInitialized,
		PhaseTransitions: []models.PhaseTransition{
			{Phase: first.Name, EnteredAt: now, Trigger: trigger},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	completion := make(map[string]bool, len(cfg.Phases))
	for _, p := range cfg.Phases {
		completion[p.Name] = false
	}
	child := &models.ChildFlowRecord{
		ID:              uuid.New().String(),
		MasterFlowID:    master.FlowID,
		FlowType:        flowType,
		ClientAccountID: tenant.ClientAccountID,
		EngagementID:    tenant.EngagementID,
		CurrentPhase:    first.Name,
		PhaseCompletion: completion,
		Status:          models.FlowStatusInitialized,
		DomainPayload:   payload,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.store.InTx(ctx, func(tx repository.FlowStore) error {
		return tx.CreateFlow(ctx, master, child)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create flow: %w", err)
	}

	s.logger.Info("flow created", "flow_id", master.FlowID, "flow_type", flowType, "engagement_id", tenant.EngagementID)
	return master, child, nil
}

// AdvancePhase validates and applies a phase move. The master's open
// transition-log entry is closed, a new open entry appended, and the child's
// denormalized fields recomputed, all in one transaction. Rejections make no
// writes; an idempotent request (target equals current phase) succeeds
// without creating history.
func (s *Service) AdvancePhase(ctx context.Context, tenant models.TenantContext, flowID, targetPhase string, trigger models.TransitionTrigger, force bool) (AdvanceResult, error) {
	var result AdvanceResult

	err := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, child, err := s.loadFlow(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}

		result.PriorPhase = master.CurrentPhase()
		if master.Status.Terminal() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("flow is %s and permits no further transitions", master.Status))
			return nil
		}

		cfg, err := s.registry.Lookup(master.FlowType)
		if err != nil {
			return err
		}

		verdict, err := ValidateTransition(cfg, result.PriorPhase, targetPhase, force)
		if err != nil {
			return err
		}
		if !verdict.Allowed {
			result.Warnings = append(result.Warnings, verdict.Reason)
			return nil
		}
		if verdict.Idempotent {
			result.Success = true
			result.WasIdempotent = true
			result.NewPhase = targetPhase
			return nil
		}

		effectiveTrigger := trigger
		if verdict.Forced {
			effectiveTrigger = models.TriggerForcedAdminOverride
		}

		now := s.now()
		for i := range master.PhaseTransitions {
			if master.PhaseTransitions[i].ExitedAt == nil {
				exited := now
				master.PhaseTransitions[i].ExitedAt = &exited
			}
		}
		master.PhaseTransitions = append(master.PhaseTransitions, models.PhaseTransition{
			Phase:     targetPhase,
			EnteredAt: now,
			Trigger:   effectiveTrigger,
		})
		if master.Status == models.FlowStatusInitialized || master.Status == models.FlowStatusPaused {
			master.Status = models.FlowStatusRunning
		}
		master.UpdatedAt = now
		if err := tx.UpdateMasterFlow(ctx, tenant, master); err != nil {
			return fmt.Errorf("update master flow: %w", err)
		}

		targetIdx, _ := cfg.IndexOf(targetPhase)
		completion := make(map[string]bool, len(cfg.Phases))
		completed := 0
		for _, p := range cfg.Phases {
			done := p.Order < targetIdx
			completion[p.Name] = done
			if done {
				completed++
			}
		}
		progress := completed * 100 / len(cfg.Phases)

		if _, err := s.PersistIfChanged(ctx, tx, tenant, child, map[string]any{
			repository.FieldCurrentPhase:    targetPhase,
			repository.FieldStatus:          master.Status,
			repository.FieldProgress:        progress,
			repository.FieldPhaseCompletion: completion,
		}); err != nil {
			return err
		}

		if verdict.Forced {
			if err := tx.AppendAudit(ctx, &models.AuditRecord{
				ID:              uuid.New().String(),
				ClientAccountID: tenant.ClientAccountID,
				EngagementID:    tenant.EngagementID,
				FlowID:          flowID,
				Action:          models.AuditActionForcedTransition,
				Detail:          fmt.Sprintf("%s -> %s", result.PriorPhase, targetPhase),
				Actor:           tenant.UserID,
				CreatedAt:       now,
			}); err != nil {
				return fmt.Errorf("append audit record: %w", err)
			}
		}

		result.Success = true
		result.NewPhase = targetPhase
		return nil
	})
	if err != nil {
		s.noteConsistency(ctx, tenant, flowID, err)
		return AdvanceResult{}, err
	}

	if result.Success && !result.WasIdempotent {
		s.metrics.transitionAdvanced(ctx, force)
		s.logger.Info("flow advanced", "flow_id", flowID, "from", result.PriorPhase, "to", targetPhase, "forced", force)
	}
	return result, nil
}

// PersistIfChanged compares candidate child fields against the stored values
// and issues an update touching only the fields that actually differ,
// reporting whether anything changed. It runs inside the transaction the
// caller controls and does not commit or roll back itself. Unchanged fields
// cause zero writes and no updated_at churn.
func (s *Service) PersistIfChanged(ctx context.Context, tx repository.FlowStore, tenant models.TenantContext, child *models.ChildFlowRecord, candidate map[string]any) (bool, error) {
	delta := make(map[string]any)
	for key, value := range candidate {
		changed, err := childFieldChanged(child, key, value)
		if err != nil {
			return false, err
		}
		if changed {
			delta[key] = value
		}
	}
	if len(delta) == 0 {
		return false, nil
	}

	delta[repository.FieldUpdatedAt] = s.now()
	if err := tx.UpdateChildFields(ctx, tenant, child.FlowType, child.MasterFlowID, delta); err != nil {
		return false, fmt.Errorf("update child fields: %w", err)
	}
	applyChildDelta(child, delta)
	return true, nil
}

// RecordPhaseFailure classifies a phase failure, appends it to the master's
// error history and mirrors the message onto the child. The classification
// is returned so the caller's retry loop can act on it; the flow itself is
// not terminated here.
func (s *Service) RecordPhaseFailure(ctx context.Context, tenant models.TenantContext, flowID, phase string, cause error, attempt int) (Classification, error) {
	var cls Classification

	err := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, child, err := s.loadFlow(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}
		cfg, err := s.registry.Lookup(master.FlowType)
		if err != nil {
			return err
		}
		def, err := cfg.Phase(phase)
		if err != nil {
			return err
		}

		cls = Classify(cause, def.Retry, attempt)
		now := s.now()
		entry := models.FlowError{
			Phase:        phase,
			Message:      cause.Error(),
			Code:         errorCode(cause),
			Class:        cls.Class,
			Retryable:    cls.Retryable,
			RecoveryHint: cls.RecoveryHint,
			Attempt:      attempt,
			OccurredAt:   now,
		}
		master.ErrorHistory = append(master.ErrorHistory, entry)
		master.UpdatedAt = now
		if err := tx.UpdateMasterFlow(ctx, tenant, master); err != nil {
			return fmt.Errorf("update master flow: %w", err)
		}

		details, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal error entry: %w", err)
		}
		_, err = s.PersistIfChanged(ctx, tx, tenant, child, map[string]any{
			repository.FieldErrorMessage: entry.Message,
			repository.FieldErrorDetails: details,
		})
		return err
	})
	if err != nil {
		s.noteConsistency(ctx, tenant, flowID, err)
		return Classification{}, err
	}

	s.metrics.errorRecorded(ctx, cls.Class)
	s.logger.Warn("phase failure recorded",
		"flow_id", flowID, "phase", phase, "class", cls.Class, "attempt", attempt, "retryable", cls.Retryable)
	return cls, nil
}

// CompleteFlow moves a flow to completed.
func (s *Service) CompleteFlow(ctx context.Context, tenant models.TenantContext, flowID string, trigger models.TransitionTrigger) error {
	return s.setTerminal(ctx, tenant, flowID, models.FlowStatusCompleted, trigger)
}

// CancelFlow moves a flow to cancelled. Administrative cancellation is a
// first-class state transition, not a process kill.
func (s *Service) CancelFlow(ctx context.Context, tenant models.TenantContext, flowID string, trigger models.TransitionTrigger) error {
	return s.setTerminal(ctx, tenant, flowID, models.FlowStatusCancelled, trigger)
}

// FailFlow moves a flow to failed. Callers invoke this only after a phase's
// retry budget is exhausted or a fatal classification is returned.
func (s *Service) FailFlow(ctx context.Context, tenant models.TenantContext, flowID string, trigger models.TransitionTrigger) error {
	return s.setTerminal(ctx, tenant, flowID, models.FlowStatusFailed, trigger)
}

// PauseFlow parks a running flow if its current phase permits pausing.
func (s *Service) PauseFlow(ctx context.Context, tenant models.TenantContext, flowID string) error {
	err := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, child, err := s.loadFlow(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}
		if master.Status != models.FlowStatusRunning {
			return &ValidationError{Reason: fmt.Sprintf("cannot pause a %s flow", master.Status)}
		}
		cfg, err := s.registry.Lookup(master.FlowType)
		if err != nil {
			return err
		}
		def, err := cfg.Phase(master.CurrentPhase())
		if err != nil {
			return err
		}
		if !def.CanPause {
			return &ValidationError{Reason: fmt.Sprintf("phase %s does not permit pausing", def.Name)}
		}

		master.Status = models.FlowStatusPaused
		master.UpdatedAt = s.now()
		if err := tx.UpdateMasterFlow(ctx, tenant, master); err != nil {
			return fmt.Errorf("update master flow: %w", err)
		}
		_, err = s.PersistIfChanged(ctx, tx, tenant, child, map[string]any{
			repository.FieldStatus: models.FlowStatusPaused,
		})
		return err
	})
	if err != nil {
		s.noteConsistency(ctx, tenant, flowID, err)
	}
	return err
}

// ResumeFlow returns a paused flow to running.
func (s *Service) ResumeFlow(ctx context.Context, tenant models.TenantContext, flowID string) error {
	err := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, child, err := s.loadFlow(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}
		if master.Status != models.FlowStatusPaused {
			return &ValidationError{Reason: fmt.Sprintf("cannot resume a %s flow", master.Status)}
		}
		master.Status = models.FlowStatusRunning
		master.UpdatedAt = s.now()
		if err := tx.UpdateMasterFlow(ctx, tenant, master); err != nil {
			return fmt.Errorf("update master flow: %w", err)
		}
		_, err = s.PersistIfChanged(ctx, tx, tenant, child, map[string]any{
			repository.FieldStatus: models.FlowStatusRunning,
		})
		return err
	})
	if err != nil {
		s.noteConsistency(ctx, tenant, flowID, err)
	}
	return err
}

// GetFlow loads a master record and its child projection for the tenant.
func (s *Service) GetFlow(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	master, err := s.store.GetMasterFlow(ctx, tenant, flowID)
	if err != nil {
		return nil, nil, err
	}
	child, err := s.store.GetChildFlow(ctx, tenant, master.FlowType, flowID)
	if err != nil {
		return nil, nil, err
	}
	return master, child, nil
}

// DeleteFlow removes a flow for audit/admin purposes. Normal operation never
// hard-deletes; the audit record is written before the delete.
func (s *Service) DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID, reason string) error {
	return s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, err := tx.GetMasterFlow(ctx, tenant, flowID)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &models.AuditRecord{
			ID:              uuid.New().String(),
			ClientAccountID: tenant.ClientAccountID,
			EngagementID:    tenant.EngagementID,
			FlowID:          master.FlowID,
			Action:          models.AuditActionFlowDeleted,
			Detail:          reason,
			Actor:           tenant.UserID,
			CreatedAt:       s.now(),
		}); err != nil {
			return fmt.Errorf("append audit record: %w", err)
		}
		return tx.DeleteFlow(ctx, tenant, flowID)
	})
}

// setTerminal closes the open transition-log entry and moves both records to
// a terminal status in one transaction.
func (s *Service) setTerminal(ctx context.Context, tenant models.TenantContext, flowID string, status models.FlowStatus, trigger models.TransitionTrigger) error {
	err := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, child, err := s.loadFlow(ctx, tx, tenant, flowID)
		if err != nil {
			return err
		}
		return s.terminateInTx(ctx, tx, tenant, master, child, status, trigger)
	})
	if err != nil {
		s.noteConsistency(ctx, tenant, flowID, err)
		return err
	}
	s.logger.Info("flow moved to terminal status", "flow_id", flowID, "status", status, "trigger", trigger)
	return nil
}

// terminateInTx applies the terminal-status mutation inside an existing
// transaction. Bulk operations (sweeper, cancel_stale) batch several of
// these into one commit.
func (s *Service) terminateInTx(ctx context.Context, tx repository.FlowStore, tenant models.TenantContext, master *models.MasterFlowRecord, child *models.ChildFlowRecord, status models.FlowStatus, trigger models.TransitionTrigger) error {
	if !status.Terminal() {
		return &ValidationError{Reason: fmt.Sprintf("%s is not a terminal status", status)}
	}
	if master.Status == status {
		return nil
	}
	if master.Status.Terminal() {
		return &ValidationError{Reason: fmt.Sprintf("flow is already terminal (%s)", master.Status)}
	}

	now := s.now()
	for i := range master.PhaseTransitions {
		if master.PhaseTransitions[i].ExitedAt == nil {
			exited := now
			master.PhaseTransitions[i].ExitedAt = &exited
		}
	}
	master.Status = status
	master.UpdatedAt = now
	if err := tx.UpdateMasterFlow(ctx, tenant, master); err != nil {
		return fmt.Errorf("update master flow: %w", err)
	}

	candidate := map[string]any{repository.FieldStatus: status}
	if status == models.FlowStatusCompleted {
		cfg, err := s.registry.Lookup(master.FlowType)
		if err == nil {
			completion := make(map[string]bool, len(cfg.Phases))
			for _, p := range cfg.Phases {
				completion[p.Name] = true
			}
			candidate[repository.FieldPhaseCompletion] = completion
			candidate[repository.FieldProgress] = 100
		}
	}
	_, err := s.PersistIfChanged(ctx, tx, tenant, child, candidate)
	return err
}

// loadFlow loads master and child together and runs the cross-record
// consistency checks: tenant identity must match and the master must carry
// at most one open transition-log entry. Violations are never healed here.
func (s *Service) loadFlow(ctx context.Context, tx repository.FlowStore, tenant models.TenantContext, flowID string) (*models.MasterFlowRecord, *models.ChildFlowRecord, error) {
	master, err := tx.GetMasterFlow(ctx, tenant, flowID)
	if err != nil {
		return nil, nil, err
	}
	child, err := tx.GetChildFlow(ctx, tenant, master.FlowType, flowID)
	if err != nil {
		return nil, nil, err
	}

	if child.ClientAccountID != master.ClientAccountID || child.EngagementID != master.EngagementID {
		return nil, nil, &ConsistencyError{
			FlowID: flowID,
			Detail: "master and child records disagree on tenant identity",
		}
	}
	if open := master.OpenTransitions(); len(open) > 1 {
		return nil, nil, &ConsistencyError{
			FlowID: flowID,
			Detail: fmt.Sprintf("%d open transition-log entries, expected at most 1", len(open)),
		}
	}
	return master, child, nil
}

// noteConsistency records a consistency violation in the master's error
// history in its own transaction, after the failed operation has rolled
// back. Healing is deliberately not attempted.
func (s *Service) noteConsistency(ctx context.Context, tenant models.TenantContext, flowID string, err error) {
	if !IsConsistency(err) {
		return
	}
	s.logger.Error("consistency violation detected", "flow_id", flowID, "error", err)
	recErr := s.store.InTx(ctx, func(tx repository.FlowStore) error {
		master, getErr := tx.GetMasterFlow(ctx, tenant, flowID)
		if getErr != nil {
			return getErr
		}
		master.ErrorHistory = append(master.ErrorHistory, models.FlowError{
			Phase:        master.CurrentPhase(),
			Message:      err.Error(),
			Code:         "consistency_violation",
			Class:        models.ErrorClassFatal,
			RecoveryHint: "halt and alert: operator intervention required",
			OccurredAt:   s.now(),
		})
		master.UpdatedAt = s.now()
		return tx.UpdateMasterFlow(ctx, tenant, master)
	})
	if recErr != nil {
		s.logger.Error("failed to record consistency violation", "flow_id", flowID, "error", recErr)
	}
}

// childFieldChanged compares one candidate field against the stored value.
func childFieldChanged(child *models.ChildFlowRecord, key string, value any) (bool, error) {
	switch key {
	case repository.FieldCurrentPhase:
		return child.CurrentPhase != value.(string), nil
	case repository.FieldStatus:
		return child.Status != value.(models.FlowStatus), nil
	case repository.FieldProgress:
		return child.ProgressPercentage != value.(int), nil
	case repository.FieldPhaseCompletion:
		return !completionEqual(child.PhaseCompletion, value.(map[string]bool)), nil
	case repository.FieldErrorMessage:
		if value == nil {
			return child.ErrorMessage != nil, nil
		}
		msg := value.(string)
		return child.ErrorMessage == nil || *child.ErrorMessage != msg, nil
	case repository.FieldErrorDetails:
		return !bytes.Equal(child.ErrorDetails, value.([]byte)), nil
	case repository.FieldDomainPayload:
		return !bytes.Equal(child.DomainPayload, value.([]byte)), nil
	default:
		return false, fmt.Errorf("unknown child field %q", key)
	}
}

// applyChildDelta mirrors a persisted delta onto the in-memory record.
func applyChildDelta(child *models.ChildFlowRecord, delta map[string]any) {
	for key, value := range delta {
		switch key {
		case repository.FieldCurrentPhase:
			child.CurrentPhase = value.(string)
		case repository.FieldStatus:
			child.Status = value.(models.FlowStatus)
		case repository.FieldProgress:
			child.ProgressPercentage = value.(int)
		case repository.FieldPhaseCompletion:
			child.PhaseCompletion = value.(map[string]bool)
		case repository.FieldErrorMessage:
			if value == nil {
				child.ErrorMessage = nil
			} else {
				msg := value.(string)
				child.ErrorMessage = &msg
			}
		case repository.FieldErrorDetails:
			child.ErrorDetails = value.([]byte)
		case repository.FieldDomainPayload:
			child.DomainPayload = value.([]byte)
		case repository.FieldUpdatedAt:
			child.UpdatedAt = value.(time.Time)
		}
	}
}

func completionEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// errorCode extracts a stable machine-usable code from the error taxonomy.
func errorCode(err error) string {
	switch {
	case IsConfiguration(err):
		return "configuration_error"
	case IsValidation(err):
		return "validation_error"
	case IsConsistency(err):
		return "consistency_violation"
	case IsTransient(err):
		return "transient_error"
	default:
		return "unclassified"
	}
}
