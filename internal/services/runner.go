package services

import (
	"context"
	"fmt"
	"time"

	"migrateiq/backend/internal/flow"
	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

// PhaseRunner drives one phase of a flow to completion: it invokes the
// external executor outside any transaction, feeds failures through the
// classifier's retry signal, and persists only the resulting state
// transition. It never holds a database lock across an executor call.
type PhaseRunner struct {
	svc    *flow.Service
	exec   PhaseExecutor
	logger flow.Logger
	// sleep is injectable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, cls flow.Classification) error
}

// NewPhaseRunner creates a runner over the orchestration service and an
// executor.
func NewPhaseRunner(svc *flow.Service, exec PhaseExecutor, logger flow.Logger) *PhaseRunner {
	return &PhaseRunner{
		svc:    svc,
		exec:   exec,
		logger: logger,
		sleep:  waitForRetry,
	}
}

// RunResult reports a completed phase execution.
type RunResult struct {
	Phase    string `json:"phase"`
	Advanced bool   `json:"advanced"`
	Next     string `json:"next_phase,omitempty"`
	Attempts int    `json:"attempts"`
}

// RunCurrentPhase executes the flow's current phase with retries. Each
// failure is classified and recorded; transient failures are retried after
// the classifier's backoff hint until the phase's retry budget is exhausted,
// at which point the classification turns fatal and the flow is failed.
// On success the flow advances to the next phase (or completes if the
// current phase is the last one) and the returned payload is persisted.
func (r *PhaseRunner) RunCurrentPhase(ctx context.Context, tenant models.TenantContext, flowID string) (RunResult, error) {
	master, child, err := r.svc.GetFlow(ctx, tenant, flowID)
	if err != nil {
		return RunResult{}, err
	}
	if master.Status.Terminal() {
		return RunResult{}, &flow.ValidationError{Reason: fmt.Sprintf("flow is %s", master.Status)}
	}

	cfg, err := r.svc.Registry().Lookup(master.FlowType)
	if err != nil {
		return RunResult{}, err
	}
	phase := master.CurrentPhase()
	def, err := cfg.Phase(phase)
	if err != nil {
		return RunResult{}, err
	}

	result := RunResult{Phase: phase}
	payload := child.DomainPayload

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		output, execErr := r.exec.ExecutePhase(ctx, flowID, phase, payload)
		if execErr == nil {
			return r.onPhaseSuccess(ctx, tenant, flowID, cfg, def.Order, output, result)
		}

		cls, recErr := r.svc.RecordPhaseFailure(ctx, tenant, flowID, phase, execErr, attempt)
		if recErr != nil {
			return result, recErr
		}
		if !cls.Retryable {
			if err := r.svc.FailFlow(ctx, tenant, flowID, models.TriggerPhaseExecutor); err != nil {
				return result, err
			}
			return result, fmt.Errorf("phase %s failed after %d attempts: %w", phase, attempt, execErr)
		}

		r.logger.Info("phase retry scheduled",
			"flow_id", flowID, "phase", phase, "attempt", attempt, "delay", cls.NextDelay)
		if err := r.sleep(ctx, cls); err != nil {
			return result, err
		}
	}
}

// onPhaseSuccess persists the executor output and moves the flow forward:
// advance to the next phase, or complete the flow when the finished phase
// was the last of the sequence.
func (r *PhaseRunner) onPhaseSuccess(ctx context.Context, tenant models.TenantContext, flowID string, cfg *flow.FlowTypeConfig, phaseIdx int, output []byte, result RunResult) (RunResult, error) {
	if output != nil {
		err := r.svc.Store().InTx(ctx, func(tx repository.FlowStore) error {
			master, err := tx.GetMasterFlow(ctx, tenant, flowID)
			if err != nil {
				return err
			}
			child, err := tx.GetChildFlow(ctx, tenant, master.FlowType, flowID)
			if err != nil {
				return err
			}
			_, err = r.svc.PersistIfChanged(ctx, tx, tenant, child, map[string]any{
				repository.FieldDomainPayload: output,
			})
			return err
		})
		if err != nil {
			return result, err
		}
	}

	if phaseIdx == len(cfg.Phases)-1 {
		if err := r.svc.CompleteFlow(ctx, tenant, flowID, models.TriggerPhaseExecutor); err != nil {
			return result, err
		}
		return result, nil
	}

	next, err := cfg.PhaseAt(phaseIdx + 1)
	if err != nil {
		return result, err
	}
	adv, err := r.svc.AdvancePhase(ctx, tenant, flowID, next.Name, models.TriggerPhaseExecutor, false)
	if err != nil {
		return result, err
	}
	if !adv.Success {
		return result, &flow.ValidationError{Reason: fmt.Sprintf("advance to %s rejected: %v", next.Name, adv.Warnings)}
	}
	result.Advanced = true
	result.Next = next.Name
	return result, nil
}

// waitForRetry blocks for the classifier's backoff hint or until the
// context is cancelled.
func waitForRetry(ctx context.Context, cls flow.Classification) error {
	if cls.NextDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(cls.NextDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
