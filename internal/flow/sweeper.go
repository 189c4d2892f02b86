package flow

import (
	"context"
	"fmt"
	"time"

	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

// SweepResult reports a staleness sweep for one tenant.
type SweepResult struct {
	CleanedCount int      `json:"cleaned_count"`
	FlowIDs      []string `json:"flow_ids"`
	DryRun       bool     `json:"dry_run"`
}

// Sweeper finds running or paused flows with no activity past a threshold
// and completes them. A stale-but-otherwise-valid flow is presumed
// abandoned, not erroneous, so the terminal status is completed rather than
// failed. Every scan is tenant-scoped; the sweeper never issues an unscoped
// cross-tenant query.
type Sweeper struct {
	svc    *Service
	logger Logger
}

// NewSweeper creates a staleness sweeper over the orchestration service.
func NewSweeper(svc *Service, logger Logger) *Sweeper {
	return &Sweeper{svc: svc, logger: logger}
}

// Sweep scans one tenant for flows idle longer than hoursThreshold. In
// dry-run mode it returns the candidates without mutating anything.
// Otherwise all candidates are completed in a single transaction per tenant
// batch, then the stale count is re-queried and a non-zero remainder fails
// loudly instead of trusting update row counts.
func (s *Sweeper) Sweep(ctx context.Context, tenant models.TenantContext, hoursThreshold int, dryRun bool) (SweepResult, error) {
	if hoursThreshold <= 0 {
		return SweepResult{}, &ValidationError{Reason: "hours_threshold must be positive"}
	}
	if !tenant.Complete() {
		return SweepResult{}, &ValidationError{Reason: "tenant context is incomplete"}
	}

	cutoff := s.svc.now().Add(-time.Duration(hoursThreshold) * time.Hour)
	stale, err := s.svc.store.ListStaleFlows(ctx, tenant, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale flows: %w", err)
	}

	result := SweepResult{DryRun: dryRun, FlowIDs: make([]string, 0, len(stale))}
	for _, m := range stale {
		result.FlowIDs = append(result.FlowIDs, m.FlowID)
	}

	if dryRun {
		s.logger.Info("stale flow sweep (dry run)",
			"engagement_id", tenant.EngagementID, "candidates", len(result.FlowIDs), "hours_threshold", hoursThreshold)
		return result, nil
	}

	err = s.svc.store.InTx(ctx, func(tx repository.FlowStore) error {
		for _, m := range stale {
			master, child, err := s.svc.loadFlow(ctx, tx, tenant, m.FlowID)
			if err != nil {
				return err
			}
			if err := s.svc.terminateInTx(ctx, tx, tenant, master, child, models.FlowStatusCompleted, models.TriggerStaleCleanup); err != nil {
				return fmt.Errorf("complete stale flow %s: %w", m.FlowID, err)
			}
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	// Verify after write: the committed batch must leave nothing behind.
	remaining, err := s.svc.store.CountStaleFlows(ctx, tenant, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("verify sweep: %w", err)
	}
	if remaining != 0 {
		return SweepResult{}, &ConsistencyError{
			Detail: fmt.Sprintf("%d flows still stale after sweep for engagement %s", remaining, tenant.EngagementID),
		}
	}

	result.CleanedCount = len(result.FlowIDs)
	s.svc.metrics.flowsSwept(ctx, result.CleanedCount)
	s.logger.Info("stale flow sweep completed",
		"engagement_id", tenant.EngagementID, "cleaned", result.CleanedCount, "hours_threshold", hoursThreshold)
	return result, nil
}

// StuckFlowReport summarizes one potentially stuck flow for operators.
type StuckFlowReport struct {
	FlowID        string            `json:"flow_id"`
	FlowType      models.FlowType   `json:"flow_type"`
	Status        models.FlowStatus `json:"status"`
	CurrentPhase  string            `json:"current_phase"`
	PhaseAge      time.Duration     `json:"phase_age"`
	IdleFor       time.Duration     `json:"idle_for"`
	ErrorCount    int               `json:"error_count"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorTime *time.Time        `json:"last_error_time,omitempty"`
}

// AnalyzeStuckFlows is the read-only half of the sweeper: it reports
// running or paused flows whose open phase or last update is older than the
// threshold, with their error-history summary. No writes.
func (s *Sweeper) AnalyzeStuckFlows(ctx context.Context, tenant models.TenantContext, hoursThreshold int) ([]StuckFlowReport, error) {
	if hoursThreshold <= 0 {
		return nil, &ValidationError{Reason: "hours_threshold must be positive"}
	}

	flows, err := s.svc.store.ListFlows(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	now := s.svc.now()
	threshold := time.Duration(hoursThreshold) * time.Hour
	var reports []StuckFlowReport
	for _, m := range flows {
		if m.Status != models.FlowStatusRunning && m.Status != models.FlowStatusPaused {
			continue
		}

		idle := now.Sub(m.UpdatedAt)
		var phaseAge time.Duration
		for i := range m.PhaseTransitions {
			if m.PhaseTransitions[i].ExitedAt == nil {
				phaseAge = now.Sub(m.PhaseTransitions[i].EnteredAt)
			}
		}
		if idle < threshold && phaseAge < threshold {
			continue
		}

		report := StuckFlowReport{
			FlowID:       m.FlowID,
			FlowType:     m.FlowType,
			Status:       m.Status,
			CurrentPhase: m.CurrentPhase(),
			PhaseAge:     phaseAge,
			IdleFor:      idle,
			ErrorCount:   len(m.ErrorHistory),
		}
		if n := len(m.ErrorHistory); n > 0 {
			last := m.ErrorHistory[n-1]
			report.LastError = last.Message
			t := last.OccurredAt
			report.LastErrorTime = &t
		}
		reports = append(reports, report)
	}
	return reports, nil
}
