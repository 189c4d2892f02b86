package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

var (
	tenantA = models.TenantContext{ClientAccountID: "acct-a", EngagementID: "eng-a", UserID: "user-a"}
	tenantB = models.TenantContext{ClientAccountID: "acct-b", EngagementID: "eng-b", UserID: "user-b"}
)

func newTestService(t *testing.T) (*Service, *repository.MemoryFlowStore) {
	t.Helper()
	registry, err := DefaultRegistry(models.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
	})
	require.NoError(t, err)

	store := repository.NewMemoryFlowStore()
	return NewService(store, registry, noopLogger{}), store
}

func createDiscovery(t *testing.T, svc *Service, tenant models.TenantContext) string {
	t.Helper()
	master, _, err := svc.CreateFlow(context.Background(), tenant, models.FlowTypeDiscovery, nil, models.TriggerFlowCreated)
	require.NoError(t, err)
	return master.FlowID
}

func TestCreateFlowInitialState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	master, child, err := svc.CreateFlow(ctx, tenantA, models.FlowTypeDiscovery, []byte(`{"source":"cmdb"}`), models.TriggerFlowCreated)
	require.NoError(t, err)

	assert.Equal(t, models.FlowStatusInitialized, master.Status)
	require.Len(t, master.PhaseTransitions, 1)
	assert.Equal(t, "data_import", master.PhaseTransitions[0].Phase)
	assert.Nil(t, master.PhaseTransitions[0].ExitedAt)
	assert.Equal(t, models.TriggerFlowCreated, master.PhaseTransitions[0].Trigger)

	assert.Equal(t, "data_import", child.CurrentPhase)
	assert.Equal(t, 0, child.ProgressPercentage)
	assert.Len(t, child.PhaseCompletion, 6)
	for phase, done := range child.PhaseCompletion {
		assert.False(t, done, "phase %s should start incomplete", phase)
	}
}

func TestCreateFlowRefusedWhileBlocking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	createDiscovery(t, svc, tenantA)

	_, _, err := svc.CreateFlow(ctx, tenantA, models.FlowTypeDiscovery, nil, models.TriggerFlowCreated)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "blocking phase")

	// A different tenant is unaffected.
	_, _, err = svc.CreateFlow(ctx, tenantB, models.FlowTypeDiscovery, nil, models.TriggerFlowCreated)
	assert.NoError(t, err)

	// A different flow type for the same tenant is unaffected.
	_, _, err = svc.CreateFlow(ctx, tenantA, models.FlowTypePlanning, nil, models.TriggerFlowCreated)
	assert.NoError(t, err)
}

func TestCreateFlowAllowedOncePastBlockingPhases(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	// Walk the first flow past the blocking prefix.
	for _, phase := range []string{"field_mapping", "data_cleansing", "asset_inventory", "dependency_analysis"} {
		_, err := svc.AdvancePhase(ctx, tenantA, flowID, phase, models.TriggerUserAction, false)
		require.NoError(t, err)
	}

	_, _, err := svc.CreateFlow(ctx, tenantA, models.FlowTypeDiscovery, nil, models.TriggerFlowCreated)
	assert.NoError(t, err)
}

func TestAdvancePhaseSequential(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	result, err := svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.WasIdempotent)
	assert.Equal(t, "data_import", result.PriorPhase)
	assert.Equal(t, "field_mapping", result.NewPhase)

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, master.Status)
	require.Len(t, master.PhaseTransitions, 2)
	assert.NotNil(t, master.PhaseTransitions[0].ExitedAt)
	assert.Nil(t, master.PhaseTransitions[1].ExitedAt)

	assert.Equal(t, "field_mapping", child.CurrentPhase)
	assert.Equal(t, models.FlowStatusRunning, child.Status)
	assert.True(t, child.PhaseCompletion["data_import"])
	assert.False(t, child.PhaseCompletion["field_mapping"])
	assert.Equal(t, 16, child.ProgressPercentage)
}

func TestAdvancePhaseIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	first, err := svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)
	require.True(t, first.Success)

	writesBefore := store.WriteCount
	second, err := svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.WasIdempotent)
	assert.Equal(t, writesBefore, store.WriteCount, "idempotent advance must not write")

	master, _, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Len(t, master.PhaseTransitions, 2, "no duplicate transition-log entry")
}

func TestAdvancePhaseRejectsSkipWithoutForce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	writesBefore := store.WriteCount
	result, err := svc.AdvancePhase(ctx, tenantA, flowID, "data_cleansing", models.TriggerUserAction, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "non-sequential")
	assert.Equal(t, writesBefore, store.WriteCount, "rejected advance must not write")

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, "data_import", master.CurrentPhase())
	assert.Equal(t, "data_import", child.CurrentPhase)
}

func TestAdvancePhaseForcedSkip(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	result, err := svc.AdvancePhase(ctx, tenantA, flowID, "data_cleansing", models.TriggerUserAction, true)
	require.NoError(t, err)
	assert.True(t, result.Success)

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	open := master.PhaseTransitions[len(master.PhaseTransitions)-1]
	assert.Equal(t, "data_cleansing", open.Phase)
	assert.Equal(t, models.TriggerForcedAdminOverride, open.Trigger)

	// Skipped phases count as completed in the projection.
	assert.True(t, child.PhaseCompletion["data_import"])
	assert.True(t, child.PhaseCompletion["field_mapping"])
	assert.False(t, child.PhaseCompletion["data_cleansing"])

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditActionForcedTransition, audits[0].Action)
	assert.Equal(t, flowID, audits[0].FlowID)
	assert.Equal(t, tenantA.UserID, audits[0].Actor)
	assert.Contains(t, audits[0].Detail, "data_import -> data_cleansing")
}

func TestAdvancePhaseForcedBackward(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, err := svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)

	// Backward without force is refused.
	result, err := svc.AdvancePhase(ctx, tenantA, flowID, "data_import", models.TriggerUserAction, false)
	require.NoError(t, err)
	assert.False(t, result.Success)

	// With force it succeeds and reopens the earlier phase.
	result, err = svc.AdvancePhase(ctx, tenantA, flowID, "data_import", models.TriggerUserAction, true)
	require.NoError(t, err)
	assert.True(t, result.Success)

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, "data_import", master.CurrentPhase())
	assert.Equal(t, "data_import", child.CurrentPhase)
	assert.False(t, child.PhaseCompletion["data_import"])
}

func TestAdvancePhaseTerminalFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	require.NoError(t, svc.CancelFlow(ctx, tenantA, flowID, models.TriggerAdminAction))

	result, err := svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "cancelled")
}

func TestAdvancePhaseUnknownPhaseIsConfigurationError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, err := svc.AdvancePhase(ctx, tenantA, flowID, "warp_drive", models.TriggerUserAction, false)
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestDiscoveryFlowEndToEnd(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	phases := []string{"field_mapping", "data_cleansing", "asset_inventory", "dependency_analysis", "finalization"}
	for _, phase := range phases {
		result, err := svc.AdvancePhase(ctx, tenantA, flowID, phase, models.TriggerUserAction, false)
		require.NoError(t, err)
		require.True(t, result.Success, "advance to %s", phase)
	}

	master, _, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	require.Len(t, master.PhaseTransitions, 6)
	assert.Len(t, master.OpenTransitions(), 1)
	assert.Equal(t, "finalization", master.CurrentPhase())

	require.NoError(t, svc.CompleteFlow(ctx, tenantA, flowID, models.TriggerUserAction))

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, master.Status)
	assert.Empty(t, master.OpenTransitions(), "terminal flow has no open transition entry")
	assert.Equal(t, models.FlowStatusCompleted, child.Status)
	assert.Equal(t, 100, child.ProgressPercentage)
	for phase, done := range child.PhaseCompletion {
		assert.True(t, done, "phase %s", phase)
	}
}

func TestPersistIfChangedZeroDelta(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)

	writesBefore := store.WriteCount
	err = store.InTx(ctx, func(tx repository.FlowStore) error {
		changed, err := svc.PersistIfChanged(ctx, tx, tenantA, child, map[string]any{
			repository.FieldCurrentPhase:    child.CurrentPhase,
			repository.FieldStatus:          child.Status,
			repository.FieldProgress:        child.ProgressPercentage,
			repository.FieldPhaseCompletion: child.PhaseCompletion,
		})
		require.NoError(t, err)
		assert.False(t, changed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, writesBefore, store.WriteCount, "unchanged candidate must issue zero writes")

	updatedAtBefore := child.UpdatedAt
	_, after, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, updatedAtBefore, after.UpdatedAt, "no updated_at churn on unchanged fields")
}

func TestPersistIfChangedPartialDelta(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)

	err = store.InTx(ctx, func(tx repository.FlowStore) error {
		changed, err := svc.PersistIfChanged(ctx, tx, tenantA, child, map[string]any{
			repository.FieldStatus:   child.Status,
			repository.FieldProgress: 25,
		})
		require.NoError(t, err)
		assert.True(t, changed)
		return nil
	})
	require.NoError(t, err)

	_, after, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, 25, after.ProgressPercentage)
}

func TestRecordPhaseFailureRetryBudget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	cause := errors.New("import source timed out")
	for attempt := 1; attempt <= 3; attempt++ {
		cls, err := svc.RecordPhaseFailure(ctx, tenantA, flowID, "data_import", cause, attempt)
		require.NoError(t, err)
		assert.True(t, cls.Retryable, "attempt %d within budget", attempt)
		assert.Equal(t, models.ErrorClassTransient, cls.Class)
	}

	cls, err := svc.RecordPhaseFailure(ctx, tenantA, flowID, "data_import", cause, 4)
	require.NoError(t, err)
	assert.False(t, cls.Retryable, "attempt past the budget is fatal")
	assert.Equal(t, models.ErrorClassFatal, cls.Class)

	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	require.Len(t, master.ErrorHistory, 4)
	for i, entry := range master.ErrorHistory {
		assert.Equal(t, "data_import", entry.Phase)
		assert.Equal(t, i+1, entry.Attempt)
	}
	assert.Equal(t, models.ErrorClassFatal, master.ErrorHistory[3].Class)

	require.NotNil(t, child.ErrorMessage)
	assert.Equal(t, cause.Error(), *child.ErrorMessage)
	assert.NotEmpty(t, child.ErrorDetails)
}

func TestRecordPhaseFailureFatalErrorImmediately(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	cls, err := svc.RecordPhaseFailure(ctx, tenantA, flowID, "data_import",
		errors.New("duplicate key violates unique constraint"), 1)
	require.NoError(t, err)
	assert.False(t, cls.Retryable)
	assert.Equal(t, models.ErrorClassFatal, cls.Class)
}

func TestPauseAndResume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	// Initialized flows cannot pause.
	err := svc.PauseFlow(ctx, tenantA, flowID)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)

	require.NoError(t, svc.PauseFlow(ctx, tenantA, flowID))
	master, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusPaused, master.Status)
	assert.Equal(t, models.FlowStatusPaused, child.Status)

	// Double pause is a validation error.
	err = svc.PauseFlow(ctx, tenantA, flowID)
	assert.True(t, IsValidation(err))

	require.NoError(t, svc.ResumeFlow(ctx, tenantA, flowID))
	master, _, err = svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, master.Status)
}

func TestPauseRefusedInFinalPhase(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, err := svc.AdvancePhase(ctx, tenantA, flowID, "finalization", models.TriggerUserAction, true)
	require.NoError(t, err)

	err = svc.PauseFlow(ctx, tenantA, flowID)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "finalization")
}

func TestTerminalTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("cancel then complete refused", func(t *testing.T) {
		flowID := createDiscovery(t, svc, tenantA)
		require.NoError(t, svc.CancelFlow(ctx, tenantA, flowID, models.TriggerAdminAction))

		err := svc.CompleteFlow(ctx, tenantA, flowID, models.TriggerUserAction)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("same terminal status is a no-op", func(t *testing.T) {
		flowID := createDiscovery(t, svc, tenantB)
		require.NoError(t, svc.CancelFlow(ctx, tenantB, flowID, models.TriggerAdminAction))
		assert.NoError(t, svc.CancelFlow(ctx, tenantB, flowID, models.TriggerAdminAction))
	})
}

func TestCrossTenantIsolation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	_, _, err := svc.GetFlow(ctx, tenantB, flowID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = svc.AdvancePhase(ctx, tenantB, flowID, "field_mapping", models.TriggerUserAction, false)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = svc.DeleteFlow(ctx, tenantB, flowID, "should not work")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// The flow is untouched.
	master, _, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, "data_import", master.CurrentPhase())
}

func TestConsistencyViolationHaltsAndRecords(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	// Inject a defect: a second open transition-log entry.
	master, err := store.GetMasterFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	master.PhaseTransitions = append(master.PhaseTransitions, models.PhaseTransition{
		Phase:     "field_mapping",
		EnteredAt: time.Now(),
		Trigger:   models.TriggerUserAction,
	})
	require.NoError(t, store.UpdateMasterFlow(ctx, tenantA, master))

	_, err = svc.AdvancePhase(ctx, tenantA, flowID, "field_mapping", models.TriggerUserAction, false)
	require.Error(t, err)
	assert.True(t, IsConsistency(err))

	// The violation was recorded in the error history after rollback, and
	// no healing was attempted.
	master, err = store.GetMasterFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Len(t, master.OpenTransitions(), 2, "defect must not be silently healed")
	require.NotEmpty(t, master.ErrorHistory)
	last := master.ErrorHistory[len(master.ErrorHistory)-1]
	assert.Equal(t, "consistency_violation", last.Code)
	assert.Equal(t, models.ErrorClassFatal, last.Class)
}

func TestDeleteFlowWritesAuditFirst(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	require.NoError(t, svc.DeleteFlow(ctx, tenantA, flowID, "engagement closed"))

	_, _, err := svc.GetFlow(ctx, tenantA, flowID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	audits := store.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditActionFlowDeleted, audits[0].Action)
	assert.Equal(t, "engagement closed", audits[0].Detail)
}
