package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

func newTestResolver(t *testing.T) (*Resolver, *Service, *repository.MemoryFlowStore) {
	t.Helper()
	svc, store := newTestService(t)
	return NewResolver(svc, noopLogger{}), svc, store
}

func TestGetBlockingFlows(t *testing.T) {
	resolver, svc, _ := newTestResolver(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	blocking, err := resolver.GetBlockingFlows(ctx, tenantA, models.FlowTypeDiscovery)
	require.NoError(t, err)
	require.Len(t, blocking, 1)
	assert.Equal(t, flowID, blocking[0].FlowID)
	assert.Equal(t, "data_import", blocking[0].Phase)
	assert.NotEmpty(t, blocking[0].Reason)

	// Another tenant sees nothing.
	blocking, err = resolver.GetBlockingFlows(ctx, tenantB, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Empty(t, blocking)

	// Past the blocking prefix the flow stays active but no longer blocks.
	for _, phase := range []string{"field_mapping", "data_cleansing", "asset_inventory", "dependency_analysis"} {
		_, err := svc.AdvancePhase(ctx, tenantA, flowID, phase, models.TriggerUserAction, false)
		require.NoError(t, err)
	}
	blocking, err = resolver.GetBlockingFlows(ctx, tenantA, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Empty(t, blocking)

	// Terminal flows never block.
	require.NoError(t, svc.CancelFlow(ctx, tenantA, flowID, models.TriggerAdminAction))
	second := createDiscovery(t, svc, tenantA)
	require.NoError(t, svc.CancelFlow(ctx, tenantA, second, models.TriggerAdminAction))
	blocking, err = resolver.GetBlockingFlows(ctx, tenantA, models.FlowTypeDiscovery)
	require.NoError(t, err)
	assert.Empty(t, blocking)
}

func TestGetBlockingFlowsUnknownType(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.GetBlockingFlows(context.Background(), tenantA, "replatforming")
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestManageCancelFlow(t *testing.T) {
	resolver, svc, _ := newTestResolver(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	result, err := resolver.Manage(ctx, tenantA, ManageRequest{Action: ActionCancelFlow, FlowID: flowID})
	require.NoError(t, err)
	assert.Equal(t, []string{flowID}, result.Affected)

	master, _, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCancelled, master.Status)
}

func TestManageCancelFlowRequiresID(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Manage(context.Background(), tenantA, ManageRequest{Action: ActionCancelFlow})
	assert.True(t, IsValidation(err))
}

func TestManageCancelMultipleSkipsFailures(t *testing.T) {
	resolver, svc, _ := newTestResolver(t)
	ctx := context.Background()
	a := createDiscovery(t, svc, tenantA)
	b, _, err := svc.CreateFlow(ctx, tenantA, models.FlowTypePlanning, nil, models.TriggerFlowCreated)
	require.NoError(t, err)

	result, err := resolver.Manage(ctx, tenantA, ManageRequest{
		Action:  ActionCancelMultiple,
		FlowIDs: []string{a, "missing-flow", b.FlowID},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b.FlowID}, result.Affected)
	assert.Equal(t, []string{"missing-flow"}, result.Skipped)
}

func TestManageCompleteFlow(t *testing.T) {
	resolver, svc, _ := newTestResolver(t)
	ctx := context.Background()
	flowID := createDiscovery(t, svc, tenantA)

	result, err := resolver.Manage(ctx, tenantA, ManageRequest{Action: ActionCompleteFlow, FlowID: flowID})
	require.NoError(t, err)
	assert.Equal(t, []string{flowID}, result.Affected)

	_, child, err := svc.GetFlow(ctx, tenantA, flowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCompleted, child.Status)
	assert.Equal(t, 100, child.ProgressPercentage)
}

func TestManageCancelStale(t *testing.T) {
	resolver, svc, store := newTestResolver(t)
	ctx := context.Background()

	staleID := createDiscovery(t, svc, tenantA)
	_, err := svc.AdvancePhase(ctx, tenantA, staleID, "field_mapping", models.TriggerUserAction, false)
	require.NoError(t, err)
	backdate(t, store, tenantA, staleID, 10*time.Hour)

	freshID, _, err := svc.CreateFlow(ctx, tenantA, models.FlowTypePlanning, nil, models.TriggerFlowCreated)
	require.NoError(t, err)
	_, err = svc.AdvancePhase(ctx, tenantA, freshID.FlowID, "schedule_draft", models.TriggerUserAction, false)
	require.NoError(t, err)

	result, err := resolver.Manage(ctx, tenantA, ManageRequest{Action: ActionCancelStale, HoursThreshold: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{staleID}, result.Affected)

	master, _, err := svc.GetFlow(ctx, tenantA, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusCancelled, master.Status)

	master, _, err = svc.GetFlow(ctx, tenantA, freshID.FlowID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusRunning, master.Status)
}

func TestManageCancelStaleRequiresThreshold(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Manage(context.Background(), tenantA, ManageRequest{Action: ActionCancelStale})
	assert.True(t, IsValidation(err))
}

func TestManageAutoComplete(t *testing.T) {
	resolver, svc, _ := newTestResolver(t)
	ctx := context.Background()

	// Still inside the blocking prefix: not eligible.
	blocked := createDiscovery(t, svc, tenantA)

	// Past the blocking prefix: eligible.
	eligible, _, err := svc.CreateFlow(ctx, tenantA, models.FlowTypePlanning, nil, models.TriggerFlowCreated)
	require.NoError(t, err)
	_, err = svc.AdvancePhase(ctx, tenantA, eligible.FlowID, "schedule_draft", models.TriggerUserAction, false)
	require.NoError(t, err)

	result, err := resolver.Manage(ctx, tenantA, ManageRequest{Action: ActionAutoComplete})
	require.NoError(t, err)
	assert.Equal(t, []string{eligible.FlowID}, result.Affected)

	master, _, err := svc.GetFlow(ctx, tenantA, blocked)
	require.NoError(t, err)
	assert.False(t, master.Status.Terminal(), "blocking-phase flow must not be auto-completed")
}

func TestManageUnknownAction(t *testing.T) {
	resolver, _, _ := newTestResolver(t)

	_, err := resolver.Manage(context.Background(), tenantA, ManageRequest{Action: "explode"})
	assert.True(t, IsValidation(err))
}
