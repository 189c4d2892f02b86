package flow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"migrateiq/backend/pkg/models"
)

// orchestratorMetrics holds the OpenTelemetry counters for the orchestration
// core. With no SDK configured the global meter is a no-op.
type orchestratorMetrics struct {
	transitions  metric.Int64Counter
	errors       metric.Int64Counter
	sweptFlows   metric.Int64Counter
	managedFlows metric.Int64Counter
}

func newOrchestratorMetrics() *orchestratorMetrics {
	meter := otel.Meter("migrateiq/backend/internal/flow")
	m := &orchestratorMetrics{}
	m.transitions, _ = meter.Int64Counter("flow.transitions",
		metric.WithDescription("Phase transitions applied"))
	m.errors, _ = meter.Int64Counter("flow.errors.recorded",
		metric.WithDescription("Classified phase failures recorded"))
	m.sweptFlows, _ = meter.Int64Counter("flow.sweeper.cleaned",
		metric.WithDescription("Stale flows completed by the sweeper"))
	m.managedFlows, _ = meter.Int64Counter("flow.manage.actions",
		metric.WithDescription("Admin manage actions applied"))
	return m
}

func (m *orchestratorMetrics) transitionAdvanced(ctx context.Context, forced bool) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (m *orchestratorMetrics) errorRecorded(ctx context.Context, class models.ErrorClass) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
}

func (m *orchestratorMetrics) flowsSwept(ctx context.Context, n int) {
	m.sweptFlows.Add(ctx, int64(n))
}

func (m *orchestratorMetrics) manageApplied(ctx context.Context, action string, n int) {
	m.managedFlows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}
