package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"migrateiq/backend/pkg/models"
)

// statusCheck constrains status columns to the six lifecycle values. Phase
// names leaking into a status column is a known historical defect; the
// constraint rejects it at the schema level and BackfillChildStatuses
// repairs any stored rows that predate the constraint.
const statusCheck = `('initialized','running','paused','completed','failed','cancelled')`

const masterSchema = `
CREATE TABLE IF NOT EXISTS master_flows (
	flow_id           UUID PRIMARY KEY,
	flow_type         TEXT NOT NULL,
	client_account_id TEXT NOT NULL,
	engagement_id     TEXT NOT NULL,
	lifecycle_status  TEXT NOT NULL CHECK (lifecycle_status IN ` + statusCheck + `),
	phase_transitions JSONB NOT NULL DEFAULT '[]',
	error_history     JSONB NOT NULL DEFAULT '[]',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_master_flows_tenant
	ON master_flows (client_account_id, engagement_id);
CREATE INDEX IF NOT EXISTS idx_master_flows_status_updated
	ON master_flows (lifecycle_status, updated_at);
`

const auditSchema = `
CREATE TABLE IF NOT EXISTS flow_audit (
	id                UUID PRIMARY KEY,
	client_account_id TEXT NOT NULL,
	engagement_id     TEXT NOT NULL,
	flow_id           UUID NOT NULL,
	action            TEXT NOT NULL,
	detail            TEXT NOT NULL DEFAULT '',
	actor             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_audit_flow ON flow_audit (flow_id);
`

// childTables maps each flow type to its denormalized table. One table per
// flow type, all the same shape, each linked to exactly one master row.
var childTables = map[models.FlowType]string{
	models.FlowTypeDiscovery:  "discovery_flows",
	models.FlowTypeCollection: "collection_flows",
	models.FlowTypeAssessment: "assessment_flows",
	models.FlowTypePlanning:   "planning_flows",
}

func childTable(flowType models.FlowType) (string, error) {
	table, ok := childTables[flowType]
	if !ok {
		return "", fmt.Errorf("no child table for flow type %q", flowType)
	}
	return table, nil
}

func childSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
	id                  UUID PRIMARY KEY,
	master_flow_id      UUID NOT NULL UNIQUE REFERENCES master_flows(flow_id) ON DELETE CASCADE,
	client_account_id   TEXT NOT NULL,
	engagement_id       TEXT NOT NULL,
	current_phase       TEXT NOT NULL,
	phase_completion    JSONB NOT NULL DEFAULT '{}',
	progress_percentage INT NOT NULL DEFAULT 0,
	status              TEXT NOT NULL CHECK (status IN ` + statusCheck + `),
	error_message       TEXT,
	error_details       JSONB,
	domain_payload      JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_` + table + `_tenant
	ON ` + table + ` (client_account_id, engagement_id);
`
}

// EnsureSchema creates the orchestration tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, masterSchema); err != nil {
		return fmt.Errorf("create master_flows: %w", err)
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("create flow_audit: %w", err)
	}
	for _, table := range childTables {
		if _, err := pool.Exec(ctx, childSchema(table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}
