package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"migrateiq/backend/internal/config"
	"migrateiq/backend/internal/flow"
	"migrateiq/backend/internal/logging"
	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

// Seeds a local database with a demo engagement and one flow per type so
// the API and CLI have something to operate on.
func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	registry, err := flow.DefaultRegistry(models.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		MaxBackoff:        cfg.Retry.MaxBackoff,
	})
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}

	svc := flow.NewService(repository.NewPostgresFlowStore(pool), registry, logger)
	tenant := models.TenantContext{
		ClientAccountID: "demo-account",
		EngagementID:    "demo-engagement",
		UserID:          "seed",
	}

	existing, err := svc.Store().ListFlows(ctx, tenant)
	if err != nil {
		log.Fatalf("Failed to list existing flows: %v", err)
	}
	seeded := make(map[models.FlowType]bool)
	for _, c := range existing {
		seeded[c.FlowType] = true
	}

	payloads := map[models.FlowType]map[string]any{
		models.FlowTypeDiscovery:  {"source_system": "cmdb-export", "record_count": 1200},
		models.FlowTypeCollection: {"collector": "agentless", "targets": 64},
		models.FlowTypeAssessment: {"framework": "6R", "apps": 18},
		models.FlowTypePlanning:   {"waves": 3},
	}

	for _, ft := range registry.Types() {
		if seeded[ft] {
			logger.Info("Flow already seeded", "flow_type", ft)
			continue
		}
		payload, _ := json.Marshal(payloads[ft])
		master, _, err := svc.CreateFlow(ctx, tenant, ft, payload, models.TriggerFlowCreated)
		if err != nil {
			// Creation is refused while an earlier seeded flow of the same
			// type still sits in a blocking phase; skip rather than fail.
			logger.Warn("Skipping flow type", "flow_type", ft, "reason", err)
			continue
		}
		logger.Info("Seeded flow", "flow_type", ft, "flow_id", master.FlowID)
	}

	logger.Info("Seed complete", "account", tenant.ClientAccountID, "engagement", tenant.EngagementID)
}
