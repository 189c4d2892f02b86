// flowctl is the operations CLI for the flow orchestrator. It talks to the
// database directly and is meant for support engineers, not tenants.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"migrateiq/backend/internal/config"
	"migrateiq/backend/internal/flow"
	"migrateiq/backend/internal/logging"
	"migrateiq/backend/internal/repository"
	"migrateiq/backend/pkg/models"
)

var (
	configFile     string
	accountID      string
	engagementID   string
	hoursThreshold int
	dryRun         bool
	force          bool
)

func main() {
	root := &cobra.Command{
		Use:          "flowctl",
		Short:        "Operate on migration flows",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&accountID, "account", "", "Client account ID")
	root.PersistentFlags().StringVar(&engagementID, "engagement", "", "Engagement ID")

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Report flows idle past the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				reports, err := env.sweeper.AnalyzeStuckFlows(ctx, env.tenant, hoursThreshold)
				if err != nil {
					return err
				}
				return printJSON(reports)
			})
		},
	}
	analyze.Flags().IntVar(&hoursThreshold, "hours", 6, "Idle threshold in hours")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Complete flows idle past the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				result, err := env.sweeper.Sweep(ctx, env.tenant, hoursThreshold, dryRun)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	sweep.Flags().IntVar(&hoursThreshold, "hours", 6, "Idle threshold in hours")
	sweep.Flags().BoolVar(&dryRun, "dry-run", false, "List candidates without mutating")

	advance := &cobra.Command{
		Use:   "advance <flow-id> <target-phase>",
		Short: "Move a flow to a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				trigger := models.TriggerAdminAction
				if force {
					trigger = models.TriggerForcedAdminOverride
				}
				result, err := env.svc.AdvancePhase(ctx, env.tenant, args[0], args[1], trigger, force)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	advance.Flags().BoolVar(&force, "force", false, "Allow non-sequential or backward moves")

	manage := &cobra.Command{
		Use:   "manage <action> [flow-id...]",
		Short: "Apply a remediation action (cancel_flow, cancel_multiple, complete_flow, cancel_stale, auto_complete)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				req := flow.ManageRequest{
					Action:         flow.ManageAction(args[0]),
					HoursThreshold: hoursThreshold,
				}
				switch len(args) {
				case 1:
				case 2:
					req.FlowID = args[1]
				default:
					req.FlowIDs = args[1:]
				}
				result, err := env.resolver.Manage(ctx, env.tenant, req)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	manage.Flags().IntVar(&hoursThreshold, "hours", 6, "Idle threshold for cancel_stale")

	backfill := &cobra.Command{
		Use:   "backfill <flow-type>",
		Short: "Repair child rows whose status column holds a phase name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				store := repository.NewPostgresFlowStore(pool)
				fixed, err := store.BackfillChildStatuses(ctx, models.FlowType(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("corrected %d rows\n", fixed)
				return nil
			})
		},
	}

	root.AddCommand(analyze, sweep, advance, manage, backfill)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type cliEnv struct {
	tenant   models.TenantContext
	svc      *flow.Service
	resolver *flow.Resolver
	sweeper  *flow.Sweeper
}

// withService connects to the database and hands the callback a fully wired
// orchestration service scoped to the tenant flags.
func withService(ctx context.Context, fn func(context.Context, *cliEnv) error) error {
	if accountID == "" || engagementID == "" {
		return fmt.Errorf("--account and --engagement are required")
	}
	return withPool(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		logger := logging.NewLogger()
		registry, err := flow.DefaultRegistry(models.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			MaxBackoff:        cfg.Retry.MaxBackoff,
		})
		if err != nil {
			return err
		}

		svc := flow.NewService(repository.NewPostgresFlowStore(pool), registry, logger)
		env := &cliEnv{
			tenant: models.TenantContext{
				ClientAccountID: accountID,
				EngagementID:    engagementID,
				UserID:          "flowctl",
			},
			svc:      svc,
			resolver: flow.NewResolver(svc, logger),
			sweeper:  flow.NewSweeper(svc, logger),
		}
		return fn(ctx, env)
	})
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(ctx, pool)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
