package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/oauth2/clientcredentials"

	"migrateiq/backend/internal/api"
	"migrateiq/backend/internal/auth"
	"migrateiq/backend/internal/config"
	"migrateiq/backend/internal/flow"
	"migrateiq/backend/internal/logging"
	"migrateiq/backend/internal/mcp"
	"migrateiq/backend/internal/repository"
	"migrateiq/backend/internal/services"
	"migrateiq/backend/internal/tls"
	"migrateiq/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"config_file", viper.ConfigFileUsed(),
	)

	logger.Info("Starting MigrateIQ Flow Orchestrator")

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		log.Fatalf("Database initialization failed: %v", err)
	}
	defer dbPool.Close()

	if err := repository.EnsureSchema(ctx, dbPool); err != nil {
		logger.Error("Failed to ensure schema", "error", err)
		log.Fatalf("Schema initialization failed: %v", err)
	}
	logger.Info("Database connected")

	registry, err := flow.DefaultRegistry(models.RetryPolicy{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		MaxBackoff:        cfg.Retry.MaxBackoff,
	})
	if err != nil {
		logger.Error("Failed to build phase registry", "error", err)
		log.Fatalf("Registry initialization failed: %v", err)
	}

	store := repository.NewPostgresFlowStore(dbPool)
	svc := flow.NewService(store, registry, logger)
	resolver := flow.NewResolver(svc, logger)
	sweeper := flow.NewSweeper(svc, logger)

	executor := buildExecutor(ctx, cfg)
	runner := services.NewPhaseRunner(svc, executor, logger)

	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("migrateiq-orchestrator"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		log.Fatalf("auth initialization failed: %v", err)
	}

	handler := api.NewHandler(dbPool)
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(handler.HandleHealth)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiServer := api.NewServer(svc, resolver, sweeper, runner)
	apiServer.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(svc, resolver, sweeper)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			if err := tls.EnsureSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
				logger.Error("failed to ensure self-signed cert", "error", err)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

// buildExecutor wires the phase-executor client. When client credentials are
// configured the sidecar is called with a bearer token; otherwise plain HTTP
// is used for local development.
func buildExecutor(ctx context.Context, cfg *config.Config) services.PhaseExecutor {
	if cfg.Auth.ClientID != "" && cfg.Auth.ClientSecret != "" && cfg.Auth.IssuerURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.IssuerURL + "/v1/token",
			Scopes:       []string{auth.ScopeFlowRead},
		}
		return services.NewHTTPPhaseExecutorWithClient(cfg.Executor.URL, cc.Client(ctx))
	}
	return services.NewHTTPPhaseExecutor(cfg.Executor.URL)
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
