package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/ricmars/visualization-sub001/internal/agent"
	"github.com/ricmars/visualization-sub001/internal/api"
	"github.com/ricmars/visualization-sub001/internal/auth"
	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/config"
	"github.com/ricmars/visualization-sub001/internal/llm"
	"github.com/ricmars/visualization-sub001/internal/logging"
	"github.com/ricmars/visualization-sub001/internal/mcp"
	"github.com/ricmars/visualization-sub001/internal/repository"
	"github.com/ricmars/visualization-sub001/internal/services"
	"github.com/ricmars/visualization-sub001/internal/tls"
	"github.com/ricmars/visualization-sub001/internal/tools"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const serviceName = "workflow-builder"

var envFile string

func main() {
	root := &cobra.Command{
		Use:          "workflow-server",
		Short:        "Workflow builder agent service",
		Long:         "Serves the workflow builder HTTP API, the chat agent and the MCP tool server.",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the database schema and exit",
			RunE:  runMigrate,
		},
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.New(os.Stdout, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("Configuration loaded",
		"storage", cfg.Storage.Driver,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"auth", cfg.Auth.Enable,
	)
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	pool, err := initDatabase(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repository.Migrate(cmd.Context(), pool); err != nil {
		return err
	}
	logger.Info("Schema applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting workflow builder", "version", version)

	store, sessions, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	checkpoints := checkpoint.NewManager(sessions, store, logger)
	recovered, err := checkpoints.RecoverStale(ctx)
	if err != nil {
		logger.Error("Rolling back stale checkpoint sessions", "error", err)
	}
	if recovered > 0 {
		logger.Warn("Rolled back checkpoint sessions left open by a previous run", "sessions", recovered)
	}

	svc := services.NewWorkflowService(store, logger)
	registry := tools.NewWorkflowRegistry(svc)

	provider, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm initialization failed: %w", err)
	}
	loop := agent.New(provider, registry, checkpoints, cfg.Agent, logger)
	logger.Info("Agent initialized", "provider", cfg.LLM.Provider, "family", provider.Family(),
		"max_iterations", cfg.Agent.MaxIterations)

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := newEcho(logger)
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiServer := api.NewServer(svc, checkpoints, loop, version, logger)
	e.GET("/healthz", apiServer.HandleHealth)
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	apiServer.Register(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(registry, checkpoints, version, logger)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), echo.WrapMiddleware(authz.RequireAuth))
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", api.SpecHandler(cfg.Auth.OktaDomain))
	e.GET("/docs", api.SwaggerHandler(cfg.Auth.ClientID))
	e.GET("/docs/oauth2-redirect.html", api.OAuth2RedirectHandler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			serverErrors <- fmt.Errorf("preparing certificate: %w", err)
			return
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func newEcho(logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				args = append(args, "error", v.Error)
			}
			logger.Debug("request", args...)
			return nil
		},
	}))
	return e
}

// openStorage returns the workflow store and the checkpoint session store
// selected by storage.driver, plus a function releasing them.
func openStorage(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Store, checkpoint.Store, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return repository.NewMemory(), checkpoint.NewMemoryStore(), func() {}, nil
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	logger.Info("Database connected")
	return repository.NewPostgres(pool), checkpoint.NewPostgresStore(pool), pool.Close, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
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
