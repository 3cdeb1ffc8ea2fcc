package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-cmp-approvals/internal/client"
	"github.com/pesio-ai/be-cmp-approvals/internal/handler"
	"github.com/pesio-ai/be-cmp-approvals/internal/metrics"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/config"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/database"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Database.Driver).
		Msg("Starting Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open approval store")
	}
	defer closeStore()
	log.Info().Str("driver", cfg.Database.Driver).Msg("Approval store ready")

	lines, err := service.LoadApprovalLines(cfg.Approval.LinesFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Approval.LinesFile).Msg("Failed to load approval lines")
	}

	// Initialize gRPC service clients
	tasks, err := client.DialTaskDirectory(cfg.Approval.TaskServices)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create task service clients")
	}
	defer tasks.Close()
	log.Info().Int("task_services", tasks.Len()).Msg("Task directory initialized")

	// Initialize services
	policy := service.RetryPolicy{ReadRetries: cfg.Approval.ReadRetries, Backoff: cfg.Approval.RetryBackoff}
	engine := service.NewApprovalEngine(store, log,
		service.WithLines(lines),
		service.WithTaskDirectory(tasks),
		service.WithRetryPolicy(policy),
	)
	history := service.NewHistoryService(store, log, policy)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, history, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpHandler.RegisterRoutes(mux)

	// Apply middleware
	h := middleware.Chain(mux,
		metrics.Middleware(mux),
		middleware.Recovery(&log.Logger),
		middleware.RequestID(&log.Logger),
		middleware.Logger(),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(engine, history, log.Logger)

	grpcServer := grpc.NewServer()
	handler.RegisterApprovalServiceServer(grpcServer, grpcHandler)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// openStore builds the configured Store and a func releasing it.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.DSN(),
			MaxConns:    cfg.MaxConns,
			MinConns:    cfg.MinConns,
			MaxConnTime: cfg.MaxConnTime,
			MaxIdleTime: cfg.MaxIdleTime,
			HealthCheck: cfg.HealthCheck,
		})
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case config.DriverSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, closeQuietly(store), nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func closeQuietly(c io.Closer) func() {
	return func() { _ = c.Close() }
}
