package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/rail-service/settlement_service/internal/api/routes"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/database"
	"github.com/rail-service/settlement_service/pkg/graceful"
	"github.com/rail-service/settlement_service/pkg/tracing"
)

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook/API server and the recovery job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for in-flight work on shutdown")
	return cmd
}

func runServe(ctx context.Context, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	cfg, log := a.cfg, a.log

	tracingShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}, log.Zap())
	if err != nil {
		a.close()
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        routes.SetupRoutes(a.container),
		ReadTimeout:    config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout:   config.Seconds(cfg.Server.WriteTimeout),
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.db != nil {
		go database.ReportPoolStats(runCtx, a.db, 30*time.Second)
	}

	if err := a.container.RecoveryWorker.Start(runCtx); err != nil {
		a.close()
		return fmt.Errorf("failed to start recovery worker: %w", err)
	}

	shutdown := graceful.NewShutdownManager(server, shutdownTimeout, log)
	shutdown.Register(a.container.RecoveryWorker)
	shutdown.OnClose("tracing", func() error { return tracingShutdown(context.Background()) })
	shutdown.OnClose("container", func() error { a.close(); return nil })

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server",
			"port", cfg.Server.Port,
			"environment", cfg.Environment,
			"store", cfg.Database.Driver,
			"assets", a.container.Chains.Registry.Assets())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(runCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	default:
	}
	return shutdownErr
}
