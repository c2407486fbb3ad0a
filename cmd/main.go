package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/rail-service/settlement_service/internal/api/routes"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/database"
	"github.com/rail-service/settlement_service/internal/infrastructure/di"
	"github.com/rail-service/settlement_service/pkg/logger"
)

// @title Settlement Service API
// @version 1.0
// @description Fiat to crypto settlement pipeline
// @BasePath /api/v1

// @securityDefinitions.apikey APIKey
// @in header
// @name X-API-Key

var inMemory bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlement",
		Short:         "Fiat/crypto settlement pipeline",
		Version:       routes.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false,
		"use the in-memory ledger instead of postgres (not allowed in production)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(swapCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired service shared by every command.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	db        *sqlx.DB
	container *di.Container
}

func bootstrap(ctx context.Context, runMigrations bool) (*app, error) {
	if inMemory {
		if err := os.Setenv("DATABASE_DRIVER", "memory"); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)

	a := &app{cfg: cfg, log: log}
	if cfg.Database.Driver != "memory" {
		a.db, err = database.NewConnection(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if runMigrations {
			if err := database.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				a.db.Close()
				return nil, err
			}
			log.Info("Database migrations applied", "source", cfg.Database.MigrationsPath)
		}
	}

	a.container, err = di.NewContainer(ctx, cfg, a.db, log)
	if err != nil {
		if a.db != nil {
			a.db.Close()
		}
		return nil, fmt.Errorf("failed to create DI container: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	a.container.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database connection", "error", err)
		}
	}
	_ = a.log.Sync()
}
