package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/adapters/paymentprocessor"
	"github.com/rail-service/settlement_service/internal/api/handlers"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
	"github.com/rail-service/settlement_service/internal/domain/services/settlement"
	"github.com/rail-service/settlement_service/internal/infrastructure/adapters"
	"github.com/rail-service/settlement_service/internal/infrastructure/cache"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/database"
	infrarepos "github.com/rail-service/settlement_service/internal/infrastructure/repositories"
	"github.com/rail-service/settlement_service/internal/workers/recovery"
	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/ratelimit"
)

// Container holds every long-lived dependency of the service.
type Container struct {
	Config *config.Config
	DB     *sqlx.DB // nil with the memory store
	Logger *logger.Logger
	ZapLog *zap.Logger

	Redis cache.RedisClient // nil when Redis is disabled

	TransactionRepo repositories.TransactionRepository

	Breakers  *circuitbreaker.Registry
	Chains    *ChainServices
	Processor *paymentprocessor.Client
	Alerter   *adapters.EmailService

	Executor          *settlement.Executor
	Verifier          *settlement.Verifier
	SettlementService *settlement.Service
	RecoveryWorker    *recovery.Worker

	// SharedRateLimiter is nil without Redis; the HTTP layer then limits
	// per instance.
	SharedRateLimiter *ratelimit.Limiter
}

// NewContainer wires the service. db may be nil when the memory store is
// configured.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()
	c := &Container{Config: cfg, DB: db, Logger: log, ZapLog: zapLog}

	if cfg.Database.Driver == "memory" {
		log.Warn("Using the in-memory ledger; settlements will not survive a restart")
		c.TransactionRepo = infrarepos.NewMemoryTransactionRepository()
	} else {
		if db == nil {
			return nil, errors.New("postgres store configured without a database connection")
		}
		c.TransactionRepo = infrarepos.NewTransactionRepository(db)
	}

	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(&cfg.Redis, zapLog)
		if err != nil {
			return nil, err
		}
		c.Redis = redisClient
		c.SharedRateLimiter = ratelimit.NewLimiter(redisClient.Client(), ratelimit.Config{
			ClientLimit:  int64(cfg.Server.RateLimitRPS * 60),
			ClientWindow: time.Minute,
		}, zapLog)
	}

	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithLogger(zapLog)}
	if cfg.CircuitBreaker.SharedState {
		if c.Redis == nil {
			log.Warn("Shared circuit breaker state requested without Redis; breakers stay per instance")
		} else {
			breakerOpts = append(breakerOpts, circuitbreaker.WithStateStore(circuitbreaker.NewRedisStore(c.Redis.Client())))
		}
	}
	c.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     config.Seconds(cfg.CircuitBreaker.ResetTimeout),
		IsFailure:        domainerrors.IsDependencyFailure,
	}, breakerOpts...)

	chainServices, err := NewChainsBuilder(cfg.Chains, cfg.Swap, zapLog).Build(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build chain clients: %w", err)
	}
	c.Chains = chainServices

	callTimeout := config.Seconds(cfg.Executor.CallTimeout)
	c.Executor = settlement.NewExecutor(chainServices.Registry, c.Breakers, callTimeout, log)
	c.Verifier = settlement.NewVerifier(chainServices.Registry, c.Breakers, chainServices.Thresholds, callTimeout)

	c.Processor = paymentprocessor.NewClient(paymentprocessor.Config{
		SecretKey:  cfg.Payment.SecretKey,
		BaseURL:    cfg.Payment.BaseURL,
		Timeout:    config.Seconds(cfg.Payment.Timeout),
		MaxRetries: cfg.Payment.MaxRetries,
	}, c.Breakers, log)

	c.Alerter = adapters.NewEmailService(zapLog, adapters.EmailServiceConfig{
		APIKey:      cfg.Alerts.SendGridAPIKey,
		FromEmail:   cfg.Alerts.FromEmail,
		FromName:    cfg.Alerts.FromName,
		Recipients:  cfg.Alerts.OperatorEmails,
		Environment: cfg.Environment,
	})

	c.SettlementService = settlement.NewService(settlement.Config{
		WebhookSecret:         cfg.Payment.WebhookSecret,
		MaxSubmissionAttempts: cfg.Recovery.MaxSubmissionAttempts,
		AbandonAfter:          config.Seconds(cfg.Payment.AbandonAfter),
	}, c.TransactionRepo, c.Executor, c.Verifier, c.Processor, c.Alerter, log)

	var locker recovery.Locker
	if cfg.Recovery.DistributedLock && c.Redis != nil {
		locker = c.Redis
	}
	c.RecoveryWorker, err = recovery.NewWorker(recovery.Config{
		Enabled:        cfg.Recovery.Enabled,
		Interval:       config.Seconds(cfg.Recovery.Interval),
		Schedule:       cfg.Recovery.Schedule,
		GracePeriod:    config.Seconds(cfg.Recovery.GraceWindow),
		BatchSize:      cfg.Recovery.BatchSize,
		MaxConcurrency: cfg.Recovery.MaxConcurrency,
		AttemptTimeout: config.Seconds(cfg.Recovery.AttemptTimeout),
	}, c.TransactionRepo, c.SettlementService, locker, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create recovery worker: %w", err)
	}

	return c, nil
}

// HealthChecks lists the dependency probes served on /health.
func (c *Container) HealthChecks() []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if c.DB != nil {
		db := c.DB
		checks = append(checks, handlers.HealthCheck{
			Name:     "database",
			Critical: true,
			Check:    func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
		})
	}
	if c.Redis != nil {
		checks = append(checks, handlers.HealthCheck{Name: "redis", Check: c.Redis.Ping})
	}
	return checks
}

// Close releases connections held by the container. The database is owned
// by the caller.
func (c *Container) Close() {
	if c.Chains != nil {
		c.Chains.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close Redis", "error", err)
		}
	}
}
