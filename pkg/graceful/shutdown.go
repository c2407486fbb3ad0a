package graceful

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/settlement_service/pkg/logger"
)

// Shutdowner is a background component that drains within a deadline.
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
}

type closer struct {
	name string
	fn   func() error
}

// ShutdownManager stops the HTTP server first so no new webhooks arrive,
// then drains registered components, then releases connections in reverse
// registration order.
type ShutdownManager struct {
	server      *http.Server
	timeout     time.Duration
	shutdowners []Shutdowner
	closers     []closer
	logger      *logger.Logger
}

func NewShutdownManager(server *http.Server, timeout time.Duration, logger *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		server:      server,
		timeout:     timeout,
		shutdowners: make([]Shutdowner, 0),
		logger:      logger,
	}
}

func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// OnClose registers a release step run after every component has drained.
func (sm *ShutdownManager) OnClose(name string, fn func() error) {
	sm.closers = append(sm.closers, closer{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx cancellation, then
// shuts everything down.
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return sm.Shutdown()
}

// Shutdown runs the shutdown sequence once and joins every error seen.
func (sm *ShutdownManager) Shutdown() error {
	sm.logger.Info("Shutting down gracefully...", "timeout", sm.timeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
			errs = append(errs, err)
		}
	}

	for _, s := range sm.shutdowners {
		remaining := time.Until(deadline(ctx))
		if err := s.Shutdown(remaining); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	for i := len(sm.closers) - 1; i >= 0; i-- {
		c := sm.closers[i]
		if err := c.fn(); err != nil {
			sm.logger.Warn("Close error", "component", c.name, "error", err)
			errs = append(errs, err)
		}
	}

	sm.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now()
}
