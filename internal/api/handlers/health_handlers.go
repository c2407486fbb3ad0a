package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name string
	// Critical checks make the service unhealthy; the rest only degrade it.
	Critical bool
	Check    func(ctx context.Context) error
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	Breakers  map[string]string      `json:"circuit_breakers,omitempty"`
}

// BreakerSnapshot reports the state of every circuit breaker.
type BreakerSnapshot interface {
	Snapshot() map[string]circuitbreaker.State
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checks    []HealthCheck
	breakers  BreakerSnapshot
	logger    *zap.Logger
	version   string
	timeout   time.Duration
	startTime time.Time
}

// NewHealthHandler creates a new health handler. breakers may be nil.
func NewHealthHandler(checks []HealthCheck, breakers BreakerSnapshot, logger *zap.Logger, version string) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		breakers:  breakers,
		logger:    logger,
		version:   version,
		timeout:   3 * time.Second,
		startTime: time.Now(),
	}
}

// Liveness handles the liveness probe
// @Summary Liveness check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health/live [get]
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": StatusHealthy})
}

// Health runs every dependency probe.
// @Summary Health check
// @Description Probes the ledger, Redis and reports circuit breaker states
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, check := range h.checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			start := time.Now()
			res := CheckResult{Status: StatusHealthy}
			if err := check.Check(ctx); err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			res.Duration = time.Since(start).String()
			mu.Lock()
			results[check.Name] = res
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := StatusHealthy
	for _, check := range h.checks {
		if results[check.Name].Status == StatusHealthy {
			continue
		}
		if check.Critical {
			status = StatusUnhealthy
			break
		}
		status = StatusDegraded
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    results,
	}

	if h.breakers != nil {
		snapshot := h.breakers.Snapshot()
		names := make([]string, 0, len(snapshot))
		for name := range snapshot {
			names = append(names, name)
		}
		sort.Strings(names)
		response.Breakers = make(map[string]string, len(names))
		for _, name := range names {
			state := snapshot[name]
			response.Breakers[name] = string(state)
			if state == circuitbreaker.StateOpen && status == StatusHealthy {
				status = StatusDegraded
			}
		}
		response.Status = status
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	h.logger.Debug("Health check",
		zap.String("status", status),
		zap.Int("status_code", statusCode))

	c.JSON(statusCode, response)
}
