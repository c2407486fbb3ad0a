package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/rail-service/settlement_service/internal/api/handlers"
	"github.com/rail-service/settlement_service/internal/api/middleware"
	"github.com/rail-service/settlement_service/internal/infrastructure/di"
	"github.com/rail-service/settlement_service/pkg/tracing"
)

// Version is reported on the health endpoint.
var Version = "dev"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	if container.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	serverCfg := container.Config.Server

	// Global middleware - order matters
	router.Use(tracing.HTTPMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit(serverCfg.MaxBodyBytes))
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(serverCfg.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())

	var shared middleware.SharedLimiter
	if container.SharedRateLimiter != nil {
		shared = container.SharedRateLimiter
	}
	rateLimit := middleware.RateLimit(
		middleware.NewRateLimiter(serverCfg.RateLimitRPS, serverCfg.RateLimitBurst),
		shared,
		container.Logger,
	)

	healthHandler := handlers.NewHealthHandler(container.HealthChecks(), container.Breakers, container.ZapLog, Version)
	settlementHandlers := handlers.NewSettlementHandlers(container.SettlementService, container.Logger)

	// Health checks and metrics (no auth required)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger documentation (development only)
	if container.Config.Environment != "production" {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := router.Group("/api/v1")
	v1.Use(rateLimit)
	{
		// Authenticated by the processor's signature, not an API key.
		v1.POST("/webhooks/payments", settlementHandlers.PaymentWebhook)

		settlements := v1.Group("/settlements")
		settlements.Use(middleware.RequireAPIKey(serverCfg.APIKeys))
		{
			settlements.POST("", settlementHandlers.InitiateSettlement)
			settlements.GET("/:reference", settlementHandlers.GetSettlement)
		}
	}

	return router
}
