package routes

import (
	"log/slog"
	"net/http"

	"resilience/internal/api/handlers"
	"resilience/internal/api/middleware"
	"resilience/internal/config"
	"resilience/pkg/authlimit"
	"resilience/pkg/circuitbreaker"
	"resilience/pkg/metrics"
	"resilience/pkg/ratelimit"
	"resilience/pkg/redis"
	"resilience/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the process-wide components shared by every route
type Dependencies struct {
	Config      *config.Config
	Store       store.Store
	RedisClient *redis.Client
	Breakers    *circuitbreaker.Manager
	Metrics     *metrics.Collector
	Gatherer    prometheus.Gatherer
	Policy      *ratelimit.Policy
	Logger      *slog.Logger
	// HTTPClient is used for upstream calls; nil uses a default client
	HTTPClient *http.Client
}

func SetupRoutes(router *gin.Engine, deps Dependencies) error {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Rate limiting is global so that it also covers unmatched API paths
	limiterOpts := []ratelimit.Option{
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(deps.Metrics),
	}
	if cfg.RateLimit.EmergencyEnabled {
		emergency := ratelimit.New(deps.Store, deps.Policy.ApplyEmergency(ratelimit.EmergencyConfig()), limiterOpts...)
		router.Use(middleware.EmergencyMiddleware(emergency, logger))
		logger.Warn("emergency rate limiting enabled", "requests", emergency.Config().Requests, "window", emergency.Config().Window)
	}
	if cfg.RateLimit.Enabled {
		limiters := make(map[ratelimit.RouteClass]*ratelimit.Limiter)
		for class, rc := range deps.Policy.ApplyRoutes(ratelimit.DefaultRouteConfigs()) {
			limiters[class] = ratelimit.New(deps.Store, rc, limiterOpts...)
		}
		dispatcher := middleware.NewDispatcher(limiters,
			middleware.WithMaxContentLength(cfg.RateLimit.MaxContentLength),
			middleware.WithLogger(logger),
			middleware.WithMetrics(deps.Metrics),
		)
		router.Use(dispatcher.Middleware())
	}

	authLimiter := authlimit.NewLimiter(deps.Store,
		authlimit.WithLogger(logger),
		authlimit.WithMetrics(deps.Metrics),
	)
	monitor := authlimit.NewMonitor(deps.Store, nil, logger)

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.RedisClient, authLimiter, deps.Breakers)
	authHandler := handlers.NewAuthHandler(authLimiter, monitor, logger)
	adminHandler := handlers.NewAdminHandler(authLimiter, deps.Breakers, logger)
	uploadHandler := handlers.NewUploadHandler(cfg.RateLimit.MaxContentLength)
	proxyHandler, err := handlers.NewProxyHandler(deps.Breakers.GetOrCreate(circuitbreaker.ExternalAPI), cfg.UpstreamURL, deps.HTTPClient, logger)
	if err != nil {
		return err
	}

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}

	api := router.Group("/api")
	api.GET("/health", healthHandler.HealthCheck)

	auth := api.Group("/auth")
	{
		auth.POST("/guard", authHandler.Guard)
		auth.POST("/attempts", authHandler.RecordAttempt)
		auth.GET("/status", authHandler.Status)
		auth.GET("/suspicious/:identifier", authHandler.Suspicious)
	}

	api.Any("/external/*path", proxyHandler.Forward)
	api.POST("/upload", uploadHandler.Upload)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg.AdminToken, logger))
	{
		admin.POST("/ratelimit/reset", adminHandler.ResetRateLimit)

		circuits := admin.Group("/circuits")
		{
			circuits.GET("", adminHandler.ListCircuits)
			circuits.GET("/health", adminHandler.CircuitHealth)
			circuits.POST("/emergency-open", adminHandler.EmergencyOpen)
			circuits.POST("/emergency-reset", adminHandler.EmergencyReset)
			circuits.POST("/:name/open", adminHandler.OpenCircuit)
			circuits.POST("/:name/close", adminHandler.CloseCircuit)
			circuits.POST("/:name/reset", adminHandler.ResetCircuit)
		}
	}

	return nil
}
