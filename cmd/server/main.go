package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resilience/internal/api/middleware"
	"resilience/internal/api/routes"
	"resilience/internal/config"
	"resilience/internal/logging"
	"resilience/pkg/circuitbreaker"
	"resilience/pkg/cleanup"
	"resilience/pkg/metrics"
	"resilience/pkg/ratelimit"
	"resilience/pkg/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatal("Failed to configure logging:", err)
	}
	slog.SetDefault(logger)
	for _, warning := range cfg.Warnings {
		logger.Warn("configuration", "problem", warning)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry, "resilience")

	// Shared state store; falls back to memory without credentials
	st, redisClient := store.Open(cfg.Redis, logger,
		store.WithMaxEntries(cfg.MemoryStore.MaxEntries),
	)
	if redisClient != nil {
		defer redisClient.Close()

		healthStatus := redisClient.HealthCheck()
		if healthStatus.IsConnected {
			logger.Info("redis connected", "addr", healthStatus.ConnectionInfo)
		} else {
			logger.Warn("redis connection failed, will retry automatically", "error", healthStatus.Error)
		}
	}

	if mem, ok := st.(*store.MemoryStore); ok {
		sweeper := cleanup.NewCleanupService(mem, cfg.MemoryStore.SweepInterval, logger)
		go sweeper.Start()
		defer sweeper.Stop()
	}

	var policy *ratelimit.Policy
	if cfg.RateLimit.PolicyFile != "" {
		policy, err = ratelimit.LoadPolicy(cfg.RateLimit.PolicyFile)
		if err != nil {
			logger.Error("failed to load rate limit policy", "path", cfg.RateLimit.PolicyFile, "error", err)
			os.Exit(1)
		}
		logger.Info("rate limit policy loaded", "path", cfg.RateLimit.PolicyFile)
	}

	breakers := circuitbreaker.NewManager(st,
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(collector),
	)
	for name := range circuitbreaker.Presets() {
		breakers.GetOrCreate(name)
	}

	// Setup Gin router
	router := gin.New()
	router.Use(middleware.RequestLogger(logger), middleware.Recovery(logger))

	// CORS middleware
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-User-ID", middleware.HeaderAdminToken},
		ExposeHeaders: []string{"Content-Length", ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset, ratelimit.HeaderRetryAfter, ratelimit.HeaderError},
	}

	// Handle wildcard origin for development
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false // Cannot use credentials with AllowAllOrigins
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}

	router.Use(cors.New(corsConfig))

	// Setup routes
	err = routes.SetupRoutes(router, routes.Dependencies{
		Config:      cfg,
		Store:       st,
		RedisClient: redisClient,
		Breakers:    breakers,
		Metrics:     collector,
		Gatherer:    registry,
		Policy:      policy,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", st.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
