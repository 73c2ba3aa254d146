package handlers

import (
	"context"
	"net/http"
	"time"

	"resilience/pkg/authlimit"
	"resilience/pkg/circuitbreaker"
	"resilience/pkg/redis"
	"resilience/pkg/store"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	store       store.Store
	redisClient *redis.Client
	authLimiter *authlimit.Limiter
	breakers    *circuitbreaker.Manager
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

// NewHealthHandler builds the health endpoint. redisClient is nil when the
// in-memory store is in use.
func NewHealthHandler(st store.Store, redisClient *redis.Client, authLimiter *authlimit.Limiter, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{
		store:       st,
		redisClient: redisClient,
		authLimiter: authLimiter,
		breakers:    breakers,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]interface{}),
	}

	storeStatus := h.checkStore(ctx)
	response.Services["store"] = storeStatus
	healthy := storeStatus["healthy"].(bool)

	if h.authLimiter != nil {
		response.Services["authRateLimit"] = h.authLimiter.Health(ctx)
	}

	if h.breakers != nil {
		summary := h.breakers.GetHealthSummary(ctx)
		response.Services["circuitBreakers"] = summary
		if summary.Open > 0 || summary.HalfOpen > 0 {
			response.Status = "degraded"
		}
	}

	switch {
	case !healthy:
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
	case response.Status == "degraded":
		c.JSON(http.StatusOK, response)
	default:
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
	}
}

func (h *HealthHandler) checkStore(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"service": "store",
		"healthy": false,
	}

	if h.store == nil {
		status["error"] = "Store not initialized"
		return status
	}
	status["backend"] = h.store.Name()

	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		status["error"] = err.Error()
	} else {
		status["healthy"] = true
	}
	status["responseTime"] = time.Since(start).String()

	if h.redisClient != nil {
		healthStatus := h.redisClient.HealthCheck()
		status["connectionInfo"] = healthStatus.ConnectionInfo
		status["lastPing"] = healthStatus.LastPing
		if healthStatus.Error != "" {
			status["redisError"] = healthStatus.Error
		}
		status["connectionStats"] = h.redisClient.GetConnectionStats()
	}

	if mem, ok := h.store.(*store.MemoryStore); ok {
		status["entries"] = mem.Len()
		status["evictions"] = mem.Evictions()
	}

	return status
}
