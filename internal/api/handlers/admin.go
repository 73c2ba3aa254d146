package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"resilience/pkg/authlimit"
	"resilience/pkg/circuitbreaker"
	"resilience/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ResetRequest clears an auth quota after manual verification
type ResetRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=SIGN_IN SIGN_UP PASSWORD_RESET EMAIL_VERIFY GENERAL DB_RATE_LIMIT"`
	Identifier string `json:"identifier" validate:"required,max=256"`
}

type AdminHandler struct {
	authLimiter *authlimit.Limiter
	breakers    *circuitbreaker.Manager
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAdminHandler(authLimiter *authlimit.Limiter, breakers *circuitbreaker.Manager, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		authLimiter: authLimiter,
		breakers:    breakers,
		validator:   validator.New(),
		logger:      logger.With("handler", "admin"),
	}
}

// ResetRateLimit removes the counter and block for an identity
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	if err := h.authLimiter.ResetRateLimit(c.Request.Context(), authlimit.Operation(req.Operation), req.Identifier); err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to reset rate limit", err)
		return
	}

	h.logger.Info("auth rate limit reset by admin", "operation", req.Operation, "identifier", req.Identifier)
	utils.SuccessResponse(c, http.StatusOK, "Rate limit reset", nil)
}

func (h *AdminHandler) ListCircuits(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Circuits retrieved", h.breakers.GetAllStatus(c.Request.Context()))
}

func (h *AdminHandler) CircuitHealth(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Circuit health retrieved", h.breakers.GetHealthSummary(c.Request.Context()))
}

// EmergencyOpen opens every registered circuit
func (h *AdminHandler) EmergencyOpen(c *gin.Context) {
	if err := h.breakers.EmergencyOpenAll(c.Request.Context()); err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to open all circuits", err)
		return
	}
	h.logger.Warn("all circuits opened by admin")
	utils.SuccessResponse(c, http.StatusOK, "All circuits opened", h.breakers.GetHealthSummary(c.Request.Context()))
}

// EmergencyReset resets every registered circuit
func (h *AdminHandler) EmergencyReset(c *gin.Context) {
	if err := h.breakers.EmergencyResetAll(c.Request.Context()); err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to reset all circuits", err)
		return
	}
	h.logger.Warn("all circuits reset by admin")
	utils.SuccessResponse(c, http.StatusOK, "All circuits reset", h.breakers.GetHealthSummary(c.Request.Context()))
}

func (h *AdminHandler) OpenCircuit(c *gin.Context) {
	h.control(c, "opened", (*circuitbreaker.Breaker).ForceOpen)
}

func (h *AdminHandler) CloseCircuit(c *gin.Context) {
	h.control(c, "closed", (*circuitbreaker.Breaker).ForceClose)
}

func (h *AdminHandler) ResetCircuit(c *gin.Context) {
	h.control(c, "reset", (*circuitbreaker.Breaker).Reset)
}

func (h *AdminHandler) control(c *gin.Context, verb string, action func(*circuitbreaker.Breaker, context.Context) error) {
	name := c.Param("name")
	breaker, ok := h.breakers.Get(name)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Circuit not found", nil)
		return
	}

	if err := action(breaker, c.Request.Context()); err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Failed to update circuit", err)
		return
	}

	h.logger.Warn("circuit "+verb+" by admin", "circuit", name)
	utils.SuccessResponse(c, http.StatusOK, "Circuit "+verb, breaker.GetStatus(c.Request.Context()))
}
