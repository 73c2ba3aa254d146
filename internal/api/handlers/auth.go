package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"resilience/internal/api/middleware"
	"resilience/pkg/authlimit"
	"resilience/pkg/ratelimit"
	"resilience/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// GuardRequest asks whether an authentication attempt may proceed
type GuardRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=SIGN_IN SIGN_UP PASSWORD_RESET EMAIL_VERIFY GENERAL DB_RATE_LIMIT"`
	Identifier string `json:"identifier" validate:"required,max=256"`
}

// AttemptRequest reports the outcome of an authentication attempt
type AttemptRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=SIGN_IN SIGN_UP PASSWORD_RESET EMAIL_VERIFY GENERAL DB_RATE_LIMIT"`
	Identifier string `json:"identifier" validate:"required,max=256"`
	Success    *bool  `json:"success" validate:"required"`
}

type AuthHandler struct {
	limiter   *authlimit.Limiter
	monitor   *authlimit.Monitor
	validator *validator.Validate
	logger    *slog.Logger
}

func NewAuthHandler(limiter *authlimit.Limiter, monitor *authlimit.Monitor, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		limiter:   limiter,
		monitor:   monitor,
		validator: validator.New(),
		logger:    logger.With("handler", "auth"),
	}
}

// Guard counts an attempt against the operation quota
func (h *AuthHandler) Guard(c *gin.Context) {
	var req GuardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	op := authlimit.Operation(req.Operation)
	result := h.limiter.CheckRateLimit(c.Request.Context(), op, req.Identifier)
	now := time.Now()

	cfg := h.limiter.Config(op)
	c.Header(ratelimit.HeaderLimit, strconv.Itoa(cfg.Requests))
	c.Header(ratelimit.HeaderRemaining, strconv.Itoa(result.Remaining))
	c.Header(ratelimit.HeaderReset, strconv.FormatInt((result.ResetTime+999)/1000, 10))

	if !result.Allowed {
		limited := ratelimit.Result{RateLimited: true, ResetTime: result.ResetTime, Total: cfg.Requests}
		c.Header(ratelimit.HeaderRetryAfter, strconv.Itoa(ratelimit.RetryAfterSeconds(limited, now)))
		middleware.RespondRateLimited(c, limited, now)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Attempt allowed", result)
}

// RecordAttempt appends to the identity's attempt log. A store failure is
// logged and reported in the payload, never as an error status.
func (h *AuthHandler) RecordAttempt(c *gin.Context) {
	var req AttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	meta := authlimit.AttemptMetadata{
		ClientAddress: ratelimit.ByAddress(c.Request),
		UserAgent:     c.Request.UserAgent(),
	}
	err := h.monitor.LogAttempt(c.Request.Context(), authlimit.Operation(req.Operation), req.Identifier, *req.Success, meta)
	if err != nil {
		h.logger.Warn("attempt not recorded", "error", err)
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Attempt received", gin.H{"recorded": err == nil})
}

// Suspicious returns the advisory risk assessment for an identifier
func (h *AuthHandler) Suspicious(c *gin.Context) {
	identifier := c.Param("identifier")
	if identifier == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Identifier is required", nil)
		return
	}

	assessment := h.monitor.DetectSuspiciousActivity(c.Request.Context(), identifier)
	utils.SuccessResponse(c, http.StatusOK, "Assessment retrieved", assessment)
}

// Status reports quota usage without counting an attempt
func (h *AuthHandler) Status(c *gin.Context) {
	req := GuardRequest{
		Operation:  c.Query("operation"),
		Identifier: c.Query("identifier"),
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	status, err := h.limiter.GetStatus(c.Request.Context(), authlimit.Operation(req.Operation), req.Identifier)
	if err != nil {
		h.logger.Warn("failed to read auth status", "error", err)
	}
	utils.SuccessResponse(c, http.StatusOK, "Status retrieved", status)
}
