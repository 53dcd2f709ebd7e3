package exchange

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for exchange operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new exchange handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up player routes (API key required).
// requireHuman additionally gates the money-out submission.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, requireHuman gin.HandlerFunc) {
	r.POST("/players/:id/exchange", requireHuman, h.Submit)
	r.GET("/players/:id/exchange", h.ListRequests)
	r.GET("/players/:id/exchange/:requestId", h.GetRequest)
	r.PUT("/players/:id/exchange/preference", h.SetPreference)
}

// RegisterAdminRoutes sets up operator routes (admin secret required).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/exchange/fallbacks", h.ListFallbacks)
	r.POST("/exchange/fallbacks/:fallbackId/resolve", h.ResolveFallback)
	r.POST("/exchange/:requestId/execute", h.Execute)
	r.POST("/exchange/drain", h.Drain)
}

// Submit handles POST /v1/players/:id/exchange
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Token amount is required",
		})
		return
	}

	created, err := h.service.Submit(c.Request.Context(), c.Param("id"), req.Tokens, req.SlippagePercent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request": created})
}

// ListRequests handles GET /v1/players/:id/exchange
func (h *Handler) ListRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	requests, err := h.service.ListPlayerRequests(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// GetRequest handles GET /v1/players/:id/exchange/:requestId
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("id"), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// SetPreference handles PUT /v1/players/:id/exchange/preference
func (h *Handler) SetPreference(c *gin.Context) {
	var req PreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be valid JSON",
		})
		return
	}

	if err := h.service.SetPreference(c.Request.Context(), c.Param("id"), req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

// ListFallbacks handles GET /v1/admin/exchange/fallbacks
func (h *Handler) ListFallbacks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	fallbacks, err := h.service.ListFallbacks(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fallbacks": fallbacks})
}

// ResolveFallback handles POST /v1/admin/exchange/fallbacks/:fallbackId/resolve
func (h *Handler) ResolveFallback(c *gin.Context) {
	fb, err := h.service.ResolveFallback(c.Request.Context(), c.Param("fallbackId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fallback": fb})
}

// Execute handles POST /v1/admin/exchange/:requestId/execute
//
// Runs a single pending request immediately instead of waiting for the
// executor's next sweep.
func (h *Handler) Execute(c *gin.Context) {
	if err := h.service.Execute(c.Request.Context(), c.Param("requestId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executed": true})
}

// Drain handles POST /v1/admin/exchange/drain
func (h *Handler) Drain(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	processed, err := h.service.DrainPending(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed})
}

// respondError maps service errors onto stable machine-readable codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "An unexpected error occurred"

	switch {
	case errors.Is(err, ErrFeatureDisabled):
		status, code, message = http.StatusForbidden, "feature_disabled", "Auto-exchange is disabled"
	case errors.Is(err, ErrPreferenceDisabled):
		status, code, message = http.StatusForbidden, "feature_disabled", "Enable auto-exchange first"
	case errors.Is(err, ErrRequestNotFound):
		status, code, message = http.StatusNotFound, "not_found", "No such exchange request"
	case errors.Is(err, ErrNotRequestOwner):
		status, code, message = http.StatusForbidden, "unauthorized", "Request belongs to another player"
	case errors.Is(err, ErrInvalidTokens):
		status, code, message = http.StatusBadRequest, "validation_error", "Token amount out of range"
	case errors.Is(err, ErrSlippageOutOfRange):
		status, code, message = http.StatusBadRequest, "validation_error", "Slippage tolerance out of range"
	case errors.Is(err, ErrInsufficientTokens):
		status, code, message = http.StatusUnprocessableEntity, "insufficient_balance", "Not enough diamonds"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
