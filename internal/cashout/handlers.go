package cashout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for cashout operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new cashout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up player routes (API key required).
// requireHuman additionally gates the money-out submission.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, requireHuman gin.HandlerFunc) {
	r.POST("/players/:id/cashout", requireHuman, h.Submit)
	r.GET("/players/:id/cashout", h.ListRequests)
	r.POST("/players/:id/purchases", h.RecordPurchase)
}

// RegisterAdminRoutes sets up operator routes (admin secret required).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/cashout/rounds/current", h.CurrentRound)
	r.GET("/cashout/rounds/:roundId", h.GetRound)
	r.GET("/cashout/rounds/:roundId/payouts", h.ListPayouts)
	r.POST("/cashout/rounds/:roundId/close", h.Close)
	r.POST("/cashout/rounds/:roundId/recalculate", h.Recalculate)
	r.POST("/cashout/rounds/:roundId/payouts/:playerId/paid", h.MarkPaid)
}

// Submit handles POST /v1/players/:id/cashout
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Token amount is required",
		})
		return
	}

	created, err := h.service.Submit(c.Request.Context(), c.Param("id"), req.Tokens)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": created})
}

// ListRequests handles GET /v1/players/:id/cashout
func (h *Handler) ListRequests(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	requests, err := h.service.ListPlayerRequests(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// RecordPurchase handles POST /v1/players/:id/purchases
func (h *Handler) RecordPurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Payment reference is required",
		})
		return
	}

	purchase, err := h.service.RecordPurchase(c.Request.Context(), c.Param("id"), req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": purchase})
}

// CurrentRound handles GET /v1/admin/cashout/rounds/current
func (h *Handler) CurrentRound(c *gin.Context) {
	round, err := h.service.CurrentRound(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round})
}

// GetRound handles GET /v1/admin/cashout/rounds/:roundId
func (h *Handler) GetRound(c *gin.Context) {
	round, err := h.service.GetRound(c.Request.Context(), c.Param("roundId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round})
}

// ListPayouts handles GET /v1/admin/cashout/rounds/:roundId/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	payouts, err := h.service.ListPayouts(c.Request.Context(), c.Param("roundId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

// Close handles POST /v1/admin/cashout/rounds/:roundId/close
func (h *Handler) Close(c *gin.Context) {
	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be valid JSON",
		})
		return
	}

	summary, err := h.service.Close(c.Request.Context(), c.Param("roundId"), req.ManualPool)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// Recalculate handles POST /v1/admin/cashout/rounds/:roundId/recalculate
func (h *Handler) Recalculate(c *gin.Context) {
	var req RecalculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "New pool amount is required",
		})
		return
	}

	summary, err := h.service.Recalculate(c.Request.Context(), c.Param("roundId"), req.NewPool)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// MarkPaid handles POST /v1/admin/cashout/rounds/:roundId/payouts/:playerId/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	payout, err := h.service.MarkPaid(c.Request.Context(), c.Param("roundId"), c.Param("playerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

// respondError maps service errors onto stable machine-readable codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "An unexpected error occurred"

	switch {
	case errors.Is(err, ErrRoundNotFound):
		status, code, message = http.StatusNotFound, "not_found", "No such round"
	case errors.Is(err, ErrPayoutNotFound):
		status, code, message = http.StatusNotFound, "not_found", "No such payout"
	case errors.Is(err, ErrRoundClosed):
		status, code, message = http.StatusConflict, "state_conflict", "Round is already closed"
	case errors.Is(err, ErrInsufficientTokens):
		status, code, message = http.StatusUnprocessableEntity, "insufficient_balance", "Not enough diamonds"
	case errors.Is(err, ErrInvalidAmount):
		status, code, message = http.StatusBadRequest, "validation_error", "Amount must be positive"
	case errors.Is(err, ErrDuplicatePurchase):
		status, code, message = http.StatusConflict, "state_conflict", "Purchase already recorded"
	case errors.Is(err, ErrPaymentRejected):
		status, code, message = http.StatusBadGateway, "external_failure", "Payment could not be confirmed"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
