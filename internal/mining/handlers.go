package mining

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"drillcore/internal/gamecfg"
)

// Handler provides HTTP endpoints for mining operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new mining handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up player routes (API key required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/players/:id/tick", h.Tick)
	r.GET("/players/:id/status", h.GetStatus)
	r.POST("/players/:id/machines", h.BuyMachine)
	r.POST("/players/:id/machines/:machineId/refuel", h.Refuel)
	r.POST("/players/:id/machines/:machineId/upgrade", h.Upgrade)
	r.POST("/players/:id/machines/:machineId/active", h.SetActive)
}

// Tick handles POST /v1/players/:id/tick
func (h *Handler) Tick(c *gin.Context) {
	status, err := h.service.ProcessTick(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetStatus handles GET /v1/players/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// BuyMachine handles POST /v1/players/:id/machines
func (h *Handler) BuyMachine(c *gin.Context) {
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Machine type is required",
		})
		return
	}

	m, err := h.service.BuyMachine(c.Request.Context(), c.Param("id"), gamecfg.MachineType(req.Type))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"machine": m})
}

// Refuel handles POST /v1/players/:id/machines/:machineId/refuel
func (h *Handler) Refuel(c *gin.Context) {
	var req RefuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Amount is required",
		})
		return
	}

	m, err := h.service.Refuel(c.Request.Context(), c.Param("id"), c.Param("machineId"), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m})
}

// Upgrade handles POST /v1/players/:id/machines/:machineId/upgrade
func (h *Handler) Upgrade(c *gin.Context) {
	m, err := h.service.Upgrade(c.Request.Context(), c.Param("id"), c.Param("machineId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m})
}

// SetActive handles POST /v1/players/:id/machines/:machineId/active
func (h *Handler) SetActive(c *gin.Context) {
	var req ActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be valid JSON",
		})
		return
	}

	m, err := h.service.SetActive(c.Request.Context(), c.Param("id"), c.Param("machineId"), req.Active)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m})
}

// respondError maps service errors onto stable machine-readable codes.
// Internal detail is logged by the middleware, not surfaced to players.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "An unexpected error occurred"

	switch {
	case errors.Is(err, ErrMachineNotFound):
		status, code, message = http.StatusNotFound, "not_found", "No such machine"
	case errors.Is(err, ErrNotMachineOwner):
		status, code, message = http.StatusForbidden, "unauthorized", "Machine belongs to another player"
	case errors.Is(err, ErrInsufficientOil):
		status, code, message = http.StatusUnprocessableEntity, "insufficient_balance", "Not enough oil"
	case errors.Is(err, ErrInsufficientTokens):
		status, code, message = http.StatusUnprocessableEntity, "insufficient_balance", "Not enough diamonds"
	case errors.Is(err, ErrMaxLevel):
		status, code, message = http.StatusConflict, "state_conflict", "Machine is already at max level"
	case errors.Is(err, ErrInvalidAmount):
		status, code, message = http.StatusBadRequest, "validation_error", "Amount must be positive"
	case errors.Is(err, gamecfg.ErrUnknownMachineType):
		status, code, message = http.StatusBadRequest, "validation_error", "Unknown machine type"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
