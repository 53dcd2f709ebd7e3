package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reading the audit log.
type Handler struct {
	log *Log
}

// NewHandler creates a new audit handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterAdminRoutes sets up operator routes (admin secret required).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List handles GET /v1/admin/audit
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, next, hasMore, err := h.log.List(
		c.Request.Context(), c.Query("kind"), c.Query("playerId"), c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid cursor",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
