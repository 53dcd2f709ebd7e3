package gamecfg

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Auditor records config replacements. May be nil.
type Auditor interface {
	Record(ctx context.Context, kind, playerID, reference string, detail map[string]interface{})
}

// Handler provides operator endpoints for inspecting and replacing the
// live economy configuration.
type Handler struct {
	provider *Provider
	audit    Auditor
	path     string // config file for reloads, may be empty
}

// NewHandler creates a gamecfg handler. path is the config file that
// Reload re-reads; pass "" when the deployment has no config file.
func NewHandler(provider *Provider, audit Auditor, path string) *Handler {
	return &Handler{provider: provider, audit: audit, path: path}
}

// RegisterAdminRoutes sets up operator routes (admin secret required).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/config", h.Get)
	r.PUT("/config", h.Replace)
	r.POST("/config/reload", h.Reload)
}

// Get handles GET /v1/admin/config
func (h *Handler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Current())
}

// Replace handles PUT /v1/admin/config
//
// The body is a JSON snapshot layered over the compiled-in defaults, so a
// partial document only overrides the sections it names. In-flight
// operations keep the snapshot they already captured.
func (h *Handler) Replace(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be a JSON config document",
		})
		return
	}

	snap, err := FromJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	installed, err := h.provider.Replace(snap)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	if h.audit != nil {
		h.audit.Record(c.Request.Context(), "config.replaced", "", "", map[string]interface{}{
			"version": installed.Version,
		})
	}
	c.JSON(http.StatusOK, installed)
}

// Reload handles POST /v1/admin/config/reload
//
// Re-reads the config file the server was started with. Deployments
// without a file must use PUT /config instead.
func (h *Handler) Reload(c *gin.Context) {
	if h.path == "" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "feature_disabled",
			"message": "Server was started without a config file",
		})
		return
	}

	snap, err := FromFile(h.path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	installed, err := h.provider.Replace(snap)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	if h.audit != nil {
		h.audit.Record(c.Request.Context(), "config.reloaded", "", h.path, map[string]interface{}{
			"version": installed.Version,
		})
	}
	c.JSON(http.StatusOK, installed)
}
