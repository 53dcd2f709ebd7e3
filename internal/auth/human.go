package auth

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HumanStore persists which players have passed human verification. The
// verification itself (captcha, ID check, whatever the operator runs)
// happens outside this service; an operator records the outcome here.
type HumanStore interface {
	IsHuman(ctx context.Context, playerID string) (bool, error)
	SetHuman(ctx context.Context, playerID string, verified bool) error
}

// MemoryHumanStore is an in-memory implementation of HumanStore
type MemoryHumanStore struct {
	mu       sync.RWMutex
	verified map[string]bool
}

// NewMemoryHumanStore creates a new in-memory human store
func NewMemoryHumanStore() *MemoryHumanStore {
	return &MemoryHumanStore{verified: make(map[string]bool)}
}

func (s *MemoryHumanStore) IsHuman(ctx context.Context, playerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified[playerID], nil
}

func (s *MemoryHumanStore) SetHuman(ctx context.Context, playerID string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[playerID] = verified
	return nil
}

// PostgresHumanStore persists human verification flags in PostgreSQL
type PostgresHumanStore struct {
	db *sql.DB
}

var _ HumanStore = (*PostgresHumanStore)(nil)

// NewPostgresHumanStore creates a new PostgreSQL-backed human store
func NewPostgresHumanStore(db *sql.DB) *PostgresHumanStore {
	return &PostgresHumanStore{db: db}
}

// Migrate creates the verification table
func (p *PostgresHumanStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS player_verifications (
			player_id  VARCHAR(64) PRIMARY KEY,
			verified   BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (p *PostgresHumanStore) IsHuman(ctx context.Context, playerID string) (bool, error) {
	var verified bool
	err := p.db.QueryRowContext(ctx, `
		SELECT verified FROM player_verifications WHERE player_id = $1
	`, playerID).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

func (p *PostgresHumanStore) SetHuman(ctx context.Context, playerID string, verified bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO player_verifications (player_id, verified, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE SET verified = $2, updated_at = $3
	`, playerID, verified, time.Now())
	return err
}

// RequireHuman rejects requests from players the operator has not marked
// as human-verified. Apply after RequireOwnership on money-out routes.
func RequireHuman(store HumanStore, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		playerID := c.Param(paramName)

		verified, err := store.IsHuman(c.Request.Context(), playerID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Could not check verification status",
			})
			return
		}
		if !verified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "not_verified",
				"message": "Human verification required for this operation.",
			})
			return
		}

		c.Next()
	}
}

// HumanHandler exposes the operator endpoints for recording verification
// outcomes.
type HumanHandler struct {
	store HumanStore
}

// NewHumanHandler creates a verification handler.
func NewHumanHandler(store HumanStore) *HumanHandler {
	return &HumanHandler{store: store}
}

// RegisterAdminRoutes sets up operator routes (admin secret required).
func (h *HumanHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/players/:id/verified", h.Get)
	r.POST("/players/:id/verified", h.Verify)
	r.DELETE("/players/:id/verified", h.Unverify)
}

// Get handles GET /v1/admin/players/:id/verified
func (h *HumanHandler) Get(c *gin.Context) {
	verified, err := h.store.IsHuman(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not check verification status",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": c.Param("id"), "verified": verified})
}

// Verify handles POST /v1/admin/players/:id/verified
func (h *HumanHandler) Verify(c *gin.Context) {
	h.setVerified(c, true)
}

// Unverify handles DELETE /v1/admin/players/:id/verified
func (h *HumanHandler) Unverify(c *gin.Context) {
	h.setVerified(c, false)
}

func (h *HumanHandler) setVerified(c *gin.Context, verified bool) {
	playerID := c.Param("id")
	if err := h.store.SetHuman(c.Request.Context(), playerID, verified); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Could not update verification status",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": playerID, "verified": verified})
}
