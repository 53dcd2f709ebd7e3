package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMemoryHumanStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHumanStore()

	verified, err := store.IsHuman(ctx, "alice")
	if err != nil {
		t.Fatalf("IsHuman failed: %v", err)
	}
	if verified {
		t.Error("expected unknown player to be unverified")
	}

	if err := store.SetHuman(ctx, "alice", true); err != nil {
		t.Fatalf("SetHuman failed: %v", err)
	}
	verified, _ = store.IsHuman(ctx, "alice")
	if !verified {
		t.Error("expected alice to be verified")
	}

	if err := store.SetHuman(ctx, "alice", false); err != nil {
		t.Fatalf("SetHuman failed: %v", err)
	}
	verified, _ = store.IsHuman(ctx, "alice")
	if verified {
		t.Error("expected alice to be unverified after revocation")
	}
}

func TestRequireHuman(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryHumanStore()

	router := gin.New()
	router.POST("/players/:id/cashout", RequireHuman(store, "id"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/players/alice/cashout", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unverified player, got %d", w.Code)
	}

	if err := store.SetHuman(context.Background(), "alice", true); err != nil {
		t.Fatalf("SetHuman failed: %v", err)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/players/alice/cashout", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for verified player, got %d", w.Code)
	}

	// Verification is per player.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/players/bob/cashout", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for other player, got %d", w.Code)
	}
}

func TestHumanHandlerAdminRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryHumanStore()

	router := gin.New()
	group := router.Group("/admin")
	NewHumanHandler(store).RegisterAdminRoutes(group)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/players/alice/verified", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	verified, _ := store.IsHuman(context.Background(), "alice")
	if !verified {
		t.Error("expected alice to be verified after admin POST")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/admin/players/alice/verified", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	verified, _ = store.IsHuman(context.Background(), "alice")
	if verified {
		t.Error("expected alice to be unverified after admin DELETE")
	}
}
