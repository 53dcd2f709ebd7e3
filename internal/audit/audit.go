// Package audit records settlement events for operator review. Writes are
// best effort: an audit failure never fails the operation it describes.
package audit

import (
	"context"
	"errors"
	"time"

	"drillcore/internal/pagination"
)

var ErrEntryNotFound = errors.New("audit entry not found")

// Known event kinds.
const (
	KindExchangeCompleted   = "exchange.completed"
	KindExchangeFallback    = "exchange.fallback"
	KindCashoutClosed       = "cashout.closed"
	KindCashoutRecalculated = "cashout.recalculated"
	KindConfigReplaced      = "config.replaced"
)

// Entry is one recorded settlement event.
type Entry struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	PlayerID  string                 `json:"playerId,omitempty"`
	Reference string                 `json:"reference,omitempty"` // round, request, or version ID
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store persists audit entries.
type Store interface {
	Create(ctx context.Context, entry *Entry) error
	// List returns entries newest first. kind and playerID filter when
	// non-empty; before restricts results to entries older than the cursor.
	List(ctx context.Context, kind, playerID string, before *pagination.Cursor, limit int) ([]*Entry, error)
}
