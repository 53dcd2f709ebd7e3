package audit

import (
	"context"
	"time"

	"drillcore/internal/idgen"
	"drillcore/internal/logging"
	"drillcore/internal/pagination"
)

// Clock returns the current time. Injectable for tests.
type Clock func() time.Time

// Log records settlement events. Satisfies the Auditor interfaces in the
// cashout and exchange packages.
type Log struct {
	store Store
	clock Clock
}

// NewLog creates an audit log.
func NewLog(store Store, clock Clock) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{store: store, clock: clock}
}

// Record persists one event. Failures are logged, never returned, so the
// recording site doesn't have to care.
func (l *Log) Record(ctx context.Context, kind, playerID, reference string, detail map[string]interface{}) {
	entry := &Entry{
		ID:        idgen.WithPrefix("aud_"),
		Kind:      kind,
		PlayerID:  playerID,
		Reference: reference,
		Detail:    detail,
		CreatedAt: l.clock(),
	}
	if err := l.store.Create(ctx, entry); err != nil {
		logging.L(ctx).Error("audit entry not persisted",
			"kind", kind, "reference", reference, "error", err)
	}
}

// List returns one page of recorded entries, newest first. cursor is the
// opaque position from a previous page, empty for the first page.
func (l *Log) List(ctx context.Context, kind, playerID, cursor string, limit int) ([]*Entry, string, bool, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	entries, err := l.store.List(ctx, kind, playerID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, hasMore, nil
}
