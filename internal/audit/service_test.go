package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drillcore/internal/pagination"
)

func TestRecordAndList(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	log := NewLog(store, func() time.Time { return now })
	ctx := context.Background()

	log.Record(ctx, KindCashoutClosed, "", "rnd_1", map[string]interface{}{"pool": "10"})
	now = now.Add(time.Second)
	log.Record(ctx, KindExchangeCompleted, "alice", "exr_1", nil)

	entries, _, hasMore, err := log.List(ctx, "", "", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, hasMore)

	// Newest first.
	assert.Equal(t, KindExchangeCompleted, entries[0].Kind)
	assert.Equal(t, KindCashoutClosed, entries[1].Kind)
}

func TestListFilters(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, nil)
	ctx := context.Background()

	log.Record(ctx, KindExchangeFallback, "alice", "exr_1", nil)
	log.Record(ctx, KindExchangeFallback, "bob", "exr_2", nil)
	log.Record(ctx, KindCashoutClosed, "", "rnd_1", nil)

	byKind, _, _, err := log.List(ctx, KindExchangeFallback, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byPlayer, _, _, err := log.List(ctx, "", "bob", "", 10)
	require.NoError(t, err)
	require.Len(t, byPlayer, 1)
	assert.Equal(t, "exr_2", byPlayer[0].Reference)
}

func TestListPaginates(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	log := NewLog(store, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Record(ctx, KindExchangeCompleted, "alice", "exr_x", nil)
		now = now.Add(time.Second)
	}

	first, cursor, hasMore, err := log.List(ctx, "", "", "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, hasMore)
	require.NotEmpty(t, cursor)

	second, _, _, err := log.List(ctx, "", "", cursor, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)

	// Pages don't overlap.
	seen := map[string]bool{}
	for _, e := range append(first, second...) {
		assert.False(t, seen[e.ID], "entry %s appeared on both pages", e.ID)
		seen[e.ID] = true
	}
}

func TestListRejectsBadCursor(t *testing.T) {
	log := NewLog(NewMemoryStore(), nil)
	_, _, _, err := log.List(context.Background(), "", "", "not-a-cursor", 10)
	assert.Error(t, err)
}

func TestRecordFailureDoesNotPanic(t *testing.T) {
	log := NewLog(failingStore{}, nil)
	log.Record(context.Background(), KindCashoutClosed, "", "rnd_1", nil)
}

type failingStore struct{}

func (failingStore) Create(ctx context.Context, entry *Entry) error {
	return context.DeadlineExceeded
}

func (failingStore) List(ctx context.Context, kind, playerID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	return nil, nil
}
