package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"drillcore/internal/pagination"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_entries table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id         VARCHAR(36) PRIMARY KEY,
			kind       VARCHAR(48) NOT NULL,
			player_id  VARCHAR(64) NOT NULL DEFAULT '',
			reference  VARCHAR(64) NOT NULL DEFAULT '',
			detail     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_kind ON audit_entries(kind, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_player ON audit_entries(player_id, created_at DESC)
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, entry *Entry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, kind, player_id, reference, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Kind, entry.PlayerID, entry.Reference, detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, kind, playerID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `
		SELECT id, kind, player_id, reference, detail, created_at
		FROM audit_entries
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR player_id = $2)`
	args := []interface{}{kind, playerID}
	if before != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.PlayerID, &e.Reference, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("malformed detail for %s: %w", e.ID, err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
