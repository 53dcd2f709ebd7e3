package exchange

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed exchange store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the exchange tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS exchange_requests (
			id               VARCHAR(36) PRIMARY KEY,
			player_id        VARCHAR(64) NOT NULL,
			tokens           BIGINT NOT NULL CHECK (tokens > 0),
			slippage_percent NUMERIC(6,3) NOT NULL,
			target_amount    NUMERIC(20,6) NOT NULL,
			received_amount  NUMERIC(20,6) NOT NULL DEFAULT 0,
			tx_reference     VARCHAR(128) NOT NULL DEFAULT '',
			status           VARCHAR(16) NOT NULL DEFAULT 'pending',
			error_message    TEXT NOT NULL DEFAULT '',
			retry_count      INT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_exchange_requests_player ON exchange_requests(player_id);
		CREATE INDEX IF NOT EXISTS idx_exchange_requests_pending
			ON exchange_requests(created_at) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS exchange_fallbacks (
			id         VARCHAR(36) PRIMARY KEY,
			request_id VARCHAR(36) NOT NULL REFERENCES exchange_requests(id),
			player_id  VARCHAR(64) NOT NULL,
			tokens     BIGINT NOT NULL,
			reason     TEXT NOT NULL,
			status     VARCHAR(16) NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_exchange_fallbacks_status ON exchange_fallbacks(status, created_at)
	`)
	return err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO exchange_requests (
			id, player_id, tokens, slippage_percent, target_amount, received_amount,
			tx_reference, status, error_message, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)
	`,
		req.ID, req.PlayerID, req.Tokens, req.SlippagePercent.String(),
		req.TargetAmount.String(), req.ReceivedAmount.String(), req.TxReference,
		string(req.Status), req.ErrorMessage, req.RetryCount, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exchange request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	req, err := scanRequest(p.db.QueryRowContext(ctx, `
		SELECT id, player_id, tokens, slippage_percent, target_amount, received_amount,
			tx_reference, status, error_message, retry_count, created_at, updated_at
		FROM exchange_requests WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange request: %w", err)
	}
	return req, nil
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, player_id, tokens, slippage_percent, target_amount, received_amount,
			tx_reference, status, error_message, retry_count, created_at, updated_at
		FROM exchange_requests WHERE status = 'pending'
		ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectRequests(rows)
}

func (p *PostgresStore) ListByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, player_id, tokens, slippage_percent, target_amount, received_amount,
			tx_reference, status, error_message, retry_count, created_at, updated_at
		FROM exchange_requests WHERE player_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list player requests: %w", err)
	}
	return collectRequests(rows)
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, req *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE exchange_requests SET
			received_amount = $2::NUMERIC,
			tx_reference    = $3,
			status          = $4,
			error_message   = $5,
			retry_count     = $6,
			updated_at      = $7
		WHERE id = $1
	`, req.ID, req.ReceivedAmount.String(), req.TxReference, string(req.Status), req.ErrorMessage, req.RetryCount, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update exchange request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) CreateFallback(ctx context.Context, fb *Fallback) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO exchange_fallbacks (id, request_id, player_id, tokens, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, fb.ID, fb.RequestID, fb.PlayerID, fb.Tokens, fb.Reason, string(fb.Status), fb.CreatedAt, fb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert fallback: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListFallbacks(ctx context.Context, status FallbackStatus, limit int) ([]*Fallback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, player_id, tokens, reason, status, created_at, updated_at
		FROM exchange_fallbacks WHERE status = $1
		ORDER BY created_at LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list fallbacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Fallback
	for rows.Next() {
		fb, err := scanFallback(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fb)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateFallback(ctx context.Context, fb *Fallback) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE exchange_fallbacks SET status = $2, updated_at = $3 WHERE id = $1
	`, fb.ID, string(fb.Status), fb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update fallback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) GetFallback(ctx context.Context, id string) (*Fallback, error) {
	fb, err := scanFallback(p.db.QueryRowContext(ctx, `
		SELECT id, request_id, player_id, tokens, reason, status, created_at, updated_at
		FROM exchange_fallbacks WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fallback: %w", err)
	}
	return fb, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	defer func() { _ = rows.Close() }()
	var result []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanRequest(row scannable) (*Request, error) {
	var r Request
	var status, slippage, target, received string

	err := row.Scan(
		&r.ID, &r.PlayerID, &r.Tokens, &slippage, &target, &received,
		&r.TxReference, &status, &r.ErrorMessage, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	if r.SlippagePercent, err = decimal.NewFromString(slippage); err != nil {
		return nil, fmt.Errorf("malformed slippage: %w", err)
	}
	if r.TargetAmount, err = decimal.NewFromString(target); err != nil {
		return nil, fmt.Errorf("malformed target amount: %w", err)
	}
	if r.ReceivedAmount, err = decimal.NewFromString(received); err != nil {
		return nil, fmt.Errorf("malformed received amount: %w", err)
	}
	return &r, nil
}

func scanFallback(row scannable) (*Fallback, error) {
	var f Fallback
	var status string
	err := row.Scan(&f.ID, &f.RequestID, &f.PlayerID, &f.Tokens, &f.Reason, &status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Status = FallbackStatus(status)
	return &f, nil
}
