package cashout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed cashout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the cashout tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cashout_rounds (
			id           VARCHAR(36) PRIMARY KEY,
			period_key   VARCHAR(16) NOT NULL,
			status       VARCHAR(16) NOT NULL DEFAULT 'open',
			window_start TIMESTAMPTZ NOT NULL,
			window_end   TIMESTAMPTZ NOT NULL,
			revenue      NUMERIC(20,6) NOT NULL DEFAULT 0,
			payout_pool  NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			closed_at    TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_cashout_rounds_open_period
			ON cashout_rounds(period_key) WHERE status = 'open';

		CREATE TABLE IF NOT EXISTS cashout_requests (
			id         VARCHAR(36) PRIMARY KEY,
			round_id   VARCHAR(36) NOT NULL REFERENCES cashout_rounds(id),
			player_id  VARCHAR(64) NOT NULL,
			tokens     BIGINT NOT NULL CHECK (tokens > 0),
			status     VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_cashout_requests_round ON cashout_requests(round_id);
		CREATE INDEX IF NOT EXISTS idx_cashout_requests_player ON cashout_requests(player_id);

		CREATE TABLE IF NOT EXISTS cashout_payouts (
			round_id      VARCHAR(36) NOT NULL REFERENCES cashout_rounds(id),
			player_id     VARCHAR(64) NOT NULL,
			tokens_burned BIGINT NOT NULL,
			amount        NUMERIC(20,6) NOT NULL DEFAULT 0,
			status        VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (round_id, player_id)
		);

		CREATE TABLE IF NOT EXISTS oil_purchases (
			reference  VARCHAR(128) PRIMARY KEY,
			player_id  VARCHAR(64) NOT NULL,
			amount     NUMERIC(20,6) NOT NULL CHECK (amount > 0),
			paid_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_oil_purchases_paid_at ON oil_purchases(paid_at)
	`)
	return err
}

func (p *PostgresStore) CreateRound(ctx context.Context, round *Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashout_rounds (
			id, period_key, status, window_start, window_end,
			revenue, payout_pool, total_tokens, closed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)
	`,
		round.ID, round.PeriodKey, string(round.Status), round.WindowStart, round.WindowEnd,
		round.Revenue.String(), round.PayoutPool.String(), round.TotalTokens,
		nullTime(round.ClosedAt), round.CreatedAt, round.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRound(ctx context.Context, id string) (*Round, error) {
	round, err := scanRound(p.db.QueryRowContext(ctx, `
		SELECT id, period_key, status, window_start, window_end,
			revenue, payout_pool, total_tokens, closed_at, created_at, updated_at
		FROM cashout_rounds WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	return round, nil
}

func (p *PostgresStore) GetOpenRound(ctx context.Context, periodKey string) (*Round, error) {
	round, err := scanRound(p.db.QueryRowContext(ctx, `
		SELECT id, period_key, status, window_start, window_end,
			revenue, payout_pool, total_tokens, closed_at, created_at, updated_at
		FROM cashout_rounds WHERE period_key = $1 AND status = 'open'
	`, periodKey))
	if err == sql.ErrNoRows {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open round: %w", err)
	}
	return round, nil
}

func (p *PostgresStore) UpdateRound(ctx context.Context, round *Round) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cashout_rounds SET
			status       = $2,
			revenue      = $3::NUMERIC,
			payout_pool  = $4::NUMERIC,
			total_tokens = $5,
			closed_at    = $6,
			updated_at   = $7
		WHERE id = $1
	`,
		round.ID, string(round.Status), round.Revenue.String(), round.PayoutPool.String(),
		round.TotalTokens, nullTime(round.ClosedAt), round.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	return checkAffected(result, ErrRoundNotFound)
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashout_requests (id, round_id, player_id, tokens, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.RoundID, req.PlayerID, req.Tokens, string(req.Status), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListRequests(ctx context.Context, roundID string, statuses ...RequestStatus) ([]*Request, error) {
	query := `
		SELECT id, round_id, player_id, tokens, status, created_at, updated_at
		FROM cashout_requests WHERE round_id = $1`
	args := []interface{}{roundID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
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

func (p *PostgresStore) ListRequestsByPlayer(ctx context.Context, playerID string, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, round_id, player_id, tokens, status, created_at, updated_at
		FROM cashout_requests WHERE player_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list player requests: %w", err)
	}
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

func (p *PostgresStore) UpdateRequest(ctx context.Context, req *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cashout_requests SET status = $2, updated_at = $3 WHERE id = $1
	`, req.ID, string(req.Status), req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return checkAffected(result, ErrRequestNotFound)
}

func (p *PostgresStore) UpsertPayout(ctx context.Context, payout *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cashout_payouts (round_id, player_id, tokens_burned, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		ON CONFLICT (round_id, player_id) DO UPDATE SET
			tokens_burned = EXCLUDED.tokens_burned,
			amount        = EXCLUDED.amount,
			status        = EXCLUDED.status,
			updated_at    = EXCLUDED.updated_at
	`,
		payout.RoundID, payout.PlayerID, payout.TokensBurned, payout.Amount.String(),
		string(payout.Status), payout.CreatedAt, payout.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPayouts(ctx context.Context, roundID string) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT round_id, player_id, tokens_burned, amount, status, created_at, updated_at
		FROM cashout_payouts WHERE round_id = $1
		ORDER BY created_at, player_id
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, payout)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetPayout(ctx context.Context, roundID, playerID string) (*Payout, error) {
	payout, err := scanPayout(p.db.QueryRowContext(ctx, `
		SELECT round_id, player_id, tokens_burned, amount, status, created_at, updated_at
		FROM cashout_payouts WHERE round_id = $1 AND player_id = $2
	`, roundID, playerID))
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return payout, nil
}

func (p *PostgresStore) RecordPurchase(ctx context.Context, purchase *Purchase) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO oil_purchases (reference, player_id, amount, paid_at)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (reference) DO NOTHING
	`, purchase.Reference, purchase.PlayerID, purchase.Amount.String(), purchase.PaidAt)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicatePurchase
	}
	return nil
}

func (p *PostgresStore) HasPurchase(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM oil_purchases WHERE reference = $1)`, reference,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) SumPurchases(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM oil_purchases
		WHERE paid_at >= $1 AND paid_at < $2
	`, from, to).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum purchases: %w", err)
	}
	total, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed revenue sum: %w", err)
	}
	return total, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRound(row scannable) (*Round, error) {
	var r Round
	var status, revenue, pool string
	var closedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.PeriodKey, &status, &r.WindowStart, &r.WindowEnd,
		&revenue, &pool, &r.TotalTokens, &closedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = RoundStatus(status)
	if r.Revenue, err = decimal.NewFromString(revenue); err != nil {
		return nil, fmt.Errorf("malformed revenue: %w", err)
	}
	if r.PayoutPool, err = decimal.NewFromString(pool); err != nil {
		return nil, fmt.Errorf("malformed pool: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	return &r, nil
}

func scanRequest(row scannable) (*Request, error) {
	var req Request
	var status string
	err := row.Scan(&req.ID, &req.RoundID, &req.PlayerID, &req.Tokens, &status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Status = RequestStatus(status)
	return &req, nil
}

func scanPayout(row scannable) (*Payout, error) {
	var p Payout
	var status, amount string
	err := row.Scan(&p.RoundID, &p.PlayerID, &p.TokensBurned, &amount, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PayoutStatus(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("malformed payout amount: %w", err)
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func checkAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
