package mining

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"drillcore/internal/gamecfg"
)

// Compile-time checks that the Postgres stores implement their interfaces.
var (
	_ LedgerStore  = (*PostgresLedgerStore)(nil)
	_ MachineStore = (*PostgresMachineStore)(nil)
)

// PostgresLedgerStore implements LedgerStore backed by PostgreSQL.
type PostgresLedgerStore struct {
	db *sql.DB
}

// NewPostgresLedgerStore creates a new PostgreSQL-backed ledger store.
func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

// Migrate creates the player_ledgers table if it doesn't exist.
func (p *PostgresLedgerStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS player_ledgers (
			player_id      VARCHAR(64) PRIMARY KEY,
			oil            NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (oil >= 0),
			diamonds       BIGINT NOT NULL DEFAULT 0 CHECK (diamonds >= 0),
			minerals       JSONB NOT NULL DEFAULT '{}',
			daily_diamonds INT NOT NULL DEFAULT 0,
			daily_reset_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			auto_exchange  BOOLEAN NOT NULL DEFAULT FALSE,
			version        BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// GetOrCreate loads a player's ledger, inserting the zero row on first
// access. The insert races safely: ON CONFLICT leaves an existing row alone.
func (p *PostgresLedgerStore) GetOrCreate(ctx context.Context, playerID string) (*Ledger, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO player_ledgers (player_id, daily_reset_at, created_at, updated_at)
		VALUES ($1, $2, $2, $2)
		ON CONFLICT (player_id) DO NOTHING
	`, playerID, now)
	if err != nil {
		return nil, fmt.Errorf("ensure ledger: %w", err)
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT player_id, oil, diamonds, minerals, daily_diamonds,
			daily_reset_at, auto_exchange, version, created_at, updated_at
		FROM player_ledgers WHERE player_id = $1
	`, playerID)

	var ledger Ledger
	var oil string
	var mineralsJSON []byte
	if err := row.Scan(
		&ledger.PlayerID, &oil, &ledger.Diamonds, &mineralsJSON,
		&ledger.DailyDiamonds, &ledger.DailyResetAt, &ledger.AutoExchange,
		&ledger.Version, &ledger.CreatedAt, &ledger.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}

	ledger.Oil, err = decimal.NewFromString(oil)
	if err != nil {
		return nil, fmt.Errorf("malformed oil balance for %s: %w", playerID, err)
	}
	ledger.Minerals = make(map[string]int64)
	if len(mineralsJSON) > 0 {
		if err := json.Unmarshal(mineralsJSON, &ledger.Minerals); err != nil {
			return nil, fmt.Errorf("malformed minerals for %s: %w", playerID, err)
		}
	}
	return &ledger, nil
}

// Update persists a ledger's mutable fields. The version predicate makes
// the write conditional on the row being unchanged since the read; a row
// advanced by another instance matches zero rows and reports a conflict.
func (p *PostgresLedgerStore) Update(ctx context.Context, ledger *Ledger) error {
	mineralsJSON, err := json.Marshal(ledger.Minerals)
	if err != nil {
		return fmt.Errorf("encode minerals: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE player_ledgers SET
			oil            = $2::NUMERIC(20,6),
			diamonds       = $3,
			minerals       = $4,
			daily_diamonds = $5,
			daily_reset_at = $6,
			auto_exchange  = $7,
			updated_at     = $8,
			version        = version + 1
		WHERE player_id = $1 AND version = $9
	`,
		ledger.PlayerID, ledger.Oil.String(), ledger.Diamonds, mineralsJSON,
		ledger.DailyDiamonds, ledger.DailyResetAt, ledger.AutoExchange,
		ledger.UpdatedAt, ledger.Version,
	)
	if err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// GetOrCreate guarantees the row exists, so zero rows means the
		// version moved underneath us.
		return ErrLedgerConflict
	}
	ledger.Version++
	return nil
}

// PostgresMachineStore implements MachineStore backed by PostgreSQL.
type PostgresMachineStore struct {
	db *sql.DB
}

// NewPostgresMachineStore creates a new PostgreSQL-backed machine store.
func NewPostgresMachineStore(db *sql.DB) *PostgresMachineStore {
	return &PostgresMachineStore{db: db}
}

// Migrate creates the machines table if it doesn't exist.
func (p *PostgresMachineStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS machines (
			id                VARCHAR(36) PRIMARY KEY,
			player_id         VARCHAR(64) NOT NULL,
			machine_type      VARCHAR(32) NOT NULL,
			level             INT NOT NULL DEFAULT 1,
			fuel_level        DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (fuel_level >= 0),
			is_active         BOOLEAN NOT NULL DEFAULT FALSE,
			last_processed_at TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_machines_player ON machines(player_id)
	`)
	return err
}

func (p *PostgresMachineStore) Create(ctx context.Context, m *Machine) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO machines (
			id, player_id, machine_type, level, fuel_level, is_active,
			last_processed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		m.ID, m.PlayerID, string(m.Type), m.Level, m.FuelLevel, m.IsActive,
		nullTime(m.LastProcessedAt), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

func (p *PostgresMachineStore) Get(ctx context.Context, id string) (*Machine, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, player_id, machine_type, level, fuel_level, is_active,
			last_processed_at, created_at, updated_at
		FROM machines WHERE id = $1
	`, id)

	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

func (p *PostgresMachineStore) ListByPlayer(ctx context.Context, playerID string) ([]*Machine, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, player_id, machine_type, level, fuel_level, is_active,
			last_processed_at, created_at, updated_at
		FROM machines WHERE player_id = $1
		ORDER BY created_at
	`, playerID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresMachineStore) Update(ctx context.Context, m *Machine) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE machines SET
			level             = $2,
			fuel_level        = $3,
			is_active         = $4,
			last_processed_at = $5,
			updated_at        = $6
		WHERE id = $1
	`, m.ID, m.Level, m.FuelLevel, m.IsActive, nullTime(m.LastProcessedAt), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update machine: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMachineNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanMachine(row scannable) (*Machine, error) {
	var m Machine
	var machineType string
	var lastProcessed sql.NullTime

	err := row.Scan(
		&m.ID, &m.PlayerID, &machineType, &m.Level, &m.FuelLevel, &m.IsActive,
		&lastProcessed, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Type = gamecfg.MachineType(machineType)
	if lastProcessed.Valid {
		t := lastProcessed.Time
		m.LastProcessedAt = &t
	}
	return &m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
