package readmodel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// schemaLockKey serializes view schema creation across instances.
const schemaLockKey int64 = 824003

// PostgresStore keeps the account balance view in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createViewTables = `
CREATE TABLE IF NOT EXISTS account_balance (
	account_id            UUID PRIMARY KEY,
	holder_name           TEXT NOT NULL,
	status                TEXT NOT NULL,
	balance_amount        NUMERIC(18,2) NOT NULL,
	balance_currency      TEXT NOT NULL,
	overdraft_limit       NUMERIC(18,2) NOT NULL,
	available_to_withdraw NUMERIC(18,2) NOT NULL,
	version               BIGINT NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_account_balance_status
	ON account_balance (status);
CREATE INDEX IF NOT EXISTS idx_account_balance_currency
	ON account_balance (balance_currency);
CREATE TABLE IF NOT EXISTS projector_checkpoints (
	projector_name TEXT PRIMARY KEY,
	position       BIGINT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate creates the view tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("failed to acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createViewTables); err != nil {
		return fmt.Errorf("failed to create view tables: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema migration: %w", err)
	}
	return nil
}

const accountBalanceColumns = `account_id, holder_name, status, balance_amount,
	balance_currency, overdraft_limit, available_to_withdraw, version, updated_at`

// Get returns one account row.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*AccountBalance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountBalanceColumns+` FROM account_balance WHERE account_id = $1`, id)

	ab, err := scanAccountBalance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %s: %w", id, err)
	}
	return ab, nil
}

// List returns rows matching the filter, ordered by a whitelisted column.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*AccountBalance, error) {
	sortCol := "updated_at"
	if filter.SortBy != "" {
		col, ok := SortColumns[filter.SortBy]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSortColumn, filter.SortBy)
		}
		sortCol = col
	}
	order := "DESC"
	if strings.EqualFold(filter.Order, "asc") {
		order = "ASC"
	}

	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		conds = append(conds, fmt.Sprintf("balance_currency = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	// sortCol comes from the whitelist and order is a fixed literal, so
	// the interpolation cannot carry user input.
	query := fmt.Sprintf(`SELECT %s FROM account_balance%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		accountBalanceColumns, where, sortCol, order, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AccountBalance
	for rows.Next() {
		ab, err := scanAccountBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		out = append(out, ab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account rows: %w", err)
	}
	return out, nil
}

// Overdrawn returns negative-balance accounts, worst overdraft usage first.
func (s *PostgresStore) Overdrawn(ctx context.Context, limit int) ([]*OverdrawnAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, holder_name, balance_amount, balance_currency, overdraft_limit,
		       CASE WHEN overdraft_limit = 0 THEN 100
		            ELSE ROUND(ABS(balance_amount) / overdraft_limit * 100, 2)
		       END AS overdraft_usage_percent
		FROM account_balance
		WHERE balance_amount < 0
		ORDER BY overdraft_usage_percent DESC
		LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdrawn accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OverdrawnAccount
	for rows.Next() {
		var oa OverdrawnAccount
		if err := rows.Scan(&oa.AccountID, &oa.HolderName, &oa.BalanceAmount,
			&oa.BalanceCurrency, &oa.OverdraftLimit, &oa.OverdraftUsagePercent); err != nil {
			return nil, fmt.Errorf("failed to scan overdrawn row: %w", err)
		}
		out = append(out, &oa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read overdrawn rows: %w", err)
	}
	return out, nil
}

// Summary returns counts per status and balance totals per currency.
func (s *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{ByStatus: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM account_balance GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		summary.ByStatus[status] = count
		summary.TotalAccounts += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}

	curRows, err := s.db.QueryContext(ctx, `
		SELECT balance_currency, COUNT(*), COALESCE(SUM(balance_amount), 0)
		FROM account_balance
		GROUP BY balance_currency
		ORDER BY balance_currency`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances by currency: %w", err)
	}
	defer func() { _ = curRows.Close() }()
	for curRows.Next() {
		var ct CurrencyTotal
		if err := curRows.Scan(&ct.Currency, &ct.Accounts, &ct.TotalBalance); err != nil {
			return nil, fmt.Errorf("failed to scan currency total: %w", err)
		}
		summary.ByCurrency = append(summary.ByCurrency, ct)
	}
	if err := curRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read currency totals: %w", err)
	}

	return summary, nil
}

// Checkpoint returns the projector's position, creating it at 0 first.
func (s *PostgresStore) Checkpoint(ctx context.Context, projectorName string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projector_checkpoints (projector_name, position)
		VALUES ($1, 0)
		ON CONFLICT (projector_name) DO NOTHING`,
		projectorName,
	); err != nil {
		return 0, fmt.Errorf("failed to init checkpoint %q: %w", projectorName, err)
	}

	var position int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT position FROM projector_checkpoints WHERE projector_name = $1`,
		projectorName,
	).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to read checkpoint %q: %w", projectorName, err)
	}
	return position, nil
}

// SaveCheckpoint records the last projected global position.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, projectorName string, position int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projector_checkpoints (projector_name, position)
		VALUES ($1, $2)
		ON CONFLICT (projector_name) DO UPDATE
		SET position = EXCLUDED.position, updated_at = now()`,
		projectorName, position,
	); err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", projectorName, err)
	}
	return nil
}

// BeginProjection opens the transaction for one projection batch.
func (s *PostgresStore) BeginProjection(ctx context.Context) (ProjectionTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin projection: %w", err)
	}
	return &postgresProjectionTx{tx: tx}, nil
}

type postgresProjectionTx struct {
	tx *sql.Tx
}

var _ ProjectionTx = (*postgresProjectionTx)(nil)

func (p *postgresProjectionTx) UpsertOpened(ctx context.Context, row *AccountBalance) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO account_balance
			(account_id, holder_name, status, balance_amount, balance_currency,
			 overdraft_limit, available_to_withdraw, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (account_id) DO UPDATE SET
			holder_name           = EXCLUDED.holder_name,
			status                = EXCLUDED.status,
			balance_amount        = EXCLUDED.balance_amount,
			balance_currency      = EXCLUDED.balance_currency,
			overdraft_limit       = EXCLUDED.overdraft_limit,
			available_to_withdraw = EXCLUDED.available_to_withdraw,
			version               = EXCLUDED.version,
			updated_at            = now()
		WHERE account_balance.version < EXCLUDED.version`,
		row.AccountID, row.HolderName, row.Status, row.BalanceAmount,
		row.BalanceCurrency, row.OverdraftLimit, row.AvailableToWithdraw, row.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", row.AccountID, err)
	}
	return nil
}

func (p *postgresProjectionTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal, version int64) error {
	// balance_amount on the right-hand side is the pre-update value in
	// both assignments, so available_to_withdraw gets the new balance.
	_, err := p.tx.ExecContext(ctx, `
		UPDATE account_balance SET
			balance_amount        = balance_amount + $2,
			available_to_withdraw = balance_amount + $2 + overdraft_limit,
			version               = $3,
			updated_at            = now()
		WHERE account_id = $1 AND version < $3`,
		id, delta, version,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust balance of %s: %w", id, err)
	}
	return nil
}

func (p *postgresProjectionTx) SetStatus(ctx context.Context, id uuid.UUID, status string, version int64) error {
	_, err := p.tx.ExecContext(ctx, `
		UPDATE account_balance SET
			status     = $2,
			version    = $3,
			updated_at = now()
		WHERE account_id = $1 AND version < $3`,
		id, status, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	return nil
}

func (p *postgresProjectionTx) SetOverdraftLimit(ctx context.Context, id uuid.UUID, limit decimal.Decimal, version int64) error {
	_, err := p.tx.ExecContext(ctx, `
		UPDATE account_balance SET
			overdraft_limit       = $2,
			available_to_withdraw = balance_amount + $2,
			version               = $3,
			updated_at            = now()
		WHERE account_id = $1 AND version < $3`,
		id, limit, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set overdraft limit of %s: %w", id, err)
	}
	return nil
}

func (p *postgresProjectionTx) SetHolderName(ctx context.Context, id uuid.UUID, name string, version int64) error {
	_, err := p.tx.ExecContext(ctx, `
		UPDATE account_balance SET
			holder_name = $2,
			version     = $3,
			updated_at  = now()
		WHERE account_id = $1 AND version < $3`,
		id, name, version,
	)
	if err != nil {
		return fmt.Errorf("failed to set holder name of %s: %w", id, err)
	}
	return nil
}

func (p *postgresProjectionTx) Commit() error {
	if err := p.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit projection: %w", err)
	}
	return nil
}

func (p *postgresProjectionTx) Rollback() error {
	return p.tx.Rollback()
}

// scanAccountBalance reads one row from either a *sql.Row or *sql.Rows.
func scanAccountBalance(row interface{ Scan(...any) error }) (*AccountBalance, error) {
	var ab AccountBalance
	if err := row.Scan(
		&ab.AccountID, &ab.HolderName, &ab.Status, &ab.BalanceAmount,
		&ab.BalanceCurrency, &ab.OverdraftLimit, &ab.AvailableToWithdraw,
		&ab.Version, &ab.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ab, nil
}
