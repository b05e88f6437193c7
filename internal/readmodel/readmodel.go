// Package readmodel maintains and queries the account balance view.
//
// The view is derived state: a projector folds the event feed into one row
// per account, and every write is guarded by the event version it came
// from. Replaying an already-applied event is a silent no-op, which is what
// makes at-least-once delivery safe. Queries read the view only and never
// touch event streams.
package readmodel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an account has no row in the view,
	// either because it does not exist or because its opening event has
	// not been projected yet.
	ErrNotFound = errors.New("account not found in read model")

	// ErrInvalidSortColumn rejects sort keys outside the whitelist.
	ErrInvalidSortColumn = errors.New("invalid sort column")
)

// SortColumns is the whitelist of sortable view columns. Only values from
// this map may be interpolated into ORDER BY clauses.
var SortColumns = map[string]string{
	"updated_at":            "updated_at",
	"balance_amount":        "balance_amount",
	"available_to_withdraw": "available_to_withdraw",
	"overdraft_limit":       "overdraft_limit",
	"holder_name":           "holder_name",
	"status":                "status",
}

const (
	// DefaultListLimit applies when a list query does not set a limit.
	DefaultListLimit = 50
	// MaxListLimit caps any list query.
	MaxListLimit = 200
)

// AccountBalance is one row of the view: the current state of an account
// as of the last projected event.
type AccountBalance struct {
	AccountID           uuid.UUID       `json:"accountId"`
	HolderName          string          `json:"holderName"`
	Status              string          `json:"status"`
	BalanceAmount       decimal.Decimal `json:"balanceAmount"`
	BalanceCurrency     string          `json:"balanceCurrency"`
	OverdraftLimit      decimal.Decimal `json:"overdraftLimit"`
	AvailableToWithdraw decimal.Decimal `json:"availableToWithdraw"`
	Version             int64           `json:"version"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// OverdrawnAccount is a negative-balance account ranked by how much of its
// overdraft headroom is used.
type OverdrawnAccount struct {
	AccountID       uuid.UUID       `json:"accountId"`
	HolderName      string          `json:"holderName"`
	BalanceAmount   decimal.Decimal `json:"balanceAmount"`
	BalanceCurrency string          `json:"balanceCurrency"`
	OverdraftLimit  decimal.Decimal `json:"overdraftLimit"`
	// OverdraftUsagePercent is |balance| / overdraft_limit * 100 rounded
	// to two decimals, or 100 when the limit is zero.
	OverdraftUsagePercent decimal.Decimal `json:"overdraftUsagePercent"`
}

// CurrencyTotal aggregates balances of one currency.
type CurrencyTotal struct {
	Currency     string          `json:"currency"`
	Accounts     int64           `json:"accounts"`
	TotalBalance decimal.Decimal `json:"totalBalance"`
}

// Summary is the fleet-wide roll-up of the view.
type Summary struct {
	TotalAccounts int64            `json:"totalAccounts"`
	ByStatus      map[string]int64 `json:"byStatus"`
	ByCurrency    []CurrencyTotal  `json:"byCurrency"`
}

// ListFilter narrows and orders a List query. Zero values mean "no
// filter"; an empty SortBy sorts by updated_at descending.
type ListFilter struct {
	Status   string
	Currency string
	SortBy   string
	Order    string // "asc" or "desc"
	Limit    int
	Offset   int
}

// Store reads and updates the account balance view.
type Store interface {
	// Get returns one account row, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*AccountBalance, error)

	// List returns rows matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*AccountBalance, error)

	// Overdrawn returns negative-balance accounts ordered by overdraft
	// usage, worst first.
	Overdrawn(ctx context.Context, limit int) ([]*OverdrawnAccount, error)

	// Summary returns counts per status and totals per currency.
	Summary(ctx context.Context) (*Summary, error)

	// Checkpoint returns the named projector's position, creating the
	// checkpoint at 0 on first use.
	Checkpoint(ctx context.Context, projectorName string) (int64, error)

	// SaveCheckpoint records the last projected global position.
	SaveCheckpoint(ctx context.Context, projectorName string, position int64) error

	// BeginProjection opens a transaction for one projection batch.
	BeginProjection(ctx context.Context) (ProjectionTx, error)
}

// ProjectionTx applies view updates for one batch of events atomically.
// Every method is version-guarded: when the stored row is already at or
// past the event's version the update is a silent no-op.
type ProjectionTx interface {
	// UpsertOpened inserts the row for a newly opened account, or
	// refreshes it when the stored row is older.
	UpsertOpened(ctx context.Context, row *AccountBalance) error

	// AdjustBalance adds delta to the balance and recomputes the
	// available amount.
	AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal, version int64) error

	// SetStatus replaces the lifecycle status.
	SetStatus(ctx context.Context, id uuid.UUID, status string, version int64) error

	// SetOverdraftLimit replaces the limit and recomputes the available
	// amount.
	SetOverdraftLimit(ctx context.Context, id uuid.UUID, limit decimal.Decimal, version int64) error

	// SetHolderName replaces the holder name.
	SetHolderName(ctx context.Context, id uuid.UUID, name string, version int64) error

	Commit() error
	Rollback() error
}

// clampLimit normalizes a requested page size.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// overdraftUsage computes |balance| / limit * 100 rounded to two decimals.
// A zero limit means any negative balance fully uses it.
func overdraftUsage(balance, limit decimal.Decimal) decimal.Decimal {
	if limit.IsZero() {
		return decimal.NewFromInt(100)
	}
	return balance.Abs().Div(limit).Mul(decimal.NewFromInt(100)).Round(2)
}
