package readmodel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and demo mode. It mirrors the
// Postgres store's semantics, including the per-row version guards.
type MemoryStore struct {
	mu          sync.RWMutex
	rows        map[uuid.UUID]*AccountBalance
	checkpoints map[string]int64
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory view.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:        make(map[uuid.UUID]*AccountBalance),
		checkpoints: make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get returns one account row.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*AccountBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *row
	return &out, nil
}

// List returns rows matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*AccountBalance, error) {
	sortCol := "updated_at"
	if filter.SortBy != "" {
		col, ok := SortColumns[filter.SortBy]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSortColumn, filter.SortBy)
		}
		sortCol = col
	}

	s.mu.RLock()
	matched := make([]*AccountBalance, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Currency != "" && row.BalanceCurrency != filter.Currency {
			continue
		}
		out := *row
		matched = append(matched, &out)
	}
	s.mu.RUnlock()

	less := lessBy(sortCol)
	if !isAsc(filter.Order) {
		inner := less
		less = func(a, b *AccountBalance) bool { return inner(b, a) }
	}
	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + clampLimit(filter.Limit)
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Overdrawn returns negative-balance accounts, worst usage first.
func (s *MemoryStore) Overdrawn(ctx context.Context, limit int) ([]*OverdrawnAccount, error) {
	s.mu.RLock()
	var out []*OverdrawnAccount
	for _, row := range s.rows {
		if !row.BalanceAmount.IsNegative() {
			continue
		}
		out = append(out, &OverdrawnAccount{
			AccountID:             row.AccountID,
			HolderName:            row.HolderName,
			BalanceAmount:         row.BalanceAmount,
			BalanceCurrency:       row.BalanceCurrency,
			OverdraftLimit:        row.OverdraftLimit,
			OverdraftUsagePercent: overdraftUsage(row.BalanceAmount, row.OverdraftLimit),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OverdraftUsagePercent.GreaterThan(out[j].OverdraftUsagePercent)
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Summary returns counts per status and totals per currency.
func (s *MemoryStore) Summary(ctx context.Context) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{ByStatus: make(map[string]int64)}
	totals := make(map[string]*CurrencyTotal)
	for _, row := range s.rows {
		summary.TotalAccounts++
		summary.ByStatus[row.Status]++

		ct, ok := totals[row.BalanceCurrency]
		if !ok {
			ct = &CurrencyTotal{Currency: row.BalanceCurrency, TotalBalance: decimal.Zero}
			totals[row.BalanceCurrency] = ct
		}
		ct.Accounts++
		ct.TotalBalance = ct.TotalBalance.Add(row.BalanceAmount)
	}

	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		summary.ByCurrency = append(summary.ByCurrency, *totals[c])
	}
	return summary, nil
}

// Checkpoint returns the projector's position, creating it at 0 first.
func (s *MemoryStore) Checkpoint(ctx context.Context, projectorName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.checkpoints[projectorName]; !ok {
		s.checkpoints[projectorName] = 0
	}
	return s.checkpoints[projectorName], nil
}

// SaveCheckpoint records the last projected global position.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, projectorName string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[projectorName] = position
	return nil
}

// BeginProjection opens a staged batch that becomes visible on Commit.
func (s *MemoryStore) BeginProjection(ctx context.Context) (ProjectionTx, error) {
	return &memoryProjectionTx{
		store:  s,
		staged: make(map[uuid.UUID]*AccountBalance),
	}, nil
}

type memoryProjectionTx struct {
	store  *MemoryStore
	staged map[uuid.UUID]*AccountBalance
	done   bool
}

var _ ProjectionTx = (*memoryProjectionTx)(nil)

// row returns the working copy of an account row, staging one from the
// store on first touch. Returns nil when the row does not exist anywhere.
func (m *memoryProjectionTx) row(id uuid.UUID) *AccountBalance {
	if row, ok := m.staged[id]; ok {
		return row
	}
	m.store.mu.RLock()
	row, ok := m.store.rows[id]
	m.store.mu.RUnlock()
	if !ok {
		return nil
	}
	copied := *row
	m.staged[id] = &copied
	return &copied
}

func (m *memoryProjectionTx) UpsertOpened(ctx context.Context, row *AccountBalance) error {
	if existing := m.row(row.AccountID); existing != nil && existing.Version >= row.Version {
		return nil
	}
	copied := *row
	copied.UpdatedAt = m.store.now()
	m.staged[row.AccountID] = &copied
	return nil
}

func (m *memoryProjectionTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal, version int64) error {
	row := m.row(id)
	if row == nil || row.Version >= version {
		return nil
	}
	row.BalanceAmount = row.BalanceAmount.Add(delta)
	row.AvailableToWithdraw = row.BalanceAmount.Add(row.OverdraftLimit)
	row.Version = version
	row.UpdatedAt = m.store.now()
	return nil
}

func (m *memoryProjectionTx) SetStatus(ctx context.Context, id uuid.UUID, status string, version int64) error {
	row := m.row(id)
	if row == nil || row.Version >= version {
		return nil
	}
	row.Status = status
	row.Version = version
	row.UpdatedAt = m.store.now()
	return nil
}

func (m *memoryProjectionTx) SetOverdraftLimit(ctx context.Context, id uuid.UUID, limit decimal.Decimal, version int64) error {
	row := m.row(id)
	if row == nil || row.Version >= version {
		return nil
	}
	row.OverdraftLimit = limit
	row.AvailableToWithdraw = row.BalanceAmount.Add(limit)
	row.Version = version
	row.UpdatedAt = m.store.now()
	return nil
}

func (m *memoryProjectionTx) SetHolderName(ctx context.Context, id uuid.UUID, name string, version int64) error {
	row := m.row(id)
	if row == nil || row.Version >= version {
		return nil
	}
	row.HolderName = name
	row.Version = version
	row.UpdatedAt = m.store.now()
	return nil
}

func (m *memoryProjectionTx) Commit() error {
	if m.done {
		return nil
	}
	m.done = true

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for id, row := range m.staged {
		m.store.rows[id] = row
	}
	return nil
}

func (m *memoryProjectionTx) Rollback() error {
	m.done = true
	m.staged = nil
	return nil
}

func isAsc(order string) bool {
	return order == "asc" || order == "ASC"
}

func lessBy(column string) func(a, b *AccountBalance) bool {
	switch column {
	case "balance_amount":
		return func(a, b *AccountBalance) bool { return a.BalanceAmount.LessThan(b.BalanceAmount) }
	case "available_to_withdraw":
		return func(a, b *AccountBalance) bool { return a.AvailableToWithdraw.LessThan(b.AvailableToWithdraw) }
	case "overdraft_limit":
		return func(a, b *AccountBalance) bool { return a.OverdraftLimit.LessThan(b.OverdraftLimit) }
	case "holder_name":
		return func(a, b *AccountBalance) bool { return a.HolderName < b.HolderName }
	case "status":
		return func(a, b *AccountBalance) bool { return a.Status < b.Status }
	default:
		return func(a, b *AccountBalance) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	}
}
