package bank

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
	"github.com/mbd888/corebank/internal/readmodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*Service, *eventstore.MemoryStore, *readmodel.MemoryStore) {
	events := eventstore.NewMemoryStore(account.Codec{})
	view := readmodel.NewMemoryStore()
	svc := NewService(events, view, testLogger()).WithConflictRetry(3, time.Millisecond)
	return svc, events, view
}

func usd(t *testing.T, amount string) money.Money {
	t.Helper()
	m, err := money.FromString(amount, "USD")
	if err != nil {
		t.Fatalf("FromString(%q): %v", amount, err)
	}
	return m
}

func openTestAccount(t *testing.T, svc *Service, balance, overdraft string) uuid.UUID {
	t.Helper()
	result, err := svc.OpenAccount(context.Background(), OpenAccountParams{
		HolderName:     "Alice",
		OverdraftLimit: decimal.RequireFromString(overdraft),
		InitialBalance: usd(t, balance),
	})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return result.AccountID
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestService_OpenAccount(t *testing.T) {
	svc, events, _ := newTestService()

	result, err := svc.OpenAccount(context.Background(), OpenAccountParams{
		HolderName:     "Alice",
		OverdraftLimit: decimal.RequireFromString("500.00"),
		InitialBalance: usd(t, "1000.00"),
	})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if result.AccountID == uuid.Nil {
		t.Error("Expected a non-nil account id")
	}
	if result.Version != 0 {
		t.Errorf("Expected version 0 after open, got %d", result.Version)
	}

	history, err := events.Load(context.Background(), result.AccountID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 stored event, got %d", len(history))
	}
	if history[0].EventType != account.TypeBankAccountOpened {
		t.Errorf("Expected %s, got %s", account.TypeBankAccountOpened, history[0].EventType)
	}
}

func TestService_OpenAccount_RejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name   string
		params OpenAccountParams
	}{
		{"empty holder", OpenAccountParams{HolderName: "  ", InitialBalance: usd(t, "10.00")}},
		{"negative overdraft", OpenAccountParams{
			HolderName:     "Alice",
			OverdraftLimit: decimal.RequireFromString("-1"),
			InitialBalance: usd(t, "10.00"),
		}},
		{"negative initial balance", OpenAccountParams{
			HolderName:     "Alice",
			InitialBalance: money.New(decimal.RequireFromString("-10.00"), "USD"),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.OpenAccount(ctx, tc.params); !errors.Is(err, account.ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Money movement
// ---------------------------------------------------------------------------

func TestService_DepositWithdrawSequence(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := openTestAccount(t, svc, "1000.00", "500.00")

	dep, err := svc.Deposit(ctx, id, usd(t, "200.00"))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if dep.Version != 1 {
		t.Errorf("Expected version 1 after deposit, got %d", dep.Version)
	}

	wd, err := svc.Withdraw(ctx, id, usd(t, "250.00"))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if wd.Version != 2 {
		t.Errorf("Expected version 2 after withdrawal, got %d", wd.Version)
	}

	events, err := svc.AccountEvents(ctx, id)
	if err != nil {
		t.Fatalf("AccountEvents: %v", err)
	}
	types := []string{}
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{account.TypeBankAccountOpened, account.TypeMoneyDeposited, account.TypeMoneyWithdrawn}
	if len(types) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(types))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestService_Withdraw_InsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService()
	id := openTestAccount(t, svc, "1000.00", "500.00")

	_, err := svc.Withdraw(context.Background(), id, usd(t, "1500.01"))
	if !errors.Is(err, account.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestService_Deposit_CurrencyMismatch(t *testing.T) {
	svc, _, _ := newTestService()
	id := openTestAccount(t, svc, "1000.00", "0")

	eur, err := money.FromString("50.00", "EUR")
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if _, err := svc.Deposit(context.Background(), id, eur); !errors.Is(err, money.ErrCurrencyMismatch) {
		t.Errorf("Expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestService_Command_AccountNotFound(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.Deposit(context.Background(), uuid.New(), usd(t, "10.00"))
	if !errors.Is(err, account.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestService_ApplyFee_MayExceedOverdraftLimit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := openTestAccount(t, svc, "10.00", "0")

	result, err := svc.ApplyFee(ctx, id, usd(t, "25.00"), "wire transfer fee")
	if err != nil {
		t.Fatalf("ApplyFee: %v", err)
	}
	if result.Version != 1 {
		t.Errorf("Expected version 1, got %d", result.Version)
	}

	// A plain withdrawal from the now negative account must still be blocked.
	if _, err := svc.Withdraw(ctx, id, usd(t, "1.00")); !errors.Is(err, account.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestService_FreezeBlocksWithdrawals(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := openTestAccount(t, svc, "1000.00", "0")

	if _, err := svc.Freeze(ctx, id); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if _, err := svc.Withdraw(ctx, id, usd(t, "10.00")); !errors.Is(err, account.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on frozen withdrawal, got %v", err)
	}
	// Deposits keep working while frozen.
	if _, err := svc.Deposit(ctx, id, usd(t, "10.00")); err != nil {
		t.Errorf("Deposit on frozen account: %v", err)
	}
	if _, err := svc.Unfreeze(ctx, id); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if _, err := svc.Withdraw(ctx, id, usd(t, "10.00")); err != nil {
		t.Errorf("Withdraw after unfreeze: %v", err)
	}
}

func TestService_CloseRequiresZeroBalance(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	id := openTestAccount(t, svc, "100.00", "0")
	if _, err := svc.Close(ctx, id); !errors.Is(err, account.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState closing a funded account, got %v", err)
	}

	if _, err := svc.Withdraw(ctx, id, usd(t, "100.00")); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	result, err := svc.Close(ctx, id)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if result.Version != 2 {
		t.Errorf("Expected version 2 after close, got %d", result.Version)
	}
}

func TestService_ChangeHolderName_SameNameIsNoOp(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := openTestAccount(t, svc, "10.00", "0")

	result, err := svc.ChangeHolderName(ctx, id, "Alice")
	if err != nil {
		t.Fatalf("ChangeHolderName: %v", err)
	}
	if result.Version != 0 {
		t.Errorf("Expected version to stay 0, got %d", result.Version)
	}

	events, _ := svc.AccountEvents(ctx, id)
	if len(events) != 1 {
		t.Errorf("Expected no new events, got %d total", len(events))
	}
}

// ---------------------------------------------------------------------------
// Conflict retry
// ---------------------------------------------------------------------------

// conflictingStore fails the first n Appends with a concurrency conflict,
// then delegates.
type conflictingStore struct {
	eventstore.Store
	mu        sync.Mutex
	remaining int
}

func (s *conflictingStore) Append(ctx context.Context, streamID uuid.UUID, expectedVersion int64, events []eventstore.PendingEvent) error {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return &eventstore.ConflictError{
			StreamID:        streamID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   expectedVersion + 1,
		}
	}
	s.mu.Unlock()
	return s.Store.Append(ctx, streamID, expectedVersion, events)
}

func TestService_RetriesLostRace(t *testing.T) {
	inner := eventstore.NewMemoryStore(account.Codec{})
	store := &conflictingStore{Store: inner}
	svc := NewService(store, readmodel.NewMemoryStore(), testLogger()).
		WithConflictRetry(3, time.Millisecond)
	ctx := context.Background()

	result, err := svc.OpenAccount(ctx, OpenAccountParams{
		HolderName:     "Alice",
		InitialBalance: usd(t, "100.00"),
	})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	store.mu.Lock()
	store.remaining = 1
	store.mu.Unlock()

	dep, err := svc.Deposit(ctx, result.AccountID, usd(t, "50.00"))
	if err != nil {
		t.Fatalf("Expected deposit to succeed after retry, got %v", err)
	}
	if dep.Version != 1 {
		t.Errorf("Expected version 1, got %d", dep.Version)
	}
}

func TestService_GivesUpAfterRetriesExhausted(t *testing.T) {
	inner := eventstore.NewMemoryStore(account.Codec{})
	store := &conflictingStore{Store: inner}
	svc := NewService(store, readmodel.NewMemoryStore(), testLogger()).
		WithConflictRetry(2, time.Millisecond)
	ctx := context.Background()

	result, err := svc.OpenAccount(ctx, OpenAccountParams{
		HolderName:     "Alice",
		InitialBalance: usd(t, "100.00"),
	})
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}

	store.mu.Lock()
	store.remaining = 10
	store.mu.Unlock()

	_, err = svc.Deposit(ctx, result.AccountID, usd(t, "50.00"))
	if !eventstore.IsConcurrencyConflict(err) {
		t.Errorf("Expected a concurrency conflict, got %v", err)
	}
}

func TestService_DoesNotRetryDomainRejections(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := openTestAccount(t, svc, "10.00", "0")

	start := time.Now()
	_, err := svc.Withdraw(ctx, id, usd(t, "100.00"))
	if !errors.Is(err, account.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	// A rejection must fail fast, not burn through backoff sleeps.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Rejection took %v, suggesting it was retried", elapsed)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func seedViewRow(t *testing.T, view *readmodel.MemoryStore, row readmodel.AccountBalance) {
	t.Helper()
	ctx := context.Background()
	tx, err := view.BeginProjection(ctx)
	if err != nil {
		t.Fatalf("BeginProjection: %v", err)
	}
	if err := tx.UpsertOpened(ctx, &row); err != nil {
		t.Fatalf("UpsertOpened: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestService_QueriesServeProjectedRows(t *testing.T) {
	svc, _, view := newTestService()
	ctx := context.Background()

	id := uuid.New()
	seedViewRow(t, view, readmodel.AccountBalance{
		AccountID:           id,
		HolderName:          "Alice",
		Status:              "Open",
		BalanceAmount:       decimal.RequireFromString("950.00"),
		BalanceCurrency:     "USD",
		OverdraftLimit:      decimal.RequireFromString("500.00"),
		AvailableToWithdraw: decimal.RequireFromString("1450.00"),
		Version:             2,
		UpdatedAt:           time.Now().UTC(),
	})

	row, err := svc.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if row.HolderName != "Alice" || row.Version != 2 {
		t.Errorf("Unexpected row: %+v", row)
	}

	rows, err := svc.ListAccounts(ctx, readmodel.ListFilter{Status: "Open"})
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Expected 1 row, got %d", len(rows))
	}

	summary, err := svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalAccounts != 1 {
		t.Errorf("Expected 1 account in summary, got %d", summary.TotalAccounts)
	}
}

func TestService_GetAccount_NotFound(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.GetAccount(context.Background(), uuid.New())
	if !errors.Is(err, readmodel.ErrNotFound) {
		t.Errorf("Expected readmodel.ErrNotFound, got %v", err)
	}
}

func TestService_AccountEvents_NotFound(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.AccountEvents(context.Background(), uuid.New())
	if !errors.Is(err, account.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
