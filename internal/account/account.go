// Package account implements the bank account aggregate and its event
// model.
//
// An account is never stored as a row. Its state is the fold of its event
// stream: command methods validate against the folded state and raise new
// events, and the Repository persists raised events with optimistic
// locking. Versions are 0-based per event, so a freshly opened account is
// at version 0 and an unopened one at -1.
//
// Lifecycle:
//
//	New -> Open <-> Frozen
//	        |
//	        v
//	      Closed (terminal)
//
// Frozen accounts still accept deposits and fees; withdrawals, limit
// changes, and closing are blocked until unfrozen.
package account

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
)

var (
	// ErrNotFound is returned when an account stream has no events.
	ErrNotFound = errors.New("account not found")

	// ErrInvalidArgument rejects malformed command input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState rejects commands the current lifecycle state does
	// not allow, including insufficient funds on withdrawal.
	ErrInvalidState = errors.New("invalid account state")

	// ErrCorruptHistory is returned when a stream replays out of order or
	// contains events that do not apply. It is not retryable.
	ErrCorruptHistory = errors.New("corrupt account history")
)

// IsDomainError reports whether err is a command rejection rather than an
// infrastructure failure: bad input, a disallowed lifecycle transition, a
// currency mismatch, or a missing account.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, money.ErrCurrencyMismatch)
}

// Status is the lifecycle state of an account.
type Status string

const (
	StatusNew    Status = "New"
	StatusOpen   Status = "Open"
	StatusFrozen Status = "Frozen"
	StatusClosed Status = "Closed"
)

// Account is the bank account aggregate. It is not safe for concurrent use;
// load a fresh instance per command and let the store's version guard
// arbitrate racing writers.
type Account struct {
	id             uuid.UUID
	holderName     string
	status         Status
	balance        money.Money
	overdraftLimit decimal.Decimal
	version        int64
	pending        []eventstore.PendingEvent
	clock          func() time.Time
}

// Option configures an Account constructor.
type Option func(*Account)

// WithClock overrides the source of event timestamps. Tests use it to pin
// OccurredOn.
func WithClock(clock func() time.Time) Option {
	return func(a *Account) { a.clock = clock }
}

func newAccount(opts ...Option) *Account {
	a := &Account{
		status:  StatusNew,
		version: -1,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open creates a new account whose first event is BankAccountOpened.
func Open(id uuid.UUID, holderName string, overdraftLimit decimal.Decimal, initialBalance money.Money, opts ...Option) (*Account, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: account id must not be nil", ErrInvalidArgument)
	}
	holderName = strings.TrimSpace(holderName)
	if holderName == "" {
		return nil, fmt.Errorf("%w: account holder name must not be empty", ErrInvalidArgument)
	}
	if overdraftLimit.IsNegative() {
		return nil, fmt.Errorf("%w: overdraft limit must not be negative", ErrInvalidArgument)
	}
	if initialBalance.Currency == "" {
		return nil, fmt.Errorf("%w: initial balance currency must not be empty", ErrInvalidArgument)
	}
	if initialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", ErrInvalidArgument)
	}

	a := newAccount(opts...)
	a.id = id
	a.raise(BankAccountOpened{
		AccountHolder:  holderName,
		OverdraftLimit: overdraftLimit,
		InitialBalance: initialBalance,
	})
	return a, nil
}

// FromHistory rebuilds an account by folding its event stream. The stream
// must be complete and in order, exactly as Load returns it.
func FromHistory(history []eventstore.StoredEvent, opts ...Option) (*Account, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty event history", ErrInvalidArgument)
	}

	a := newAccount(opts...)
	a.id = history[0].StreamID
	for i, stored := range history {
		if stored.StreamID != a.id {
			return nil, fmt.Errorf("%w: event %d belongs to stream %s, not %s",
				ErrCorruptHistory, i, stored.StreamID, a.id)
		}
		if stored.Version != int64(i) {
			return nil, fmt.Errorf("%w: stream %s has version %d at index %d",
				ErrCorruptHistory, a.id, stored.Version, i)
		}
		if err := a.apply(stored.Event); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Deposit credits the account. Deposits are accepted while Open or Frozen.
func (a *Account) Deposit(amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidArgument)
	}
	if err := a.requireStatus(StatusOpen, StatusFrozen); err != nil {
		return err
	}
	if !amount.SameCurrency(a.balance) {
		return fmt.Errorf("%w: cannot deposit %s into %s account",
			money.ErrCurrencyMismatch, amount.Currency, a.balance.Currency)
	}
	a.raise(MoneyDeposited{Amount: amount})
	return nil
}

// Withdraw debits the account. The balance may go negative down to the
// overdraft limit, never past it.
func (a *Account) Withdraw(amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidArgument)
	}
	if err := a.requireStatus(StatusOpen); err != nil {
		return err
	}
	if !amount.SameCurrency(a.balance) {
		return fmt.Errorf("%w: cannot withdraw %s from %s account",
			money.ErrCurrencyMismatch, amount.Currency, a.balance.Currency)
	}
	if a.AvailableToWithdraw().LessThan(amount.Amount) {
		return fmt.Errorf("%w: withdrawal of %s exceeds available %s %s",
			ErrInvalidState, amount.Amount, a.AvailableToWithdraw(), a.balance.Currency)
	}
	a.raise(MoneyWithdrawn{Amount: amount})
	return nil
}

// Freeze suspends the account.
func (a *Account) Freeze() error {
	if err := a.requireStatus(StatusOpen); err != nil {
		return err
	}
	a.raise(AccountFrozen{})
	return nil
}

// Unfreeze lifts a freeze.
func (a *Account) Unfreeze() error {
	if a.status != StatusFrozen {
		return fmt.Errorf("%w: account %s is not frozen", ErrInvalidState, a.id)
	}
	a.raise(AccountUnfrozen{})
	return nil
}

// Close closes an open account with a zero balance. Closing an already
// closed account is a no-op.
func (a *Account) Close() error {
	switch a.status {
	case StatusClosed:
		return nil
	case StatusFrozen:
		return fmt.Errorf("%w: unfreeze account %s before closing", ErrInvalidState, a.id)
	case StatusNew:
		return fmt.Errorf("%w: account %s is not opened", ErrInvalidState, a.id)
	}
	if !a.balance.IsZero() {
		return fmt.Errorf("%w: account %s balance must be zero to close, have %s",
			ErrInvalidState, a.id, a.balance)
	}
	a.raise(AccountClosed{})
	return nil
}

// ChangeOverdraftLimit replaces the overdraft limit. When the balance is
// already negative the new limit must still cover it. Setting the current
// limit again is a no-op.
func (a *Account) ChangeOverdraftLimit(newLimit decimal.Decimal) error {
	if newLimit.IsNegative() {
		return fmt.Errorf("%w: overdraft limit must not be negative", ErrInvalidArgument)
	}
	if err := a.requireStatus(StatusOpen); err != nil {
		return err
	}
	if a.balance.IsNegative() && newLimit.LessThan(a.balance.Amount.Abs()) {
		return fmt.Errorf("%w: new overdraft limit %s does not cover current balance %s",
			ErrInvalidState, newLimit, a.balance)
	}
	if newLimit.Equal(a.overdraftLimit) {
		return nil
	}
	a.raise(OverdraftLimitChanged{NewOverdraftLimit: newLimit})
	return nil
}

// ChangeHolderName replaces the account holder name. Setting the current
// name again is a no-op.
func (a *Account) ChangeHolderName(newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("%w: account holder name must not be empty", ErrInvalidArgument)
	}
	if err := a.requireStatus(StatusOpen, StatusFrozen); err != nil {
		return err
	}
	if newName == a.holderName {
		return nil
	}
	a.raise(AccountHolderNameChanged{NewAccountHolderName: newName})
	return nil
}

// ApplyFee debits a fee. Fees ignore the overdraft limit, so posting one
// may leave the balance past it.
func (a *Account) ApplyFee(amount money.Money, reason string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: fee amount must be positive", ErrInvalidArgument)
	}
	if err := a.requireStatus(StatusOpen, StatusFrozen); err != nil {
		return err
	}
	if !amount.SameCurrency(a.balance) {
		return fmt.Errorf("%w: cannot apply %s fee to %s account",
			money.ErrCurrencyMismatch, amount.Currency, a.balance.Currency)
	}
	a.raise(FeeApplied{FeeAmount: amount, Reason: reason})
	return nil
}

// ID returns the account id, which doubles as the stream id.
func (a *Account) ID() uuid.UUID { return a.id }

// HolderName returns the current account holder name.
func (a *Account) HolderName() string { return a.holderName }

// Status returns the lifecycle state.
func (a *Account) Status() Status { return a.status }

// Balance returns the current balance.
func (a *Account) Balance() money.Money { return a.balance }

// OverdraftLimit returns the current overdraft limit.
func (a *Account) OverdraftLimit() decimal.Decimal { return a.overdraftLimit }

// Currency returns the account currency, fixed at opening.
func (a *Account) Currency() string { return a.balance.Currency }

// Version is the 0-based version of the last applied event, or -1 before
// any event.
func (a *Account) Version() int64 { return a.version }

// AvailableToWithdraw returns balance plus overdraft limit.
func (a *Account) AvailableToWithdraw() decimal.Decimal {
	return a.balance.Amount.Add(a.overdraftLimit)
}

// UncommittedEvents returns the events raised since the last save.
func (a *Account) UncommittedEvents() []eventstore.PendingEvent {
	out := make([]eventstore.PendingEvent, len(a.pending))
	copy(out, a.pending)
	return out
}

// MarkCommitted drops the pending events after a successful save.
func (a *Account) MarkCommitted() {
	a.pending = nil
}

// requireStatus returns nil when the current status is one of allowed, and
// a descriptive InvalidState error otherwise.
func (a *Account) requireStatus(allowed ...Status) error {
	for _, s := range allowed {
		if a.status == s {
			return nil
		}
	}
	switch a.status {
	case StatusNew:
		return fmt.Errorf("%w: account %s is not opened", ErrInvalidState, a.id)
	case StatusFrozen:
		return fmt.Errorf("%w: account %s is frozen", ErrInvalidState, a.id)
	case StatusClosed:
		return fmt.Errorf("%w: account %s is closed", ErrInvalidState, a.id)
	default:
		return fmt.Errorf("%w: account %s is %s", ErrInvalidState, a.id, a.status)
	}
}

// raise applies a new event and buffers it for the next save. Events
// raised here always come from the closed set, so apply cannot fail.
func (a *Account) raise(event eventstore.Event) {
	_ = a.apply(event)
	a.pending = append(a.pending, eventstore.PendingEvent{
		Event:      event,
		OccurredOn: a.clock(),
	})
}

// apply folds one event into state. Every applied event advances the
// version by exactly one.
func (a *Account) apply(event eventstore.Event) error {
	switch e := event.(type) {
	case BankAccountOpened:
		a.holderName = e.AccountHolder
		a.overdraftLimit = e.OverdraftLimit
		a.balance = e.InitialBalance
		a.status = StatusOpen
	case MoneyDeposited:
		b, err := a.balance.Add(e.Amount)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptHistory, err)
		}
		a.balance = b
	case MoneyWithdrawn:
		b, err := a.balance.Subtract(e.Amount)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptHistory, err)
		}
		a.balance = b
	case AccountFrozen:
		a.status = StatusFrozen
	case AccountUnfrozen:
		a.status = StatusOpen
	case AccountClosed:
		a.status = StatusClosed
	case OverdraftLimitChanged:
		a.overdraftLimit = e.NewOverdraftLimit
	case AccountHolderNameChanged:
		a.holderName = e.NewAccountHolderName
	case FeeApplied:
		b, err := a.balance.Subtract(e.FeeAmount)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptHistory, err)
		}
		a.balance = b
	default:
		return fmt.Errorf("%w: no apply for event type %q", ErrCorruptHistory, event.EventType())
	}
	a.version++
	return nil
}
