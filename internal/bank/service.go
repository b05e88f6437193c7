// Package bank is the application layer over the event-sourced account core.
//
// Commands load the account aggregate from the event store, invoke a domain
// method, and append the resulting events. Writes that lose an optimistic
// concurrency race are retried with a fresh load; domain rejections are not.
// Queries never touch the aggregate and read the projected view instead, so
// their results trail the log until the projector catches up.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
	"github.com/mbd888/corebank/internal/readmodel"
	"github.com/mbd888/corebank/internal/retry"
	"github.com/mbd888/corebank/internal/syncutil"
	"github.com/mbd888/corebank/internal/traces"
)

const (
	defaultConflictRetries = 3
	defaultRetryBackoff    = 25 * time.Millisecond
)

// Service executes account commands and serves read-model queries.
type Service struct {
	repo    *account.Repository
	events  eventstore.Store
	view    readmodel.Store
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
	retries int
	backoff time.Duration
}

// NewService creates a bank service on top of an event store and a view store.
func NewService(events eventstore.Store, view readmodel.Store, logger *slog.Logger) *Service {
	return &Service{
		repo:    account.NewRepository(events),
		events:  events,
		view:    view,
		logger:  logger,
		retries: defaultConflictRetries,
		backoff: defaultRetryBackoff,
	}
}

// WithConflictRetry overrides how often a command is replayed after losing an
// optimistic concurrency race, and the base backoff between attempts.
func (s *Service) WithConflictRetry(attempts int, backoff time.Duration) *Service {
	if attempts > 0 {
		s.retries = attempts
	}
	if backoff > 0 {
		s.backoff = backoff
	}
	return s
}

// CommandResult reports the stream state after a successful command.
type CommandResult struct {
	AccountID uuid.UUID `json:"accountId"`
	Version   int64     `json:"version"`
}

// OpenAccountParams carries the inputs for opening a new account.
type OpenAccountParams struct {
	HolderName     string
	OverdraftLimit decimal.Decimal
	InitialBalance money.Money
}

// OpenAccount opens a new account under a fresh stream id.
func (s *Service) OpenAccount(ctx context.Context, p OpenAccountParams) (*CommandResult, error) {
	ctx, span := traces.StartSpan(ctx, "bank.open_account")
	defer span.End()
	done := observeCommand("open_account")

	a, err := account.Open(uuid.New(), p.HolderName, p.OverdraftLimit, p.InitialBalance)
	if err != nil {
		done(resultRejected)
		return nil, err
	}
	if err := s.repo.Save(ctx, a); err != nil {
		done(resultError)
		return nil, fmt.Errorf("failed to save new account: %w", err)
	}
	done(resultOK)

	s.logger.Info("account opened",
		"account_id", a.ID(),
		"holder", a.HolderName(),
		"currency", a.Currency())
	return &CommandResult{AccountID: a.ID(), Version: a.Version()}, nil
}

// Deposit credits the account.
func (s *Service) Deposit(ctx context.Context, id uuid.UUID, amount money.Money) (*CommandResult, error) {
	return s.execute(ctx, id, "deposit", func(a *account.Account) error {
		return a.Deposit(amount)
	})
}

// Withdraw debits the account within its overdraft headroom.
func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, amount money.Money) (*CommandResult, error) {
	return s.execute(ctx, id, "withdraw", func(a *account.Account) error {
		return a.Withdraw(amount)
	})
}

// Freeze suspends money movement on the account.
func (s *Service) Freeze(ctx context.Context, id uuid.UUID) (*CommandResult, error) {
	return s.execute(ctx, id, "freeze", func(a *account.Account) error {
		return a.Freeze()
	})
}

// Unfreeze lifts a freeze.
func (s *Service) Unfreeze(ctx context.Context, id uuid.UUID) (*CommandResult, error) {
	return s.execute(ctx, id, "unfreeze", func(a *account.Account) error {
		return a.Unfreeze()
	})
}

// Close closes the account once its balance is zero.
func (s *Service) Close(ctx context.Context, id uuid.UUID) (*CommandResult, error) {
	return s.execute(ctx, id, "close", func(a *account.Account) error {
		return a.Close()
	})
}

// ChangeOverdraftLimit sets a new overdraft limit.
func (s *Service) ChangeOverdraftLimit(ctx context.Context, id uuid.UUID, limit decimal.Decimal) (*CommandResult, error) {
	return s.execute(ctx, id, "change_overdraft_limit", func(a *account.Account) error {
		return a.ChangeOverdraftLimit(limit)
	})
}

// ChangeHolderName renames the account holder.
func (s *Service) ChangeHolderName(ctx context.Context, id uuid.UUID, name string) (*CommandResult, error) {
	return s.execute(ctx, id, "change_holder_name", func(a *account.Account) error {
		return a.ChangeHolderName(name)
	})
}

// ApplyFee debits a bank fee. Fees may push the balance past the overdraft limit.
func (s *Service) ApplyFee(ctx context.Context, id uuid.UUID, amount money.Money, reason string) (*CommandResult, error) {
	return s.execute(ctx, id, "apply_fee", func(a *account.Account) error {
		return a.ApplyFee(amount, reason)
	})
}

// execute runs mutate against a freshly loaded aggregate and appends the
// events it raised. A concurrency conflict on append means another writer
// committed first; the command is replayed against the new history up to the
// configured attempt count. Every other failure is final.
func (s *Service) execute(ctx context.Context, id uuid.UUID, command string, mutate func(*account.Account) error) (*CommandResult, error) {
	ctx, span := traces.StartSpan(ctx, "bank."+command, traces.AccountID(id.String()))
	defer span.End()
	done := observeCommand(command)

	// Serialize same-account commands within this process so local contention
	// does not burn conflict retries. Writers in other processes are still
	// caught by the append's version check. The lock is released during
	// backoff sleeps because accounts can share a shard.
	key := id.String()
	unlock := s.locks.Lock(key)
	defer func() { unlock() }()

	var result *CommandResult
	attempt := 0
	err := retry.DoWithUnlock(ctx, s.retries, s.backoff,
		func() { unlock() },
		func() { unlock = s.locks.Lock(key) },
		func() error {
			attempt++
			a, err := s.repo.Get(ctx, id)
			if err != nil {
				return retry.Permanent(err)
			}
			if err := mutate(a); err != nil {
				return retry.Permanent(err)
			}
			if err := s.repo.Save(ctx, a); err != nil {
				if eventstore.IsConcurrencyConflict(err) {
					conflictRetriesTotal.Inc()
					return err
				}
				return retry.Permanent(err)
			}
			result = &CommandResult{AccountID: a.ID(), Version: a.Version()}
			return nil
		})
	if err != nil {
		switch {
		case eventstore.IsConcurrencyConflict(err):
			done(resultConflict)
			s.logger.Warn("command lost concurrency race",
				"command", command, "account_id", id, "attempts", attempt)
		case account.IsDomainError(err):
			done(resultRejected)
		default:
			done(resultError)
		}
		return nil, err
	}
	done(resultOK)

	s.logger.Info("command applied",
		"command", command, "account_id", id, "version", result.Version, "attempts", attempt)
	return result, nil
}

// GetAccount returns the projected balance row for one account.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*readmodel.AccountBalance, error) {
	return s.view.Get(ctx, id)
}

// ListAccounts returns projected balance rows matching the filter.
func (s *Service) ListAccounts(ctx context.Context, f readmodel.ListFilter) ([]*readmodel.AccountBalance, error) {
	return s.view.List(ctx, f)
}

// OverdrawnAccounts returns negative-balance accounts, most exhausted first.
func (s *Service) OverdrawnAccounts(ctx context.Context, limit int) ([]*readmodel.OverdrawnAccount, error) {
	return s.view.Overdrawn(ctx, limit)
}

// Summary returns portfolio-wide account counts and currency totals.
func (s *Service) Summary(ctx context.Context) (*readmodel.Summary, error) {
	return s.view.Summary(ctx)
}

// AccountEvents returns the full recorded history of one account, oldest
// first. Unlike the balance queries this reads the event store directly, so
// it is always current.
func (s *Service) AccountEvents(ctx context.Context, id uuid.UUID) ([]eventstore.StoredEvent, error) {
	events, err := s.events.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load account history: %w", err)
	}
	if len(events) == 0 {
		return nil, account.ErrNotFound
	}
	return events, nil
}
