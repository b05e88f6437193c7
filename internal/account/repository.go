package account

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mbd888/corebank/internal/eventstore"
)

// Repository loads and saves accounts against an event store.
type Repository struct {
	store eventstore.Store
}

// NewRepository returns a repository over the given store.
func NewRepository(store eventstore.Store) *Repository {
	return &Repository{store: store}
}

// Get rehydrates an account from its event stream. An account with no
// events does not exist.
func (r *Repository) Get(ctx context.Context, id uuid.UUID, opts ...Option) (*Account, error) {
	history, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return FromHistory(history, opts...)
}

// Save appends the account's uncommitted events at the version the account
// was at before they were raised. On success the pending buffer is
// cleared. On a concurrency conflict nothing is written and the caller may
// reload and retry the command.
func (r *Repository) Save(ctx context.Context, a *Account) error {
	pending := a.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}
	expected := a.Version() - int64(len(pending))
	if err := r.store.Append(ctx, a.ID(), expected, pending); err != nil {
		return err
	}
	a.MarkCommitted()
	return nil
}
