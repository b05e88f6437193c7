// Package projector folds the global event feed into the account balance
// view.
//
// The projector polls the event store from a named checkpoint, applies each
// batch inside one view transaction, commits, and only then advances the
// checkpoint. A crash between commit and checkpoint means the next run
// replays the batch; the view's version guards turn the replay into
// no-ops, so delivery is effectively at-least-once with idempotent
// application.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/readmodel"
	"github.com/mbd888/corebank/internal/traces"
)

// DefaultName identifies the account balance projector's checkpoint row.
const DefaultName = "account_balance_projector_v1"

// Config tunes one projector instance.
type Config struct {
	// Name keys the checkpoint row. Renaming it makes the projector
	// rebuild the view from position zero.
	Name string

	// BatchSize caps events per projection transaction.
	BatchSize int

	// PollInterval is how long to sleep when the feed is drained.
	PollInterval time.Duration

	// RetryBackoff is how long to sleep after a failed batch.
	RetryBackoff time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Name:         DefaultName,
		BatchSize:    100,
		PollInterval: 400 * time.Millisecond,
		RetryBackoff: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Broadcaster receives each batch after its view transaction commits.
// Implementations must not block; the projector calls it inline.
type Broadcaster interface {
	BroadcastStored(events []eventstore.StoredEvent)
}

// Projector drives the account balance view from the event feed.
type Projector struct {
	cfg         Config
	events      eventstore.Store
	view        readmodel.Store
	logger      *slog.Logger
	broadcaster Broadcaster

	halted atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

// New returns a projector reading events into the view. Zero config fields
// fall back to DefaultConfig.
func New(cfg Config, events eventstore.Store, view readmodel.Store, logger *slog.Logger) *Projector {
	return &Projector{
		cfg:    cfg.withDefaults(),
		events: events,
		view:   view,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// WithBroadcaster attaches a post-commit event fanout, typically the
// WebSocket hub. Call before Start.
func (p *Projector) WithBroadcaster(b Broadcaster) *Projector {
	p.broadcaster = b
	return p
}

// Name returns the checkpoint name this projector runs under.
func (p *Projector) Name() string { return p.cfg.Name }

// Start initializes the checkpoint and launches the poll loop.
func (p *Projector) Start(ctx context.Context) error {
	position, err := p.view.Checkpoint(ctx, p.cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to init checkpoint: %w", err)
	}

	p.logger.Info("projector started",
		"name", p.cfg.Name,
		"position", position,
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval,
	)
	go p.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit. Call at most once.
func (p *Projector) Stop() {
	close(p.stop)
	<-p.done
}

// Halted reports whether projection stopped on a non-retryable error, such
// as an event type missing from the codec. A halted projector keeps its
// checkpoint so a fixed binary resumes where it stopped.
func (p *Projector) Halted() bool { return p.halted.Load() }

func (p *Projector) pollLoop(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		n, err := p.runOnce(ctx)
		switch {
		case err != nil && errors.Is(err, eventstore.ErrUnknownEventType):
			// Re-polling would fail forever on the same event. Stop and
			// leave the checkpoint where it is.
			p.halted.Store(true)
			p.logger.Error("projector halted on unknown event type",
				"name", p.cfg.Name, "error", err)
			return
		case err != nil:
			p.logger.Error("projection batch failed",
				"name", p.cfg.Name, "error", err)
			if !p.sleep(ctx, p.cfg.RetryBackoff) {
				return
			}
		case n == 0:
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return
			}
		}
	}
}

// sleep waits for d unless the projector is stopping. It reports whether
// the loop should keep running.
func (p *Projector) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	case <-timer.C:
		return true
	}
}

// runOnce projects one batch and returns the number of events applied.
func (p *Projector) runOnce(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "projector.batch", traces.ProjectorName(p.cfg.Name))
	defer span.End()
	defer observeBatch()()

	last, err := p.view.Checkpoint(ctx, p.cfg.Name)
	if err != nil {
		batchesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	batch, err := p.events.LoadSince(ctx, last, p.cfg.BatchSize)
	if err != nil {
		batchesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to load events after position %d: %w", last, err)
	}
	if len(batch) == 0 {
		batchesTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}

	tx, err := p.view.BeginProjection(ctx)
	if err != nil {
		batchesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to begin projection: %w", err)
	}

	position := last
	for _, stored := range batch {
		if err := applyEvent(ctx, tx, stored); err != nil {
			_ = tx.Rollback()
			batchesTotal.WithLabelValues("error").Inc()
			return 0, err
		}
		position = stored.GlobalPosition
	}

	if err := tx.Commit(); err != nil {
		batchesTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	if err := p.view.SaveCheckpoint(ctx, p.cfg.Name, position); err != nil {
		// The batch is committed. The next run re-reads it from the old
		// checkpoint and the version guards absorb the replay.
		p.logger.Warn("failed to advance checkpoint",
			"name", p.cfg.Name, "position", position, "error", err)
	} else {
		checkpointPosition.Set(float64(position))
	}

	if p.broadcaster != nil {
		p.broadcaster.BroadcastStored(batch)
	}

	batchesTotal.WithLabelValues("ok").Inc()
	eventsProjectedTotal.Add(float64(len(batch)))
	p.logger.Debug("projected batch",
		"name", p.cfg.Name, "events", len(batch), "position", position)
	return len(batch), nil
}

// applyEvent dispatches one stored event to its idempotent view update.
// The switch is closed over the account event family; anything else halts
// the projector rather than being skipped, because a skipped event would
// silently corrupt the view.
func applyEvent(ctx context.Context, tx readmodel.ProjectionTx, stored eventstore.StoredEvent) error {
	switch ev := stored.Event.(type) {
	case account.BankAccountOpened:
		return tx.UpsertOpened(ctx, &readmodel.AccountBalance{
			AccountID:           stored.StreamID,
			HolderName:          ev.AccountHolder,
			Status:              string(account.StatusOpen),
			BalanceAmount:       ev.InitialBalance.Amount,
			BalanceCurrency:     ev.InitialBalance.Currency,
			OverdraftLimit:      ev.OverdraftLimit,
			AvailableToWithdraw: ev.InitialBalance.Amount.Add(ev.OverdraftLimit),
			Version:             stored.Version,
		})
	case account.MoneyDeposited:
		return tx.AdjustBalance(ctx, stored.StreamID, ev.Amount.Amount, stored.Version)
	case account.MoneyWithdrawn:
		return tx.AdjustBalance(ctx, stored.StreamID, ev.Amount.Amount.Neg(), stored.Version)
	case account.FeeApplied:
		return tx.AdjustBalance(ctx, stored.StreamID, ev.FeeAmount.Amount.Neg(), stored.Version)
	case account.AccountFrozen:
		return tx.SetStatus(ctx, stored.StreamID, string(account.StatusFrozen), stored.Version)
	case account.AccountUnfrozen:
		return tx.SetStatus(ctx, stored.StreamID, string(account.StatusOpen), stored.Version)
	case account.AccountClosed:
		return tx.SetStatus(ctx, stored.StreamID, string(account.StatusClosed), stored.Version)
	case account.OverdraftLimitChanged:
		return tx.SetOverdraftLimit(ctx, stored.StreamID, ev.NewOverdraftLimit, stored.Version)
	case account.AccountHolderNameChanged:
		return tx.SetHolderName(ctx, stored.StreamID, ev.NewAccountHolderName, stored.Version)
	default:
		return fmt.Errorf("no projection for event %q at position %d: %w",
			stored.EventType, stored.GlobalPosition, eventstore.ErrUnknownEventType)
	}
}
