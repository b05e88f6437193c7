// Package reconciliation verifies the projected account view against the
// event log.
//
// The log is the source of truth. Run folds every stream through the
// aggregate, compares the result with the view row, and classifies each
// disagreement. Rows the projector has simply not reached yet are lagging,
// which is the normal state of an asynchronous projector. Rows that
// disagree with the log even though their version says the events were
// applied are drift, rows whose stream the projector has passed but that
// never appeared are missing, and rows with no backing stream are orphaned.
// Those three never happen on a healthy system.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/readmodel"
)

const (
	// scanBatch is how many events one log read returns.
	scanBatch = 500

	// maxFindings caps the per-account detail carried in a report. The
	// counts stay exact regardless.
	maxFindings = 100
)

// Finding kinds.
const (
	KindDrift    = "drift"
	KindMissing  = "missing"
	KindLagging  = "lagging"
	KindOrphaned = "orphaned"
)

// EventSource is the slice of the event store reconciliation reads.
type EventSource interface {
	LoadSince(ctx context.Context, position int64, limit int) ([]eventstore.StoredEvent, error)
}

// ViewSource is the slice of the read model reconciliation reads.
type ViewSource interface {
	Get(ctx context.Context, id uuid.UUID) (*readmodel.AccountBalance, error)
	List(ctx context.Context, filter readmodel.ListFilter) ([]*readmodel.AccountBalance, error)
	Checkpoint(ctx context.Context, projectorName string) (int64, error)
}

// Finding is one account-level disagreement between log and view.
type Finding struct {
	AccountID     uuid.UUID `json:"accountId"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail"`
	StreamVersion int64     `json:"streamVersion"`
	RowVersion    int64     `json:"rowVersion"`
}

// Report summarizes one reconciliation run.
type Report struct {
	StreamsChecked     int       `json:"streamsChecked"`
	RowsChecked        int       `json:"rowsChecked"`
	DriftedRows        int       `json:"driftedRows"`
	MissingRows        int       `json:"missingRows"`
	LaggingRows        int       `json:"laggingRows"`
	OrphanedRows       int       `json:"orphanedRows"`
	HeadPosition       int64     `json:"headPosition"`
	CheckpointPosition int64     `json:"checkpointPosition"`
	PositionLag        int64     `json:"positionLag"`
	Healthy            bool      `json:"healthy"`
	Findings           []Finding `json:"findings,omitempty"`
	DurationMS         int64     `json:"durationMs"`
	Timestamp          time.Time `json:"timestamp"`
}

func (r *Report) add(f Finding) {
	switch f.Kind {
	case KindDrift:
		r.DriftedRows++
	case KindMissing:
		r.MissingRows++
	case KindLagging:
		r.LaggingRows++
	case KindOrphaned:
		r.OrphanedRows++
	}
	if len(r.Findings) < maxFindings {
		r.Findings = append(r.Findings, f)
	}
}

// Service checks the view against the log.
type Service struct {
	events        EventSource
	view          ViewSource
	projectorName string
	lagTolerance  int64
}

// NewService creates a reconciliation service for the named projector's view.
func NewService(events EventSource, view ViewSource, projectorName string) *Service {
	return &Service{events: events, view: view, projectorName: projectorName}
}

// SetLagTolerance sets the projector lag, in global positions, above which a
// run is flagged unhealthy. Zero means lag alone never flags; drift, missing
// and orphaned rows always do.
func (s *Service) SetLagTolerance(positions int64) {
	s.lagTolerance = positions
}

// Run reads the whole log in batches, folds each stream through the
// aggregate, and compares every account against its view row. The full
// history of each stream is held in memory for the duration of the run.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	streams, order, head, err := s.scanLog(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	checkpoint, err := s.view.Checkpoint(ctx, s.projectorName)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read projector checkpoint: %w", err)
	}

	report := &Report{
		StreamsChecked:     len(order),
		HeadPosition:       head,
		CheckpointPosition: checkpoint,
		PositionLag:        head - checkpoint,
		Timestamp:          time.Now().UTC(),
	}

	for _, id := range order {
		if err := s.checkStream(ctx, report, id, streams[id], checkpoint); err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
	}

	if err := s.checkOrphans(ctx, report, streams); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report.Healthy = report.DriftedRows == 0 && report.MissingRows == 0 && report.OrphanedRows == 0
	if s.lagTolerance > 0 && report.PositionLag > s.lagTolerance {
		report.Healthy = false
	}
	report.DurationMS = time.Since(start).Milliseconds()

	observeRun(report, time.Since(start))
	return report, nil
}

type streamState struct {
	events  []eventstore.StoredEvent
	lastPos int64
}

// scanLog groups the whole log by stream. The returned order is first-seen
// order, which makes reports deterministic for a given log.
func (s *Service) scanLog(ctx context.Context) (map[uuid.UUID]*streamState, []uuid.UUID, int64, error) {
	streams := make(map[uuid.UUID]*streamState)
	var order []uuid.UUID
	var head int64

	for {
		batch, err := s.events.LoadSince(ctx, head, scanBatch)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("failed to scan event log: %w", err)
		}
		if len(batch) == 0 {
			return streams, order, head, nil
		}
		for _, e := range batch {
			st, ok := streams[e.StreamID]
			if !ok {
				st = &streamState{}
				streams[e.StreamID] = st
				order = append(order, e.StreamID)
			}
			st.events = append(st.events, e)
			st.lastPos = e.GlobalPosition
			head = e.GlobalPosition
		}
		if len(batch) < scanBatch {
			return streams, order, head, nil
		}
	}
}

func (s *Service) checkStream(ctx context.Context, report *Report, id uuid.UUID, st *streamState, checkpoint int64) error {
	a, err := account.FromHistory(st.events)
	if err != nil {
		return fmt.Errorf("failed to fold stream %s: %w", id, err)
	}

	row, err := s.view.Get(ctx, id)
	switch {
	case errors.Is(err, readmodel.ErrNotFound):
		kind, detail := KindLagging, "no row yet, projector has not reached this stream"
		if checkpoint >= st.lastPos {
			kind, detail = KindMissing, "no row though the projector has passed the whole stream"
		}
		report.add(Finding{AccountID: id, Kind: kind, Detail: detail, StreamVersion: a.Version(), RowVersion: -1})
		return nil
	case err != nil:
		return fmt.Errorf("failed to read view row for %s: %w", id, err)
	}

	switch {
	case row.Version > a.Version():
		report.add(Finding{
			AccountID:     id,
			Kind:          KindDrift,
			Detail:        "row version ahead of the log",
			StreamVersion: a.Version(),
			RowVersion:    row.Version,
		})
	case row.Version < a.Version():
		kind, detail := KindLagging, "row behind the stream head"
		if checkpoint >= st.lastPos {
			kind, detail = KindDrift, "row version behind a fully projected stream"
		}
		report.add(Finding{AccountID: id, Kind: kind, Detail: detail, StreamVersion: a.Version(), RowVersion: row.Version})
	default:
		if diffs := diffRow(a, row); len(diffs) > 0 {
			report.add(Finding{
				AccountID:     id,
				Kind:          KindDrift,
				Detail:        strings.Join(diffs, "; "),
				StreamVersion: a.Version(),
				RowVersion:    row.Version,
			})
		}
	}
	return nil
}

// checkOrphans pages through the view looking for rows without a stream.
func (s *Service) checkOrphans(ctx context.Context, report *Report, streams map[uuid.UUID]*streamState) error {
	offset := 0
	for {
		page, err := s.view.List(ctx, readmodel.ListFilter{Limit: readmodel.MaxListLimit, Offset: offset})
		if err != nil {
			return fmt.Errorf("failed to list view rows: %w", err)
		}
		for _, row := range page {
			report.RowsChecked++
			if _, ok := streams[row.AccountID]; !ok {
				report.add(Finding{
					AccountID:     row.AccountID,
					Kind:          KindOrphaned,
					Detail:        "row has no backing event stream",
					StreamVersion: -1,
					RowVersion:    row.Version,
				})
			}
		}
		if len(page) < readmodel.MaxListLimit {
			return nil
		}
		offset += len(page)
	}
}

// diffRow lists the fields on which a row disagrees with the folded
// aggregate at the same version.
func diffRow(a *account.Account, row *readmodel.AccountBalance) []string {
	var diffs []string
	if row.Status != string(a.Status()) {
		diffs = append(diffs, fmt.Sprintf("status %q, log says %q", row.Status, a.Status()))
	}
	if !row.BalanceAmount.Equal(a.Balance().Amount) || row.BalanceCurrency != a.Currency() {
		diffs = append(diffs, fmt.Sprintf("balance %s %s, log says %s", row.BalanceAmount, row.BalanceCurrency, a.Balance()))
	}
	if !row.OverdraftLimit.Equal(a.OverdraftLimit()) {
		diffs = append(diffs, fmt.Sprintf("overdraft limit %s, log says %s", row.OverdraftLimit, a.OverdraftLimit()))
	}
	if row.HolderName != a.HolderName() {
		diffs = append(diffs, fmt.Sprintf("holder %q, log says %q", row.HolderName, a.HolderName()))
	}
	if !row.AvailableToWithdraw.Equal(a.AvailableToWithdraw()) {
		diffs = append(diffs, fmt.Sprintf("available %s, log says %s", row.AvailableToWithdraw, a.AvailableToWithdraw()))
	}
	return diffs
}
