package reconciliation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/corebank/internal/account"
	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
	"github.com/mbd888/corebank/internal/projector"
	"github.com/mbd888/corebank/internal/readmodel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usd(s string) money.Money {
	return money.New(decimal.RequireFromString(s), "USD")
}

type fixture struct {
	events *eventstore.MemoryStore
	view   *readmodel.MemoryStore
	repo   *account.Repository
	svc    *Service
}

func newFixture() *fixture {
	events := eventstore.NewMemoryStore(account.Codec{})
	view := readmodel.NewMemoryStore()
	return &fixture{
		events: events,
		view:   view,
		repo:   account.NewRepository(events),
		svc:    NewService(events, view, projector.DefaultName),
	}
}

func (f *fixture) openAccount(t *testing.T, name, balance, overdraft string) uuid.UUID {
	t.Helper()
	a, err := account.Open(uuid.New(), name, decimal.RequireFromString(overdraft), usd(balance))
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(context.Background(), a))
	return a.ID()
}

func (f *fixture) deposit(t *testing.T, id uuid.UUID, amount string) {
	t.Helper()
	ctx := context.Background()
	a, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, a.Deposit(usd(amount)))
	require.NoError(t, f.repo.Save(ctx, a))
}

// head walks the feed to the last committed global position.
func (f *fixture) head(t *testing.T) int64 {
	t.Helper()
	var pos int64
	for {
		batch, err := f.events.LoadSince(context.Background(), pos, 100)
		require.NoError(t, err)
		if len(batch) == 0 {
			return pos
		}
		pos = batch[len(batch)-1].GlobalPosition
	}
}

// project runs the real projector until the checkpoint reaches the feed head.
func (f *fixture) project(t *testing.T) {
	t.Helper()
	p := projector.New(projector.Config{PollInterval: 5 * time.Millisecond}, f.events, f.view, testLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	head := f.head(t)
	require.Eventually(t, func() bool {
		pos, err := f.view.Checkpoint(context.Background(), projector.DefaultName)
		return err == nil && pos >= head
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_HealthyAfterProjection(t *testing.T) {
	f := newFixture()
	alice := f.openAccount(t, "Alice", "1000.00", "500.00")
	f.deposit(t, alice, "200.00")
	f.openAccount(t, "Bob", "100.00", "0")
	f.project(t)

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)

	require.True(t, report.Healthy)
	require.Equal(t, 2, report.StreamsChecked)
	require.Equal(t, 2, report.RowsChecked)
	require.Zero(t, report.DriftedRows)
	require.Zero(t, report.MissingRows)
	require.Zero(t, report.LaggingRows)
	require.Zero(t, report.OrphanedRows)
	require.Equal(t, report.HeadPosition, report.CheckpointPosition)
	require.Zero(t, report.PositionLag)
	require.Empty(t, report.Findings)
	require.False(t, report.Timestamp.IsZero())
}

func TestRun_UnprojectedStreamIsLagging(t *testing.T) {
	f := newFixture()
	id := f.openAccount(t, "Alice", "1000.00", "0")
	f.deposit(t, id, "50.00")

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)

	// Lag is the projector's normal state, so the run stays healthy.
	require.True(t, report.Healthy)
	require.Equal(t, 1, report.LaggingRows)
	require.Zero(t, report.MissingRows)
	require.Equal(t, report.HeadPosition, report.PositionLag)

	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	require.Equal(t, KindLagging, finding.Kind)
	require.Equal(t, id, finding.AccountID)
	require.Equal(t, int64(1), finding.StreamVersion)
	require.Equal(t, int64(-1), finding.RowVersion)
}

func TestRun_LagToleranceFlagsUnhealthy(t *testing.T) {
	f := newFixture()
	id := f.openAccount(t, "Alice", "1000.00", "0")
	f.deposit(t, id, "50.00")

	f.svc.SetLagTolerance(1)

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Greater(t, report.PositionLag, int64(1))
}

func TestRun_RowBehindStreamHeadIsLagging(t *testing.T) {
	f := newFixture()
	id := f.openAccount(t, "Alice", "1000.00", "0")
	f.project(t)

	// New deposit the projector has not seen yet.
	f.deposit(t, id, "50.00")

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)

	require.True(t, report.Healthy)
	require.Equal(t, 1, report.LaggingRows)
	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	require.Equal(t, KindLagging, finding.Kind)
	require.Equal(t, int64(1), finding.StreamVersion)
	require.Equal(t, int64(0), finding.RowVersion)
}

func TestRun_DetectsDriftedRow(t *testing.T) {
	f := newFixture()
	id := f.openAccount(t, "Alice", "1000.00", "0")
	f.project(t)

	// Push the row past the log with an update no event backs.
	ctx := context.Background()
	tx, err := f.view.BeginProjection(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AdjustBalance(ctx, id, decimal.RequireFromString("5.00"), 1))
	require.NoError(t, tx.Commit())

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)

	require.False(t, report.Healthy)
	require.Equal(t, 1, report.DriftedRows)
	require.Len(t, report.Findings, 1)
	finding := report.Findings[0]
	require.Equal(t, KindDrift, finding.Kind)
	require.Equal(t, id, finding.AccountID)
	require.Equal(t, int64(0), finding.StreamVersion)
	require.Equal(t, int64(1), finding.RowVersion)
}

func TestRun_DetectsMissingRow(t *testing.T) {
	f := newFixture()
	id := f.openAccount(t, "Alice", "1000.00", "0")

	// Checkpoint claims the stream was projected, but no row exists.
	ctx := context.Background()
	require.NoError(t, f.view.SaveCheckpoint(ctx, projector.DefaultName, f.head(t)))

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)

	require.False(t, report.Healthy)
	require.Equal(t, 1, report.MissingRows)
	require.Zero(t, report.LaggingRows)
	require.Len(t, report.Findings, 1)
	require.Equal(t, KindMissing, report.Findings[0].Kind)
	require.Equal(t, id, report.Findings[0].AccountID)
}

func TestRun_DetectsOrphanedRow(t *testing.T) {
	f := newFixture()

	// A row with no backing stream.
	ctx := context.Background()
	tx, err := f.view.BeginProjection(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertOpened(ctx, &readmodel.AccountBalance{
		AccountID:       uuid.New(),
		HolderName:      "Ghost",
		Status:          string(account.StatusOpen),
		BalanceAmount:   decimal.Zero,
		BalanceCurrency: "USD",
		Version:         0,
	}))
	require.NoError(t, tx.Commit())

	report, err := f.svc.Run(ctx)
	require.NoError(t, err)

	require.False(t, report.Healthy)
	require.Zero(t, report.StreamsChecked)
	require.Equal(t, 1, report.RowsChecked)
	require.Equal(t, 1, report.OrphanedRows)
	require.Len(t, report.Findings, 1)
	require.Equal(t, KindOrphaned, report.Findings[0].Kind)
	require.Equal(t, int64(-1), report.Findings[0].StreamVersion)
}

func TestRun_EmptySystem(t *testing.T) {
	f := newFixture()

	report, err := f.svc.Run(context.Background())
	require.NoError(t, err)

	require.True(t, report.Healthy)
	require.Zero(t, report.StreamsChecked)
	require.Zero(t, report.RowsChecked)
	require.Zero(t, report.HeadPosition)
	require.Empty(t, report.Findings)
}

func TestReconcileEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture()
	f.openAccount(t, "Alice", "1000.00", "0")
	f.project(t)

	router := gin.New()
	NewHandler(f.svc).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/reports/reconciliation", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Healthy        bool `json:"healthy"`
		StreamsChecked int  `json:"streamsChecked"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Healthy)
	require.Equal(t, 1, resp.StreamsChecked)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture()
	timer := NewTimer(f.svc, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)
	require.Eventually(t, timer.Running, time.Second, time.Millisecond)

	// Let at least one tick fire.
	time.Sleep(15 * time.Millisecond)

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, time.Millisecond)
}
