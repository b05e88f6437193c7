package account

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/eventstore"
	"github.com/mbd888/corebank/internal/money"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func usd(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.FromString(s, "USD")
	if err != nil {
		t.Fatalf("money %q: %v", s, err)
	}
	return m
}

// opened returns a fresh account with the given initial balance and
// overdraft limit, both in USD.
func opened(t *testing.T, initial, overdraft string) *Account {
	t.Helper()
	a, err := Open(uuid.New(), "Alice", dec(t, overdraft), usd(t, initial))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func TestOpenValidation(t *testing.T) {
	tests := []struct {
		name      string
		id        uuid.UUID
		holder    string
		overdraft string
		initial   money.Money
	}{
		{"nil id", uuid.Nil, "Alice", "0", money.Zero("USD")},
		{"empty holder", uuid.New(), "", "0", money.Zero("USD")},
		{"whitespace holder", uuid.New(), "   ", "0", money.Zero("USD")},
		{"negative overdraft", uuid.New(), "Alice", "-1", money.Zero("USD")},
		{"negative initial balance", uuid.New(), "Alice", "0", money.New(decimal.NewFromInt(-1), "USD")},
		{"empty currency", uuid.New(), "Alice", "0", money.Zero("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.id, tt.holder, dec(t, tt.overdraft), tt.initial)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Open() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestOpenRaisesOpenedEvent(t *testing.T) {
	id := uuid.New()
	a, err := Open(id, "Alice", dec(t, "500.00"), usd(t, "1000.00"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if a.Status() != StatusOpen {
		t.Errorf("status = %s, want Open", a.Status())
	}
	if a.Version() != 0 {
		t.Errorf("version = %d, want 0", a.Version())
	}
	if a.ID() != id {
		t.Errorf("id = %s, want %s", a.ID(), id)
	}
	if a.Currency() != "USD" {
		t.Errorf("currency = %s, want USD", a.Currency())
	}

	pending := a.UncommittedEvents()
	if len(pending) != 1 {
		t.Fatalf("pending events = %d, want 1", len(pending))
	}
	ev, ok := pending[0].Event.(BankAccountOpened)
	if !ok {
		t.Fatalf("pending[0] = %T, want BankAccountOpened", pending[0].Event)
	}
	if ev.AccountHolder != "Alice" {
		t.Errorf("holder = %q", ev.AccountHolder)
	}
	if !ev.InitialBalance.Equal(usd(t, "1000.00")) {
		t.Errorf("initial balance = %s", ev.InitialBalance)
	}
	if pending[0].OccurredOn.IsZero() {
		t.Error("OccurredOn must be set")
	}
}

func TestDeposit(t *testing.T) {
	t.Run("credits balance", func(t *testing.T) {
		a := opened(t, "1000.00", "0")
		if err := a.Deposit(usd(t, "200.00")); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		if got := a.Balance().Amount.String(); got != "1200" {
			t.Errorf("balance = %s, want 1200", got)
		}
		if a.Version() != 1 {
			t.Errorf("version = %d, want 1", a.Version())
		}
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		a := opened(t, "0", "0")
		for _, amt := range []string{"0", "-5.00"} {
			if err := a.Deposit(usd(t, amt)); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Deposit(%s) error = %v, want ErrInvalidArgument", amt, err)
			}
		}
	})

	t.Run("rejects foreign currency", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		eur, _ := money.FromString("50.00", "EUR")
		if err := a.Deposit(eur); !errors.Is(err, money.ErrCurrencyMismatch) {
			t.Errorf("Deposit(EUR) error = %v, want ErrCurrencyMismatch", err)
		}
		if got := a.Balance().Amount.String(); got != "100" {
			t.Errorf("balance changed to %s", got)
		}
	})

	t.Run("accepted while frozen", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.Deposit(usd(t, "10.00")); err != nil {
			t.Errorf("Deposit on frozen account: %v", err)
		}
	})

	t.Run("rejected when closed", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := a.Deposit(usd(t, "10.00")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Deposit on closed account error = %v, want ErrInvalidState", err)
		}
	})
}

func TestWithdraw(t *testing.T) {
	t.Run("debits balance", func(t *testing.T) {
		a := opened(t, "1000.00", "0")
		if err := a.Withdraw(usd(t, "250.00")); err != nil {
			t.Fatalf("Withdraw: %v", err)
		}
		if got := a.Balance().Amount.String(); got != "750" {
			t.Errorf("balance = %s, want 750", got)
		}
	})

	t.Run("may go negative up to the overdraft limit", func(t *testing.T) {
		a := opened(t, "50.00", "200.00")

		if err := a.Withdraw(usd(t, "240.00")); err != nil {
			t.Fatalf("Withdraw(240.00): %v", err)
		}
		if got := a.Balance().Amount.String(); got != "-190" {
			t.Errorf("balance = %s, want -190", got)
		}
		if got := a.AvailableToWithdraw().String(); got != "10" {
			t.Errorf("available = %s, want 10", got)
		}

		if err := a.Withdraw(usd(t, "70.00")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Withdraw(70.00) error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("boundary at exactly the available amount", func(t *testing.T) {
		a := opened(t, "50.00", "200.00")
		if err := a.Withdraw(usd(t, "250.00")); err != nil {
			t.Fatalf("Withdraw(250.00): %v", err)
		}
		if got := a.Balance().Amount.String(); got != "-200" {
			t.Errorf("balance = %s, want -200", got)
		}
		if err := a.Withdraw(usd(t, "0.01")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Withdraw(0.01) past the limit error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.Withdraw(usd(t, "0")); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Withdraw(0) error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("rejects foreign currency", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		eur, _ := money.FromString("1.00", "EUR")
		if err := a.Withdraw(eur); !errors.Is(err, money.ErrCurrencyMismatch) {
			t.Errorf("Withdraw(EUR) error = %v, want ErrCurrencyMismatch", err)
		}
	})

	t.Run("rejected while frozen", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.Withdraw(usd(t, "10.00")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Withdraw on frozen account error = %v, want ErrInvalidState", err)
		}
	})
}

func TestFreezeUnfreeze(t *testing.T) {
	a := opened(t, "100.00", "0")

	if err := a.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if a.Status() != StatusFrozen {
		t.Errorf("status = %s, want Frozen", a.Status())
	}

	if err := a.Freeze(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Freeze on frozen account error = %v, want ErrInvalidState", err)
	}

	if err := a.Unfreeze(); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if a.Status() != StatusOpen {
		t.Errorf("status = %s, want Open", a.Status())
	}

	if err := a.Unfreeze(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Unfreeze on open account error = %v, want ErrInvalidState", err)
	}
}

func TestClose(t *testing.T) {
	t.Run("closes a settled account", func(t *testing.T) {
		a := opened(t, "0.00", "100.00")
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if a.Status() != StatusClosed {
			t.Errorf("status = %s, want Closed", a.Status())
		}
	})

	t.Run("rejects non-zero balance", func(t *testing.T) {
		a := opened(t, "10.00", "0")
		if err := a.Close(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Close with balance error = %v, want ErrInvalidState", err)
		}
		if a.Status() != StatusOpen {
			t.Errorf("status = %s, want Open", a.Status())
		}
	})

	t.Run("rejects negative balance", func(t *testing.T) {
		a := opened(t, "50.00", "200.00")
		if err := a.Withdraw(usd(t, "240.00")); err != nil {
			t.Fatalf("Withdraw: %v", err)
		}
		if err := a.Close(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Close with negative balance error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("frozen accounts must be unfrozen first", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.Close(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Close on frozen account error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("closing twice is a no-op", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		before := a.Version()
		if err := a.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
		if a.Version() != before {
			t.Errorf("second Close raised an event: version %d -> %d", before, a.Version())
		}
	})
}

func TestChangeOverdraftLimit(t *testing.T) {
	t.Run("replaces the limit", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.ChangeOverdraftLimit(dec(t, "300.00")); err != nil {
			t.Fatalf("ChangeOverdraftLimit: %v", err)
		}
		if got := a.OverdraftLimit().String(); got != "300" {
			t.Errorf("limit = %s, want 300", got)
		}
		if got := a.AvailableToWithdraw().String(); got != "400" {
			t.Errorf("available = %s, want 400", got)
		}
	})

	t.Run("same limit is a no-op", func(t *testing.T) {
		a := opened(t, "100.00", "250.00")
		before := a.Version()
		if err := a.ChangeOverdraftLimit(dec(t, "250.00")); err != nil {
			t.Fatalf("ChangeOverdraftLimit: %v", err)
		}
		if a.Version() != before {
			t.Error("no-op change raised an event")
		}
	})

	t.Run("rejects negative limit", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.ChangeOverdraftLimit(dec(t, "-1")); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("new limit must cover a negative balance", func(t *testing.T) {
		a := opened(t, "50.00", "200.00")
		if err := a.Withdraw(usd(t, "240.00")); err != nil {
			t.Fatalf("Withdraw: %v", err)
		}
		// Balance is -190.00 now.
		if err := a.ChangeOverdraftLimit(dec(t, "100.00")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("shrinking below |balance| error = %v, want ErrInvalidState", err)
		}
		if err := a.ChangeOverdraftLimit(dec(t, "190.00")); err != nil {
			t.Errorf("limit equal to |balance|: %v", err)
		}
	})

	t.Run("rejected while frozen", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.ChangeOverdraftLimit(dec(t, "10.00")); !errors.Is(err, ErrInvalidState) {
			t.Errorf("error = %v, want ErrInvalidState", err)
		}
	})
}

func TestChangeHolderName(t *testing.T) {
	t.Run("replaces the name", func(t *testing.T) {
		a := opened(t, "0", "0")
		if err := a.ChangeHolderName("Alice Smith"); err != nil {
			t.Fatalf("ChangeHolderName: %v", err)
		}
		if a.HolderName() != "Alice Smith" {
			t.Errorf("holder = %q", a.HolderName())
		}
	})

	t.Run("same name is a no-op", func(t *testing.T) {
		a := opened(t, "0", "0")
		before := a.Version()
		if err := a.ChangeHolderName("Alice"); err != nil {
			t.Fatalf("ChangeHolderName: %v", err)
		}
		if a.Version() != before {
			t.Error("no-op change raised an event")
		}
	})

	t.Run("rejects empty name", func(t *testing.T) {
		a := opened(t, "0", "0")
		if err := a.ChangeHolderName("  "); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("allowed while frozen", func(t *testing.T) {
		a := opened(t, "0", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.ChangeHolderName("Bob"); err != nil {
			t.Errorf("ChangeHolderName on frozen account: %v", err)
		}
	})

	t.Run("rejected when closed", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := a.ChangeHolderName("Bob"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("error = %v, want ErrInvalidState", err)
		}
	})
}

func TestApplyFee(t *testing.T) {
	t.Run("debits the balance", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.ApplyFee(usd(t, "2.50"), "monthly maintenance"); err != nil {
			t.Fatalf("ApplyFee: %v", err)
		}
		if got := a.Balance().Amount.String(); got != "97.5" {
			t.Errorf("balance = %s, want 97.5", got)
		}
	})

	t.Run("may push past the overdraft limit", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.ApplyFee(usd(t, "10.00"), "returned payment"); err != nil {
			t.Fatalf("ApplyFee: %v", err)
		}
		if got := a.Balance().Amount.String(); got != "-10" {
			t.Errorf("balance = %s, want -10", got)
		}
	})

	t.Run("allowed while frozen", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		if err := a.ApplyFee(usd(t, "1.00"), "dormancy"); err != nil {
			t.Errorf("ApplyFee on frozen account: %v", err)
		}
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		if err := a.ApplyFee(usd(t, "0"), "x"); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("rejects foreign currency", func(t *testing.T) {
		a := opened(t, "100.00", "0")
		eur, _ := money.FromString("1.00", "EUR")
		if err := a.ApplyFee(eur, "x"); !errors.Is(err, money.ErrCurrencyMismatch) {
			t.Errorf("error = %v, want ErrCurrencyMismatch", err)
		}
	})

	t.Run("rejected when closed", func(t *testing.T) {
		a := opened(t, "0.00", "0")
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := a.ApplyFee(usd(t, "1.00"), "x"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("error = %v, want ErrInvalidState", err)
		}
	})
}

// Mirrors the canonical open-deposit-withdraw walkthrough: three events,
// final version 2.
func TestCommandSequenceVersions(t *testing.T) {
	a, err := Open(uuid.New(), "Alice", dec(t, "500.00"), usd(t, "1000.00"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Deposit(usd(t, "200.00")); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := a.Withdraw(usd(t, "250.00")); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	if a.Version() != 2 {
		t.Errorf("version = %d, want 2", a.Version())
	}
	if got := a.Balance().Amount.String(); got != "950" {
		t.Errorf("balance = %s, want 950", got)
	}
	if got := a.AvailableToWithdraw().String(); got != "1450" {
		t.Errorf("available = %s, want 1450", got)
	}
	if a.Status() != StatusOpen {
		t.Errorf("status = %s, want Open", a.Status())
	}
	if got := len(a.UncommittedEvents()); got != 3 {
		t.Errorf("pending events = %d, want 3", got)
	}
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := Open(uuid.New(), "Alice", decimal.Zero, usd(t, "0"), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := a.UncommittedEvents()[0].OccurredOn; !got.Equal(fixed) {
		t.Errorf("OccurredOn = %s, want %s", got, fixed)
	}
}

func TestFromHistory(t *testing.T) {
	streamID := uuid.New()
	history := []eventstore.StoredEvent{
		{StreamID: streamID, Version: 0, Event: BankAccountOpened{
			AccountHolder:  "Alice",
			OverdraftLimit: dec(t, "500.00"),
			InitialBalance: usd(t, "1000.00"),
		}},
		{StreamID: streamID, Version: 1, Event: MoneyDeposited{Amount: usd(t, "200.00")}},
		{StreamID: streamID, Version: 2, Event: MoneyWithdrawn{Amount: usd(t, "250.00")}},
	}

	a, err := FromHistory(history)
	if err != nil {
		t.Fatalf("FromHistory: %v", err)
	}
	if a.ID() != streamID {
		t.Errorf("id = %s, want %s", a.ID(), streamID)
	}
	if a.Version() != 2 {
		t.Errorf("version = %d, want 2", a.Version())
	}
	if got := a.Balance().Amount.String(); got != "950" {
		t.Errorf("balance = %s, want 950", got)
	}
	if len(a.UncommittedEvents()) != 0 {
		t.Error("replayed events must not be pending")
	}
}

func TestFromHistoryRejectsCorruptStreams(t *testing.T) {
	streamID := uuid.New()
	openedEv := eventstore.StoredEvent{StreamID: streamID, Version: 0, Event: BankAccountOpened{
		AccountHolder:  "Alice",
		OverdraftLimit: decimal.Zero,
		InitialBalance: usd(t, "0"),
	}}

	t.Run("empty history", func(t *testing.T) {
		if _, err := FromHistory(nil); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("version gap", func(t *testing.T) {
		history := []eventstore.StoredEvent{
			openedEv,
			{StreamID: streamID, Version: 2, Event: MoneyDeposited{Amount: usd(t, "1.00")}},
		}
		if _, err := FromHistory(history); !errors.Is(err, ErrCorruptHistory) {
			t.Errorf("error = %v, want ErrCorruptHistory", err)
		}
	})

	t.Run("mixed streams", func(t *testing.T) {
		history := []eventstore.StoredEvent{
			openedEv,
			{StreamID: uuid.New(), Version: 1, Event: MoneyDeposited{Amount: usd(t, "1.00")}},
		}
		if _, err := FromHistory(history); !errors.Is(err, ErrCorruptHistory) {
			t.Errorf("error = %v, want ErrCorruptHistory", err)
		}
	})

	t.Run("currency drift in history", func(t *testing.T) {
		eur, _ := money.FromString("5.00", "EUR")
		history := []eventstore.StoredEvent{
			openedEv,
			{StreamID: streamID, Version: 1, Event: MoneyDeposited{Amount: eur}},
		}
		if _, err := FromHistory(history); !errors.Is(err, ErrCorruptHistory) {
			t.Errorf("error = %v, want ErrCorruptHistory", err)
		}
	})
}

func TestCommandsOnUnopenedAccountFail(t *testing.T) {
	a := newAccount()

	if err := a.Deposit(usd(t, "1.00")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Deposit error = %v, want ErrInvalidState", err)
	}
	if err := a.Withdraw(usd(t, "1.00")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Withdraw error = %v, want ErrInvalidState", err)
	}
	if err := a.Freeze(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Freeze error = %v, want ErrInvalidState", err)
	}
	if err := a.Close(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Close error = %v, want ErrInvalidState", err)
	}
	if err := a.ChangeHolderName("Bob"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ChangeHolderName error = %v, want ErrInvalidState", err)
	}
	if err := a.ApplyFee(usd(t, "1.00"), "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ApplyFee error = %v, want ErrInvalidState", err)
	}
}
