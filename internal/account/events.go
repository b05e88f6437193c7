package account

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/corebank/internal/money"
)

// Wire tags of the account event family. Tags are part of the storage
// schema: renaming one breaks replay of existing streams.
const (
	TypeBankAccountOpened        = "BankAccountOpened"
	TypeMoneyDeposited           = "MoneyDeposited"
	TypeMoneyWithdrawn           = "MoneyWithdrawn"
	TypeAccountFrozen            = "AccountFrozen"
	TypeAccountUnfrozen          = "AccountUnfrozen"
	TypeAccountClosed            = "AccountClosed"
	TypeOverdraftLimitChanged    = "OverdraftLimitChanged"
	TypeAccountHolderNameChanged = "AccountHolderNameChanged"
	TypeFeeApplied               = "FeeApplied"
)

// BankAccountOpened is the first event of every account stream. The account
// id is not part of the payload; the stream id carries it.
type BankAccountOpened struct {
	AccountHolder  string          `json:"accountHolder"`
	OverdraftLimit decimal.Decimal `json:"overdraftLimit"`
	InitialBalance money.Money     `json:"initialBalance"`
}

func (BankAccountOpened) EventType() string { return TypeBankAccountOpened }

// MoneyDeposited credits the balance.
type MoneyDeposited struct {
	Amount money.Money `json:"amount"`
}

func (MoneyDeposited) EventType() string { return TypeMoneyDeposited }

// MoneyWithdrawn debits the balance.
type MoneyWithdrawn struct {
	Amount money.Money `json:"amount"`
}

func (MoneyWithdrawn) EventType() string { return TypeMoneyWithdrawn }

// AccountFrozen suspends withdrawals, limit changes, and closing.
type AccountFrozen struct{}

func (AccountFrozen) EventType() string { return TypeAccountFrozen }

// AccountUnfrozen lifts a freeze.
type AccountUnfrozen struct{}

func (AccountUnfrozen) EventType() string { return TypeAccountUnfrozen }

// AccountClosed is terminal; no further events follow it.
type AccountClosed struct{}

func (AccountClosed) EventType() string { return TypeAccountClosed }

// OverdraftLimitChanged replaces the overdraft limit.
type OverdraftLimitChanged struct {
	NewOverdraftLimit decimal.Decimal `json:"newOverdraftLimit"`
}

func (OverdraftLimitChanged) EventType() string { return TypeOverdraftLimitChanged }

// AccountHolderNameChanged replaces the holder name.
type AccountHolderNameChanged struct {
	NewAccountHolderName string `json:"newAccountHolderName"`
}

func (AccountHolderNameChanged) EventType() string { return TypeAccountHolderNameChanged }

// FeeApplied debits a fee. Fees may push the balance past the overdraft
// limit; only withdrawals are bound by it.
type FeeApplied struct {
	FeeAmount money.Money `json:"feeAmount"`
	Reason    string      `json:"reason"`
}

func (FeeApplied) EventType() string { return TypeFeeApplied }
