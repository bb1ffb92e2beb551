package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Record type tags.
const (
	TypeTransfer   = "transfer"
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
)

// Record statuses. Only StatusSuccess is ever written; failed operations leave no row.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Account represents a user's balance-holding account.
type Account struct {
	ID            int64           `json:"id"`
	OwnerID       int64           `json:"owner_id"`
	AccountNumber string          `json:"account_number"`
	Type          string          `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TransferRequest is built per call by the HTTP layer. It is never persisted.
// Exactly one of ToAccountID and ToAccountNumber identifies the destination.
// A zero FromAccountID selects the caller's default account.
type TransferRequest struct {
	UserID          int64           `json:"-"`
	FromAccountID   int64           `json:"from_account_id,omitempty"`
	ToAccountID     int64           `json:"to_account_id,omitempty"`
	ToAccountNumber string          `json:"to_account_number,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	IdempotencyKey  string          `json:"-"`
}

// MovementRequest drives a single-account deposit or withdrawal.
type MovementRequest struct {
	UserID         int64           `json:"-"`
	AccountID      int64           `json:"account_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"-"`
}

// TransactionRecord is the immutable ledger row written when a money movement commits.
// Deposits have no source and withdrawals no destination.
type TransactionRecord struct {
	ID            int64           `json:"id"`
	FromAccountID *int64          `json:"from_account_id,omitempty"`
	ToAccountID   *int64          `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key           string
	RequestHash   string
	Completed     bool
	TransactionID int64
	Response      json.RawMessage
}
