package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultLockTimeout bounds how long a unit of work waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// ErrDuplicateAccountNumber is returned by CreateAccount when the number is taken.
var ErrDuplicateAccountNumber = errors.New("account number already exists")

// Tx is one atomic unit of work. Nothing written through it is visible to
// other units until Commit; Rollback discards everything and releases locks.
// Rollback after Commit is a no-op.
type Tx interface {
	// LockAccountsForUpdate locks the given accounts in ascending id order and
	// returns them as observed under the lock. Duplicate ids are locked once.
	LockAccountsForUpdate(ctx context.Context, ids ...int64) (map[int64]domain.Account, error)
	// ApplyBalanceDelta adds delta to a locked account. It refuses to take a balance below zero.
	ApplyBalanceDelta(ctx context.Context, id int64, delta decimal.Decimal) error
	// GetAccount reads an account without locking it.
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	FindByAccountNumber(ctx context.Context, number string) (domain.Account, error)
	// DefaultAccount resolves the owner's lowest-id account.
	DefaultAccount(ctx context.Context, ownerID int64) (domain.Account, error)
	// AppendTransaction stores rec and returns it with ID and CreatedAt assigned.
	AppendTransaction(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error)
	// ReserveIdempotencyKey returns the existing record for key, or reserves
	// key for this unit and returns nil.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, key string, transactionID int64, response []byte) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store hands out units of work and serves the lock-free read paths.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	CreateAccount(ctx context.Context, ownerID int64, accountType, number string) (domain.Account, error)
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	ListAccounts(ctx context.Context, ownerID int64) ([]domain.Account, error)
	ListTransactions(ctx context.Context, ownerID int64, limit int) ([]domain.TransactionRecord, error)
	Close()
}
