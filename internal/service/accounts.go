package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/punchamoorthee/bankcore/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultAccountType  = "savings"
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100

	maxNumberAttempts = 10
)

var accountTypes = map[string]bool{"savings": true, "checking": true}

// AccountService serves the read paths and account opening. It never touches balances.
type AccountService struct {
	store store.Store
	log   *zap.Logger
}

func NewAccountService(s store.Store, log *zap.Logger) *AccountService {
	return &AccountService{store: s, log: log}
}

// OpenAccount creates a zero-balance account with a fresh public number.
func (a *AccountService) OpenAccount(ctx context.Context, ownerID int64, accountType string) (domain.Account, error) {
	if ownerID <= 0 {
		return domain.Account{}, fmt.Errorf("%w: caller identity is required", domain.ErrInvalidRequest)
	}
	if accountType == "" {
		accountType = DefaultAccountType
	}
	if !accountTypes[accountType] {
		return domain.Account{}, fmt.Errorf("%w: unknown account type %q", domain.ErrInvalidRequest, accountType)
	}

	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		acc, err := a.store.CreateAccount(ctx, ownerID, accountType, NewAccountNumber())
		if errors.Is(err, store.ErrDuplicateAccountNumber) {
			a.log.Warn("account number collision", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return domain.Account{}, err
		}
		a.log.Info("account opened", zap.Int64("account_id", acc.ID), zap.Int64("user_id", ownerID))
		return acc, nil
	}
	return domain.Account{}, fmt.Errorf("%w: failed to generate unique account number", domain.ErrStorage)
}

// NewAccountNumber returns "SB" followed by ten random digits.
func NewAccountNumber() string {
	return fmt.Sprintf("SB%d", 1_000_000_000+rand.Int64N(9_000_000_000))
}

func (a *AccountService) Accounts(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	return a.store.ListAccounts(ctx, ownerID)
}

// Account returns the account only if ownerID owns it; otherwise it is reported missing.
func (a *AccountService) Account(ctx context.Context, ownerID, id int64) (domain.Account, error) {
	acc, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if acc.OwnerID != ownerID {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

func (a *AccountService) History(ctx context.Context, ownerID int64, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return a.store.ListTransactions(ctx, ownerID, limit)
}
