package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/punchamoorthee/bankcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is the committed (or replayed) ledger record of a money movement.
type Result struct {
	Record   domain.TransactionRecord `json:"transaction"`
	Replayed bool                     `json:"-"`
}

// TransferService is the only writer of balances and ledger rows.
type TransferService struct {
	store     store.Store
	maxAmount decimal.Decimal
	log       *zap.Logger
}

func NewTransferService(s store.Store, maxAmount decimal.Decimal, log *zap.Logger) *TransferService {
	if !maxAmount.IsPositive() {
		maxAmount = domain.DefaultMaxAmount
	}
	return &TransferService{store: s, maxAmount: maxAmount, log: log}
}

// Transfer moves req.Amount from the caller's source account to the destination
// as one unit of work: resolve, lock both rows in id order, check, apply, record, commit.
// Any failure after the unit begins rolls it back before returning.
func (s *TransferService) Transfer(ctx context.Context, req domain.TransferRequest) (*Result, error) {
	start := time.Now()
	res, err := s.transfer(ctx, req)
	s.observe(domain.TypeTransfer, start, res, err,
		zap.Int64("user_id", req.UserID),
		zap.Int64("from_account_id", req.FromAccountID),
		zap.Int64("to_account_id", req.ToAccountID),
		zap.String("to_account_number", req.ToAccountNumber),
		zap.String("amount", req.Amount.String()),
	)
	return res, err
}

func (s *TransferService) transfer(ctx context.Context, req domain.TransferRequest) (*Result, error) {
	// 1. Validate before touching storage
	if err := s.validateTransfer(&req); err != nil {
		return nil, err
	}

	hash := requestHash(domain.TypeTransfer, req.UserID, req.FromAccountID, req.ToAccountID, req.ToAccountNumber, req.Amount)

	return s.inUnitOfWork(ctx, req.IdempotencyKey, hash, func(tx store.Tx) (domain.TransactionRecord, error) {
		// 2. Resolve both ends
		fromID, err := s.resolveSource(ctx, tx, req.UserID, req.FromAccountID)
		if err != nil {
			return domain.TransactionRecord{}, err
		}
		toID := req.ToAccountID
		if req.ToAccountNumber != "" {
			dest, err := tx.FindByAccountNumber(ctx, req.ToAccountNumber)
			if err != nil {
				return domain.TransactionRecord{}, err
			}
			toID = dest.ID
		}

		// 3. Deterministic locking, only after the source is known to be the caller's
		before, err := tx.LockAccountsForUpdate(ctx, lockOrder(fromID, toID)...)
		if err != nil {
			return domain.TransactionRecord{}, err
		}

		// 4. Business checks against the locked balances
		if err := checkDistinct(fromID, toID); err != nil {
			return domain.TransactionRecord{}, err
		}
		if err := checkFunds(before[fromID].Balance, req.Amount); err != nil {
			return domain.TransactionRecord{}, err
		}

		// 5. Apply both legs
		if err := tx.ApplyBalanceDelta(ctx, fromID, req.Amount.Neg()); err != nil {
			return domain.TransactionRecord{}, err
		}
		if err := tx.ApplyBalanceDelta(ctx, toID, req.Amount); err != nil {
			return domain.TransactionRecord{}, err
		}
		if err := s.verify(ctx, tx, before, decimal.Zero); err != nil {
			return domain.TransactionRecord{}, err
		}

		// 6. Record
		return tx.AppendTransaction(ctx, domain.TransactionRecord{
			FromAccountID: &fromID,
			ToAccountID:   &toID,
			Amount:        req.Amount,
			Type:          domain.TypeTransfer,
			Status:        domain.StatusSuccess,
		})
	})
}

// Deposit credits one of the caller's accounts.
func (s *TransferService) Deposit(ctx context.Context, req domain.MovementRequest) (*Result, error) {
	start := time.Now()
	res, err := s.movement(ctx, domain.TypeDeposit, req)
	s.observe(domain.TypeDeposit, start, res, err,
		zap.Int64("user_id", req.UserID),
		zap.Int64("account_id", req.AccountID),
		zap.String("amount", req.Amount.String()),
	)
	return res, err
}

// Withdraw debits one of the caller's accounts, never below zero.
func (s *TransferService) Withdraw(ctx context.Context, req domain.MovementRequest) (*Result, error) {
	start := time.Now()
	res, err := s.movement(ctx, domain.TypeWithdrawal, req)
	s.observe(domain.TypeWithdrawal, start, res, err,
		zap.Int64("user_id", req.UserID),
		zap.Int64("account_id", req.AccountID),
		zap.String("amount", req.Amount.String()),
	)
	return res, err
}

func (s *TransferService) movement(ctx context.Context, kind string, req domain.MovementRequest) (*Result, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: caller identity is required", domain.ErrInvalidRequest)
	}
	if req.AccountID < 0 {
		return nil, fmt.Errorf("%w: account id must be positive", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateAmount(req.Amount, s.maxAmount); err != nil {
		return nil, err
	}

	hash := requestHash(kind, req.UserID, req.AccountID, 0, "", req.Amount)

	return s.inUnitOfWork(ctx, req.IdempotencyKey, hash, func(tx store.Tx) (domain.TransactionRecord, error) {
		id, err := s.resolveSource(ctx, tx, req.UserID, req.AccountID)
		if err != nil {
			return domain.TransactionRecord{}, err
		}

		before, err := tx.LockAccountsForUpdate(ctx, id)
		if err != nil {
			return domain.TransactionRecord{}, err
		}

		rec := domain.TransactionRecord{Amount: req.Amount, Type: kind, Status: domain.StatusSuccess}
		delta := req.Amount
		if kind == domain.TypeWithdrawal {
			if err := checkFunds(before[id].Balance, req.Amount); err != nil {
				return domain.TransactionRecord{}, err
			}
			delta = req.Amount.Neg()
			rec.FromAccountID = &id
		} else {
			rec.ToAccountID = &id
		}

		if err := tx.ApplyBalanceDelta(ctx, id, delta); err != nil {
			return domain.TransactionRecord{}, err
		}
		if err := s.verify(ctx, tx, before, delta); err != nil {
			return domain.TransactionRecord{}, err
		}

		return tx.AppendTransaction(ctx, rec)
	})
}

// inUnitOfWork runs fn inside a fresh unit of work, handling idempotent replay
// and commit. The deferred rollback is a no-op once Commit succeeded.
func (s *TransferService) inUnitOfWork(ctx context.Context, key, hash string, fn func(tx store.Tx) (domain.TransactionRecord, error)) (*Result, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.rollback(ctx, tx)

	if key != "" {
		existing, err := tx.ReserveIdempotencyKey(ctx, key, hash)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replay(existing, hash)
		}
	}

	rec, err := fn(tx)
	if err != nil {
		return nil, err
	}

	if key != "" {
		body, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: encode idempotent response: %w", domain.ErrStorage, err)
		}
		if err := tx.CompleteIdempotencyKey(ctx, key, rec.ID, body); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Result{Record: rec}, nil
}

func replay(existing *domain.IdempotencyRecord, hash string) (*Result, error) {
	if existing.RequestHash != hash {
		return nil, domain.ErrIdempotencyMismatch
	}
	if !existing.Completed {
		return nil, domain.ErrIdempotencyConflict
	}
	var rec domain.TransactionRecord
	if err := json.Unmarshal(existing.Response, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode idempotent response: %w", domain.ErrStorage, err)
	}
	return &Result{Record: rec, Replayed: true}, nil
}

func (s *TransferService) rollback(ctx context.Context, tx store.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.log.Error("error rolling back unit of work", zap.Error(err))
	}
}

// verify re-reads the locked rows and checks them against before.
func (s *TransferService) verify(ctx context.Context, tx store.Tx, before map[int64]domain.Account, net decimal.Decimal) error {
	ids := make([]int64, 0, len(before))
	for id := range before {
		ids = append(ids, id)
	}
	after, err := tx.LockAccountsForUpdate(ctx, ids...)
	if err != nil {
		return err
	}
	return checkBalances(before, after, net)
}

// resolveSource picks the caller's account to debit or credit. Ownership is
// checked with a plain read so other users' rows are never locked.
func (s *TransferService) resolveSource(ctx context.Context, tx store.Tx, userID, accountID int64) (int64, error) {
	if accountID == 0 {
		acc, err := tx.DefaultAccount(ctx, userID)
		if err != nil {
			return 0, err
		}
		return acc.ID, nil
	}

	acc, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if acc.OwnerID != userID {
		return 0, domain.ErrAccountNotFound
	}
	return acc.ID, nil
}

func (s *TransferService) validateTransfer(req *domain.TransferRequest) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: caller identity is required", domain.ErrInvalidRequest)
	}
	if req.FromAccountID < 0 || req.ToAccountID < 0 {
		return fmt.Errorf("%w: account id must be positive", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateAmount(req.Amount, s.maxAmount); err != nil {
		return err
	}

	switch {
	case req.ToAccountID != 0 && req.ToAccountNumber != "":
		return fmt.Errorf("%w: give either to_account_id or to_account_number, not both", domain.ErrInvalidRequest)
	case req.ToAccountNumber != "":
		number, err := domain.NormalizeAccountNumber(req.ToAccountNumber)
		if err != nil {
			return err
		}
		req.ToAccountNumber = number
	case req.ToAccountID == 0:
		return fmt.Errorf("%w: destination account is required", domain.ErrInvalidRequest)
	}
	return nil
}

func (s *TransferService) observe(op string, start time.Time, res *Result, err error, fields ...zap.Field) {
	label := outcome(res, err)
	operationsTotal.WithLabelValues(op, label).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	fields = append(fields, zap.String("operation", op), zap.String("outcome", label))
	switch {
	case err == nil:
		fields = append(fields, zap.Int64("transaction_id", res.Record.ID))
		s.log.Info("money movement committed", fields...)
	case domain.IsClientError(err) || domain.IsRetryable(err):
		s.log.Warn("money movement rejected", append(fields, zap.Error(err))...)
	default:
		s.log.Error("money movement failed", append(fields, zap.Error(err))...)
	}
}

func requestHash(op string, userID, a, b int64, number string, amount decimal.Decimal) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d|%s|%s", op, userID, a, b, number, amount.StringFixed(domain.AmountScale))))
	return hex.EncodeToString(sum[:])
}
