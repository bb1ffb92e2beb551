package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MemoryStore keeps accounts and the ledger in process memory. Each account
// carries its own row lock; a unit of work holds the locks it took until it
// commits or rolls back, exactly like SELECT ... FOR UPDATE.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[int64]*memAccount
	byNumber    map[string]int64
	records     []domain.TransactionRecord
	keys        map[string]*domain.IdempotencyRecord
	nextAccount int64
	nextRecord  atomic.Int64

	lockTimeout time.Duration
	log         *zap.Logger
	now         func() time.Time
}

type memAccount struct {
	state domain.Account // committed state, guarded by MemoryStore.mu
	lock  chan struct{}
}

func NewMemoryStore(lockTimeout time.Duration, log *zap.Logger) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		accounts:    make(map[int64]*memAccount),
		byNumber:    make(map[string]int64),
		keys:        make(map[string]*domain.IdempotencyRecord),
		lockTimeout: lockTimeout,
		log:         log,
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: tx begin failed: %w", domain.ErrTimeout, err)
	}
	return &memTx{
		s:        s,
		locked:   make(map[int64]*memAccount),
		balances: make(map[int64]decimal.Decimal),
		reserved: make(map[string]*domain.IdempotencyRecord),
	}, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, ownerID int64, accountType, number string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNumber[number]; ok {
		return domain.Account{}, ErrDuplicateAccountNumber
	}
	s.nextAccount++
	acc := domain.Account{
		ID:            s.nextAccount,
		OwnerID:       ownerID,
		AccountNumber: number,
		Type:          accountType,
		Balance:       decimal.Zero,
		CreatedAt:     s.now(),
	}
	s.accounts[acc.ID] = &memAccount{state: acc, lock: make(chan struct{}, 1)}
	s.byNumber[number] = acc.ID
	return acc, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a.state, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, ownerID int64) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accounts []domain.Account
	for _, a := range s.accounts {
		if a.state.OwnerID == ownerID {
			accounts = append(accounts, a.state)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, ownerID int64, limit int) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owns := func(id *int64) bool {
		if id == nil {
			return false
		}
		a, ok := s.accounts[*id]
		return ok && a.state.OwnerID == ownerID
	}

	var records []domain.TransactionRecord
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(records) < limit); i-- {
		rec := s.records[i]
		if owns(rec.FromAccountID) || owns(rec.ToAccountID) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *MemoryStore) lookup(id int64) (*memAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok
}

type memTx struct {
	s        *MemoryStore
	locked   map[int64]*memAccount
	balances map[int64]decimal.Decimal
	records  []domain.TransactionRecord
	reserved map[string]*domain.IdempotencyRecord
	done     bool
}

func (t *memTx) LockAccountsForUpdate(ctx context.Context, ids ...int64) (map[int64]domain.Account, error) {
	if t.done {
		return nil, errTxDone
	}

	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	accounts := make(map[int64]domain.Account, len(ordered))
	for _, id := range ordered {
		a, ok := t.s.lookup(id)
		if !ok {
			return nil, domain.ErrAccountNotFound
		}
		if _, held := t.locked[id]; !held {
			if err := t.acquire(ctx, a); err != nil {
				return nil, err
			}
			t.locked[id] = a
			t.s.mu.RLock()
			t.balances[id] = a.state.Balance
			t.s.mu.RUnlock()
		}

		t.s.mu.RLock()
		acc := a.state
		t.s.mu.RUnlock()
		acc.Balance = t.balances[id]
		accounts[id] = acc
	}
	return accounts, nil
}

func (t *memTx) acquire(ctx context.Context, a *memAccount) error {
	timer := time.NewTimer(t.s.lockTimeout)
	defer timer.Stop()

	select {
	case a.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait exceeded %s", domain.ErrBusy, t.s.lockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: lock acquisition: %w", domain.ErrTimeout, ctx.Err())
	}
}

func (t *memTx) ApplyBalanceDelta(_ context.Context, id int64, delta decimal.Decimal) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.s.lookup(id); !ok {
		return domain.ErrAccountNotFound
	}
	if _, held := t.locked[id]; !held {
		return fmt.Errorf("%w: account %d is not locked by this unit of work", domain.ErrStorage, id)
	}

	next := t.balances[id].Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %d", domain.ErrInsufficientFunds, id)
	}
	if next.GreaterThan(domain.MaxBalance) {
		return fmt.Errorf("%w: account %d balance would exceed %s", domain.ErrInvalidRequest, id, domain.MaxBalance.StringFixed(domain.AmountScale))
	}
	t.balances[id] = next
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	return t.s.GetAccount(ctx, id)
}

func (t *memTx) FindByAccountNumber(_ context.Context, number string) (domain.Account, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	id, ok := t.s.byNumber[number]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return t.s.accounts[id].state, nil
}

func (t *memTx) DefaultAccount(ctx context.Context, ownerID int64) (domain.Account, error) {
	accounts, err := t.s.ListAccounts(ctx, ownerID)
	if err != nil {
		return domain.Account{}, err
	}
	if len(accounts) == 0 {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (t *memTx) AppendTransaction(_ context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	if t.done {
		return domain.TransactionRecord{}, errTxDone
	}
	rec.ID = t.s.nextRecord.Add(1)
	rec.CreatedAt = t.s.now()
	t.records = append(t.records, rec)
	return rec, nil
}

func (t *memTx) ReserveIdempotencyKey(_ context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	existing, ok := t.s.keys[key]
	if !ok {
		t.s.keys[key] = &domain.IdempotencyRecord{Key: key, RequestHash: requestHash}
		t.reserved[key] = t.s.keys[key]
		return nil, nil
	}
	if _, mine := t.reserved[key]; mine || !existing.Completed {
		return nil, domain.ErrIdempotencyConflict
	}
	cp := *existing
	return &cp, nil
}

func (t *memTx) CompleteIdempotencyKey(_ context.Context, key string, transactionID int64, response []byte) error {
	rec, ok := t.reserved[key]
	if !ok {
		return fmt.Errorf("%w: idempotency key %q not reserved by this unit of work", domain.ErrStorage, key)
	}
	t.s.mu.Lock()
	rec.TransactionID = transactionID
	rec.Response = json.RawMessage(slices.Clone(response))
	t.s.mu.Unlock()
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		t.rollback()
		return fmt.Errorf("%w: tx commit failed: %w", domain.ErrTimeout, err)
	}

	t.s.mu.Lock()
	for id, a := range t.locked {
		a.state.Balance = t.balances[id]
	}
	t.s.records = append(t.s.records, t.records...)
	for key, rec := range t.reserved {
		if rec.Response == nil {
			delete(t.s.keys, key)
			continue
		}
		rec.Completed = true
	}
	t.s.mu.Unlock()

	t.release()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.rollback()
	return nil
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	for key := range t.reserved {
		delete(t.s.keys, key)
	}
	t.s.mu.Unlock()
	t.release()
}

func (t *memTx) release() {
	for _, a := range t.locked {
		<-a.lock
	}
	t.locked = nil
	t.done = true
}

var errTxDone = fmt.Errorf("%w: unit of work already finished", domain.ErrStorage)
