package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/punchamoorthee/bankcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	st  *store.MemoryStore
	svc *TransferService
}

func newFixture(t *testing.T, lockTimeout time.Duration) *fixture {
	t.Helper()
	st := store.NewMemoryStore(lockTimeout, zap.NewNop())
	return &fixture{st: st, svc: NewTransferService(st, domain.DefaultMaxAmount, zap.NewNop())}
}

// open creates an account for owner and funds it through a deposit.
func (f *fixture) open(t *testing.T, owner int64, balance string) domain.Account {
	t.Helper()
	acc, err := f.st.CreateAccount(context.Background(), owner, DefaultAccountType, NewAccountNumber())
	require.NoError(t, err)

	if amount := dec(balance); amount.IsPositive() {
		_, err := f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: owner, AccountID: acc.ID, Amount: amount})
		require.NoError(t, err)
	}
	return acc
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	acc, err := f.st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) transfers(t *testing.T, owner int64) []domain.TransactionRecord {
	t.Helper()
	all, err := f.st.ListTransactions(context.Background(), owner, 0)
	require.NoError(t, err)

	var out []domain.TransactionRecord
	for _, rec := range all {
		if rec.Type == domain.TypeTransfer {
			out = append(out, rec)
		}
	}
	return out
}

func TestTransfer_HappyPath(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "500")
	b := f.open(t, 2, "100")

	res, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("150"),
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	assert.True(t, dec("350").Equal(f.balance(t, a.ID)))
	assert.True(t, dec("250").Equal(f.balance(t, b.ID)))

	records := f.transfers(t, 1)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, res.Record.ID, rec.ID)
	assert.Equal(t, a.ID, *rec.FromAccountID)
	assert.Equal(t, b.ID, *rec.ToAccountID)
	assert.True(t, dec("150").Equal(rec.Amount))
	assert.Equal(t, domain.StatusSuccess, rec.Status)
}

func TestTransfer_ByAccountNumberFromDefaultAccount(t *testing.T) {
	f := newFixture(t, time.Second)
	first := f.open(t, 1, "100")
	second := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, ToAccountNumber: "  " + b.AccountNumber + " ", Amount: dec("25.50"),
	})
	require.NoError(t, err)

	assert.True(t, dec("74.50").Equal(f.balance(t, first.ID)))
	assert.True(t, dec("100").Equal(f.balance(t, second.ID)))
	assert.True(t, dec("25.50").Equal(f.balance(t, b.ID)))
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "40")
	b := f.open(t, 2, "0")

	_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("50"),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, dec("40").Equal(f.balance(t, a.ID)))
	assert.True(t, f.balance(t, b.ID).IsZero())
	assert.Empty(t, f.transfers(t, 1))
}

func TestTransfer_UnknownDestination(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "100")

	_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, ToAccountNumber: "SB0000000000", Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: 999, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.True(t, dec("100").Equal(f.balance(t, a.ID)))
	assert.Empty(t, f.transfers(t, 1))
}

func TestTransfer_SourceMustBelongToCaller(t *testing.T) {
	f := newFixture(t, time.Second)
	victim := f.open(t, 1, "100")
	thief := f.open(t, 2, "0")

	_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 2, FromAccountID: victim.ID, ToAccountID: thief.ID, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.True(t, dec("100").Equal(f.balance(t, victim.ID)))

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 3, ToAccountID: victim.ID, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound, "caller without accounts has no default source")
}

func TestTransfer_ForeignSourceRejectedWithoutLocking(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	victim := f.open(t, 1, "100")
	thief := f.open(t, 2, "0")

	// The owner is mid-transfer; a foreign caller must not queue on that row.
	holder, err := f.st.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockAccountsForUpdate(context.Background(), victim.ID)
	require.NoError(t, err)
	defer holder.Rollback(context.Background())

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 2, FromAccountID: victim.ID, ToAccountID: thief.ID, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.False(t, errors.Is(err, domain.ErrBusy))

	_, err = f.svc.Withdraw(context.Background(), domain.MovementRequest{UserID: 2, AccountID: victim.ID, Amount: dec("10")})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: 2, AccountID: victim.ID, Amount: dec("10")})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransfer_SelfTransferRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "100")

	for name, req := range map[string]domain.TransferRequest{
		"by id":      {UserID: 1, FromAccountID: a.ID, ToAccountID: a.ID, Amount: dec("10")},
		"by number":  {UserID: 1, FromAccountID: a.ID, ToAccountNumber: a.AccountNumber, Amount: dec("10")},
		"by default": {UserID: 1, ToAccountNumber: a.AccountNumber, Amount: dec("10")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Transfer(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrSelfTransfer)
			assert.True(t, dec("100").Equal(f.balance(t, a.ID)))
		})
	}
	assert.Empty(t, f.transfers(t, 1))
}

type countingStore struct {
	store.Store
	begins int
}

func (c *countingStore) Begin(ctx context.Context) (store.Tx, error) {
	c.begins++
	return c.Store.Begin(ctx)
}

func TestTransfer_InvalidRequestsFailBeforeStorage(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore(time.Second, zap.NewNop())}
	svc := NewTransferService(st, dec("999999999.99"), zap.NewNop())

	tests := []struct {
		name string
		req  domain.TransferRequest
	}{
		{"ceiling", domain.TransferRequest{UserID: 1, ToAccountID: 2, Amount: dec("1000000000.00")}},
		{"zero", domain.TransferRequest{UserID: 1, ToAccountID: 2, Amount: decimal.Zero}},
		{"negative", domain.TransferRequest{UserID: 1, ToAccountID: 2, Amount: dec("-5")}},
		{"sub-cent", domain.TransferRequest{UserID: 1, ToAccountID: 2, Amount: dec("1.005")}},
		{"no destination", domain.TransferRequest{UserID: 1, Amount: dec("1")}},
		{"both destinations", domain.TransferRequest{UserID: 1, ToAccountID: 2, ToAccountNumber: "SB1234567890", Amount: dec("1")}},
		{"malformed number", domain.TransferRequest{UserID: 1, ToAccountNumber: "12345", Amount: dec("1")}},
		{"negative id", domain.TransferRequest{UserID: 1, FromAccountID: -1, ToAccountID: 2, Amount: dec("1")}},
		{"anonymous", domain.TransferRequest{ToAccountID: 2, Amount: dec("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Transfer(context.Background(), tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
	assert.Zero(t, st.begins, "validation must not open a unit of work")
}

func TestTransfer_ConcurrentDoubleSpend(t *testing.T) {
	f := newFixture(t, 2*time.Second)
	a := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Transfer(context.Background(), domain.TransferRequest{
				UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("80"),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.True(t, dec("20").Equal(f.balance(t, a.ID)))
	assert.True(t, dec("80").Equal(f.balance(t, b.ID)))
	assert.Len(t, f.transfers(t, 1), 1)
}

func TestTransfer_ConcurrentConservation(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	accounts := []domain.Account{
		f.open(t, 1, "100"),
		f.open(t, 2, "100"),
		f.open(t, 3, "100"),
		f.open(t, 4, "100"),
	}
	total := dec("400")

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				from := accounts[(w+i)%len(accounts)]
				to := accounts[(w+2*i+1)%len(accounts)]
				_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{
					UserID: from.OwnerID, FromAccountID: from.ID, ToAccountID: to.ID,
					Amount: dec("7.25"),
				})
				switch {
				case err == nil:
					mu.Lock()
					successes++
					mu.Unlock()
				case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrSelfTransfer):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	sum := decimal.Zero
	for _, acc := range accounts {
		bal := f.balance(t, acc.ID)
		assert.False(t, bal.IsNegative(), "account %d went negative: %s", acc.ID, bal)
		sum = sum.Add(bal)
	}
	assert.True(t, total.Equal(sum), "money created or destroyed: %s", sum)

	seen := map[int64]bool{}
	for owner := int64(1); owner <= 4; owner++ {
		for _, rec := range f.transfers(t, owner) {
			seen[rec.ID] = true
		}
	}
	assert.Len(t, seen, successes, "one record per successful transfer")
}

func TestTransfer_OpposingTransfersDoNotDeadlock(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	a := f.open(t, 1, "1000")
	b := f.open(t, 2, "1000")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("1")})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.Transfer(context.Background(), domain.TransferRequest{UserID: 2, FromAccountID: b.ID, ToAccountID: a.ID, Amount: dec("1")})
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers deadlocked")
	}

	assert.True(t, dec("1000").Equal(f.balance(t, a.ID)))
	assert.True(t, dec("1000").Equal(f.balance(t, b.ID)))
}

func TestTransfer_LockWaitBounded(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	a := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	holder, err := f.st.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockAccountsForUpdate(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.True(t, domain.IsRetryable(err))

	assert.True(t, dec("100").Equal(f.balance(t, a.ID)))

	require.NoError(t, holder.Rollback(context.Background()))

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("10"),
	})
	require.NoError(t, err, "locks are free once the holder rolled back")
	assert.True(t, dec("90").Equal(f.balance(t, a.ID)))
}

func TestTransfer_ContextDeadlineWhileWaiting(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	holder, err := f.st.Begin(context.Background())
	require.NoError(t, err)
	_, err = holder.LockAccountsForUpdate(context.Background(), b.ID)
	require.NoError(t, err)
	defer holder.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.svc.Transfer(ctx, domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("10"),
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, dec("100").Equal(f.balance(t, a.ID)))
}

type failingLedgerStore struct {
	store.Store
}

func (s failingLedgerStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingLedgerTx{Tx: tx}, nil
}

type failingLedgerTx struct {
	store.Tx
}

func (failingLedgerTx) AppendTransaction(context.Context, domain.TransactionRecord) (domain.TransactionRecord, error) {
	return domain.TransactionRecord{}, errors.Join(domain.ErrStorage, errors.New("disk full"))
}

func TestTransfer_LedgerFailureRollsBackBalances(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	broken := NewTransferService(failingLedgerStore{Store: f.st}, domain.DefaultMaxAmount, zap.NewNop())
	_, err := broken.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("60"),
	})
	require.ErrorIs(t, err, domain.ErrStorage)

	assert.True(t, dec("100").Equal(f.balance(t, a.ID)))
	assert.True(t, f.balance(t, b.ID).IsZero())
	assert.Empty(t, f.transfers(t, 1))

	_, err = f.svc.Transfer(context.Background(), domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("60"),
	})
	require.NoError(t, err, "rolled back unit must release its locks")
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "100")
	b := f.open(t, 2, "0")

	req := domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("30"), IdempotencyKey: "key-1",
	}
	first, err := f.svc.Transfer(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.True(t, first.Record.Amount.Equal(second.Record.Amount))

	assert.True(t, dec("70").Equal(f.balance(t, a.ID)))
	assert.Len(t, f.transfers(t, 1), 1)

	req.Amount = dec("31")
	_, err = f.svc.Transfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestTransfer_FailedAttemptReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "10")
	b := f.open(t, 2, "0")

	req := domain.TransferRequest{
		UserID: 1, FromAccountID: a.ID, ToAccountID: b.ID, Amount: dec("20"), IdempotencyKey: "retry-me",
	}
	_, err := f.svc.Transfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: 1, AccountID: a.ID, Amount: dec("10")})
	require.NoError(t, err)

	res, err := f.svc.Transfer(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, f.balance(t, a.ID).IsZero())
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.open(t, 1, "0")

	dep, err := f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: 1, Amount: dec("75.10")})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeDeposit, dep.Record.Type)
	assert.Nil(t, dep.Record.FromAccountID)
	assert.Equal(t, a.ID, *dep.Record.ToAccountID)

	_, err = f.svc.Withdraw(context.Background(), domain.MovementRequest{UserID: 1, AccountID: a.ID, Amount: dec("100")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	wd, err := f.svc.Withdraw(context.Background(), domain.MovementRequest{UserID: 1, AccountID: a.ID, Amount: dec("75.10")})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeWithdrawal, wd.Record.Type)
	assert.Equal(t, a.ID, *wd.Record.FromAccountID)
	assert.Nil(t, wd.Record.ToAccountID)
	assert.True(t, f.balance(t, a.ID).IsZero())

	_, err = f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: 2, AccountID: a.ID, Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.svc.Deposit(context.Background(), domain.MovementRequest{UserID: 1, AccountID: a.ID, Amount: dec("1000000000")})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}
