package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const accountColumns = "id, user_id, account_number, type, balance, created_at"

type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
	log         *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration, log *zap.Logger) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout, log: log}
}

// Connect opens and pings a pool for connString.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// Begin starts a READ COMMITTED transaction so that a FOR UPDATE issued after
// a competing commit observes the committed balance instead of aborting.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify("tx begin failed", err)
	}

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, classify("set lock timeout failed", err)
	}

	return &pgTx{tx: tx, locked: make(map[int64]bool), log: s.log}, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, ownerID int64, accountType, number string) (domain.Account, error) {
	row := s.db.QueryRow(ctx,
		"INSERT INTO accounts (user_id, account_number, type) VALUES ($1, $2, $3) RETURNING "+accountColumns,
		ownerID, number, accountType)

	acc, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Account{}, ErrDuplicateAccountNumber
		}
		return domain.Account{}, classify("account insert failed", err)
	}
	return acc, nil
}

// GetAccount retrieves a single account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return domain.Account{}, notFoundOr("account query failed", err)
	}
	return acc, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, ownerID int64) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, classify("accounts query failed", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, classify("account scan failed", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("accounts iteration failed", err)
	}
	return accounts, nil
}

// ListTransactions returns records touching any of the owner's accounts, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, ownerID int64, limit int) ([]domain.TransactionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.from_account_id, t.to_account_id, t.amount, t.type, t.status, t.created_at
		FROM transactions t
		WHERE t.from_account_id IN (SELECT id FROM accounts WHERE user_id = $1)
		   OR t.to_account_id IN (SELECT id FROM accounts WHERE user_id = $1)
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, classify("transactions query failed", err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var rec domain.TransactionRecord
		var amount pgtype.Numeric
		err := rows.Scan(&rec.ID, &rec.FromAccountID, &rec.ToAccountID, &amount, &rec.Type, &rec.Status, &rec.CreatedAt)
		if err == nil {
			rec.Amount, err = fromNumeric(amount)
		}
		if err != nil {
			s.log.Error("error scanning transaction", zap.Error(err))
			return nil, classify("transaction scan failed", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("transactions iteration failed", err)
	}
	return records, nil
}

type pgTx struct {
	tx     pgx.Tx
	locked map[int64]bool
	log    *zap.Logger
}

func (t *pgTx) LockAccountsForUpdate(ctx context.Context, ids ...int64) (map[int64]domain.Account, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	accounts := make(map[int64]domain.Account, len(ordered))
	for _, id := range ordered {
		acc, err := scanAccount(t.tx.QueryRow(ctx,
			"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return nil, notFoundOr("lock acquisition failed", err)
		}
		t.locked[id] = true
		accounts[id] = acc
	}
	return accounts, nil
}

func (t *pgTx) ApplyBalanceDelta(ctx context.Context, id int64, delta decimal.Decimal) error {
	if !t.locked[id] {
		return fmt.Errorf("%w: account %d is not locked by this unit of work", domain.ErrStorage, id)
	}

	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0", ToNumeric(delta), id)
	if err != nil {
		return classify("balance update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %d", domain.ErrInsufficientFunds, id)
	}
	return nil
}

func (t *pgTx) GetAccount(ctx context.Context, id int64) (domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return domain.Account{}, notFoundOr("account query failed", err)
	}
	return acc, nil
}

func (t *pgTx) FindByAccountNumber(ctx context.Context, number string) (domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE account_number = $1", number))
	if err != nil {
		return domain.Account{}, notFoundOr("account lookup failed", err)
	}
	return acc, nil
}

func (t *pgTx) DefaultAccount(ctx context.Context, ownerID int64) (domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY id LIMIT 1", ownerID))
	if err != nil {
		return domain.Account{}, notFoundOr("default account lookup failed", err)
	}
	return acc, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec domain.TransactionRecord) (domain.TransactionRecord, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (from_account_id, to_account_id, amount, type, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		rec.FromAccountID, rec.ToAccountID, ToNumeric(rec.Amount), rec.Type, rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return domain.TransactionRecord{}, classify("transaction insert failed", err)
	}
	return rec, nil
}

// ReserveIdempotencyKey inserts key as in progress. When another unit holds the
// same key the insert waits on the unique index until that unit finishes; a
// committed key is then read back and returned for replay.
func (t *pgTx) ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	existing, err := t.selectIdempotencyKey(ctx, key)
	if err != nil || existing != nil {
		return existing, err
	}

	tag, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress') ON CONFLICT (key) DO NOTHING",
		key, requestHash,
	)
	if err != nil {
		return nil, classify("key reservation failed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	existing, err = t.selectIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrIdempotencyConflict
	}
	return existing, nil
}

func (t *pgTx) selectIdempotencyKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status string
	var txID *int64
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, status, transaction_id, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.RequestHash, &status, &txID, &rec.Response)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("idempotency query failed", err)
	}
	rec.Completed = status == "completed"
	if txID != nil {
		rec.TransactionID = *txID
	}
	return &rec, nil
}

func (t *pgTx) CompleteIdempotencyKey(ctx context.Context, key string, transactionID int64, response []byte) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', transaction_id = $1, response_body = $2 WHERE key = $3",
		transactionID, response, key,
	)
	if err != nil {
		return classify("idempotency update failed", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify("tx commit failed", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.log.Error("error rolling back transaction", zap.Error(err))
		return classify("tx rollback failed", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	var balance pgtype.Numeric
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.AccountNumber, &acc.Type, &balance, &acc.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	var err error
	acc.Balance, err = fromNumeric(balance)
	return acc, err
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAccountNotFound
	}
	return classify(op, err)
}

// classify maps driver errors onto the domain error kinds.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001": // lock_not_available, deadlock_detected, serialization_failure
			return fmt.Errorf("%w: %s: %w", domain.ErrBusy, op, err)
		case "57014": // query_canceled
			return fmt.Errorf("%w: %s: %w", domain.ErrTimeout, op, err)
		case "23514": // check_violation on balance >= 0
			return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, op)
		case "22003": // numeric_value_out_of_range on NUMERIC(15,2)
			return fmt.Errorf("%w: %s: balance would exceed %s", domain.ErrInvalidRequest, op, domain.MaxBalance.StringFixed(domain.AmountScale))
		}
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}
