package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type ledgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(db *pgxpool.Pool) LedgerStore {
	return &ledgerStore{db: db}
}

func (s *ledgerStore) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const accountColumns = `id, owner_ref, account_type, currency, balance, held_balance, allow_negative, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.WalletAccount, error) {
	var a domain.WalletAccount
	err := row.Scan(&a.ID, &a.OwnerRef, &a.AccountType, &a.Currency, &a.Balance, &a.HeldBalance,
		&a.AllowNegative, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts the account or returns the existing one for the same
// (owner, type, currency).
func (s *ledgerStore) CreateAccount(ctx context.Context, acc *domain.WalletAccount) (*domain.WalletAccount, error) {
	query := `
		INSERT INTO wallet_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, 0, 0, $5, TRUE, $6, $6)
		ON CONFLICT (COALESCE(owner_ref, ''), account_type, currency) DO NOTHING
		RETURNING ` + accountColumns

	created, err := scanAccount(s.db.QueryRow(ctx, query,
		acc.ID, acc.OwnerRef, acc.AccountType, acc.Currency, acc.AllowNegative, acc.CreatedAt))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}
	return s.FindAccount(ctx, domain.AccountKey{OwnerRef: acc.OwnerRef, AccountType: acc.AccountType, Currency: acc.Currency})
}

func (s *ledgerStore) GetAccount(ctx context.Context, id string) (*domain.WalletAccount, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM wallet_accounts WHERE id = $1`, id))
}

func (s *ledgerStore) FindAccount(ctx context.Context, key domain.AccountKey) (*domain.WalletAccount, error) {
	owner := ""
	if key.OwnerRef != nil {
		owner = *key.OwnerRef
	}
	query := `SELECT ` + accountColumns + ` FROM wallet_accounts
		WHERE COALESCE(owner_ref, '') = $1 AND account_type = $2 AND currency = $3`
	return scanAccount(s.db.QueryRow(ctx, query, owner, key.AccountType, key.Currency))
}

const transactionColumns = `id, idempotency_key, type, status, currency, amount, fee, description, external_ref, review_flag, metadata, created_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t    domain.Transaction
		meta []byte
	)
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.Type, &t.Status, &t.Currency, &t.Amount, &t.Fee,
		&t.Description, &t.ExternalRef, &t.ReviewFlag, &meta, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *ledgerStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *ledgerStore) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

const entryColumns = `id, transaction_id, account_id, direction, amount, balance_after, created_at`

func collectEntries(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	defer rows.Close()
	var out []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Direction, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *ledgerStore) ListEntriesByTransaction(ctx context.Context, txID string) ([]*domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE transaction_id = $1 ORDER BY id`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *ledgerStore) ListEntriesByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *ledgerStore) SumEntries(ctx context.Context, accountID string) (money.Amount, money.Amount, error) {
	var debits, credits money.Amount
	err := s.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE direction = 'DEBIT'), 0),
			COALESCE(SUM(amount) FILTER (WHERE direction = 'CREDIT'), 0)
		FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&debits, &credits)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return debits, credits, nil
}

const holdColumns = `id, idempotency_key, account_id, amount, reason, status, expires_at, pinned, created_at, updated_at`

func scanHold(row pgx.Row) (*domain.BalanceHold, error) {
	var h domain.BalanceHold
	err := row.Scan(&h.ID, &h.IdempotencyKey, &h.AccountID, &h.Amount, &h.Reason, &h.Status, &h.ExpiresAt, &h.Pinned, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, fmt.Errorf("failed to scan hold: %w", err)
	}
	return &h, nil
}

func (s *ledgerStore) GetHold(ctx context.Context, id string) (*domain.BalanceHold, error) {
	return scanHold(s.db.QueryRow(ctx, `SELECT `+holdColumns+` FROM balance_holds WHERE id = $1`, id))
}

func (s *ledgerStore) GetHoldByKey(ctx context.Context, key string) (*domain.BalanceHold, error) {
	return scanHold(s.db.QueryRow(ctx, `SELECT `+holdColumns+` FROM balance_holds WHERE idempotency_key = $1`, key))
}

func (s *ledgerStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*domain.BalanceHold, error) {
	rows, err := s.db.Query(ctx, `SELECT `+holdColumns+` FROM balance_holds
		WHERE status = 'ACTIVE' AND NOT pinned AND expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	defer rows.Close()

	var out []*domain.BalanceHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type ledgerTx struct {
	tx pgx.Tx
}

// LockAccounts takes row locks in ascending id order so two postings touching the same
// pair of accounts can never deadlock.
func (t *ledgerTx) LockAccounts(ctx context.Context, ids []string) (map[string]*domain.WalletAccount, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*domain.WalletAccount, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		acc, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM wallet_accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

func (t *ledgerTx) UpdateAccounts(ctx context.Context, accounts []*domain.WalletAccount) error {
	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(`UPDATE wallet_accounts SET balance = $2, held_balance = $3, is_active = $4, updated_at = $5 WHERE id = $1`,
			a.ID, a.Balance, a.HeldBalance, a.IsActive, a.UpdatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range accounts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
	}
	return nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if txn.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.IdempotencyKey, txn.Type, txn.Status, txn.Currency, txn.Amount, txn.Fee,
		txn.Description, txn.ExternalRef, txn.ReviewFlag, meta, txn.CreatedAt, txn.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *ledgerTx) GetTransactionForUpdate(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *ledgerTx) UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus, completedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transactions SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1`,
		id, status, completedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (t *ledgerTx) InsertEntries(ctx context.Context, entries []*domain.LedgerEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.ID, e.TransactionID, e.AccountID, e.Direction, e.Amount, e.BalanceAfter, e.CreatedAt})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"ledger_entries"},
		[]string{"id", "transaction_id", "account_id", "direction", "amount", "balance_after", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert ledger entries: %w", err)
	}
	return nil
}

func (t *ledgerTx) InsertHold(ctx context.Context, h *domain.BalanceHold) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO balance_holds (`+holdColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		h.ID, h.IdempotencyKey, h.AccountID, h.Amount, h.Reason, h.Status, h.ExpiresAt, h.Pinned, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert hold: %w", err)
	}
	return nil
}

func (t *ledgerTx) GetHoldForUpdate(ctx context.Context, id string) (*domain.BalanceHold, error) {
	return scanHold(t.tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM balance_holds WHERE id = $1 FOR UPDATE`, id))
}

func (t *ledgerTx) UpdateHoldStatus(ctx context.Context, id string, status domain.HoldStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE balance_holds SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotFound
	}
	return nil
}

func (t *ledgerTx) ExpireHold(ctx context.Context, id string, now time.Time) (*domain.BalanceHold, bool, error) {
	h, err := scanHold(t.tx.QueryRow(ctx, `
		UPDATE balance_holds SET status = 'EXPIRED', updated_at = $2
		WHERE id = $1 AND status = 'ACTIVE' AND NOT pinned AND expires_at <= $2
		RETURNING `+holdColumns, id, now))
	if errors.Is(err, domain.ErrHoldNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}
