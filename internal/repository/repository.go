package repository

import (
	"context"
	"time"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

// LedgerStore owns accounts, transactions, entries and holds. Every mutation runs inside
// WithinTx so a posting either commits completely or not at all.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	CreateAccount(ctx context.Context, acc *domain.WalletAccount) (*domain.WalletAccount, error)
	GetAccount(ctx context.Context, id string) (*domain.WalletAccount, error)
	FindAccount(ctx context.Context, key domain.AccountKey) (*domain.WalletAccount, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	ListEntriesByTransaction(ctx context.Context, txID string) ([]*domain.LedgerEntry, error)
	ListEntriesByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error)

	// SumEntries returns the raw debit and credit totals booked against the account.
	SumEntries(ctx context.Context, accountID string) (debits, credits money.Amount, err error)

	GetHold(ctx context.Context, id string) (*domain.BalanceHold, error)
	GetHoldByKey(ctx context.Context, key string) (*domain.BalanceHold, error)
	// ListExpiredHolds returns candidates for the sweep. Candidates are claimed later with
	// LedgerTx.ExpireHold, which is the only write that decides the outcome.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*domain.BalanceHold, error)
}

// LedgerTx is the set of row operations available inside one store transaction.
type LedgerTx interface {
	// LockAccounts locks the rows in ascending id order and returns them keyed by id.
	LockAccounts(ctx context.Context, ids []string) (map[string]*domain.WalletAccount, error)
	UpdateAccounts(ctx context.Context, accounts []*domain.WalletAccount) error

	// InsertTransaction fails with domain.ErrDuplicateIdempotencyKey when the key exists.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransactionForUpdate(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status domain.TransactionStatus, completedAt *time.Time) error
	InsertEntries(ctx context.Context, entries []*domain.LedgerEntry) error

	// InsertHold fails with domain.ErrDuplicateIdempotencyKey when the key exists.
	InsertHold(ctx context.Context, h *domain.BalanceHold) error
	GetHoldForUpdate(ctx context.Context, id string) (*domain.BalanceHold, error)
	UpdateHoldStatus(ctx context.Context, id string, status domain.HoldStatus, at time.Time) error
	// ExpireHold moves an ACTIVE hold past its expiry to EXPIRED. ok is false when another
	// writer got there first.
	ExpireHold(ctx context.Context, id string, now time.Time) (hold *domain.BalanceHold, ok bool, err error)
}

type PaymentRepository interface {
	// Create fails with domain.ErrDuplicateIdempotencyKey when the key exists.
	Create(ctx context.Context, p *domain.PaymentTransaction) error
	GetByID(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentTransaction, error)
	GetByProviderReference(ctx context.Context, provider, reference string) (*domain.PaymentTransaction, error)

	// CompareAndUpdate writes p only while the stored status still equals expected.
	CompareAndUpdate(ctx context.Context, p *domain.PaymentTransaction, expected domain.PaymentStatus) (bool, error)
	MarkPolled(ctx context.Context, id string, at time.Time) error

	// ListSettled returns terminal payments of one provider and currency created in [from, to).
	ListSettled(ctx context.Context, provider, currency string, from, to time.Time) ([]*domain.PaymentTransaction, error)
	// ListStale returns non-terminal payments bound to a provider and not observed since
	// before, including those whose provider reference is still unknown.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error)
}

type WebhookRepository interface {
	// Record stores the event unless (provider, raw_payload_hash) already exists, in which
	// case the stored event is returned with created=false.
	Record(ctx context.Context, e *domain.WebhookEvent) (stored *domain.WebhookEvent, created bool, err error)
	MarkProcessed(ctx context.Context, id, reference string, at time.Time) error
}

type ReconciliationRepository interface {
	Create(ctx context.Context, r *domain.Reconciliation) error
	GetByID(ctx context.Context, id string) (*domain.Reconciliation, error)
	GetByKey(ctx context.Context, provider, currency string, date time.Time) (*domain.Reconciliation, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Reconciliation, error)
	Update(ctx context.Context, r *domain.Reconciliation) error

	// SaveResult writes the run totals and its discrepancies atomically.
	SaveResult(ctx context.Context, r *domain.Reconciliation, ds []*domain.ReconciliationDiscrepancy) error

	GetDiscrepancy(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error)
	ListDiscrepancies(ctx context.Context, f domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error)
	// CloseDiscrepancy applies a terminal status to a PENDING discrepancy. It returns
	// domain.ErrDiscrepancyResolved when the row is no longer PENDING.
	CloseDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error
	CountUnresolved(ctx context.Context, reconciliationID string) (int, error)

	SaveBalanceCheck(ctx context.Context, b *domain.BalanceReconciliation) error
	UpsertProviderBalance(ctx context.Context, b *domain.ProviderBalance) error
	GetProviderBalance(ctx context.Context, provider, currency string) (*domain.ProviderBalance, error)
}
