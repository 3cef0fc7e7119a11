package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payments-core/internal/domain"
)

type reconciliationRepo struct {
	db *pgxpool.Pool
}

func NewReconciliationRepo(db *pgxpool.Pool) ReconciliationRepository {
	return &reconciliationRepo{db: db}
}

const reconciliationColumns = `id, provider, currency, business_date, internal_count, provider_count, matched_count,
	discrepancy_count, internal_total, provider_total, discrepancy_total, status, failure_reason, started_at, completed_at`

func scanReconciliation(row pgx.Row) (*domain.Reconciliation, error) {
	var r domain.Reconciliation
	err := row.Scan(&r.ID, &r.Provider, &r.Currency, &r.Date, &r.InternalCount, &r.ProviderCount, &r.MatchedCount,
		&r.DiscrepancyCount, &r.InternalTotal, &r.ProviderTotal, &r.DiscrepancyTotal, &r.Status, &r.FailureReason,
		&r.StartedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrReconciliationNotFound
		}
		return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
	}
	return &r, nil
}

func (r *reconciliationRepo) Create(ctx context.Context, rec *domain.Reconciliation) error {
	_, err := r.db.Exec(ctx, `INSERT INTO reconciliations (`+reconciliationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.Provider, rec.Currency, rec.Date, rec.InternalCount, rec.ProviderCount, rec.MatchedCount,
		rec.DiscrepancyCount, rec.InternalTotal, rec.ProviderTotal, rec.DiscrepancyTotal, rec.Status,
		rec.FailureReason, rec.StartedAt, rec.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReconciliationRunning
		}
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	return nil
}

func (r *reconciliationRepo) GetByID(ctx context.Context, id string) (*domain.Reconciliation, error) {
	return scanReconciliation(r.db.QueryRow(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = $1`, id))
}

func (r *reconciliationRepo) GetByKey(ctx context.Context, provider, currency string, date time.Time) (*domain.Reconciliation, error) {
	return scanReconciliation(r.db.QueryRow(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations
		WHERE provider = $1 AND currency = $2 AND business_date = $3`, provider, currency, date))
}

func (r *reconciliationRepo) List(ctx context.Context, limit, offset int) ([]*domain.Reconciliation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations
		ORDER BY business_date DESC, provider, currency LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *reconciliationRepo) Update(ctx context.Context, rec *domain.Reconciliation) error {
	return updateReconciliation(ctx, r.db, rec)
}

// dbExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateReconciliation(ctx context.Context, db dbExecer, rec *domain.Reconciliation) error {
	tag, err := db.Exec(ctx, `UPDATE reconciliations SET
			internal_count = $2, provider_count = $3, matched_count = $4, discrepancy_count = $5,
			internal_total = $6, provider_total = $7, discrepancy_total = $8, status = $9,
			failure_reason = $10, started_at = $11, completed_at = $12
		WHERE id = $1`,
		rec.ID, rec.InternalCount, rec.ProviderCount, rec.MatchedCount, rec.DiscrepancyCount,
		rec.InternalTotal, rec.ProviderTotal, rec.DiscrepancyTotal, rec.Status,
		rec.FailureReason, rec.StartedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReconciliationNotFound
	}
	return nil
}

func (r *reconciliationRepo) SaveResult(ctx context.Context, rec *domain.Reconciliation, ds []*domain.ReconciliationDiscrepancy) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateReconciliation(ctx, tx, rec); err != nil {
		return err
	}

	if len(ds) > 0 {
		rows := make([][]any, 0, len(ds))
		for _, d := range ds {
			rows = append(rows, []any{d.ID, d.ReconciliationID, d.Provider, d.Currency, d.Type, d.Severity, d.Status,
				d.PaymentID, d.ProviderReference, d.InternalAmount, d.ProviderAmount, d.Difference,
				d.InternalStatus, d.ProviderStatus, d.ResolvedBy, d.ResolutionNote, d.ResolvedAt, d.CreatedAt})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"reconciliation_discrepancies"}, discrepancyColumnList, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to insert discrepancies: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

var discrepancyColumnList = []string{
	"id", "reconciliation_id", "provider", "currency", "type", "severity", "status",
	"payment_id", "provider_reference", "internal_amount", "provider_amount", "difference",
	"internal_status", "provider_status", "resolved_by", "resolution_note", "resolved_at", "created_at",
}

const discrepancyColumns = `id, reconciliation_id, provider, currency, type, severity, status, payment_id,
	provider_reference, internal_amount, provider_amount, difference, internal_status, provider_status,
	resolved_by, resolution_note, resolved_at, created_at`

func scanDiscrepancy(row pgx.Row) (*domain.ReconciliationDiscrepancy, error) {
	var d domain.ReconciliationDiscrepancy
	err := row.Scan(&d.ID, &d.ReconciliationID, &d.Provider, &d.Currency, &d.Type, &d.Severity, &d.Status,
		&d.PaymentID, &d.ProviderReference, &d.InternalAmount, &d.ProviderAmount, &d.Difference,
		&d.InternalStatus, &d.ProviderStatus, &d.ResolvedBy, &d.ResolutionNote, &d.ResolvedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDiscrepancyNotFound
		}
		return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
	}
	return &d, nil
}

func (r *reconciliationRepo) GetDiscrepancy(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	return scanDiscrepancy(r.db.QueryRow(ctx, `SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies WHERE id = $1`, id))
}

func (r *reconciliationRepo) ListDiscrepancies(ctx context.Context, f domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies
		WHERE ($1::text IS NULL OR reconciliation_id = $1)
		AND ($2::text IS NULL OR provider = $2)
		AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, id LIMIT $4 OFFSET $5`,
		f.ReconciliationID, f.Provider, f.Status, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReconciliationDiscrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *reconciliationRepo) CloseDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error {
	tag, err := r.db.Exec(ctx, `UPDATE reconciliation_discrepancies
		SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'PENDING'`, d.ID, d.Status, d.ResolvedBy, d.ResolutionNote, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to close discrepancy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDiscrepancy(ctx, d.ID); err != nil {
			return err
		}
		return domain.ErrDiscrepancyResolved
	}
	return nil
}

func (r *reconciliationRepo) CountUnresolved(ctx context.Context, reconciliationID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_discrepancies
		WHERE reconciliation_id = $1 AND status NOT IN ('AUTO_RESOLVED', 'MANUALLY_RESOLVED')`, reconciliationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count discrepancies: %w", err)
	}
	return n, nil
}

func (r *reconciliationRepo) SaveBalanceCheck(ctx context.Context, b *domain.BalanceReconciliation) error {
	_, err := r.db.Exec(ctx, `INSERT INTO balance_reconciliations
		(id, provider, currency, float_account_id, internal_balance, provider_balance, difference, status, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.Provider, b.Currency, b.FloatAccountID, b.InternalBalance, b.ProviderBalance, b.Difference, b.Status, b.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to insert balance reconciliation: %w", err)
	}
	return nil
}

func (r *reconciliationRepo) UpsertProviderBalance(ctx context.Context, b *domain.ProviderBalance) error {
	_, err := r.db.Exec(ctx, `INSERT INTO provider_balances (provider, currency, balance, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, currency) DO UPDATE SET balance = EXCLUDED.balance, fetched_at = EXCLUDED.fetched_at`,
		b.Provider, b.Currency, b.Balance, b.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert provider balance: %w", err)
	}
	return nil
}

func (r *reconciliationRepo) GetProviderBalance(ctx context.Context, provider, currency string) (*domain.ProviderBalance, error) {
	var b domain.ProviderBalance
	err := r.db.QueryRow(ctx, `SELECT provider, currency, balance, fetched_at FROM provider_balances
		WHERE provider = $1 AND currency = $2`, provider, currency).Scan(&b.Provider, &b.Currency, &b.Balance, &b.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider balance: %w", err)
	}
	return &b, nil
}
