package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payments-core/internal/domain"
)

type paymentRepo struct {
	db *pgxpool.Pool
}

func NewPaymentRepo(db *pgxpool.Pool) PaymentRepository {
	return &paymentRepo{db: db}
}

const paymentColumns = `id, idempotency_key, provider, provider_reference, direction, method, country, account_id,
	amount, currency, status, provider_response, hold_id, ledger_transaction_id, review_flag, failure_reason,
	webhook_received_at, last_polled_at, created_at, updated_at, completed_at`

func scanPayment(row pgx.Row) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	err := row.Scan(&p.ID, &p.IdempotencyKey, &p.Provider, &p.ProviderReference, &p.Direction, &p.Method,
		&p.Country, &p.AccountID, &p.Amount, &p.Currency, &p.Status, &p.ProviderResponse, &p.HoldID,
		&p.LedgerTransactionID, &p.ReviewFlag, &p.FailureReason, &p.WebhookReceivedAt, &p.LastPolledAt,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

func (r *paymentRepo) Create(ctx context.Context, p *domain.PaymentTransaction) error {
	_, err := r.db.Exec(ctx, `INSERT INTO payment_transactions (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		p.ID, p.IdempotencyKey, p.Provider, p.ProviderReference, p.Direction, p.Method, p.Country, p.AccountID,
		p.Amount, p.Currency, p.Status, nullJSON(p.ProviderResponse), p.HoldID, p.LedgerTransactionID, p.ReviewFlag,
		p.FailureReason, p.WebhookReceivedAt, p.LastPolledAt, p.CreatedAt, p.UpdatedAt, p.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
}

func (r *paymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentTransaction, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions WHERE idempotency_key = $1`, key))
}

func (r *paymentRepo) GetByProviderReference(ctx context.Context, provider, reference string) (*domain.PaymentTransaction, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_transactions
		WHERE provider = $1 AND provider_reference = $2`, provider, reference))
}

func (r *paymentRepo) CompareAndUpdate(ctx context.Context, p *domain.PaymentTransaction, expected domain.PaymentStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_transactions SET
			provider = $3, provider_reference = $4, status = $5, provider_response = COALESCE($6, provider_response),
			hold_id = $7, ledger_transaction_id = $8, review_flag = $9, failure_reason = $10,
			webhook_received_at = $11, last_polled_at = $12, updated_at = $13, completed_at = $14
		WHERE id = $1 AND status = $2`,
		p.ID, expected, p.Provider, p.ProviderReference, p.Status, nullJSON(p.ProviderResponse), p.HoldID,
		p.LedgerTransactionID, p.ReviewFlag, p.FailureReason, p.WebhookReceivedAt, p.LastPolledAt,
		p.UpdatedAt, p.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepo) MarkPolled(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE payment_transactions SET last_polled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark payment polled: %w", err)
	}
	return nil
}

func (r *paymentRepo) ListSettled(ctx context.Context, provider, currency string, from, to time.Time) ([]*domain.PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payment_transactions
		WHERE provider = $1 AND currency = $2 AND created_at >= $3 AND created_at < $4
		AND status IN ('SUCCEEDED', 'FAILED', 'REFUNDED')
		ORDER BY created_at`, provider, currency, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return collectPayments(rows)
}

func (r *paymentRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payment_transactions
		WHERE status IN ('PENDING', 'PROCESSING') AND provider <> ''
		AND GREATEST(updated_at, COALESCE(last_polled_at, updated_at), COALESCE(webhook_received_at, updated_at)) < $1
		ORDER BY updated_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]*domain.PaymentTransaction, error) {
	defer rows.Close()
	var out []*domain.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
