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

type webhookRepo struct {
	db *pgxpool.Pool
}

func NewWebhookRepo(db *pgxpool.Pool) WebhookRepository {
	return &webhookRepo{db: db}
}

const webhookColumns = `id, provider, signature, raw_payload_hash, provider_reference, received_at, processed_at`

func scanWebhook(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	if err := row.Scan(&e.ID, &e.Provider, &e.Signature, &e.RawPayloadHash, &e.ProviderReference, &e.ReceivedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *webhookRepo) Record(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	stored, err := scanWebhook(r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		ON CONFLICT (provider, raw_payload_hash) DO NOTHING
		RETURNING `+webhookColumns,
		e.ID, e.Provider, e.Signature, e.RawPayloadHash, e.ProviderReference, e.ReceivedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record webhook: %w", err)
	}

	existing, err := scanWebhook(r.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events
		WHERE provider = $1 AND raw_payload_hash = $2`, e.Provider, e.RawPayloadHash))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load webhook: %w", err)
	}
	return existing, false, nil
}

func (r *webhookRepo) MarkProcessed(ctx context.Context, id, reference string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE webhook_events SET processed_at = $2,
		provider_reference = CASE WHEN $3 = '' THEN provider_reference ELSE $3 END WHERE id = $1`, id, at, reference)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}
