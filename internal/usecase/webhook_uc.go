package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/metrics"
	"payments-core/internal/provider"
	"payments-core/internal/repository"
)

// WebhookAck is what the HTTP layer needs to answer the provider.
type WebhookAck struct {
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Malformed bool   `json:"malformed,omitempty"`
}

type webhookTask struct {
	eventID  string
	provider string
	event    *provider.WebhookEvent
}

// WebhookUsecase verifies and records provider callbacks, then applies them on a bounded
// worker pool so the provider gets its acknowledgement without waiting on the ledger.
type WebhookUsecase struct {
	webhooks repository.WebhookRepository
	payments *PaymentUsecase
	registry *provider.Registry
	logger   *zap.Logger

	pool *WebhookPool
	now  func() time.Time
}

func NewWebhookUsecase(
	webhooks repository.WebhookRepository,
	payments *PaymentUsecase,
	registry *provider.Registry,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *WebhookUsecase {
	uc := &WebhookUsecase{
		webhooks: webhooks,
		payments: payments,
		registry: registry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	workers, queue := cfg.WebhookWorkers, cfg.WebhookQueueSize
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	uc.pool = NewWebhookPool(workers, queue, uc)
	return uc
}

// Start launches the workers. Until it is called events are applied inline.
func (uc *WebhookUsecase) Start() { uc.pool.Start() }

// Stop drains queued events and waits for the workers.
func (uc *WebhookUsecase) Stop() { uc.pool.Stop() }

// Receive verifies the signature over the raw body, deduplicates by content hash and
// schedules processing. Only ErrInvalidSignature and ErrUnknownProvider reject the call.
func (uc *WebhookUsecase) Receive(ctx context.Context, providerName string, raw []byte, signature string) (*WebhookAck, error) {
	adapter, err := uc.registry.Get(providerName)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerName, "unknown_provider").Inc()
		return nil, err
	}

	evt, err := adapter.ParseWebhook(raw, signature)
	var parseErr *provider.ParseError
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		metrics.WebhooksReceived.WithLabelValues(providerName, "invalid_signature").Inc()
		uc.logger.Warn("webhook signature rejected", zap.String("provider", providerName))
		return nil, err
	case errors.As(err, &parseErr):
		metrics.WebhooksReceived.WithLabelValues(providerName, "malformed").Inc()
		uc.logger.Warn("malformed webhook acknowledged without processing",
			zap.String("provider", providerName),
			zap.String("reason", parseErr.Reason),
			zap.Error(parseErr.Err))
		return &WebhookAck{Malformed: true}, nil
	case err != nil:
		return nil, fmt.Errorf("parse webhook: %w", err)
	}

	now := uc.now()
	stored, created, err := uc.webhooks.Record(ctx, &domain.WebhookEvent{
		ID:                domain.NewID(domain.PrefixWebhook),
		Provider:          providerName,
		Signature:         signature,
		RawPayloadHash:    provider.PayloadHash(raw),
		ProviderReference: evt.ProviderReference,
		ReceivedAt:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("record webhook: %w", err)
	}

	ack := &WebhookAck{EventID: stored.ID, Duplicate: !created}
	if !created && stored.ProcessedAt != nil {
		metrics.WebhooksReceived.WithLabelValues(providerName, "duplicate").Inc()
		uc.logger.Debug("duplicate webhook acknowledged",
			zap.String("provider", providerName),
			zap.String("event_id", stored.ID))
		return ack, nil
	}

	metrics.WebhooksReceived.WithLabelValues(providerName, "accepted").Inc()
	uc.pool.Submit(ctx, &webhookTask{eventID: stored.ID, provider: providerName, event: evt})
	return ack, nil
}

// process applies one recorded event. Events whose application fails stay unprocessed,
// so the provider's redelivery applies them again.
func (uc *WebhookUsecase) process(ctx context.Context, task *webhookTask) error {
	evt := task.event
	log := uc.logger.With(
		zap.String("provider", task.provider),
		zap.String("event_id", task.eventID),
		zap.String("provider_reference", evt.ProviderReference))

	p, err := uc.payments.ResolveProviderEvent(ctx, task.provider, evt.ProviderReference, evt.Reference)
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		log.Warn("webhook for unknown payment, leaving it to reconciliation")
	case err != nil:
		log.Error("failed to resolve webhook payment", zap.Error(err))
		return err
	default:
		if _, _, err := uc.payments.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{
			ProviderReference: evt.ProviderReference,
			Status:            evt.Status.PaymentStatus(),
			Amount:            evt.Amount,
			Reason:            evt.Reason,
			Raw:               evt.Raw,
			ObservedAt:        uc.now(),
			FromWebhook:       true,
		}); err != nil {
			log.Error("failed to apply webhook", zap.String("payment_id", p.ID), zap.Error(err))
			return err
		}
	}

	if err := uc.webhooks.MarkProcessed(ctx, task.eventID, evt.ProviderReference, uc.now()); err != nil {
		log.Error("failed to mark webhook processed", zap.Error(err))
		return err
	}
	return nil
}

// WebhookPool manages the webhook worker goroutines.
type WebhookPool struct {
	workers  int
	taskChan chan *webhookTask
	uc       *WebhookUsecase
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewWebhookPool(workers, queueSize int, uc *WebhookUsecase) *WebhookPool {
	return &WebhookPool{
		workers:  workers,
		taskChan: make(chan *webhookTask, queueSize),
		uc:       uc,
	}
}

func (p *WebhookPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WebhookPool) worker() {
	defer p.wg.Done()
	for task := range p.taskChan {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = p.uc.process(ctx, task)
		cancel()
	}
}

// Submit queues a task, or runs it inline when the pool is not running or the queue is
// full.
func (p *WebhookPool) Submit(ctx context.Context, task *webhookTask) {
	p.mu.RLock()
	if p.started && !p.stopped {
		select {
		case p.taskChan <- task:
			p.mu.RUnlock()
			return
		default:
			p.uc.logger.Warn("webhook queue full, processing inline", zap.String("event_id", task.eventID))
		}
	}
	p.mu.RUnlock()
	_ = p.uc.process(ctx, task)
}

func (p *WebhookPool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()
	p.wg.Wait()
}
