package memory

import (
	"context"
	"sync"
	"time"

	"payments-core/internal/domain"
	"payments-core/internal/repository"
)

type WebhookRepo struct {
	mu     sync.Mutex
	events map[string]*domain.WebhookEvent
	byHash map[string]string
}

var _ repository.WebhookRepository = (*WebhookRepo)(nil)

func NewWebhookRepo() *WebhookRepo {
	return &WebhookRepo{
		events: make(map[string]*domain.WebhookEvent),
		byHash: make(map[string]string),
	}
}

func (r *WebhookRepo) Record(_ context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.Provider + "|" + e.RawPayloadHash
	if id, ok := r.byHash[key]; ok {
		cp := *r.events[id]
		return &cp, false, nil
	}
	stored := *e
	stored.ProcessedAt = nil
	r.events[e.ID] = &stored
	r.byHash[key] = e.ID
	cp := stored
	return &cp, true, nil
}

func (r *WebhookRepo) MarkProcessed(_ context.Context, id, reference string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.ProcessedAt = &at
		if reference != "" {
			e.ProviderReference = reference
		}
	}
	return nil
}

// Count is used by tests.
func (r *WebhookRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
