package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payments-core/internal/domain"
	"payments-core/internal/repository"
)

type PaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*domain.PaymentTransaction
	keys     map[string]string
}

var _ repository.PaymentRepository = (*PaymentRepo)(nil)

func NewPaymentRepo() *PaymentRepo {
	return &PaymentRepo{
		payments: make(map[string]*domain.PaymentTransaction),
		keys:     make(map[string]string),
	}
}

func clonePayment(p *domain.PaymentTransaction) *domain.PaymentTransaction {
	cp := *p
	return &cp
}

func (r *PaymentRepo) Create(_ context.Context, p *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[p.IdempotencyKey]; ok {
		return domain.ErrDuplicateIdempotencyKey
	}
	r.payments[p.ID] = clonePayment(p)
	r.keys[p.IdempotencyKey] = p.ID
	return nil
}

func (r *PaymentRepo) GetByID(_ context.Context, id string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	id, ok := r.keys[key]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *PaymentRepo) GetByProviderReference(_ context.Context, provider, reference string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Provider == provider && p.ProviderReference == reference && reference != "" {
			return clonePayment(p), nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r *PaymentRepo) CompareAndUpdate(_ context.Context, p *domain.PaymentTransaction, expected domain.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.payments[p.ID]
	if !ok {
		return false, domain.ErrPaymentNotFound
	}
	if stored.Status != expected {
		return false, nil
	}
	next := clonePayment(p)
	if len(next.ProviderResponse) == 0 {
		next.ProviderResponse = stored.ProviderResponse
	}
	next.IdempotencyKey = stored.IdempotencyKey
	next.CreatedAt = stored.CreatedAt
	r.payments[p.ID] = next
	return true, nil
}

func (r *PaymentRepo) MarkPolled(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[id]; ok {
		p.LastPolledAt = &at
	}
	return nil
}

func (r *PaymentRepo) ListSettled(_ context.Context, provider, currency string, from, to time.Time) ([]*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PaymentTransaction
	for _, p := range r.payments {
		if p.Provider != provider || p.Currency != currency || !p.Status.IsTerminal() {
			continue
		}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *PaymentRepo) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PaymentTransaction
	for _, p := range r.payments {
		if p.Status.IsTerminal() || p.Provider == "" {
			continue
		}
		if p.LastObservedAt().Before(before) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
