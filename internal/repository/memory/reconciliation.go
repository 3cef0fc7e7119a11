package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payments-core/internal/domain"
	"payments-core/internal/repository"
)

type ReconciliationRepo struct {
	mu            sync.Mutex
	runs          map[string]*domain.Reconciliation
	discrepancies map[string]*domain.ReconciliationDiscrepancy
	balanceChecks []*domain.BalanceReconciliation
	balances      map[string]*domain.ProviderBalance
}

var _ repository.ReconciliationRepository = (*ReconciliationRepo)(nil)

func NewReconciliationRepo() *ReconciliationRepo {
	return &ReconciliationRepo{
		runs:          make(map[string]*domain.Reconciliation),
		discrepancies: make(map[string]*domain.ReconciliationDiscrepancy),
		balances:      make(map[string]*domain.ProviderBalance),
	}
}

func (r *ReconciliationRepo) Create(_ context.Context, rec *domain.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.Provider == rec.Provider && existing.Currency == rec.Currency && existing.Date.Equal(rec.Date) {
			return domain.ErrReconciliationRunning
		}
	}
	cp := *rec
	r.runs[rec.ID] = &cp
	return nil
}

func (r *ReconciliationRepo) GetByID(_ context.Context, id string) (*domain.Reconciliation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrReconciliationNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *ReconciliationRepo) GetByKey(_ context.Context, provider, currency string, date time.Time) (*domain.Reconciliation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.runs {
		if rec.Provider == provider && rec.Currency == currency && rec.Date.Equal(date) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrReconciliationNotFound
}

func (r *ReconciliationRepo) List(_ context.Context, limit, offset int) ([]*domain.Reconciliation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Reconciliation, 0, len(r.runs))
	for _, rec := range r.runs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Provider+out[i].Currency < out[j].Provider+out[j].Currency
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (r *ReconciliationRepo) Update(_ context.Context, rec *domain.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[rec.ID]; !ok {
		return domain.ErrReconciliationNotFound
	}
	cp := *rec
	r.runs[rec.ID] = &cp
	return nil
}

func (r *ReconciliationRepo) SaveResult(_ context.Context, rec *domain.Reconciliation, ds []*domain.ReconciliationDiscrepancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[rec.ID]; !ok {
		return domain.ErrReconciliationNotFound
	}
	cp := *rec
	r.runs[rec.ID] = &cp
	for _, d := range ds {
		dc := *d
		r.discrepancies[d.ID] = &dc
	}
	return nil
}

func (r *ReconciliationRepo) GetDiscrepancy(_ context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.discrepancies[id]
	if !ok {
		return nil, domain.ErrDiscrepancyNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *ReconciliationRepo) ListDiscrepancies(_ context.Context, f domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ReconciliationDiscrepancy
	for _, d := range r.discrepancies {
		if f.ReconciliationID != nil && d.ReconciliationID != *f.ReconciliationID {
			continue
		}
		if f.Provider != nil && d.Provider != *f.Provider {
			continue
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return page(out, limit, f.Offset), nil
}

func (r *ReconciliationRepo) CloseDiscrepancy(_ context.Context, d *domain.ReconciliationDiscrepancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.discrepancies[d.ID]
	if !ok {
		return domain.ErrDiscrepancyNotFound
	}
	if stored.Status != domain.DiscrepancyStatusPending {
		return domain.ErrDiscrepancyResolved
	}
	stored.Status = d.Status
	stored.ResolvedBy = d.ResolvedBy
	stored.ResolutionNote = d.ResolutionNote
	stored.ResolvedAt = d.ResolvedAt
	return nil
}

func (r *ReconciliationRepo) CountUnresolved(_ context.Context, reconciliationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.discrepancies {
		if d.ReconciliationID == reconciliationID && !d.Status.IsResolved() {
			n++
		}
	}
	return n, nil
}

func (r *ReconciliationRepo) SaveBalanceCheck(_ context.Context, b *domain.BalanceReconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.balanceChecks = append(r.balanceChecks, &cp)
	return nil
}

func (r *ReconciliationRepo) UpsertProviderBalance(_ context.Context, b *domain.ProviderBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.balances[b.Provider+"|"+b.Currency] = &cp
	return nil
}

func (r *ReconciliationRepo) GetProviderBalance(_ context.Context, provider, currency string) (*domain.ProviderBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[provider+"|"+currency]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// BalanceChecks is used by tests.
func (r *ReconciliationRepo) BalanceChecks() []*domain.BalanceReconciliation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.BalanceReconciliation(nil), r.balanceChecks...)
}
