package cache

import (
	"context"
	"time"

	"payments-core/internal/domain"
)

// StatusCache keeps the latest PaymentTransaction snapshot for status reads.
type StatusCache struct {
	cache *Cache
	ttl   time.Duration
}

func NewStatusCache(c *Cache, ttl time.Duration) *StatusCache {
	return &StatusCache{cache: c, ttl: ttl}
}

func (s *StatusCache) Get(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	found, err := s.cache.GetJSON(ctx, "payment:"+paymentID, &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (s *StatusCache) Set(ctx context.Context, p *domain.PaymentTransaction) error {
	return s.cache.SetJSON(ctx, "payment:"+p.ID, p, s.ttl)
}

func (s *StatusCache) Invalidate(ctx context.Context, paymentID string) error {
	return s.cache.Delete(ctx, "payment:"+paymentID)
}

// BalanceCache keeps account snapshots for balance reads. Every ledger mutation
// invalidates the accounts it touched.
type BalanceCache struct {
	cache *Cache
	ttl   time.Duration
}

func NewBalanceCache(c *Cache, ttl time.Duration) *BalanceCache {
	return &BalanceCache{cache: c, ttl: ttl}
}

func (b *BalanceCache) Get(ctx context.Context, accountID string) (*domain.WalletAccount, error) {
	var a domain.WalletAccount
	found, err := b.cache.GetJSON(ctx, "account:"+accountID, &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

func (b *BalanceCache) Set(ctx context.Context, a *domain.WalletAccount) error {
	return b.cache.SetJSON(ctx, "account:"+a.ID, a, b.ttl)
}

func (b *BalanceCache) Invalidate(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, "account:"+id)
	}
	return b.cache.Delete(ctx, keys...)
}
