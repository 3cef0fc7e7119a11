package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payments-core/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestHealthStore_ThreeFailuresMarkUnhealthyAndOneSuccessRestores(t *testing.T) {
	_, client := newRedis(t)
	store := NewHealthStore(client, "test", 3)
	ctx := context.Background()

	h, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, h.Healthy, "unknown providers start healthy")

	for i := 1; i <= 2; i++ {
		h, err = store.RecordFailure(ctx, "alpha", 40*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, h.Healthy)
		assert.Equal(t, i, h.ConsecutiveFailures)
	}

	h, err = store.RecordFailure(ctx, "alpha", 40*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, int64(40), h.LastResponseTimeMs)

	require.NoError(t, store.RecordSuccess(ctx, "alpha", 10*time.Millisecond))
	h, err = store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestHealthStore_SharedAcrossInstances(t *testing.T) {
	_, client := newRedis(t)
	a := NewHealthStore(client, "test", 3)
	b := NewHealthStore(client, "test", 3)
	ctx := context.Background()

	require.NoError(t, a.MarkUnhealthy(ctx, "beta"))

	h, err := b.Get(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
}

func TestRunLock_SingleHolder(t *testing.T) {
	mr, client := newRedis(t)
	lock := NewRunLock(client, "test")
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "recon:sandbox:KES:2026-10-16", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "recon:sandbox:KES:2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "recon:sandbox:KES:2026-10-16", "not-the-owner"))
	_, ok, err = lock.Acquire(ctx, "recon:sandbox:KES:2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a foreign token must not release the lease")

	require.NoError(t, lock.Release(ctx, "recon:sandbox:KES:2026-10-16", token))
	_, ok, err = lock.Acquire(ctx, "recon:sandbox:KES:2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = lock.Acquire(ctx, "recon:sandbox:KES:2026-10-16", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is free again")
}

func TestStatusCache_RoundTripAndInvalidate(t *testing.T) {
	mr, client := newRedis(t)
	sc := NewStatusCache(New(client, "test"), 30*time.Second)
	ctx := context.Background()

	miss, err := sc.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, sc.Set(ctx, &domain.PaymentTransaction{ID: "pay_1", Status: domain.PaymentStatusProcessing, Amount: 1500}))
	got, err := sc.Get(ctx, "pay_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status)

	mr.FastForward(31 * time.Second)
	got, err = sc.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, sc.Set(ctx, &domain.PaymentTransaction{ID: "pay_1"}))
	require.NoError(t, sc.Invalidate(ctx, "pay_1"))
	got, err = sc.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBalanceCache_Invalidate(t *testing.T) {
	_, client := newRedis(t)
	bc := NewBalanceCache(New(client, "test"), time.Minute)
	ctx := context.Background()

	require.NoError(t, bc.Set(ctx, &domain.WalletAccount{ID: "acc_1", Balance: 700}))
	require.NoError(t, bc.Set(ctx, &domain.WalletAccount{ID: "acc_2", Balance: 300}))
	require.NoError(t, bc.Invalidate(ctx, "acc_1", "acc_2"))

	a, err := bc.Get(ctx, "acc_1")
	require.NoError(t, err)
	assert.Nil(t, a)
}
