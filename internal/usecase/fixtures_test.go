package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/pub"
	"payments-core/internal/repository/memory"
	"payments-core/pkg/money"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type ledgerFixture struct {
	uc     *LedgerUsecase
	store  *memory.LedgerStore
	events *pub.Recorder
	clock  *clock
	redis  redis.UniversalClient
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	_, client := newRedis(t)
	store := memory.NewLedgerStore()
	events := pub.NewRecorder(256)
	clk := newClock()

	uc := NewLedgerUsecase(store,
		cache.NewBalanceCache(cache.New(client, "test"), time.Minute),
		events,
		config.LedgerConfig{
			CashoutFeePercent: decimal.RequireFromString("0.02"),
			CashoutFeeFixed:   50,
		},
		zap.NewNop(),
	)
	uc.now = clk.Now
	return &ledgerFixture{uc: uc, store: store, events: events, clock: clk, redis: client}
}

func (f *ledgerFixture) account(t *testing.T, owner string, typ domain.AccountType) *domain.WalletAccount {
	t.Helper()
	var ref *string
	if owner != "" {
		ref = &owner
	}
	acc, err := f.uc.OpenAccount(context.Background(), domain.OpenAccountRequest{
		OwnerRef:    ref,
		AccountType: typ,
		Currency:    "KES",
	})
	require.NoError(t, err)
	return acc
}

// fund credits acc from the sandbox float.
func (f *ledgerFixture) fund(t *testing.T, acc *domain.WalletAccount, amount money.Amount) {
	t.Helper()
	float, err := f.uc.FloatAccount(context.Background(), "sandbox", acc.Currency)
	require.NoError(t, err)
	_, err = f.uc.TopUp(context.Background(), TopUpRequest{
		IdempotencyKey: "fund:" + domain.NewID("t"),
		AccountID:      acc.ID,
		FloatAccountID: float.ID,
		Amount:         amount,
		Currency:       acc.Currency,
	})
	require.NoError(t, err)
}

func (f *ledgerFixture) balance(t *testing.T, id string) *domain.WalletAccount {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

// assertLedgerConsistent checks that every account's stored balance equals the sum of
// its entries.
func (f *ledgerFixture) assertLedgerConsistent(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		check, err := f.uc.VerifyBalance(context.Background(), id)
		require.NoError(t, err)
		require.Truef(t, check.Matches, "account %s stored %d computed %d", id, check.Stored, check.Computed)
	}
}
