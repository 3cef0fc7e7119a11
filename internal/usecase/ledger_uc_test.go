package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/pub"
	"payments-core/pkg/money"
)

func TestLedger_TransferThroughFloatScenario(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	user := f.account(t, "user-1", domain.AccountTypeUser)
	driver := f.account(t, "driver-1", domain.AccountTypeDriver)
	commission := f.account(t, "", domain.AccountTypePlatformCommission)
	float, err := f.uc.FloatAccount(ctx, "escrow", "KES")
	require.NoError(t, err)

	f.fund(t, user, 10_000)
	floatBefore := f.balance(t, float.ID).Balance

	res, err := f.uc.Transfer(ctx, TransferRequest{
		IdempotencyKey: "trip-1:collect",
		FromAccountID:  user.ID,
		ToAccountID:    float.ID,
		Amount:         2_500,
		Currency:       "KES",
	})
	require.NoError(t, err)
	assert.True(t, domain.IsBalanced(res.Entries))

	res, err = f.uc.Split(ctx, SplitRequest{
		IdempotencyKey: "trip-1:distribute",
		FromAccountID:  float.ID,
		Currency:       "KES",
		Legs: []SplitLeg{
			{AccountID: driver.ID, Amount: 1_875},
			{AccountID: commission.ID, Amount: 625},
		},
	})
	require.NoError(t, err)
	assert.True(t, domain.IsBalanced(res.Entries))
	assert.Len(t, res.Entries, 3)

	assert.Equal(t, money.Amount(7_500), f.balance(t, user.ID).Balance)
	assert.Equal(t, money.Amount(1_875), f.balance(t, driver.ID).Balance)
	assert.Equal(t, money.Amount(625), f.balance(t, commission.ID).Balance)
	assert.Equal(t, floatBefore, f.balance(t, float.ID).Balance)

	f.assertLedgerConsistent(t, user.ID, driver.ID, commission.ID, float.ID)
}

func TestLedger_InstantCashoutFee(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	driver := f.account(t, "driver-1", domain.AccountTypeDriver)
	commission := f.account(t, "", domain.AccountTypePlatformCommission)
	f.fund(t, driver, 6_000)

	float, err := f.uc.FloatAccount(ctx, "sandbox", "KES")
	require.NoError(t, err)
	floatBefore := f.balance(t, float.ID).Balance

	res, err := f.uc.InstantCashout(ctx, CashoutRequest{
		IdempotencyKey: "cashout-1",
		AccountID:      driver.ID,
		FloatAccountID: float.ID,
		Amount:         5_000,
		Currency:       "KES",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(150), res.Transaction.Fee)
	assert.Equal(t, domain.TransactionTypeCashout, res.Transaction.Type)

	assert.Equal(t, money.Amount(1_000), f.balance(t, driver.ID).Balance)
	assert.Equal(t, money.Amount(150), f.balance(t, commission.ID).Balance)
	// float is debit-normal: paying 4,850 out reduces it by the net amount
	assert.Equal(t, floatBefore-4_850, f.balance(t, float.ID).Balance)

	f.assertLedgerConsistent(t, driver.ID, commission.ID, float.ID)
}

func TestLedger_IdempotentReplay(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 1_000)
	f.events.Drain()

	req := TransferRequest{IdempotencyKey: "dup-1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 400, Currency: "KES"}
	first, err := f.uc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.uc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Len(t, second.Entries, 2)

	assert.Equal(t, money.Amount(600), f.balance(t, a.ID).Balance)
	assert.Equal(t, money.Amount(400), f.balance(t, b.ID).Balance)
	assert.Len(t, f.events.Drain(), 1, "replays publish nothing")
}

func TestLedger_ConcurrentDuplicateKeyHasOneWinner(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 1_000)

	const n = 16
	var wg sync.WaitGroup
	results := make([]*domain.PostingResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.uc.Transfer(ctx, TransferRequest{
				IdempotencyKey: "race-1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 100, Currency: "KES",
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			winners++
		}
		assert.Equal(t, results[0].Transaction.ID, results[i].Transaction.ID)
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, money.Amount(900), f.balance(t, a.ID).Balance)
}

func TestLedger_ConcurrentTransfersKeepBalanceInvariant(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 1_000)
	f.fund(t, b, 1_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	insufficient := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			_, err := f.uc.Transfer(ctx, TransferRequest{
				IdempotencyKey: fmt.Sprintf("pingpong-%d", i),
				FromAccountID:  from.ID, ToAccountID: to.ID, Amount: 150, Currency: "KES",
			})
			if errors.Is(err, domain.ErrInsufficientFunds) {
				mu.Lock()
				insufficient++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := f.balance(t, a.ID).Balance + f.balance(t, b.ID).Balance
	assert.Equal(t, money.Amount(2_000), total)
	assert.GreaterOrEqual(t, f.balance(t, a.ID).Balance, money.Amount(0))
	assert.GreaterOrEqual(t, f.balance(t, b.ID).Balance, money.Amount(0))
	f.assertLedgerConsistent(t, a.ID, b.ID)
}

func TestLedger_Rejections(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	usd, err := f.uc.OpenAccount(ctx, domain.OpenAccountRequest{OwnerRef: strPtr("c"), AccountType: domain.AccountTypeUser, Currency: "USD"})
	require.NoError(t, err)
	f.fund(t, a, 500)

	t.Run("insufficient funds carries balances", func(t *testing.T) {
		_, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 800, Currency: "KES"})
		var ife *domain.InsufficientFundsError
		require.ErrorAs(t, err, &ife)
		assert.Equal(t, money.Amount(500), ife.Available)
		assert.Equal(t, money.Amount(800), ife.Required)
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k2", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 0, Currency: "KES"})
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		_, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k3", FromAccountID: a.ID, ToAccountID: usd.ID, Amount: 10, Currency: "KES"})
		assert.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k4", FromAccountID: a.ID, ToAccountID: "acc_missing", Amount: 10, Currency: "KES"})
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := f.uc.Transfer(ctx, TransferRequest{FromAccountID: a.ID, ToAccountID: b.ID, Amount: 10, Currency: "KES"})
		assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	})

	t.Run("rejected key can be reused", func(t *testing.T) {
		f.fund(t, a, 500)
		_, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 800, Currency: "KES"})
		require.NoError(t, err)
	})

	assert.Equal(t, money.Amount(200), f.balance(t, a.ID).Balance)
	f.assertLedgerConsistent(t, a.ID, b.ID, usd.ID)
}

func TestLedger_HoldThenRelease(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	f.fund(t, a, 1_000)

	res, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h1", AccountID: a.ID, Amount: 700, Reason: "ride", TTL: time.Hour})
	require.NoError(t, err)

	acc := f.balance(t, a.ID)
	assert.Equal(t, money.Amount(1_000), acc.Balance)
	assert.Equal(t, money.Amount(700), acc.HeldBalance)

	_, err = f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h2", AccountID: a.ID, Amount: 400, TTL: time.Hour})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	replay, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h1", AccountID: a.ID, Amount: 700, TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Hold.ID, replay.Hold.ID)

	released, err := f.uc.ReleaseFunds(ctx, res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusReleased, released.Status)

	_, err = f.uc.ReleaseFunds(ctx, res.Hold.ID)
	require.NoError(t, err, "releasing twice is a no-op")

	acc = f.balance(t, a.ID)
	assert.Equal(t, money.Amount(1_000), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)
}

func TestLedger_HoldThenCapture(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	r := f.account(t, "rest-1", domain.AccountTypeRestaurant)
	f.fund(t, a, 1_000)

	hold, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h1", AccountID: a.ID, Amount: 650, TTL: time.Hour})
	require.NoError(t, err)

	res, err := f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "cap-1", HoldID: hold.Hold.ID, ToAccountID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(650), res.Transaction.Amount)

	acc := f.balance(t, a.ID)
	assert.Equal(t, money.Amount(350), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)
	assert.Equal(t, money.Amount(650), f.balance(t, r.ID).Balance)

	stored, err := f.store.GetHold(ctx, hold.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusCaptured, stored.Status)

	replay, err := f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "cap-1", HoldID: hold.Hold.ID, ToAccountID: r.ID})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "cap-2", HoldID: hold.Hold.ID, ToAccountID: r.ID})
	assert.ErrorIs(t, err, domain.ErrHoldNotActive)

	_, err = f.uc.ReleaseFunds(ctx, hold.Hold.ID)
	assert.ErrorIs(t, err, domain.ErrHoldNotActive)

	f.assertLedgerConsistent(t, a.ID, r.ID)
}

func TestLedger_SweepReleasesExpiredHolds(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	r := f.account(t, "r", domain.AccountTypeRestaurant)
	f.fund(t, a, 1_000)

	short, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "short", AccountID: a.ID, Amount: 300, TTL: time.Minute})
	require.NoError(t, err)
	_, err = f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "long", AccountID: a.ID, Amount: 200, TTL: time.Hour})
	require.NoError(t, err)

	n, err := f.uc.CleanupExpiredHolds(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)

	_, err = f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "late", HoldID: short.Hold.ID, ToAccountID: r.ID})
	assert.ErrorIs(t, err, domain.ErrHoldNotActive, "expired holds cannot be captured")

	// two sweepers racing over the same candidates release the hold once
	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], _ = f.uc.CleanupExpiredHolds(ctx, 100)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, counts[0]+counts[1]+counts[2]+counts[3])

	acc := f.balance(t, a.ID)
	assert.Equal(t, money.Amount(200), acc.HeldBalance)
	assert.Equal(t, money.Amount(800), acc.Available())

	stored, err := f.store.GetHold(ctx, short.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusExpired, stored.Status)

	_, err = f.uc.ReleaseFunds(ctx, short.Hold.ID)
	assert.NoError(t, err, "releasing an expired hold is a no-op")
	assert.Equal(t, money.Amount(200), f.balance(t, a.ID).HeldBalance)
}

func TestLedger_CaptureAtExactExpiry(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	r := f.account(t, "r", domain.AccountTypeRestaurant)
	f.fund(t, a, 1_000)

	hold, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "edge", AccountID: a.ID, Amount: 400, TTL: time.Minute})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.True(t, f.clock.Now().Equal(hold.Hold.ExpiresAt))

	_, err = f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "edge-cap", HoldID: hold.Hold.ID, ToAccountID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(600), f.balance(t, a.ID).Balance)
	assert.Equal(t, money.Amount(400), f.balance(t, r.ID).Balance)
	f.assertLedgerConsistent(t, a.ID, r.ID)
}

func TestLedger_PinnedHoldSurvivesSweep(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	r := f.account(t, "r", domain.AccountTypeRestaurant)
	f.fund(t, a, 1_000)

	pinned, err := f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "pinned", AccountID: a.ID, Amount: 700, TTL: time.Minute, Pinned: true})
	require.NoError(t, err)
	assert.True(t, pinned.Hold.Pinned)

	f.clock.Advance(time.Hour)
	n, err := f.uc.CleanupExpiredHolds(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	acc := f.balance(t, a.ID)
	assert.Equal(t, money.Amount(700), acc.HeldBalance)
	assert.Equal(t, money.Amount(300), acc.Available())

	_, err = f.uc.CaptureFunds(ctx, CaptureRequest{IdempotencyKey: "pinned-cap", HoldID: pinned.Hold.ID, ToAccountID: r.ID})
	require.NoError(t, err)

	acc = f.balance(t, a.ID)
	assert.Equal(t, money.Amount(300), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)
	f.assertLedgerConsistent(t, a.ID, r.ID)
}

func TestLedger_ReusedKeyForDifferentRequestConflicts(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 1_000)

	orig, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k-1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 400, Currency: "KES"})
	require.NoError(t, err)

	_, err = f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "k-1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 500, Currency: "KES"})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)

	_, err = f.uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: "k-1",
		Type:           domain.TransactionTypeTopUp,
		Currency:       "KES",
		Entries: []domain.EntryRequest{
			{AccountID: a.ID, Direction: domain.DirectionDebit, Amount: 400},
			{AccountID: b.ID, Direction: domain.DirectionCredit, Amount: 400},
		},
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)

	_, err = f.uc.RefundTransaction(ctx, orig.Transaction.ID, "k-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)

	_, err = f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h-1", AccountID: a.ID, Amount: 100, TTL: time.Hour})
	require.NoError(t, err)
	_, err = f.uc.HoldFunds(ctx, domain.HoldRequest{IdempotencyKey: "h-1", AccountID: a.ID, Amount: 250, TTL: time.Hour})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)

	assert.Equal(t, money.Amount(600), f.balance(t, a.ID).Balance)
	assert.Equal(t, money.Amount(400), f.balance(t, b.ID).Balance)
	assert.Equal(t, money.Amount(100), f.balance(t, a.ID).HeldBalance)
	f.assertLedgerConsistent(t, a.ID, b.ID)
}

func TestLedger_RefundTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 1_000)

	orig, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "t1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 300, Currency: "KES"})
	require.NoError(t, err)

	refund, err := f.uc.RefundTransaction(ctx, orig.Transaction.ID, "t1:refund")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeRefund, refund.Transaction.Type)
	assert.True(t, domain.IsBalanced(refund.Entries))

	assert.Equal(t, money.Amount(1_000), f.balance(t, a.ID).Balance)
	assert.Equal(t, money.Amount(0), f.balance(t, b.ID).Balance)

	stored, err := f.store.GetTransaction(ctx, orig.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusRefunded, stored.Status)

	replay, err := f.uc.RefundTransaction(ctx, orig.Transaction.ID, "t1:refund")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = f.uc.RefundTransaction(ctx, orig.Transaction.ID, "t1:refund-again")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	f.assertLedgerConsistent(t, a.ID, b.ID)
}

func TestLedger_AdvanceTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	b := f.account(t, "b", domain.AccountTypeUser)
	f.fund(t, a, 100)
	res, err := f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "t1", FromAccountID: a.ID, ToAccountID: b.ID, Amount: 100, Currency: "KES"})
	require.NoError(t, err)

	settled, err := f.uc.AdvanceTransaction(ctx, res.Transaction.ID, domain.TransactionStatusSettled)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusSettled, settled.Status)

	_, err = f.uc.AdvanceTransaction(ctx, res.Transaction.ID, domain.TransactionStatusProcessing)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	_, err = f.uc.RefundTransaction(ctx, res.Transaction.ID, "t1:refund")
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition, "settled transactions are final")
}

func TestLedger_AccountLifecycle(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	owner := "user-9"
	key := domain.AccountKey{OwnerRef: &owner, AccountType: domain.AccountTypeUser, Currency: "KES"}
	first, err := f.uc.GetOrCreateAccount(ctx, key)
	require.NoError(t, err)
	second, err := f.uc.GetOrCreateAccount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	f.fund(t, first, 50)
	_, err = f.uc.CloseAccount(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotEmpty)

	other := f.account(t, "user-10", domain.AccountTypeUser)
	_, err = f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "drain", FromAccountID: first.ID, ToAccountID: other.ID, Amount: 50, Currency: "KES"})
	require.NoError(t, err)

	closed, err := f.uc.CloseAccount(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsActive)

	_, err = f.uc.Transfer(ctx, TransferRequest{IdempotencyKey: "after-close", FromAccountID: other.ID, ToAccountID: first.ID, Amount: 10, Currency: "KES"})
	assert.ErrorIs(t, err, domain.ErrAccountClosed)

	_, err = f.uc.OpenAccount(ctx, domain.OpenAccountRequest{AccountType: domain.AccountTypeUser, Currency: "KES"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "user accounts need an owner")
}

func TestLedger_BalanceReadsAreCachedAndInvalidated(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	a := f.account(t, "a", domain.AccountTypeUser)
	acc, err := f.uc.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), acc.Balance)

	f.fund(t, a, 250)

	acc, err = f.uc.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(250), acc.Balance, "posting invalidates the cached snapshot")
}

func TestLedger_PublishesPostedEvents(t *testing.T) {
	f := newLedgerFixture(t)
	a := f.account(t, "a", domain.AccountTypeUser)
	f.fund(t, a, 10)

	events := f.events.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, pub.EventLedgerPosted, events[0].Type)
	assert.Equal(t, money.Amount(10), events[0].Amount)
}

func strPtr(s string) *string { return &s }

func TestLedger_SeedPlatformAccountsIsRepeatable(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	providers := []config.ProviderConfig{
		{Name: "alpha", Currencies: []string{"KES", "ngn"}},
		{Name: "beta", Currencies: []string{"KES"}},
	}
	require.NoError(t, f.uc.SeedPlatformAccounts(ctx, providers))

	first, err := f.uc.FloatAccount(ctx, "alpha", "NGN")
	require.NoError(t, err)
	commission, err := f.uc.GetOrCreateAccount(ctx, domain.AccountKey{AccountType: domain.AccountTypePlatformCommission, Currency: "KES"})
	require.NoError(t, err)

	require.NoError(t, f.uc.SeedPlatformAccounts(ctx, providers))

	again, err := f.uc.FloatAccount(ctx, "alpha", "NGN")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	reserve, err := f.uc.GetOrCreateAccount(ctx, domain.AccountKey{AccountType: domain.AccountTypeRefundReserve, Currency: "NGN"})
	require.NoError(t, err)
	assert.NotEqual(t, commission.ID, reserve.ID)
	assert.Equal(t, domain.AccountTypeRefundReserve, reserve.AccountType)
}
