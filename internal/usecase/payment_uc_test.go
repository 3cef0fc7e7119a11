package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/provider"
	"payments-core/internal/provider/sandbox"
	"payments-core/internal/pub"
	"payments-core/internal/repository/memory"
	"payments-core/internal/risk"
	"payments-core/pkg/money"
)

type stubAssessor struct {
	action risk.Action
	err    error
}

func (s stubAssessor) AssessRisk(context.Context, *domain.PaymentRequest) (*risk.Assessment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &risk.Assessment{Action: s.action, Score: 50}, nil
}

type paymentFixture struct {
	*ledgerFixture
	uc       *PaymentUsecase
	payments *memory.PaymentRepo
	health   *HealthTracker
	alpha    *sandbox.Adapter
	beta     *sandbox.Adapter
	user     *domain.WalletAccount
}

func newPaymentFixture(t *testing.T, assessor risk.Assessor) *paymentFixture {
	t.Helper()
	lf := newLedgerFixture(t)

	alpha := sandbox.New("alpha", "alpha-secret")
	beta := sandbox.New("beta", "beta-secret")
	registry := provider.NewRegistry(alpha, beta)
	providers := []config.ProviderConfig{
		{Name: "alpha", Kind: "sandbox", Currencies: []string{"KES"}},
		{Name: "beta", Kind: "sandbox", Currencies: []string{"KES"}},
	}
	health := NewHealthTracker(cache.NewHealthStore(lf.redis, "test", 3), registry, providers, time.Second, zap.NewNop())
	router := NewRouter([]config.RouteConfig{
		{Currency: "KES", Country: "KE", Method: "*", Providers: []string{"alpha", "beta"}},
		{Currency: "KES", Country: "KE", Method: "card", Providers: []string{"beta"}},
	})

	payments := memory.NewPaymentRepo()
	uc := NewPaymentUsecase(payments, lf.uc, registry, router, health, assessor,
		cache.NewStatusCache(cache.New(lf.redis, "test"), time.Minute),
		lf.events,
		config.OrchestratorConfig{
			ProviderTimeout:  100 * time.Millisecond,
			StatusStaleAfter: 2 * time.Minute,
			PayoutHoldTTL:    time.Hour,
		},
		zap.NewNop(),
	)
	uc.now = lf.clock.Now

	return &paymentFixture{
		ledgerFixture: lf,
		uc:            uc,
		payments:      payments,
		health:        health,
		alpha:         alpha,
		beta:          beta,
		user:          lf.account(t, "user-1", domain.AccountTypeUser),
	}
}

func (f *paymentFixture) request(key string, amount money.Amount) *domain.PaymentRequest {
	return &domain.PaymentRequest{
		IdempotencyKey: key,
		AccountID:      f.user.ID,
		Amount:         amount,
		Currency:       "kes",
		Country:        "ke",
		Customer:       "+254700000000",
	}
}

func (f *paymentFixture) adapter(name string) *sandbox.Adapter {
	if name == "beta" {
		return f.beta
	}
	return f.alpha
}

func TestPayment_InitiateRoutesToPreferredProvider(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "alpha", res.Payment.Provider)
	assert.Equal(t, domain.PaymentStatusProcessing, res.Payment.Status)
	assert.NotEmpty(t, res.Payment.ProviderReference)
	assert.Equal(t, "KES", res.Payment.Currency)

	replay, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Payment.ID, replay.Payment.ID)

	card := f.request("pay-2", 1_000)
	card.Method = domain.PaymentMethodCard
	res, err = f.uc.InitiatePayment(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Payment.Provider)

	_, err = f.uc.InitiatePayment(ctx, &domain.PaymentRequest{
		IdempotencyKey: "pay-3", AccountID: f.user.ID, Amount: 10, Currency: "KES", Country: "UG", Customer: "x",
	})
	assert.ErrorIs(t, err, domain.ErrNoRoute)
}

func TestPayment_FailoverMarksProviderUnhealthy(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.SetFailure(errors.New("503 from upstream"))

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Payment.Provider)
	assert.False(t, f.health.IsHealthy(ctx, "alpha"))

	// alpha is out of routing even after it recovers, until a health check succeeds
	f.alpha.SetFailure(nil)
	res, err = f.uc.InitiatePayment(ctx, f.request("pay-2", 1_000))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Payment.Provider)

	require.NoError(t, f.health.Check(ctx, "alpha"))
	res, err = f.uc.InitiatePayment(ctx, f.request("pay-3", 1_000))
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Payment.Provider)
}

func TestPayment_AllProvidersUnavailable(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.SetFailure(sandbox.ErrUnavailable)
	f.beta.SetFailure(sandbox.ErrUnavailable)

	_, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	assert.ErrorIs(t, err, domain.ErrAllProvidersUnavailable)

	p, err := f.payments.GetByIdempotencyKey(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
	require.NotNil(t, p.FailureReason)
}

func TestPayment_RiskVerdicts(t *testing.T) {
	ctx := context.Background()

	t.Run("block stops before any provider call", func(t *testing.T) {
		f := newPaymentFixture(t, stubAssessor{action: risk.ActionBlock})
		_, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
		assert.ErrorIs(t, err, domain.ErrFraudBlocked)
		_, err = f.payments.GetByIdempotencyKey(ctx, "pay-1")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
		txs, err := f.alpha.ListTransactions(ctx, time.Time{}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("additional auth is surfaced", func(t *testing.T) {
		f := newPaymentFixture(t, stubAssessor{action: risk.ActionRequireAdditionalAuth})
		_, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
		assert.ErrorIs(t, err, domain.ErrAdditionalAuthRequired)
	})

	t.Run("review proceeds with flag", func(t *testing.T) {
		f := newPaymentFixture(t, stubAssessor{action: risk.ActionReview})
		res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
		require.NoError(t, err)
		assert.True(t, res.Payment.ReviewFlag)
		assert.Equal(t, domain.PaymentStatusProcessing, res.Payment.Status)
	})

	t.Run("assessor outage flags for review", func(t *testing.T) {
		f := newPaymentFixture(t, stubAssessor{err: errors.New("risk service down")})
		res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
		require.NoError(t, err)
		assert.True(t, res.Payment.ReviewFlag)
	})
}

func TestPayment_TimedOutInitiateIsAmbiguous(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.SetDelay(time.Second)

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	assert.Equal(t, "alpha", res.Payment.Provider, "no blind retry on the next provider")
	assert.Equal(t, domain.PaymentStatusProcessing, res.Payment.Status)

	betaTxs, err := f.beta.ListTransactions(ctx, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, betaTxs)
}

func TestPayment_PollRecoversTimedOutInitiate(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.SetDelay(time.Second)
	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusProcessing, res.Payment.Status)
	require.Empty(t, res.Payment.ProviderReference)
	f.alpha.SetDelay(0)

	// the rail has not seen the request yet
	f.clock.Advance(3 * time.Minute)
	_, err = f.uc.PollStale(ctx, 10)
	require.NoError(t, err)
	p, err := f.payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, p.Status)
	assert.Empty(t, p.ProviderReference)

	// the original request did land and has since settled
	f.alpha.Inject(provider.Transaction{
		ProviderReference: "sbx_late",
		Reference:         res.Payment.ID,
		Amount:            1_000,
		Currency:          "KES",
		Status:            provider.StatusSuccess,
	})

	f.clock.Advance(3 * time.Minute)
	n, err := f.uc.PollStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err = f.payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, "sbx_late", p.ProviderReference)
	assert.True(t, p.IsLinked())
	assert.Equal(t, money.Amount(1_000), f.balance(t, f.user.ID).Balance)

	byRef, err := f.uc.ResolveProviderEvent(ctx, "alpha", "sbx_late", "")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)
}

func TestPayment_PollAttachesRecoveredReferenceWhilePending(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.SetDelay(time.Second)
	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	f.alpha.SetDelay(0)

	f.alpha.Inject(provider.Transaction{
		ProviderReference: "sbx_slow",
		Reference:         res.Payment.ID,
		Amount:            1_000,
		Currency:          "KES",
		Status:            provider.StatusPending,
	})

	p, err := f.uc.ConfirmPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, p.Status)

	stored, err := f.payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "sbx_slow", stored.ProviderReference)
}

func TestPayment_WebhookAndPollConvergeOnOneLedgerTransaction(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 1_000))
	require.NoError(t, err)
	p := res.Payment

	_, _, err = f.alpha.Settle(p.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := f.uc.ConfirmPayment(ctx, p.ID)
				assert.NoError(t, err)
				return
			}
			_, _, err := f.uc.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{
				ProviderReference: p.ProviderReference,
				Status:            domain.PaymentStatusSucceeded,
				ObservedAt:        f.clock.Now(),
				FromWebhook:       true,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	require.True(t, stored.IsLinked())

	assert.Equal(t, money.Amount(1_000), f.balance(t, f.user.ID).Balance)
	txn, err := f.store.GetTransactionByKey(ctx, "payment:"+p.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, *stored.LedgerTransactionID)
	assert.Equal(t, domain.TransactionTypeCollection, txn.Type)

	// a late PROCESSING observation never regresses the payment
	after, applied, err := f.uc.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{Status: domain.PaymentStatusProcessing})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.PaymentStatusSucceeded, after.Status)

	_, applied, err = f.uc.ApplyStatusUpdate(ctx, p.ID, domain.PaymentStatusUpdate{Status: domain.PaymentStatusFailed})
	require.NoError(t, err)
	assert.False(t, applied)

	succeeded := 0
	for _, e := range f.events.Drain() {
		if e.Type == pub.EventPaymentSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	f.assertLedgerConsistent(t, f.user.ID)
}

func TestPayment_StaleStatusFallsBackToQuery(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 700))
	require.NoError(t, err)

	got, err := f.uc.GetPaymentStatus(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status)

	_, _, err = f.alpha.Settle(res.Payment.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)

	got, err = f.uc.GetPaymentStatus(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status, "fresh status is served from cache")

	f.clock.Advance(3 * time.Minute)
	got, err = f.uc.GetPaymentStatus(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, got.Status)
	assert.Equal(t, money.Amount(700), f.balance(t, f.user.ID).Balance)
}

func TestPayment_PollStale(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 400))
	require.NoError(t, err)
	_, _, err = f.alpha.Settle(res.Payment.ProviderReference, provider.StatusFailed, 0)
	require.NoError(t, err)

	n, err := f.uc.PollStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(5 * time.Minute)
	n, err = f.uc.PollStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.payments.GetByID(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	assert.False(t, stored.IsLinked())
	assert.Equal(t, money.Amount(0), f.balance(t, f.user.ID).Balance)
}

func TestPayment_PayoutHoldsAndCaptures(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()
	f.fund(t, f.user, 5_000)

	out := f.request("payout-1", 3_000)
	out.Direction = domain.PaymentDirectionPayout
	res, err := f.uc.InitiatePayment(ctx, out)
	require.NoError(t, err)
	require.NotNil(t, res.Payment.HoldID)

	acc := f.balance(t, f.user.ID)
	assert.Equal(t, money.Amount(3_000), acc.HeldBalance)

	_, _, err = f.uc.ApplyStatusUpdate(ctx, res.Payment.ID, domain.PaymentStatusUpdate{Status: domain.PaymentStatusSucceeded, FromWebhook: true})
	require.NoError(t, err)

	acc = f.balance(t, f.user.ID)
	assert.Equal(t, money.Amount(2_000), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)

	failing := f.request("payout-2", 1_500)
	failing.Direction = domain.PaymentDirectionPayout
	res, err = f.uc.InitiatePayment(ctx, failing)
	require.NoError(t, err)
	_, _, err = f.uc.ApplyStatusUpdate(ctx, res.Payment.ID, domain.PaymentStatusUpdate{Status: domain.PaymentStatusFailed, Reason: "declined"})
	require.NoError(t, err)

	acc = f.balance(t, f.user.ID)
	assert.Equal(t, money.Amount(2_000), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)

	tooBig := f.request("payout-3", 10_000)
	tooBig.Direction = domain.PaymentDirectionPayout
	_, err = f.uc.InitiatePayment(ctx, tooBig)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestPayment_PayoutHoldOutlivesSweepWhileInFlight(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()
	f.fund(t, f.user, 5_000)

	out := f.request("payout-1", 3_000)
	out.Direction = domain.PaymentDirectionPayout
	res, err := f.uc.InitiatePayment(ctx, out)
	require.NoError(t, err)
	require.NotNil(t, res.Payment.HoldID)

	// the rail answers long after the hold TTL
	f.clock.Advance(2 * time.Hour)
	expired, err := f.ledgerFixture.uc.CleanupExpiredHolds(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Equal(t, money.Amount(3_000), f.balance(t, f.user.ID).HeldBalance)

	again := f.request("payout-2", 3_000)
	again.Direction = domain.PaymentDirectionPayout
	_, err = f.uc.InitiatePayment(ctx, again)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds, "reserved funds stay reserved")

	p, _, err := f.uc.ApplyStatusUpdate(ctx, res.Payment.ID, domain.PaymentStatusUpdate{
		Status:      domain.PaymentStatusSucceeded,
		ObservedAt:  f.clock.Now(),
		FromWebhook: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	assert.True(t, p.IsLinked())

	acc := f.balance(t, f.user.ID)
	assert.Equal(t, money.Amount(2_000), acc.Balance)
	assert.Equal(t, money.Amount(0), acc.HeldBalance)

	hold, err := f.store.GetHold(ctx, *res.Payment.HoldID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusCaptured, hold.Status)
	f.assertLedgerConsistent(t, f.user.ID)
}

func TestPayment_Refund(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 900))
	require.NoError(t, err)

	_, err = f.uc.RefundPayment(ctx, res.Payment.ID, "refund-1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotRefundable)

	_, _, err = f.uc.ApplyStatusUpdate(ctx, res.Payment.ID, domain.PaymentStatusUpdate{Status: domain.PaymentStatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(900), f.balance(t, f.user.ID).Balance)

	float, err := f.ledgerFixture.uc.FloatAccount(ctx, "alpha", "KES")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(900), f.balance(t, float.ID).Balance)

	refunded, err := f.uc.RefundPayment(ctx, res.Payment.ID, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, refunded.Status)
	assert.Equal(t, money.Amount(0), f.balance(t, f.user.ID).Balance)
	// the ledger-only reversal hands the amount back to the float
	assert.Equal(t, money.Amount(0), f.balance(t, float.ID).Balance)

	again, err := f.uc.RefundPayment(ctx, res.Payment.ID, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, again.Status)
	assert.Equal(t, money.Amount(0), f.balance(t, f.user.ID).Balance)
	f.assertLedgerConsistent(t, f.user.ID, float.ID)
}

func TestHealthTracker_ThreeFailuresThenOneSuccess(t *testing.T) {
	f := newPaymentFixture(t, nil)
	ctx := context.Background()

	f.alpha.FailNext(3)
	for i := 0; i < 2; i++ {
		assert.Error(t, f.health.Check(ctx, "alpha"))
		assert.True(t, f.health.IsHealthy(ctx, "alpha"))
	}
	assert.Error(t, f.health.Check(ctx, "alpha"))
	assert.False(t, f.health.IsHealthy(ctx, "alpha"))

	res, err := f.uc.InitiatePayment(ctx, f.request("pay-1", 100))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Payment.Provider, "routing skips unhealthy providers")

	require.NoError(t, f.health.Check(ctx, "alpha"))
	assert.True(t, f.health.IsHealthy(ctx, "alpha"))

	snapshot, err := f.uc.ProviderHealth(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "alpha", snapshot[0].Provider)
	assert.Zero(t, snapshot[0].ConsecutiveFailures)
}

func TestRouter_MostSpecificRowWins(t *testing.T) {
	r := NewRouter([]config.RouteConfig{
		{Currency: "*", Providers: []string{"fallback"}},
		{Currency: "KES", Providers: []string{"kes"}},
		{Currency: "KES", Country: "KE", Method: "mobile_money", Providers: []string{"mpesa", "airtel"}},
	})

	assert.Equal(t, []string{"mpesa", "airtel"}, r.Candidates("KES", "KE", domain.PaymentMethodMobileMoney))
	assert.Equal(t, []string{"mpesa", "airtel"}, r.Candidates("kes", "ke", domain.PaymentMethodAuto))
	assert.Equal(t, []string{"kes"}, r.Candidates("KES", "KE", domain.PaymentMethodCard))
	assert.Equal(t, []string{"fallback"}, r.Candidates("USD", "US", domain.PaymentMethodCard))

	assert.Nil(t, NewRouter(nil).Candidates("KES", "KE", domain.PaymentMethodAuto))
}
