package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/provider"
	"payments-core/internal/repository/memory"
	"payments-core/pkg/money"
)

type webhookFixture struct {
	*paymentFixture
	hooks    *WebhookUsecase
	webhooks *memory.WebhookRepo
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	pf := newPaymentFixture(t, nil)
	repo := memory.NewWebhookRepo()
	hooks := NewWebhookUsecase(repo, pf.uc, provider.NewRegistry(pf.alpha, pf.beta),
		config.OrchestratorConfig{WebhookWorkers: 2, WebhookQueueSize: 8}, zap.NewNop())
	return &webhookFixture{paymentFixture: pf, hooks: hooks, webhooks: repo}
}

func (f *webhookFixture) initiate(t *testing.T, key string, amount money.Amount) *domain.PaymentTransaction {
	t.Helper()
	res, err := f.uc.InitiatePayment(context.Background(), f.request(key, amount))
	require.NoError(t, err)
	return res.Payment
}

func TestWebhook_DuplicateDeliveryPostsOnce(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	p := f.initiate(t, "pay-1", 1_200)
	body, sig, err := f.alpha.Settle(p.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)

	first, err := f.hooks.Receive(ctx, "alpha", body, sig)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.hooks.Receive(ctx, "alpha", body, sig)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	assert.Equal(t, 1, f.webhooks.Count())
	assert.Equal(t, money.Amount(1_200), f.balance(t, f.user.ID).Balance)

	entries, err := f.store.ListEntriesByAccount(ctx, f.user.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one ledger transaction")

	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	assert.NotNil(t, stored.WebhookReceivedAt)
}

func TestWebhook_InvalidSignatureHasNoSideEffects(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	p := f.initiate(t, "pay-1", 500)
	body, _, err := f.alpha.Settle(p.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)

	_, err = f.hooks.Receive(ctx, "alpha", body, provider.SignHMACSHA512([]byte("wrong"), body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// signed by another provider's secret
	_, sig, err := f.beta.SignedWebhook(map[string]string{"reference": p.ProviderReference})
	require.NoError(t, err)
	_, err = f.hooks.Receive(ctx, "alpha", body, sig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = f.hooks.Receive(ctx, "gamma", body, sig)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	assert.Zero(t, f.webhooks.Count())
	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, stored.Status)
}

func TestWebhook_MalformedButSignedIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"event":"payment.updated","status":"successful"}`)
	ack, err := f.hooks.Receive(context.Background(), "alpha", body, provider.SignHMACSHA512([]byte("alpha-secret"), body))
	require.NoError(t, err)
	assert.True(t, ack.Malformed)
	assert.Zero(t, f.webhooks.Count())
}

func TestWebhook_OutOfOrderDeliveryNeverRegresses(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	p := f.initiate(t, "pay-1", 800)
	success, successSig, err := f.alpha.Settle(p.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)
	pending, pendingSig, err := f.alpha.SignedWebhook(map[string]any{
		"event":              "payment.updated",
		"reference":          p.ProviderReference,
		"merchant_reference": p.ID,
		"status":             "pending",
		"amount":             800,
		"currency":           "KES",
		"occurred_at":        time.Now().Add(-time.Minute).Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	_, err = f.hooks.Receive(ctx, "alpha", success, successSig)
	require.NoError(t, err)
	_, err = f.hooks.Receive(ctx, "alpha", pending, pendingSig)
	require.NoError(t, err)

	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	assert.Equal(t, 2, f.webhooks.Count())
	assert.Equal(t, money.Amount(800), f.balance(t, f.user.ID).Balance)
}

func TestWebhook_ResolvesTimedOutInitiateByMerchantReference(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()

	f.alpha.SetDelay(time.Second)
	p := f.initiate(t, "pay-1", 300)
	require.Empty(t, p.ProviderReference)
	f.alpha.SetDelay(0)

	body, sig, err := f.alpha.SignedWebhook(map[string]any{
		"event":              "payment.updated",
		"reference":          "sbx_late",
		"merchant_reference": p.ID,
		"status":             "successful",
		"amount":             300,
		"currency":           "KES",
		"occurred_at":        time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	_, err = f.hooks.Receive(ctx, "alpha", body, sig)
	require.NoError(t, err)

	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	assert.Equal(t, "sbx_late", stored.ProviderReference)
	assert.Equal(t, money.Amount(300), f.balance(t, f.user.ID).Balance)
}

func TestWebhook_UnknownPaymentIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t)

	body, sig, err := f.alpha.SignedWebhook(map[string]any{
		"reference":   "sbx_orphan",
		"status":      "successful",
		"amount":      999,
		"currency":    "KES",
		"occurred_at": time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	ack, err := f.hooks.Receive(context.Background(), "alpha", body, sig)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	again, err := f.hooks.Receive(context.Background(), "alpha", body, sig)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestWebhook_WorkerPoolAppliesAsynchronously(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	f.hooks.Start()

	p := f.initiate(t, "pay-1", 450)
	body, sig, err := f.alpha.Settle(p.ProviderReference, provider.StatusSuccess, 0)
	require.NoError(t, err)

	_, err = f.hooks.Receive(ctx, "alpha", body, sig)
	require.NoError(t, err)

	f.hooks.Stop()

	stored, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	assert.True(t, stored.IsLinked())
}
