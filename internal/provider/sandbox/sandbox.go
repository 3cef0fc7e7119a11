// Package sandbox is an in-memory payment rail. It signs webhooks the way a real
// provider would (HMAC-SHA-512 over the raw body) and lets local runs and tests drive
// outcomes, failures and latency.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"payments-core/internal/domain"
	"payments-core/internal/provider"
	"payments-core/pkg/money"
)

// ErrUnavailable is returned while the rail is switched off with SetFailure.
var ErrUnavailable = errors.New("sandbox: rail unavailable")

// webhookBody is the wire format of a sandbox callback.
type webhookBody struct {
	Event             string `json:"event"`
	Reference         string `json:"reference"`
	MerchantReference string `json:"merchant_reference"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason,omitempty"`
	OccurredAt        string `json:"occurred_at"`
}

type record struct {
	tx        provider.Transaction
	direction domain.PaymentDirection
}

type Adapter struct {
	name   string
	secret []byte

	mu        sync.Mutex
	records   map[string]*record
	order     []string
	balances  map[string]money.Amount
	failure   error
	failCount int
	delay     time.Duration
	now       func() time.Time
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.ReferenceFinder = (*Adapter)(nil)
)

func New(name, webhookSecret string) *Adapter {
	return &Adapter{
		name:     name,
		secret:   []byte(webhookSecret),
		records:  make(map[string]*record),
		balances: make(map[string]money.Amount),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *Adapter) Name() string { return a.name }

// SetFailure makes every call fail with err until cleared with nil.
func (a *Adapter) SetFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failure = err
	a.failCount = 0
}

// FailNext makes the next n calls fail with ErrUnavailable.
func (a *Adapter) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCount = n
}

// SetDelay makes every network-bound call take d, or until its context ends.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *Adapter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Adapter) SetBalance(currency string, amount money.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[currency] = amount
}

// call simulates the network round trip.
func (a *Adapter) call(ctx context.Context) error {
	a.mu.Lock()
	delay, failure := a.delay, a.failure
	if failure == nil && a.failCount > 0 {
		a.failCount--
		failure = ErrUnavailable
	}
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return failure
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.call(ctx)
}

func (a *Adapter) Initiate(ctx context.Context, req *provider.InitiateRequest) (*provider.InitiateResult, error) {
	if err := a.call(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// the sandbox honours merchant idempotency the way real rails do
	for _, ref := range a.order {
		if r, ok := a.records[ref]; ok && r.tx.Reference == req.Reference {
			return &provider.InitiateResult{ProviderReference: ref, Status: r.tx.Status, Raw: r.tx.Raw}, nil
		}
	}

	ref := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	raw, _ := json.Marshal(map[string]any{"reference": ref, "status": "pending", "merchant_reference": req.Reference})
	a.records[ref] = &record{
		tx: provider.Transaction{
			ProviderReference: ref,
			Reference:         req.Reference,
			Amount:            req.Amount,
			Currency:          req.Currency,
			Status:            provider.StatusPending,
			Raw:               raw,
			OccurredAt:        a.now(),
		},
		direction: req.Direction,
	}
	a.order = append(a.order, ref)

	return &provider.InitiateResult{ProviderReference: ref, Status: provider.StatusPending, Raw: raw}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, providerReference string) (*provider.Transaction, error) {
	if err := a.call(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[providerReference]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown reference %s", providerReference)
	}
	cp := r.tx
	return &cp, nil
}

func (a *Adapter) FindByReference(ctx context.Context, reference string) (*provider.Transaction, error) {
	if err := a.call(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ref := range a.order {
		if r, ok := a.records[ref]; ok && r.tx.Reference == reference {
			cp := r.tx
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("sandbox: reference %s: %w", reference, provider.ErrTransactionNotFound)
}

func (a *Adapter) ListTransactions(ctx context.Context, from, to time.Time) ([]*provider.Transaction, error) {
	if err := a.call(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*provider.Transaction
	for _, ref := range a.order {
		r, ok := a.records[ref]
		if !ok {
			continue
		}
		if r.tx.OccurredAt.Before(from) || !r.tx.OccurredAt.Before(to) {
			continue
		}
		cp := r.tx
		out = append(out, &cp)
	}
	return out, nil
}

func (a *Adapter) GetBalance(ctx context.Context, currency string) (*provider.Balance, error) {
	if err := a.call(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return &provider.Balance{Currency: currency, Available: a.balances[currency], AsOf: a.now()}, nil
}

func (a *Adapter) ParseWebhook(raw []byte, signature string) (*provider.WebhookEvent, error) {
	if !provider.VerifyHMACSHA512(a.secret, raw, signature) {
		return nil, domain.ErrInvalidSignature
	}

	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &provider.ParseError{Provider: a.name, Reason: "invalid json", Err: err}
	}
	if body.Reference == "" {
		return nil, &provider.ParseError{Provider: a.name, Reason: "missing reference"}
	}

	occurred, err := time.Parse(time.RFC3339Nano, body.OccurredAt)
	if err != nil {
		occurred = time.Now().UTC()
	}
	return &provider.WebhookEvent{
		ProviderReference: body.Reference,
		Reference:         body.MerchantReference,
		Amount:            money.Amount(body.Amount),
		Currency:          body.Currency,
		Status:            provider.NormalizeStatus(body.Status),
		Reason:            body.Reason,
		Raw:               raw,
		OccurredAt:        occurred,
	}, nil
}

// Settle moves a transaction to its final provider status and returns the signed
// callback the rail would deliver. amount overrides the recorded amount when non-zero.
func (a *Adapter) Settle(providerReference string, status provider.Status, amount money.Amount) ([]byte, string, error) {
	a.mu.Lock()
	r, ok := a.records[providerReference]
	if !ok {
		a.mu.Unlock()
		return nil, "", fmt.Errorf("sandbox: unknown reference %s", providerReference)
	}
	if amount != 0 {
		r.tx.Amount = amount
	}
	prev := r.tx.Status
	r.tx.Status = status
	if status == provider.StatusSuccess && prev != provider.StatusSuccess {
		if r.direction == domain.PaymentDirectionPayout {
			a.balances[r.tx.Currency] -= r.tx.Amount
		} else {
			a.balances[r.tx.Currency] += r.tx.Amount
		}
	}
	tx := r.tx
	now := a.now()
	a.mu.Unlock()

	return a.SignedWebhook(webhookBody{
		Event:             "payment.updated",
		Reference:         tx.ProviderReference,
		MerchantReference: tx.Reference,
		Status:            wireStatus(status),
		Amount:            int64(tx.Amount),
		Currency:          tx.Currency,
		OccurredAt:        now.Format(time.RFC3339Nano),
	})
}

// SignedWebhook serialises body and signs it with the adapter secret.
func (a *Adapter) SignedWebhook(body any) ([]byte, string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return raw, provider.SignHMACSHA512(a.secret, raw), nil
}

// Inject adds a provider-side record that has no local counterpart.
func (a *Adapter) Inject(tx provider.Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = a.now()
	}
	a.records[tx.ProviderReference] = &record{tx: tx, direction: domain.PaymentDirectionCollection}
	a.order = append(a.order, tx.ProviderReference)
}

// Forget removes a record from the provider's reports.
func (a *Adapter) Forget(providerReference string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, providerReference)
}

func wireStatus(s provider.Status) string {
	switch s {
	case provider.StatusSuccess:
		return "successful"
	case provider.StatusFailed:
		return "failed"
	case provider.StatusReversed:
		return "reversed"
	default:
		return "pending"
	}
}
