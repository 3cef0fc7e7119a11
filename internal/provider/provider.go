// Package provider defines the contract every payment rail adapter implements. Provider
// payloads never cross this boundary except as opaque RawPayload values.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

// Adapter is the uniform interface over an external payment rail. Retry and backoff are
// the caller's concern; adapters paginate ListTransactions internally.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error)
	QueryStatus(ctx context.Context, providerReference string) (*Transaction, error)
	// ParseWebhook verifies signature over the raw body and returns the normalised event.
	// It returns domain.ErrInvalidSignature on mismatch and *ParseError when a correctly
	// signed body cannot be understood.
	ParseWebhook(raw []byte, signature string) (*WebhookEvent, error)
	ListTransactions(ctx context.Context, from, to time.Time) ([]*Transaction, error)
	GetBalance(ctx context.Context, currency string) (*Balance, error)
}

// ErrTransactionNotFound means the rail has no record of the requested transaction.
var ErrTransactionNotFound = errors.New("provider: transaction not found")

// ReferenceFinder is implemented by rails that can look a transaction up by the
// merchant reference sent with Initiate.
type ReferenceFinder interface {
	FindByReference(ctx context.Context, reference string) (*Transaction, error)
}

// Pinger is implemented by adapters with a cheap liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RawPayload is a provider response kept verbatim for audit.
type RawPayload = json.RawMessage

// Status is the normalised provider outcome.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusPending  Status = "PENDING"
	StatusReversed Status = "REVERSED"
)

// PaymentStatus maps a provider outcome onto the payment state machine.
func (s Status) PaymentStatus() domain.PaymentStatus {
	switch s {
	case StatusSuccess:
		return domain.PaymentStatusSucceeded
	case StatusFailed:
		return domain.PaymentStatusFailed
	case StatusReversed:
		return domain.PaymentStatusRefunded
	default:
		return domain.PaymentStatusProcessing
	}
}

// NormalizeStatus maps provider vocabulary onto Status. Unknown values are PENDING so an
// unrecognised answer never settles a payment.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "successful", "succeeded", "completed", "complete", "paid", "settled":
		return StatusSuccess
	case "failed", "failure", "declined", "rejected", "cancelled", "canceled", "expired", "error":
		return StatusFailed
	case "reversed", "refunded", "chargeback":
		return StatusReversed
	default:
		return StatusPending
	}
}

type InitiateRequest struct {
	Reference      string
	IdempotencyKey string
	Direction      domain.PaymentDirection
	Method         domain.PaymentMethod
	Amount         money.Amount
	Currency       string
	Country        string
	Customer       string
	Description    string
	Metadata       map[string]string
}

type InitiateResult struct {
	ProviderReference string
	Status            Status
	Raw               RawPayload
}

// Transaction is a provider-side record as reported by QueryStatus or ListTransactions.
type Transaction struct {
	ProviderReference string
	Reference         string
	Amount            money.Amount
	Currency          string
	Status            Status
	Reason            string
	Raw               RawPayload
	OccurredAt        time.Time
}

type WebhookEvent struct {
	ProviderReference string
	Reference         string
	Amount            money.Amount
	Currency          string
	Status            Status
	Reason            string
	Raw               RawPayload
	OccurredAt        time.Time
}

type Balance struct {
	Currency  string
	Available money.Amount
	AsOf      time.Time
}

// ParseError reports a correctly signed webhook body the adapter could not interpret.
type ParseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook: %s", e.Provider, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry holds the configured adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
