package domain

import (
	"encoding/json"
	"strings"
	"time"

	"payments-core/pkg/money"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusProcessing: {PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusSucceeded:  {PaymentStatusRefunded},
}

// CanTransitionTo guards webhook and poll writers racing on the same payment.
// Regressions (e.g. SUCCEEDED → PROCESSING) are never allowed.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true once the provider outcome is known.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

type PaymentDirection string

const (
	PaymentDirectionCollection PaymentDirection = "COLLECTION"
	PaymentDirectionPayout     PaymentDirection = "PAYOUT"
)

type PaymentMethod string

const (
	PaymentMethodAuto         PaymentMethod = "auto"
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// PaymentTransaction is an external payment attempt against one provider.
type PaymentTransaction struct {
	ID                  string           `json:"id"`
	IdempotencyKey      string           `json:"idempotency_key"`
	Provider            string           `json:"provider"`
	ProviderReference   string           `json:"provider_reference,omitempty"`
	Direction           PaymentDirection `json:"direction"`
	Method              PaymentMethod    `json:"method"`
	Country             string           `json:"country"`
	AccountID           string           `json:"account_id"`
	Amount              money.Amount     `json:"amount"`
	Currency            string           `json:"currency"`
	Status              PaymentStatus    `json:"status"`
	ProviderResponse    json.RawMessage  `json:"-"`
	HoldID              *string          `json:"hold_id,omitempty"`
	LedgerTransactionID *string          `json:"ledger_transaction_id,omitempty"`
	ReviewFlag          bool             `json:"review_flag"`
	FailureReason       *string          `json:"failure_reason,omitempty"`
	WebhookReceivedAt   *time.Time       `json:"webhook_received_at,omitempty"`
	LastPolledAt        *time.Time       `json:"last_polled_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// IsLinked reports whether the confirmed funds have already been posted to the ledger.
func (p *PaymentTransaction) IsLinked() bool {
	return p.LedgerTransactionID != nil && *p.LedgerTransactionID != ""
}

// LastObservedAt is the last time the local status was refreshed from the provider.
func (p *PaymentTransaction) LastObservedAt() time.Time {
	last := p.UpdatedAt
	if p.WebhookReceivedAt != nil && p.WebhookReceivedAt.After(last) {
		last = *p.WebhookReceivedAt
	}
	if p.LastPolledAt != nil && p.LastPolledAt.After(last) {
		last = *p.LastPolledAt
	}
	return last
}

// PaymentRequest is the inbound initiatePayment call.
type PaymentRequest struct {
	IdempotencyKey string            `json:"-"`
	AccountID      string            `json:"account_id"`
	Amount         money.Amount      `json:"amount"`
	Currency       string            `json:"currency"`
	Country        string            `json:"country"`
	Method         PaymentMethod     `json:"method"`
	Direction      PaymentDirection  `json:"direction"`
	Customer       string            `json:"customer"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Normalize upper-cases codes and fills defaults before validation.
func (r *PaymentRequest) Normalize() {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Country = strings.ToUpper(strings.TrimSpace(r.Country))
	if r.Method == "" {
		r.Method = PaymentMethodAuto
	}
	if r.Direction == "" {
		r.Direction = PaymentDirectionCollection
	}
}

func (r *PaymentRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrIdempotencyKeyRequired
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.AccountID == "" || len(r.Currency) != 3 || len(r.Country) != 2 {
		return ErrInvalidRequest
	}
	switch r.Method {
	case PaymentMethodAuto, PaymentMethodMobileMoney, PaymentMethodCard, PaymentMethodBankTransfer:
	default:
		return ErrInvalidRequest
	}
	switch r.Direction {
	case PaymentDirectionCollection, PaymentDirectionPayout:
	default:
		return ErrInvalidRequest
	}
	if r.Customer == "" {
		return ErrInvalidRequest
	}
	return nil
}

// PaymentStatusUpdate is a state change observed from a webhook or a status poll.
type PaymentStatusUpdate struct {
	ProviderReference string
	Status            PaymentStatus
	Amount            money.Amount
	Reason            string
	Raw               json.RawMessage
	ObservedAt        time.Time
	FromWebhook       bool
}

// ProviderHealth is the cluster-wide health view of one provider.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastResponseTimeMs  int64     `json:"last_response_time_ms"`
}
