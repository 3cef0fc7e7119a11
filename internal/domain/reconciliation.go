package domain

import (
	"time"

	"payments-core/pkg/money"
)

type ReconciliationStatus string

const (
	ReconciliationStatusPending   ReconciliationStatus = "PENDING"
	ReconciliationStatusCompleted ReconciliationStatus = "COMPLETED"
	ReconciliationStatusFailed    ReconciliationStatus = "FAILED"
)

// Reconciliation is one run per (provider, currency, business date).
type Reconciliation struct {
	ID               string               `json:"id"`
	Provider         string               `json:"provider"`
	Currency         string               `json:"currency"`
	Date             time.Time            `json:"date"`
	InternalCount    int                  `json:"internal_count"`
	ProviderCount    int                  `json:"provider_count"`
	MatchedCount     int                  `json:"matched_count"`
	DiscrepancyCount int                  `json:"discrepancy_count"`
	InternalTotal    money.Amount         `json:"internal_total"`
	ProviderTotal    money.Amount         `json:"provider_total"`
	DiscrepancyTotal money.Amount         `json:"discrepancy_total"`
	Status           ReconciliationStatus `json:"status"`
	FailureReason    *string              `json:"failure_reason,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
}

type DiscrepancyType string

const (
	DiscrepancyMissingInInternal DiscrepancyType = "MISSING_IN_INTERNAL"
	DiscrepancyMissingInProvider DiscrepancyType = "MISSING_IN_PROVIDER"
	DiscrepancyAmountMismatch    DiscrepancyType = "AMOUNT_MISMATCH"
	DiscrepancyStatusMismatch    DiscrepancyType = "STATUS_MISMATCH"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type DiscrepancyStatus string

const (
	DiscrepancyStatusPending          DiscrepancyStatus = "PENDING"
	DiscrepancyStatusAutoResolved     DiscrepancyStatus = "AUTO_RESOLVED"
	DiscrepancyStatusManuallyResolved DiscrepancyStatus = "MANUALLY_RESOLVED"
	DiscrepancyStatusIgnored          DiscrepancyStatus = "IGNORED"
)

// IsResolved counts towards a COMPLETED reconciliation. IGNORED is terminal but is not a
// resolution.
func (s DiscrepancyStatus) IsResolved() bool {
	return s == DiscrepancyStatusAutoResolved || s == DiscrepancyStatusManuallyResolved
}

// ReconciliationDiscrepancy is a recorded difference between internal and provider records.
type ReconciliationDiscrepancy struct {
	ID                string            `json:"id"`
	ReconciliationID  string            `json:"reconciliation_id"`
	Provider          string            `json:"provider"`
	Currency          string            `json:"currency"`
	Type              DiscrepancyType   `json:"type"`
	Severity          Severity          `json:"severity"`
	Status            DiscrepancyStatus `json:"status"`
	PaymentID         *string           `json:"payment_id,omitempty"`
	ProviderReference string            `json:"provider_reference"`
	InternalAmount    money.Amount      `json:"internal_amount"`
	ProviderAmount    money.Amount      `json:"provider_amount"`
	Difference        money.Amount      `json:"difference"`
	InternalStatus    string            `json:"internal_status,omitempty"`
	ProviderStatus    string            `json:"provider_status,omitempty"`
	ResolvedBy        *string           `json:"resolved_by,omitempty"`
	ResolutionNote    *string           `json:"resolution_note,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// DiscrepancyFilter narrows ListDiscrepancies.
type DiscrepancyFilter struct {
	ReconciliationID *string
	Provider         *string
	Status           *DiscrepancyStatus
	Limit            int
	Offset           int
}

// SeverityBands are the lower bounds (inclusive) of MEDIUM, HIGH and CRITICAL.
type SeverityBands struct {
	Medium   money.Amount `json:"medium"`
	High     money.Amount `json:"high"`
	Critical money.Amount `json:"critical"`
}

// Classify is monotonic in amount.
func (b SeverityBands) Classify(amount money.Amount) Severity {
	amount = amount.Abs()
	switch {
	case amount >= b.Critical:
		return SeverityCritical
	case amount >= b.High:
		return SeverityHigh
	case amount >= b.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type BalanceCheckStatus string

const (
	BalanceCheckMatched     BalanceCheckStatus = "MATCHED"
	BalanceCheckDiscrepancy BalanceCheckStatus = "DISCREPANCY"
)

// BalanceReconciliation compares the platform float account with the provider's balance.
type BalanceReconciliation struct {
	ID              string             `json:"id"`
	Provider        string             `json:"provider"`
	Currency        string             `json:"currency"`
	FloatAccountID  string             `json:"float_account_id"`
	InternalBalance money.Amount       `json:"internal_balance"`
	ProviderBalance money.Amount       `json:"provider_balance"`
	Difference      money.Amount       `json:"difference"`
	Status          BalanceCheckStatus `json:"status"`
	CheckedAt       time.Time          `json:"checked_at"`
}

// ProviderBalance is the last balance a provider reported.
type ProviderBalance struct {
	Provider  string       `json:"provider"`
	Currency  string       `json:"currency"`
	Balance   money.Amount `json:"balance"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// BusinessDay truncates t to the UTC calendar day.
func BusinessDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
