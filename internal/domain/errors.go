package domain

import (
	"errors"
	"fmt"

	"payments-core/pkg/money"
)

var ErrNotFound = errors.New("not found")

// Ledger errors
var (
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrCurrencyMismatch        = errors.New("currency does not match account currency")
	ErrInsufficientFunds       = errors.New("insufficient available balance")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountClosed           = errors.New("account is closed")
	ErrAccountNotEmpty         = errors.New("account still holds funds")
	ErrHoldNotFound            = errors.New("hold not found")
	ErrHoldNotActive           = errors.New("hold is not active")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrUnbalancedTransaction   = errors.New("debits and credits do not balance")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrIdempotencyKeyRequired  = errors.New("idempotency key is required")
	ErrIdempotencyKeyConflict  = errors.New("idempotency key was used for a different request")

	// ErrDuplicateIdempotencyKey is raised by stores when the unique index rejects a key.
	// Usecases resolve it to the original result; callers never see it as a failure.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already processed")
)

// Payment errors
var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrFraudBlocked            = errors.New("payment blocked by risk assessment")
	ErrAdditionalAuthRequired  = errors.New("additional authentication required")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	ErrNoRoute                 = errors.New("no provider route for request")
	ErrPaymentNotRefundable    = errors.New("payment cannot be refunded in its current state")
)

// Webhook / reconciliation errors
var (
	ErrInvalidSignature       = errors.New("invalid webhook signature")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrDiscrepancyNotFound    = errors.New("discrepancy not found")
	ErrDiscrepancyResolved    = errors.New("discrepancy already resolved")
	ErrResolverRequired       = errors.New("resolver identity and reason are required")
	ErrReconciliationRunning  = errors.New("reconciliation already running for this key")
	ErrReconciliationNotFound = errors.New("reconciliation not found")
)

// InsufficientFundsError carries the balance that was violated so callers can show it.
type InsufficientFundsError struct {
	AccountID string
	Available money.Amount
	Required  money.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("account %s: insufficient available balance (available: %d, required: %d)",
		e.AccountID, e.Available, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Error codes for API responses
const (
	CodeInvalidAmount           = "INVALID_AMOUNT"
	CodeCurrencyMismatch        = "CURRENCY_MISMATCH"
	CodeInsufficientFunds       = "INSUFFICIENT_FUNDS"
	CodeAccountNotFound         = "ACCOUNT_NOT_FOUND"
	CodeAccountClosed           = "ACCOUNT_CLOSED"
	CodeHoldNotActive           = "HOLD_NOT_ACTIVE"
	CodeNotFound                = "NOT_FOUND"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeFraudBlocked            = "FRAUD_BLOCKED"
	CodeAdditionalAuthRequired  = "ADDITIONAL_AUTH_REQUIRED"
	CodeAllProvidersUnavailable = "ALL_PROVIDERS_UNAVAILABLE"
	CodeNoRoute                 = "NO_ROUTE"
	CodeInvalidSignature        = "INVALID_SIGNATURE"
	CodeConflict                = "CONFLICT"
	CodeIdempotencyConflict     = "IDEMPOTENCY_KEY_CONFLICT"
	CodeInternal                = "INTERNAL_ERROR"
)
