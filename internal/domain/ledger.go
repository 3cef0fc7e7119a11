package domain

import (
	"strings"
	"time"

	"payments-core/pkg/money"
)

// Direction is the side of a ledger entry.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

func (d Direction) Opposite() Direction {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

type TransactionType string

const (
	TransactionTypeTopUp       TransactionType = "TOP_UP"
	TransactionTypeWithdrawal  TransactionType = "WITHDRAWAL"
	TransactionTypeTransfer    TransactionType = "TRANSFER"
	TransactionTypeHoldCapture TransactionType = "HOLD_CAPTURE"
	TransactionTypeCollection  TransactionType = "PAYMENT_COLLECTION"
	TransactionTypePayout      TransactionType = "PAYOUT"
	TransactionTypeCashout     TransactionType = "CASHOUT"
	TransactionTypeSplit       TransactionType = "SPLIT"
	TransactionTypeRefund      TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TransactionStatusInitiated  TransactionStatus = "INITIATED"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
	TransactionStatusSettled    TransactionStatus = "SETTLED"
	TransactionStatusRefunding  TransactionStatus = "REFUNDING"
	TransactionStatusRefunded   TransactionStatus = "REFUNDED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusInitiated:  {TransactionStatusProcessing, TransactionStatusFailed},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted:  {TransactionStatusSettled, TransactionStatusRefunding},
	TransactionStatusRefunding:  {TransactionStatusRefunded},
}

// CanTransitionTo reports whether s → next is a legal move of the transaction state machine.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusSettled || s == TransactionStatusRefunded || s == TransactionStatusFailed
}

// Transaction is the unit of atomicity: a header for a balanced set of ledger entries.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Currency       string            `json:"currency"`
	Amount         money.Amount      `json:"amount"`
	Fee            money.Amount      `json:"fee"`
	Description    string            `json:"description,omitempty"`
	ExternalRef    *string           `json:"external_ref,omitempty"`
	ReviewFlag     bool              `json:"review_flag"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// LedgerEntry is one immutable debit or credit line.
type LedgerEntry struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	AccountID     string       `json:"account_id"`
	Direction     Direction    `json:"direction"`
	Amount        money.Amount `json:"amount"`
	BalanceAfter  money.Amount `json:"balance_after"`
	CreatedAt     time.Time    `json:"created_at"`
}

// EntryRequest is a single leg of a posting.
type EntryRequest struct {
	AccountID string
	Direction Direction
	Amount    money.Amount
}

// PostingRequest describes a balanced transaction to be written atomically.
type PostingRequest struct {
	IdempotencyKey string
	Type           TransactionType
	Currency       string
	Fee            money.Amount
	Description    string
	ExternalRef    *string
	ReviewFlag     bool
	Metadata       map[string]string
	Entries        []EntryRequest

	// CaptureHoldID, when set, is marked CAPTURED and its held amount released in the
	// same atomic unit as the entries.
	CaptureHoldID string
}

// Validate checks key, amounts, currency and that debits equal credits.
func (r *PostingRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrIdempotencyKeyRequired
	}
	if r.Type == "" || len(r.Currency) != 3 {
		return ErrInvalidRequest
	}
	if len(r.Entries) < 2 {
		return ErrUnbalancedTransaction
	}

	var debits, credits money.Amount
	for _, e := range r.Entries {
		if e.AccountID == "" {
			return ErrInvalidRequest
		}
		if e.Amount <= 0 {
			return ErrInvalidAmount
		}
		switch e.Direction {
		case DirectionDebit:
			debits += e.Amount
		case DirectionCredit:
			credits += e.Amount
		default:
			return ErrInvalidRequest
		}
	}
	if debits != credits {
		return ErrUnbalancedTransaction
	}
	return nil
}

// Total is the sum of the debit legs (equal to the credit legs once validated).
func (r *PostingRequest) Total() money.Amount {
	var total money.Amount
	for _, e := range r.Entries {
		if e.Direction == DirectionDebit {
			total += e.Amount
		}
	}
	return total
}

// AccountIDs returns the distinct accounts touched by the posting.
func (r *PostingRequest) AccountIDs() []string {
	seen := make(map[string]struct{}, len(r.Entries))
	ids := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		ids = append(ids, e.AccountID)
	}
	return ids
}

// PostingResult is what a ledger mutation returns. Replayed is true when the idempotency
// key had already been processed and the original result was returned unchanged.
type PostingResult struct {
	Transaction *Transaction   `json:"transaction"`
	Entries     []*LedgerEntry `json:"entries"`
	Replayed    bool           `json:"replayed"`
}

// IsBalanced checks Σ DEBIT == Σ CREDIT over persisted entries.
func IsBalanced(entries []*LedgerEntry) bool {
	var debits, credits money.Amount
	for _, e := range entries {
		if e.Direction == DirectionDebit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	return debits == credits
}

// BalanceCheck is the result of an audit recomputation.
type BalanceCheck struct {
	AccountID string       `json:"account_id"`
	Stored    money.Amount `json:"stored"`
	Computed  money.Amount `json:"computed"`
	Matches   bool         `json:"matches"`
}
