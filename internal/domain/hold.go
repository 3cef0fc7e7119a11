package domain

import (
	"time"

	"payments-core/pkg/money"
)

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "ACTIVE"
	HoldStatusCaptured HoldStatus = "CAPTURED"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusExpired  HoldStatus = "EXPIRED"
)

// BalanceHold reserves funds on an account without moving them.
type BalanceHold struct {
	ID             string       `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	AccountID      string       `json:"account_id"`
	Amount         money.Amount `json:"amount"`
	Reason         string       `json:"reason"`
	Status         HoldStatus   `json:"status"`
	ExpiresAt      time.Time    `json:"expires_at"`
	// Pinned holds are never expired by the sweeper; only capture or release ends them.
	Pinned         bool         `json:"pinned"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (h *BalanceHold) IsActive() bool {
	return h.Status == HoldStatusActive
}

func (h *BalanceHold) ExpiredAt(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Sweepable reports whether the expiry sweep may claim the hold at now.
func (h *BalanceHold) Sweepable(now time.Time) bool {
	return h.IsActive() && !h.Pinned && h.ExpiredAt(now)
}

// CapturableAt reports whether the hold can still be captured at now. The expiry
// instant itself is inclusive.
func (h *BalanceHold) CapturableAt(now time.Time) bool {
	if !h.IsActive() {
		return false
	}
	return h.Pinned || !now.After(h.ExpiresAt)
}

// HoldRequest is the input of holdFunds.
type HoldRequest struct {
	IdempotencyKey string
	AccountID      string
	Amount         money.Amount
	Reason         string
	TTL            time.Duration
	Pinned         bool
}

func (r *HoldRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	if r.AccountID == "" || r.TTL <= 0 {
		return ErrInvalidRequest
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
