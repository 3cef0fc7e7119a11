package domain

import (
	"time"

	"payments-core/pkg/money"
)

type AccountType string

const (
	AccountTypeUser               AccountType = "USER"
	AccountTypeDriver             AccountType = "DRIVER"
	AccountTypeRestaurant         AccountType = "RESTAURANT"
	AccountTypePlatformCommission AccountType = "PLATFORM_COMMISSION"
	AccountTypePlatformFloat      AccountType = "PLATFORM_FLOAT"
	AccountTypeFinancingEscrow    AccountType = "FINANCING_ESCROW"
	AccountTypePromotional        AccountType = "PROMOTIONAL"
	AccountTypeRefundReserve      AccountType = "REFUND_RESERVE"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeUser, AccountTypeDriver, AccountTypeRestaurant,
		AccountTypePlatformCommission, AccountTypePlatformFloat,
		AccountTypeFinancingEscrow, AccountTypePromotional, AccountTypeRefundReserve:
		return true
	}
	return false
}

// IsPlatform reports whether the type is owned by the platform. Platform accounts may
// leave ownerRef nil; provider float accounts set it to the provider name.
func (t AccountType) IsPlatform() bool {
	switch t {
	case AccountTypePlatformCommission, AccountTypePlatformFloat,
		AccountTypeFinancingEscrow, AccountTypePromotional, AccountTypeRefundReserve:
		return true
	}
	return false
}

// NormalSide is the direction that increases the balance. Float accounts mirror money
// held at a provider and are debit-normal; wallets and platform income are credit-normal.
func (t AccountType) NormalSide() Direction {
	if t == AccountTypePlatformFloat {
		return DirectionDebit
	}
	return DirectionCredit
}

// WalletAccount is a ledger account for a user, driver, restaurant or the platform.
type WalletAccount struct {
	ID            string       `json:"id"`
	OwnerRef      *string      `json:"owner_ref,omitempty"`
	AccountType   AccountType  `json:"account_type"`
	Currency      string       `json:"currency"`
	Balance       money.Amount `json:"balance"`
	HeldBalance   money.Amount `json:"held_balance"`
	AllowNegative bool         `json:"allow_negative"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Available is balance minus held funds.
func (a *WalletAccount) Available() money.Amount {
	return a.Balance - a.HeldBalance
}

// Delta returns the signed balance change an entry in direction d causes on this account.
func (a *WalletAccount) Delta(d Direction, amount money.Amount) money.Amount {
	if d == a.AccountType.NormalSide() {
		return amount
	}
	return -amount
}

// CanSpend reports whether a balance decrease of amount keeps available funds non-negative.
func (a *WalletAccount) CanSpend(amount money.Amount) bool {
	if a.AllowNegative {
		return true
	}
	return a.Available() >= amount
}

func (a *WalletAccount) Owner() string {
	if a.OwnerRef == nil {
		return ""
	}
	return *a.OwnerRef
}

// AccountKey identifies an account for lazy creation.
type AccountKey struct {
	OwnerRef    *string
	AccountType AccountType
	Currency    string
}

// OpenAccountRequest is the input for eager account creation at onboarding.
type OpenAccountRequest struct {
	OwnerRef      *string
	AccountType   AccountType
	Currency      string
	AllowNegative bool
}

func (r *OpenAccountRequest) Validate() error {
	if !r.AccountType.Valid() {
		return ErrInvalidRequest
	}
	if len(r.Currency) != 3 {
		return ErrInvalidRequest
	}
	if r.AccountType.IsPlatform() {
		return nil
	}
	if r.OwnerRef == nil || *r.OwnerRef == "" {
		return ErrInvalidRequest
	}
	return nil
}
