package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/domain"
	"payments-core/internal/metrics"
	"payments-core/internal/pub"
	"payments-core/internal/repository"
	"payments-core/pkg/money"
)

// LedgerUsecase is the only writer of balances. Every mutation is one store
// transaction: the idempotency key is reserved first, then every touched account row is
// locked in ascending id order, so same-account work serialises and disjoint work does not.
type LedgerUsecase struct {
	store    repository.LedgerStore
	balances *cache.BalanceCache
	notifier pub.Notifier
	logger   *zap.Logger

	cashoutPercent decimal.Decimal
	cashoutFixed   money.Amount

	now func() time.Time
}

func NewLedgerUsecase(
	store repository.LedgerStore,
	balances *cache.BalanceCache,
	notifier pub.Notifier,
	cfg config.LedgerConfig,
	logger *zap.Logger,
) *LedgerUsecase {
	if notifier == nil {
		notifier = pub.Nop{}
	}
	return &LedgerUsecase{
		store:          store,
		balances:       balances,
		notifier:       notifier,
		logger:         logger,
		cashoutPercent: cfg.CashoutFeePercent,
		cashoutFixed:   cfg.CashoutFeeFixed,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Requests

type TopUpRequest struct {
	IdempotencyKey string
	AccountID      string
	FloatAccountID string
	Amount         money.Amount
	Currency       string
	ExternalRef    *string
	Description    string
}

type WithdrawRequest struct {
	IdempotencyKey string
	AccountID      string
	FloatAccountID string
	Amount         money.Amount
	Currency       string
	ExternalRef    *string
	Description    string
}

type TransferRequest struct {
	IdempotencyKey string
	FromAccountID  string
	ToAccountID    string
	Amount         money.Amount
	Currency       string
	Description    string
	Metadata       map[string]string
}

type SplitLeg struct {
	AccountID string       `json:"account_id"`
	Amount    money.Amount `json:"amount"`
}

type SplitRequest struct {
	IdempotencyKey string
	FromAccountID  string
	Currency       string
	Legs           []SplitLeg
	Description    string
}

type CashoutRequest struct {
	IdempotencyKey      string
	AccountID           string
	FloatAccountID      string
	CommissionAccountID string
	Amount              money.Amount
	Currency            string
}

type CaptureRequest struct {
	IdempotencyKey string
	HoldID         string
	ToAccountID    string
	Type           domain.TransactionType
	Description    string
	ExternalRef    *string
}

type HoldResult struct {
	Hold     *domain.BalanceHold `json:"hold"`
	Replayed bool                `json:"replayed"`
}

// Accounts

func (uc *LedgerUsecase) OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.WalletAccount, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := uc.now()
	acc := &domain.WalletAccount{
		ID:            domain.NewID(domain.PrefixAccount),
		OwnerRef:      req.OwnerRef,
		AccountType:   req.AccountType,
		Currency:      req.Currency,
		AllowNegative: req.AllowNegative || req.AccountType == domain.AccountTypePlatformFloat,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, err := uc.store.CreateAccount(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}
	if stored.ID == acc.ID {
		uc.logger.Info("account opened",
			zap.String("account_id", stored.ID),
			zap.String("type", string(stored.AccountType)),
			zap.String("currency", stored.Currency))
	}
	return stored, nil
}

// GetOrCreateAccount resolves an account by owner, type and currency, creating it on
// first use.
func (uc *LedgerUsecase) GetOrCreateAccount(ctx context.Context, key domain.AccountKey) (*domain.WalletAccount, error) {
	acc, err := uc.store.FindAccount(ctx, key)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}
	return uc.OpenAccount(ctx, domain.OpenAccountRequest{
		OwnerRef:    key.OwnerRef,
		AccountType: key.AccountType,
		Currency:    key.Currency,
	})
}

// FloatAccount returns the platform float mirroring funds held at provider.
func (uc *LedgerUsecase) FloatAccount(ctx context.Context, provider, currency string) (*domain.WalletAccount, error) {
	owner := provider
	return uc.GetOrCreateAccount(ctx, domain.AccountKey{
		OwnerRef:    &owner,
		AccountType: domain.AccountTypePlatformFloat,
		Currency:    currency,
	})
}

// SeedPlatformAccounts creates the commission and refund reserve accounts for every
// configured currency and a float account per provider and currency. It is safe to
// run on every start.
func (uc *LedgerUsecase) SeedPlatformAccounts(ctx context.Context, providers []config.ProviderConfig) error {
	seen := make(map[string]bool)
	for _, p := range providers {
		for _, cur := range p.Currencies {
			cur = strings.ToUpper(cur)
			if _, err := uc.FloatAccount(ctx, p.Name, cur); err != nil {
				return fmt.Errorf("seed float %s/%s: %w", p.Name, cur, err)
			}
			if seen[cur] {
				continue
			}
			seen[cur] = true
			for _, t := range []domain.AccountType{domain.AccountTypePlatformCommission, domain.AccountTypeRefundReserve} {
				if _, err := uc.GetOrCreateAccount(ctx, domain.AccountKey{AccountType: t, Currency: cur}); err != nil {
					return fmt.Errorf("seed %s %s: %w", t, cur, err)
				}
			}
		}
	}
	uc.logger.Info("platform accounts seeded", zap.Int("currencies", len(seen)))
	return nil
}

// CloseAccount deactivates an empty account. Closed accounts reject new postings.
func (uc *LedgerUsecase) CloseAccount(ctx context.Context, id string) (*domain.WalletAccount, error) {
	var closed *domain.WalletAccount
	err := uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		accts, err := tx.LockAccounts(ctx, []string{id})
		if err != nil {
			return err
		}
		acc := accts[id]
		if !acc.IsActive {
			closed = acc
			return nil
		}
		if acc.Balance != 0 || acc.HeldBalance != 0 {
			return domain.ErrAccountNotEmpty
		}
		acc.IsActive = false
		acc.UpdatedAt = uc.now()
		closed = acc
		return tx.UpdateAccounts(ctx, []*domain.WalletAccount{acc})
	})
	if err != nil {
		return nil, err
	}
	uc.invalidate(ctx, id)
	return closed, nil
}

func (uc *LedgerUsecase) GetAccount(ctx context.Context, id string) (*domain.WalletAccount, error) {
	if uc.balances != nil {
		if acc, err := uc.balances.Get(ctx, id); err == nil && acc != nil {
			return acc, nil
		}
	}
	acc, err := uc.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if uc.balances != nil {
		if err := uc.balances.Set(ctx, acc); err != nil {
			uc.logger.Warn("failed to cache account balance", zap.String("account_id", id), zap.Error(err))
		}
	}
	return acc, nil
}

func (uc *LedgerUsecase) GetTransaction(ctx context.Context, id string) (*domain.PostingResult, error) {
	txn, err := uc.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := uc.store.ListEntriesByTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.PostingResult{Transaction: txn, Entries: entries}, nil
}

func (uc *LedgerUsecase) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := uc.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return uc.store.ListEntriesByAccount(ctx, accountID, limit, offset)
}

// Postings

// TopUp credits external funds to an account against the provider float.
func (uc *LedgerUsecase) TopUp(ctx context.Context, req TopUpRequest) (*domain.PostingResult, error) {
	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.TransactionTypeTopUp,
		Currency:       req.Currency,
		Description:    req.Description,
		ExternalRef:    req.ExternalRef,
		Entries: []domain.EntryRequest{
			{AccountID: req.FloatAccountID, Direction: domain.DirectionDebit, Amount: req.Amount},
			{AccountID: req.AccountID, Direction: domain.DirectionCredit, Amount: req.Amount},
		},
	})
}

func (uc *LedgerUsecase) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.PostingResult, error) {
	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.TransactionTypeWithdrawal,
		Currency:       req.Currency,
		Description:    req.Description,
		ExternalRef:    req.ExternalRef,
		Entries: []domain.EntryRequest{
			{AccountID: req.AccountID, Direction: domain.DirectionDebit, Amount: req.Amount},
			{AccountID: req.FloatAccountID, Direction: domain.DirectionCredit, Amount: req.Amount},
		},
	})
}

func (uc *LedgerUsecase) Transfer(ctx context.Context, req TransferRequest) (*domain.PostingResult, error) {
	if req.FromAccountID == req.ToAccountID {
		return nil, domain.ErrInvalidRequest
	}
	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.TransactionTypeTransfer,
		Currency:       req.Currency,
		Description:    req.Description,
		Metadata:       req.Metadata,
		Entries: []domain.EntryRequest{
			{AccountID: req.FromAccountID, Direction: domain.DirectionDebit, Amount: req.Amount},
			{AccountID: req.ToAccountID, Direction: domain.DirectionCredit, Amount: req.Amount},
		},
	})
}

// Split debits one account once and credits every leg in the same transaction.
func (uc *LedgerUsecase) Split(ctx context.Context, req SplitRequest) (*domain.PostingResult, error) {
	if len(req.Legs) == 0 {
		return nil, domain.ErrInvalidRequest
	}
	var total money.Amount
	entries := make([]domain.EntryRequest, 0, len(req.Legs)+1)
	entries = append(entries, domain.EntryRequest{AccountID: req.FromAccountID, Direction: domain.DirectionDebit})
	for _, leg := range req.Legs {
		if leg.Amount <= 0 {
			return nil, domain.ErrInvalidAmount
		}
		if leg.AccountID == req.FromAccountID {
			return nil, domain.ErrInvalidRequest
		}
		total += leg.Amount
		entries = append(entries, domain.EntryRequest{AccountID: leg.AccountID, Direction: domain.DirectionCredit, Amount: leg.Amount})
	}
	entries[0].Amount = total

	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.TransactionTypeSplit,
		Currency:       req.Currency,
		Description:    req.Description,
		Entries:        entries,
	})
}

// CashoutFee is percent × amount (rounded half away from zero) plus the fixed part.
func (uc *LedgerUsecase) CashoutFee(amount money.Amount) money.Amount {
	return amount.Percent(uc.cashoutPercent) + uc.cashoutFixed
}

// InstantCashout pays a driver out immediately: the driver is debited the gross amount,
// the float is credited the net payout and the commission account the fee.
func (uc *LedgerUsecase) InstantCashout(ctx context.Context, req CashoutRequest) (*domain.PostingResult, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	fee := uc.CashoutFee(req.Amount)
	net := req.Amount - fee
	if net <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	commissionID := req.CommissionAccountID
	if commissionID == "" {
		acc, err := uc.GetOrCreateAccount(ctx, domain.AccountKey{
			AccountType: domain.AccountTypePlatformCommission,
			Currency:    req.Currency,
		})
		if err != nil {
			return nil, err
		}
		commissionID = acc.ID
	}

	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.TransactionTypeCashout,
		Currency:       req.Currency,
		Fee:            fee,
		Description:    "instant cashout",
		Entries: []domain.EntryRequest{
			{AccountID: req.AccountID, Direction: domain.DirectionDebit, Amount: req.Amount},
			{AccountID: req.FloatAccountID, Direction: domain.DirectionCredit, Amount: net},
			{AccountID: commissionID, Direction: domain.DirectionCredit, Amount: fee},
		},
	})
}

// Post writes a balanced set of entries atomically. A repeated idempotency key returns
// the original transaction with Replayed set.
func (uc *LedgerUsecase) Post(ctx context.Context, req domain.PostingRequest) (*domain.PostingResult, error) {
	if err := req.Validate(); err != nil {
		metrics.LedgerPostings.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, err
	}
	start := time.Now()
	now := uc.now()

	txn := &domain.Transaction{
		ID:             domain.NewID(domain.PrefixTransaction),
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		Status:         domain.TransactionStatusCompleted,
		Currency:       req.Currency,
		Amount:         req.Total(),
		Fee:            req.Fee,
		Description:    req.Description,
		ExternalRef:    req.ExternalRef,
		ReviewFlag:     req.ReviewFlag,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		CompletedAt:    &now,
	}

	var entries []*domain.LedgerEntry
	err := uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		accts, err := tx.LockAccounts(ctx, req.AccountIDs())
		if err != nil {
			return err
		}

		if req.CaptureHoldID != "" {
			if err := uc.captureHold(ctx, tx, accts, req.CaptureHoldID, req.Total(), now); err != nil {
				return err
			}
		}

		entries, err = uc.book(accts, txn.ID, req.Currency, req.Entries, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateAccounts(ctx, values(accts)); err != nil {
			return err
		}
		return tx.InsertEntries(ctx, entries)
	})
	metrics.LedgerPostingDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())

	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		metrics.LedgerPostings.WithLabelValues(string(req.Type), "replayed").Inc()
		return uc.replay(ctx, req.IdempotencyKey, func(t *domain.Transaction) bool {
			return t.Type == req.Type && t.Amount == req.Total() && t.Currency == req.Currency
		})
	}
	if err != nil {
		metrics.LedgerPostings.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, err
	}
	metrics.LedgerPostings.WithLabelValues(string(req.Type), "committed").Inc()

	uc.invalidate(ctx, req.AccountIDs()...)
	uc.logger.Info("ledger transaction posted",
		zap.String("transaction_id", txn.ID),
		zap.String("type", string(txn.Type)),
		zap.Int64("amount", int64(txn.Amount)),
		zap.String("currency", txn.Currency))
	uc.notify(ctx, &pub.Event{
		Type:     pub.EventLedgerPosted,
		Key:      txn.ID,
		Amount:   txn.Amount,
		Currency: txn.Currency,
		Status:   string(txn.Status),
		Metadata: map[string]string{"type": string(txn.Type), "idempotency_key": txn.IdempotencyKey},
	})

	return &domain.PostingResult{Transaction: txn, Entries: entries}, nil
}

// captureHold marks the hold CAPTURED and releases its reservation. The hold's account
// must already be locked.
func (uc *LedgerUsecase) captureHold(ctx context.Context, tx repository.LedgerTx, accts map[string]*domain.WalletAccount, holdID string, amount money.Amount, now time.Time) error {
	hold, err := tx.GetHoldForUpdate(ctx, holdID)
	if err != nil {
		return err
	}
	if !hold.CapturableAt(now) {
		return domain.ErrHoldNotActive
	}
	acc, ok := accts[hold.AccountID]
	if !ok || hold.Amount != amount {
		return domain.ErrInvalidRequest
	}
	acc.HeldBalance -= hold.Amount
	return tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusCaptured, now)
}

// book applies the legs to the locked accounts and returns the entries to persist.
func (uc *LedgerUsecase) book(accts map[string]*domain.WalletAccount, txnID, currency string, legs []domain.EntryRequest, now time.Time) ([]*domain.LedgerEntry, error) {
	before := make(map[string]money.Amount, len(accts))
	net := make(map[string]money.Amount, len(accts))
	for id, acc := range accts {
		if !acc.IsActive {
			return nil, domain.ErrAccountClosed
		}
		if acc.Currency != currency {
			return nil, domain.ErrCurrencyMismatch
		}
		before[id] = acc.Available()
	}

	entries := make([]*domain.LedgerEntry, 0, len(legs))
	for _, leg := range legs {
		acc := accts[leg.AccountID]
		delta := acc.Delta(leg.Direction, leg.Amount)
		acc.Balance += delta
		net[acc.ID] += delta
		entries = append(entries, &domain.LedgerEntry{
			ID:            domain.NewID(domain.PrefixEntry),
			TransactionID: txnID,
			AccountID:     acc.ID,
			Direction:     leg.Direction,
			Amount:        leg.Amount,
			BalanceAfter:  acc.Balance,
			CreatedAt:     now,
		})
	}

	for id, acc := range accts {
		if net[id] < 0 && !acc.AllowNegative && acc.Available() < 0 {
			return nil, &domain.InsufficientFundsError{
				AccountID: id,
				Available: before[id],
				Required:  -net[id],
			}
		}
		acc.UpdatedAt = now
	}
	return entries, nil
}

// replay answers a reused key with the transaction already stored under it, provided
// same says that transaction is the one the caller asked for.
func (uc *LedgerUsecase) replay(ctx context.Context, key string, same func(*domain.Transaction) bool) (*domain.PostingResult, error) {
	txn, err := uc.store.GetTransactionByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load replayed transaction: %w", err)
	}
	if !same(txn) {
		uc.logger.Warn("idempotency key reused for a different posting",
			zap.String("idempotency_key", key),
			zap.String("transaction_id", txn.ID),
			zap.String("stored_type", string(txn.Type)),
			zap.Int64("stored_amount", int64(txn.Amount)))
		return nil, domain.ErrIdempotencyKeyConflict
	}
	entries, err := uc.store.ListEntriesByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	uc.logger.Debug("idempotent replay", zap.String("idempotency_key", key), zap.String("transaction_id", txn.ID))
	return &domain.PostingResult{Transaction: txn, Entries: entries, Replayed: true}, nil
}

// Holds

func (uc *LedgerUsecase) HoldFunds(ctx context.Context, req domain.HoldRequest) (*HoldResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := uc.now()
	hold := &domain.BalanceHold{
		ID:             domain.NewID(domain.PrefixHold),
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		Status:         domain.HoldStatusActive,
		ExpiresAt:      now.Add(req.TTL),
		Pinned:         req.Pinned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		if err := tx.InsertHold(ctx, hold); err != nil {
			return err
		}
		accts, err := tx.LockAccounts(ctx, []string{req.AccountID})
		if err != nil {
			return err
		}
		acc := accts[req.AccountID]
		if !acc.IsActive {
			return domain.ErrAccountClosed
		}
		if !acc.CanSpend(req.Amount) {
			return &domain.InsufficientFundsError{AccountID: acc.ID, Available: acc.Available(), Required: req.Amount}
		}
		acc.HeldBalance += req.Amount
		acc.UpdatedAt = now
		return tx.UpdateAccounts(ctx, []*domain.WalletAccount{acc})
	})
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		existing, gerr := uc.store.GetHoldByKey(ctx, req.IdempotencyKey)
		if gerr != nil {
			return nil, fmt.Errorf("load replayed hold: %w", gerr)
		}
		if existing.AccountID != req.AccountID || existing.Amount != req.Amount {
			return nil, domain.ErrIdempotencyKeyConflict
		}
		return &HoldResult{Hold: existing, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	uc.invalidate(ctx, req.AccountID)
	uc.logger.Info("funds held",
		zap.String("hold_id", hold.ID),
		zap.String("account_id", hold.AccountID),
		zap.Int64("amount", int64(hold.Amount)),
		zap.Time("expires_at", hold.ExpiresAt))
	return &HoldResult{Hold: hold}, nil
}

// ReleaseFunds drops the reservation. Releasing a hold that is already RELEASED or
// EXPIRED is a no-op; a CAPTURED hold cannot be released.
func (uc *LedgerUsecase) ReleaseFunds(ctx context.Context, holdID string) (*domain.BalanceHold, error) {
	current, err := uc.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}

	var released *domain.BalanceHold
	err = uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		accts, err := tx.LockAccounts(ctx, []string{current.AccountID})
		if err != nil {
			return err
		}
		hold, err := tx.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		released = hold
		switch hold.Status {
		case domain.HoldStatusReleased, domain.HoldStatusExpired:
			return nil
		case domain.HoldStatusCaptured:
			return domain.ErrHoldNotActive
		}

		now := uc.now()
		acc := accts[hold.AccountID]
		acc.HeldBalance -= hold.Amount
		acc.UpdatedAt = now
		if err := tx.UpdateAccounts(ctx, []*domain.WalletAccount{acc}); err != nil {
			return err
		}
		hold.Status = domain.HoldStatusReleased
		hold.UpdatedAt = now
		return tx.UpdateHoldStatus(ctx, hold.ID, domain.HoldStatusReleased, now)
	})
	if err != nil {
		return nil, err
	}
	uc.invalidate(ctx, current.AccountID)
	return released, nil
}

// CaptureFunds converts an active hold into a transaction moving the held amount to
// ToAccountID.
func (uc *LedgerUsecase) CaptureFunds(ctx context.Context, req CaptureRequest) (*domain.PostingResult, error) {
	hold, err := uc.store.GetHold(ctx, req.HoldID)
	if err != nil {
		return nil, err
	}
	acc, err := uc.store.GetAccount(ctx, hold.AccountID)
	if err != nil {
		return nil, err
	}
	if req.ToAccountID == "" || req.ToAccountID == hold.AccountID {
		return nil, domain.ErrInvalidRequest
	}
	txType := req.Type
	if txType == "" {
		txType = domain.TransactionTypeHoldCapture
	}

	return uc.Post(ctx, domain.PostingRequest{
		IdempotencyKey: req.IdempotencyKey,
		Type:           txType,
		Currency:       acc.Currency,
		Description:    req.Description,
		ExternalRef:    req.ExternalRef,
		CaptureHoldID:  hold.ID,
		Entries: []domain.EntryRequest{
			{AccountID: hold.AccountID, Direction: domain.DirectionDebit, Amount: hold.Amount},
			{AccountID: req.ToAccountID, Direction: domain.DirectionCredit, Amount: hold.Amount},
		},
	})
}

// CleanupExpiredHolds releases ACTIVE holds past expiry. Each hold is claimed with a
// conditional update under its account lock, so concurrent sweepers and racing
// capture/release calls never release the same reservation twice.
func (uc *LedgerUsecase) CleanupExpiredHolds(ctx context.Context, limit int) (int, error) {
	now := uc.now()
	candidates, err := uc.store.ListExpiredHolds(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		claimed := false
		err := uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
			accts, err := tx.LockAccounts(ctx, []string{c.AccountID})
			if err != nil {
				return err
			}
			hold, ok, err := tx.ExpireHold(ctx, c.ID, now)
			if err != nil || !ok {
				return err
			}
			acc := accts[hold.AccountID]
			acc.HeldBalance -= hold.Amount
			acc.UpdatedAt = now
			claimed = true
			return tx.UpdateAccounts(ctx, []*domain.WalletAccount{acc})
		})
		if err != nil {
			uc.logger.Error("failed to expire hold", zap.String("hold_id", c.ID), zap.Error(err))
			continue
		}
		if claimed {
			expired++
			metrics.HoldsExpired.Inc()
			uc.invalidate(ctx, c.AccountID)
		}
	}
	if expired > 0 {
		uc.logger.Info("expired holds released", zap.Int("count", expired))
	}
	return expired, nil
}

// Audit

// VerifyBalance recomputes the balance from entries. It is an audit path only.
func (uc *LedgerUsecase) VerifyBalance(ctx context.Context, accountID string) (*domain.BalanceCheck, error) {
	acc, err := uc.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	debits, credits, err := uc.store.SumEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	computed := credits - debits
	if acc.AccountType.NormalSide() == domain.DirectionDebit {
		computed = debits - credits
	}
	check := &domain.BalanceCheck{
		AccountID: accountID,
		Stored:    acc.Balance,
		Computed:  computed,
		Matches:   computed == acc.Balance,
	}
	if !check.Matches {
		uc.logger.Error("ledger balance drift detected",
			zap.String("account_id", accountID),
			zap.Int64("stored", int64(acc.Balance)),
			zap.Int64("computed", int64(computed)))
	}
	return check, nil
}

// Transaction lifecycle

// AdvanceTransaction applies a legal state-machine move.
func (uc *LedgerUsecase) AdvanceTransaction(ctx context.Context, id string, to domain.TransactionStatus) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !txn.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, txn.Status, to)
		}
		var completedAt *time.Time
		if to == domain.TransactionStatusCompleted {
			now := uc.now()
			completedAt = &now
			txn.CompletedAt = completedAt
		}
		txn.Status = to
		out = txn
		return tx.UpdateTransactionStatus(ctx, id, to, completedAt)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefundTransaction reverses every entry of a COMPLETED transaction and moves it through
// REFUNDING to REFUNDED in the same atomic unit.
func (uc *LedgerUsecase) RefundTransaction(ctx context.Context, id, idempotencyKey string) (*domain.PostingResult, error) {
	if idempotencyKey == "" {
		return nil, domain.ErrIdempotencyKeyRequired
	}
	origEntries, err := uc.store.ListEntriesByTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	origID := id
	var refund *domain.Transaction
	var entries []*domain.LedgerEntry
	var touched []string

	err = uc.store.WithinTx(ctx, func(tx repository.LedgerTx) error {
		orig, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		refund = &domain.Transaction{
			ID:             domain.NewID(domain.PrefixTransaction),
			IdempotencyKey: idempotencyKey,
			Type:           domain.TransactionTypeRefund,
			Status:         domain.TransactionStatusCompleted,
			Currency:       orig.Currency,
			Amount:         orig.Amount,
			Description:    "refund of " + orig.ID,
			ExternalRef:    &origID,
			CreatedAt:      now,
			CompletedAt:    &now,
		}
		if err := tx.InsertTransaction(ctx, refund); err != nil {
			return err
		}
		if !orig.Status.CanTransitionTo(domain.TransactionStatusRefunding) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, orig.Status, domain.TransactionStatusRefunding)
		}

		legs := make([]domain.EntryRequest, 0, len(origEntries))
		for _, e := range origEntries {
			legs = append(legs, domain.EntryRequest{AccountID: e.AccountID, Direction: e.Direction.Opposite(), Amount: e.Amount})
		}
		reversal := domain.PostingRequest{Entries: legs}
		touched = reversal.AccountIDs()

		accts, err := tx.LockAccounts(ctx, touched)
		if err != nil {
			return err
		}
		entries, err = uc.book(accts, refund.ID, orig.Currency, legs, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateAccounts(ctx, values(accts)); err != nil {
			return err
		}
		if err := tx.InsertEntries(ctx, entries); err != nil {
			return err
		}
		if err := tx.UpdateTransactionStatus(ctx, orig.ID, domain.TransactionStatusRefunding, nil); err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, orig.ID, domain.TransactionStatusRefunded, nil)
	})
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		metrics.LedgerPostings.WithLabelValues(string(domain.TransactionTypeRefund), "replayed").Inc()
		return uc.replay(ctx, idempotencyKey, func(t *domain.Transaction) bool {
			return t.Type == domain.TransactionTypeRefund && t.ExternalRef != nil && *t.ExternalRef == origID
		})
	}
	if err != nil {
		metrics.LedgerPostings.WithLabelValues(string(domain.TransactionTypeRefund), "rejected").Inc()
		return nil, err
	}
	metrics.LedgerPostings.WithLabelValues(string(domain.TransactionTypeRefund), "committed").Inc()

	uc.invalidate(ctx, touched...)
	uc.logger.Info("ledger transaction refunded",
		zap.String("transaction_id", id),
		zap.String("refund_id", refund.ID))
	uc.notify(ctx, &pub.Event{
		Type:     pub.EventLedgerPosted,
		Key:      refund.ID,
		Amount:   refund.Amount,
		Currency: refund.Currency,
		Status:   string(refund.Status),
		Metadata: map[string]string{"type": string(refund.Type), "refunds": id},
	})
	return &domain.PostingResult{Transaction: refund, Entries: entries}, nil
}

func (uc *LedgerUsecase) invalidate(ctx context.Context, ids ...string) {
	if uc.balances == nil {
		return
	}
	if err := uc.balances.Invalidate(ctx, ids...); err != nil {
		uc.logger.Warn("failed to invalidate balance cache", zap.Strings("account_ids", ids), zap.Error(err))
	}
}

func (uc *LedgerUsecase) notify(ctx context.Context, evt *pub.Event) {
	if err := uc.notifier.Notify(ctx, evt); err != nil {
		uc.logger.Warn("failed to publish event", zap.String("event_type", evt.Type), zap.String("key", evt.Key), zap.Error(err))
	}
}

func values(m map[string]*domain.WalletAccount) []*domain.WalletAccount {
	out := make([]*domain.WalletAccount, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out
}
