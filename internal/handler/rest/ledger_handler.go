package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/internal/usecase"
	"payments-core/pkg/money"
)

type LedgerHandler struct {
	ledger *usecase.LedgerUsecase
	logger *zap.Logger
}

func NewLedgerHandler(ledger *usecase.LedgerUsecase, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

type openAccountBody struct {
	OwnerRef    *string            `json:"owner_ref"`
	AccountType domain.AccountType `json:"account_type"`
	Currency    string             `json:"currency"`
}

func (h *LedgerHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var body openAccountBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	acc, err := h.ledger.OpenAccount(r.Context(), domain.OpenAccountRequest{
		OwnerRef:    body.OwnerRef,
		AccountType: body.AccountType,
		Currency:    strings.ToUpper(body.Currency),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *LedgerHandler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ledger.CloseAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := h.ledger.ListEntries(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *LedgerHandler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	check, err := h.ledger.VerifyBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type transferBody struct {
	FromAccountID string            `json:"from_account_id"`
	ToAccountID   string            `json:"to_account_id"`
	Amount        money.Amount      `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body transferBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.Transfer(r.Context(), usecase.TransferRequest{
		IdempotencyKey: key,
		FromAccountID:  body.FromAccountID,
		ToAccountID:    body.ToAccountID,
		Amount:         body.Amount,
		Currency:       strings.ToUpper(body.Currency),
		Description:    body.Description,
		Metadata:       body.Metadata,
	})
	h.writePosting(w, res, err)
}

type splitBody struct {
	FromAccountID string             `json:"from_account_id"`
	Currency      string             `json:"currency"`
	Legs          []usecase.SplitLeg `json:"legs"`
	Description   string             `json:"description"`
}

func (h *LedgerHandler) Split(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body splitBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.Split(r.Context(), usecase.SplitRequest{
		IdempotencyKey: key,
		FromAccountID:  body.FromAccountID,
		Currency:       strings.ToUpper(body.Currency),
		Legs:           body.Legs,
		Description:    body.Description,
	})
	h.writePosting(w, res, err)
}

type cashoutBody struct {
	AccountID string       `json:"account_id"`
	Provider  string       `json:"provider"`
	Amount    money.Amount `json:"amount"`
	Currency  string       `json:"currency"`
}

// Cashout pays a balance out through provider's float, less the configured fee.
func (h *LedgerHandler) Cashout(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body cashoutBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if body.Provider == "" {
		writeError(w, h.logger, domain.ErrInvalidRequest)
		return
	}
	currency := strings.ToUpper(body.Currency)
	float, err := h.ledger.FloatAccount(r.Context(), body.Provider, currency)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.InstantCashout(r.Context(), usecase.CashoutRequest{
		IdempotencyKey: key,
		AccountID:      body.AccountID,
		FloatAccountID: float.ID,
		Amount:         body.Amount,
		Currency:       currency,
	})
	h.writePosting(w, res, err)
}

type holdBody struct {
	AccountID  string       `json:"account_id"`
	Amount     money.Amount `json:"amount"`
	Reason     string       `json:"reason"`
	TTLSeconds int          `json:"ttl_seconds"`
}

func (h *LedgerHandler) Hold(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body holdBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.HoldFunds(r.Context(), domain.HoldRequest{
		IdempotencyKey: key,
		AccountID:      body.AccountID,
		Amount:         body.Amount,
		Reason:         body.Reason,
		TTL:            time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *LedgerHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.ledger.ReleaseFunds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

type captureBody struct {
	ToAccountID string `json:"to_account_id"`
	Description string `json:"description"`
}

func (h *LedgerHandler) CaptureHold(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body captureBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.CaptureFunds(r.Context(), usecase.CaptureRequest{
		IdempotencyKey: key,
		HoldID:         chi.URLParam(r, "id"),
		ToAccountID:    body.ToAccountID,
		Type:           domain.TransactionTypeHoldCapture,
		Description:    body.Description,
	})
	h.writePosting(w, res, err)
}

func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LedgerHandler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.ledger.RefundTransaction(r.Context(), chi.URLParam(r, "id"), key)
	h.writePosting(w, res, err)
}

// writePosting answers 201 for a new posting and 200 for a replayed key.
func (h *LedgerHandler) writePosting(w http.ResponseWriter, res *domain.PostingResult, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
