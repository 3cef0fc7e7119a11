package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/internal/usecase"
)

type PaymentHandler struct {
	payments *usecase.PaymentUsecase
	logger   *zap.Logger
}

func NewPaymentHandler(payments *usecase.PaymentUsecase, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// Initiate starts a payment. A replayed Idempotency-Key returns the original payment
// with 200 instead of 201.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req domain.PaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.IdempotencyKey = key

	res, err := h.payments.InitiatePayment(r.Context(), &req)
	if err != nil {
		h.logger.Warn("payment initiation rejected",
			zap.String("idempotency_key", key),
			zap.String("account_id", req.AccountID),
			zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetPaymentStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Confirm forces a provider status query for the payment.
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	key, err := callerKey(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.payments.RefundPayment(r.Context(), chi.URLParam(r, "id"), key)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.payments.ProviderHealth(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
