package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/internal/usecase"
)

const maxWebhookBody = 1 << 20

// signatureHeaders are tried in order; rails name the header differently.
var signatureHeaders = []string{"X-Signature", "X-Webhook-Signature", "Verif-Hash"}

type WebhookHandler struct {
	webhooks *usecase.WebhookUsecase
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks *usecase.WebhookUsecase, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, logger: logger}
}

// Receive verifies over the raw body before anything is parsed, then acknowledges. Once
// the signature is good the provider always gets 200 so it stops retrying.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.String("provider", providerName), zap.Error(err))
		writeFailure(w, http.StatusBadRequest, domain.CodeInvalidRequest, "unreadable body", nil)
		return
	}

	var signature string
	for _, name := range signatureHeaders {
		if signature = r.Header.Get(name); signature != "" {
			break
		}
	}

	ack, err := h.webhooks.Receive(r.Context(), providerName, raw, signature)
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		h.logger.Warn("webhook rejected",
			zap.String("provider", providerName),
			zap.String("remote_addr", r.RemoteAddr))
		writeError(w, h.logger, err)
		return
	case err != nil:
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}
