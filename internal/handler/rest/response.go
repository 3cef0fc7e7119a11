// Package rest is the JSON HTTP surface of the payments core.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"payments-core/internal/domain"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type APIResponse struct {
	Status  string      `json:"status"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Status: "success", Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, msg string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Status: "error", Code: code, Message: msg, Details: details})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable is checked in order with errors.Is.
var errorTable = []errorMapping{
	{domain.ErrInvalidAmount, http.StatusBadRequest, domain.CodeInvalidAmount},
	{domain.ErrCurrencyMismatch, http.StatusUnprocessableEntity, domain.CodeCurrencyMismatch},
	{domain.ErrAccountNotFound, http.StatusNotFound, domain.CodeAccountNotFound},
	{domain.ErrAccountClosed, http.StatusConflict, domain.CodeAccountClosed},
	{domain.ErrAccountNotEmpty, http.StatusConflict, domain.CodeConflict},
	{domain.ErrHoldNotActive, http.StatusConflict, domain.CodeHoldNotActive},
	{domain.ErrIdempotencyKeyConflict, http.StatusConflict, domain.CodeIdempotencyConflict},
	{domain.ErrInvalidStatusTransition, http.StatusConflict, domain.CodeInvalidStatusTransition},
	{domain.ErrPaymentNotRefundable, http.StatusConflict, domain.CodeInvalidStatusTransition},
	{domain.ErrDiscrepancyResolved, http.StatusConflict, domain.CodeConflict},
	{domain.ErrReconciliationRunning, http.StatusConflict, domain.CodeConflict},
	{domain.ErrFraudBlocked, http.StatusForbidden, domain.CodeFraudBlocked},
	{domain.ErrAdditionalAuthRequired, http.StatusForbidden, domain.CodeAdditionalAuthRequired},
	{domain.ErrAllProvidersUnavailable, http.StatusServiceUnavailable, domain.CodeAllProvidersUnavailable},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, domain.CodeAllProvidersUnavailable},
	{domain.ErrNoRoute, http.StatusUnprocessableEntity, domain.CodeNoRoute},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, domain.CodeInvalidSignature},
	{domain.ErrIdempotencyKeyRequired, http.StatusBadRequest, domain.CodeInvalidRequest},
	{domain.ErrUnbalancedTransaction, http.StatusBadRequest, domain.CodeInvalidRequest},
	{domain.ErrResolverRequired, http.StatusBadRequest, domain.CodeInvalidRequest},
	{domain.ErrInvalidRequest, http.StatusBadRequest, domain.CodeInvalidRequest},
	{domain.ErrHoldNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrTransactionNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrPaymentNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrDiscrepancyNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrReconciliationNotFound, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrUnknownProvider, http.StatusNotFound, domain.CodeNotFound},
	{domain.ErrNotFound, http.StatusNotFound, domain.CodeNotFound},
}

// writeError maps err onto a status and stable code. Unknown errors are logged and
// reported without internal detail.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var insufficient *domain.InsufficientFundsError
	if errors.As(err, &insufficient) {
		writeFailure(w, http.StatusUnprocessableEntity, domain.CodeInsufficientFunds, domain.ErrInsufficientFunds.Error(),
			map[string]interface{}{
				"account_id": insufficient.AccountID,
				"available":  insufficient.Available,
				"required":   insufficient.Required,
			})
		return
	}
	if errors.Is(err, domain.ErrInsufficientFunds) {
		writeFailure(w, http.StatusUnprocessableEntity, domain.CodeInsufficientFunds, domain.ErrInsufficientFunds.Error(), nil)
		return
	}
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeFailure(w, m.status, m.code, m.err.Error(), nil)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeFailure(w, http.StatusGatewayTimeout, domain.CodeInternal, "request timed out", nil)
		return
	}
	logger.Error("unhandled error", zap.Error(err))
	writeFailure(w, http.StatusInternalServerError, domain.CodeInternal, "internal server error", nil)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

func idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		return "", domain.ErrIdempotencyKeyRequired
	}
	return key, nil
}

// callerKeyPrefix keeps API idempotency keys apart from the keys the service derives
// for its own postings, such as payment:<id> and payout:<id>.
const callerKeyPrefix = "api:"

// callerKey is the idempotency key for anything that posts to the ledger.
func callerKey(r *http.Request) (string, error) {
	key, err := idempotencyKey(r)
	if err != nil {
		return "", err
	}
	return callerKeyPrefix + key, nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type principalKey struct{}

// ContextWithPrincipal stores the authenticated caller identity.
func ContextWithPrincipal(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, principalKey{}, subject)
}

func PrincipalFromContext(ctx context.Context) string {
	s, _ := ctx.Value(principalKey{}).(string)
	return s
}
