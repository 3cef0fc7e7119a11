package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/internal/usecase"
)

type ReconciliationHandler struct {
	recon  *usecase.ReconciliationUsecase
	logger *zap.Logger
	now    func() time.Time
}

func NewReconciliationHandler(recon *usecase.ReconciliationUsecase, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (h *ReconciliationHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runs, err := h.recon.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *ReconciliationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.recon.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type runBody struct {
	Provider string `json:"provider"`
	Currency string `json:"currency"`
	// Date is YYYY-MM-DD; empty means yesterday.
	Date string `json:"date"`
}

// TriggerRun reconciles one (provider, currency, day) on demand.
func (h *ReconciliationHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	day := h.now().AddDate(0, 0, -1)
	if body.Date != "" {
		parsed, err := time.Parse(time.DateOnly, body.Date)
		if err != nil {
			writeError(w, h.logger, domain.ErrInvalidRequest)
			return
		}
		day = parsed
	}
	if body.Provider == "" || body.Currency == "" {
		writeError(w, h.logger, domain.ErrInvalidRequest)
		return
	}

	report, err := h.recon.RunTransactionReconciliation(r.Context(), body.Provider, body.Currency, day)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

type balanceBody struct {
	Provider string `json:"provider"`
	Currency string `json:"currency"`
}

func (h *ReconciliationHandler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	var body balanceBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if body.Provider == "" || body.Currency == "" {
		writeError(w, h.logger, domain.ErrInvalidRequest)
		return
	}
	check, err := h.recon.RunBalanceReconciliation(r.Context(), body.Provider, body.Currency)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *ReconciliationHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	q := r.URL.Query()
	f := domain.DiscrepancyFilter{Limit: limit, Offset: offset}
	if v := q.Get("reconciliation_id"); v != "" {
		f.ReconciliationID = &v
	}
	if v := q.Get("provider"); v != "" {
		f.Provider = &v
	}
	if v := q.Get("status"); v != "" {
		status := domain.DiscrepancyStatus(strings.ToUpper(v))
		f.Status = &status
	}
	ds, err := h.recon.ListDiscrepancies(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

type resolutionBody struct {
	Reason string `json:"reason"`
}

func (h *ReconciliationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.recon.ResolveDiscrepancy)
}

func (h *ReconciliationHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.recon.IgnoreDiscrepancy)
}

// close records the authenticated caller as the resolver.
func (h *ReconciliationHandler) close(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, resolver, note string) (*domain.ReconciliationDiscrepancy, error)) {
	var body resolutionBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.logger, err)
		return
	}
	d, err := fn(r.Context(), chi.URLParam(r, "id"), PrincipalFromContext(r.Context()), body.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
