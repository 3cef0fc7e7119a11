package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"payments-core/internal/config"
	"payments-core/internal/handler/rest"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handlers struct {
	Payments       *rest.PaymentHandler
	Webhooks       *rest.WebhookHandler
	Ledger         *rest.LedgerHandler
	Reconciliation *rest.ReconciliationHandler
}

func SetupRoutes(h Handlers, cfg config.Config, checks map[string]HealthCheck, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Signature"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandler(checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks authenticate with their own signatures.
		r.Post("/webhooks/{provider}", h.Webhooks.Receive)

		r.Group(func(r chi.Router) {
			r.Use(ServiceAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger))
			r.Use(RequireIdempotencyKey)

			r.Route("/payments", func(r chi.Router) {
				r.Post("/", h.Payments.Initiate)
				r.Get("/{id}", h.Payments.Get)
				r.Post("/{id}/confirm", h.Payments.Confirm)
				r.Post("/{id}/refund", h.Payments.Refund)
			})
			r.Get("/providers/health", h.Payments.ProviderHealth)

			r.Route("/ledger", func(r chi.Router) {
				r.Post("/accounts", h.Ledger.OpenAccount)
				r.Get("/accounts/{id}", h.Ledger.GetAccount)
				r.Get("/accounts/{id}/entries", h.Ledger.ListEntries)
				r.Get("/accounts/{id}/verify", h.Ledger.VerifyBalance)
				r.Post("/accounts/{id}/close", h.Ledger.CloseAccount)

				r.Post("/transfers", h.Ledger.Transfer)
				r.Post("/splits", h.Ledger.Split)
				r.Post("/cashouts", h.Ledger.Cashout)

				r.Post("/holds", h.Ledger.Hold)
				r.Post("/holds/{id}/release", h.Ledger.ReleaseHold)
				r.Post("/holds/{id}/capture", h.Ledger.CaptureHold)

				r.Get("/transactions/{id}", h.Ledger.GetTransaction)
				r.Post("/transactions/{id}/refund", h.Ledger.RefundTransaction)
			})

			r.Route("/reconciliation", func(r chi.Router) {
				r.Get("/runs", h.Reconciliation.ListRuns)
				r.Post("/runs", h.Reconciliation.TriggerRun)
				r.Get("/runs/{id}", h.Reconciliation.GetRun)
				r.Post("/balances", h.Reconciliation.CheckBalance)
				r.Get("/discrepancies", h.Reconciliation.ListDiscrepancies)
				r.Post("/discrepancies/{id}/resolve", h.Reconciliation.Resolve)
				r.Post("/discrepancies/{id}/ignore", h.Reconciliation.Ignore)
			})
		})
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(results)
	}
}

func writeStatus(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rest.APIResponse{Status: "error", Code: code, Message: msg})
}
