package router

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/internal/handler/rest"
	"payments-core/internal/metrics"
)

// LoggerMiddleware logs HTTP requests.
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// MetricsMiddleware records latency by route pattern, so ids never become labels.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// ServiceClaims are issued to internal callers of the payments API.
type ServiceClaims struct {
	Service string `json:"service,omitempty"`
	jwt.RegisteredClaims
}

// ServiceAuth validates HS256 bearer tokens and puts the subject on the request context.
// An empty secret disables the check, which is only allowed outside production.
func ServiceAuth(secret, issuer string, logger *zap.Logger) func(next http.Handler) http.Handler {
	if secret == "" {
		logger.Warn("service auth disabled: JWT_SECRET is empty")
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(rest.ContextWithPrincipal(r.Context(), "anonymous")))
			})
		}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w, "no token provided")
				return
			}

			claims := new(ServiceClaims)
			token, err := parser.ParseWithClaims(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), claims,
				func(*jwt.Token) (any, error) { return key, nil })
			if err != nil || !token.Valid {
				logger.Debug("rejected service token", zap.Error(err))
				unauthorized(w, "invalid token")
				return
			}

			subject := claims.Subject
			if subject == "" {
				subject = claims.Service
			}
			if subject == "" {
				unauthorized(w, "token has no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(rest.ContextWithPrincipal(r.Context(), subject)))
		})
	}
}

// RequireIdempotencyKey rejects mutating requests that carry no Idempotency-Key.
func RequireIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if strings.TrimSpace(r.Header.Get(rest.HeaderIdempotencyKey)) == "" {
				writeStatus(w, http.StatusBadRequest, domain.CodeInvalidRequest, domain.ErrIdempotencyKeyRequired.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeStatus(w, http.StatusUnauthorized, "UNAUTHORIZED", msg)
}
