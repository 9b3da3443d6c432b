package agent

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/google/uuid"
)

// statusRecorder captures the HTTP status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Recovery converts handler panics into a status=500 panic envelope.
func Recovery() Middleware {
	logger := log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).
						Str("path", r.URL.Path).Msg("handler panicked")
					protocol.WriteError(w, &protocol.Error{
						Status:  protocol.StatusPanic,
						Code:    protocol.CodePanic,
						Message: "internal server error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger assigns or propagates X-Trace-ID and logs one line per
// request with method, path, status and duration. Metrics ride along.
func RequestLogger() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			w.Header().Set("X-Trace-ID", traceID)

			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sr, r)
			elapsed := time.Since(start)

			metrics.RequestsTotal.WithLabelValues(
				r.Method, r.URL.Path, strconv.Itoa(sr.status)).Inc()
			metrics.RequestDuration.WithLabelValues(
				r.Method, r.URL.Path).Observe(elapsed.Seconds())

			reqLogger := log.WithTraceID(traceID)
			reqLogger.Info().
				Str("component", "http").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sr.status).
				Int64("duration_ms", elapsed.Milliseconds()).
				Msg("request")
		})
	}
}

// authExempt lists paths reachable without a token so probes and
// scrapers need no credentials.
var authExempt = map[string]struct{}{
	"/health":       {},
	"/health/ready": {},
	"/health/live":  {},
	"/metrics":      {},
}

// TokenAuth enforces the bearer token on everything but the exempt set.
func TokenAuth(token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, exempt := authExempt[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				protocol.WriteError(w, protocol.NewError(protocol.CodeUnauthorized,
					"missing Authorization header"))
				return
			}
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				protocol.WriteError(w, protocol.NewError(protocol.CodeUnauthorized,
					"Authorization header must use Bearer scheme"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				protocol.WriteError(w, protocol.NewError(protocol.CodeInvalidToken,
					"invalid token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
