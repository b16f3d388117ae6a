package api

import (
	"net/http"
	"time"

	"github.com/example/shard-ledger/internal/auth"
	"github.com/example/shard-ledger/internal/security"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware records every mutating request in the audit chain.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			client := ""
			if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
				client = ai.ClientID
			}
			_, _ = a.Record("http.request", security.CorrelationIDFromContext(r.Context()), map[string]any{
				"method":      r.Method,
				"route":       routePattern(r),
				"status":      sw.status,
				"client_id":   client,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
