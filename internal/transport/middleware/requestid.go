package middleware

import (
	"net/http"

	"github.com/frahmantamala/payment-reconciliation/pkg/logger"

	"github.com/google/uuid"
)

// RequestID assigns a trace id to the request, honoring one supplied by the
// gateway. The response header must be set before the logging middleware
// runs, which reads it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := logger.With(r.Context(), "trace_id", traceID)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
