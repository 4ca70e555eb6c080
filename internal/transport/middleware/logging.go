package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// redactedFields is the credential vocabulary of gateway callbacks and
// gateway API traffic. Anything matching is masked before it reaches a log
// line.
var redactedFields = []string{
	"api_key",
	"api_secret",
	"client_secret",
	"secret",
	"token",
	"authorization",
	"signature",
	"credential",
	"card",
	"cvv",
}

// LoggingMiddleware logs every request and response with credential fields
// masked. Webhook bodies are logged in full otherwise: the raw gateway
// payload is the first thing needed when a callback misbehaves.
func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var bodyBytes []byte
			if r.Body != nil {
				bodyBytes, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			}

			// set by the RequestID middleware upstream
			traceID := w.Header().Get("X-Trace-ID")

			logger.Info("incoming request",
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"headers", redactHeaders(r.Header),
				"body", redactBody(bodyBytes),
			)

			ww := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}}
			next.ServeHTTP(ww, r)

			status := ww.statusCode
			if status == 0 {
				status = http.StatusOK
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "response",
				"trace_id", traceID,
				"status_code", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"body", redactBody(ww.body.Bytes()),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func isRedacted(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range redactedFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if isRedacted(name) {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// redactBody masks credential fields in a JSON body. Non-JSON bodies are
// dropped wholesale when they mention a credential field, since they cannot
// be masked selectively.
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		if isRedacted(string(body)) {
			return "[REDACTED]"
		}
		return string(body)
	}

	masked, err := json.Marshal(redactValue(parsed))
	if err != nil {
		return "[REDACTED]"
	}
	return string(masked)
}

func redactValue(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if isRedacted(key) {
				out[key] = "[REDACTED]"
				continue
			}
			out[key] = redactValue(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
