package rest

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

const serviceName = "payment-reconciliation"

type healthCheck struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type healthResponse struct {
	Service   string                 `json:"service"`
	Status    string                 `json:"status"`
	CheckedAt time.Time              `json:"checked_at"`
	Checks    map[string]healthCheck `json:"checks"`
}

// HealthHandler answers liveness (ping) and readiness (health) checks. The
// reconcile worker and webhook server share one readiness criterion: the
// payment store must answer.
type HealthHandler struct {
	db *sql.DB
}

func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
}

func (h *HealthHandler) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := h.db.PingContext(ctx)

	check := healthCheck{
		Status:     "healthy",
		DurationMs: time.Since(start).Milliseconds(),
	}
	statusCode := http.StatusOK
	if err != nil {
		check.Status = "unhealthy"
		check.Message = err.Error()
		statusCode = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Service:   serviceName,
		Status:    check.Status,
		CheckedAt: time.Now(),
		Checks:    map[string]healthCheck{"database": check},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
