package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-reconciliation/internal/payment"
	custommiddleware "github.com/frahmantamala/payment-reconciliation/internal/transport/middleware"
)

// RegisterAllRoutes wires the health endpoints and the gateway webhook onto
// the router.
func RegisterAllRoutes(r *chi.Mux, db *sql.DB, webhook *payment.WebhookHandler, logger *slog.Logger) {
	health := NewHealthHandler(db)

	r.Use(custommiddleware.RequestID)
	r.Use(custommiddleware.LoggingMiddleware(logger))
	r.Use(custommiddleware.RecoveryMiddleware(logger))

	r.Get("/ping", health.pingHandler)
	r.Get("/health", health.healthCheckHandler)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payments/{gateway}", webhook.HandleGatewayCallback)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
}
