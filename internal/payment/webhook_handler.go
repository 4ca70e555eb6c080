package payment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-reconciliation/internal/transport"
)

// WebhookHandler receives inbound gateway callbacks and feeds them into the
// state machine through the same idempotent entry point the reconciliation
// job uses.
type WebhookHandler struct {
	*transport.BaseHandler
	service *Service
	logger  *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service *Service, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
		logger:      logger,
	}
}

type GatewayCallbackRequest struct {
	ExternalRef   string `json:"external_ref"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type GatewayCallbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *WebhookHandler) HandleGatewayCallback(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	var req GatewayCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("invalid gateway callback request", "gateway", gatewayName, "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ExternalRef == "" {
		h.logger.Error("gateway callback missing external_ref", "gateway", gatewayName)
		h.WriteError(w, http.StatusBadRequest, "external_ref is required")
		return
	}

	if req.Status == "" {
		h.logger.Error("gateway callback missing status", "gateway", gatewayName, "external_ref", req.ExternalRef)
		h.WriteError(w, http.StatusBadRequest, "status is required")
		return
	}

	h.logger.Info("received gateway callback",
		"gateway", gatewayName,
		"external_ref", req.ExternalRef,
		"status", req.Status,
		"transaction_id", req.TransactionID)

	raw, _ := json.Marshal(req)
	update := ExternalStatusUpdate{
		Status:        req.Status,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		FailureReason: req.FailureReason,
		Raw:           raw,
	}

	if err := h.service.ApplyExternalStatus(r.Context(), req.ExternalRef, update); err != nil {
		if errors.Is(err, ErrTerminalTransition) {
			// callback contradicts an already-settled payment; surface it but
			// never mutate
			h.logger.Error("callback contradicts terminal payment state",
				"gateway", gatewayName,
				"external_ref", req.ExternalRef,
				"status", req.Status)
			h.WriteError(w, http.StatusConflict, "payment already in terminal state")
			return
		}
		h.logger.Error("failed to process gateway callback",
			"gateway", gatewayName,
			"external_ref", req.ExternalRef,
			"error", err)
		h.WriteError(w, http.StatusInternalServerError, "failed to process callback")
		return
	}

	h.WriteJSON(w, http.StatusOK, GatewayCallbackResponse{
		Status:  "success",
		Message: "callback processed",
	})
}
