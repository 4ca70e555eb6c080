package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// StripeAdapter reads payment intent state from a card-processor style API.
type StripeAdapter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewStripeAdapter(baseURL string, timeout time.Duration, logger *slog.Logger) *StripeAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StripeAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (a *StripeAdapter) Name() string {
	return "stripe"
}

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge string `json:"latest_charge"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (a *StripeAdapter) FetchStatus(ctx context.Context, creds Credentials, externalRef string) Outcome {
	url := fmt.Sprintf("%s/v1/payment_intents/%s", a.baseURL, externalRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AdapterError(fmt.Errorf("stripe: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("stripe status request failed", "external_ref", externalRef, "error", err)
		return AdapterError(fmt.Errorf("stripe: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AdapterError(fmt.Errorf("stripe: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NotFound()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AdapterError(fmt.Errorf("stripe: auth rejected with status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return AdapterError(fmt.Errorf("stripe: unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return AdapterError(fmt.Errorf("stripe: decode response: %w", err))
	}

	a.logger.Debug("stripe intent fetched",
		"external_ref", externalRef,
		"status", intent.Status)

	switch intent.Status {
	case "succeeded":
		return Succeeded(&Settlement{
			TransactionID: intent.LatestCharge,
			Amount:        intent.Amount,
			Currency:      intent.Currency,
			SettledAt:     time.Now().UTC(),
			Raw:           body,
		})
	case "requires_payment_method", "requires_confirmation", "requires_action", "processing", "requires_capture":
		return StillPending(intent.Status)
	case "canceled":
		reason := "canceled"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
			reason = intent.LastPaymentError.Message
		}
		return Failed(reason)
	default:
		return AdapterError(fmt.Errorf("stripe: unknown intent status %q", intent.Status))
	}
}
