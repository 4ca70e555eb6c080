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

// PayPalAdapter reads checkout order state from a wallet-redirect style API.
type PayPalAdapter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewPayPalAdapter(baseURL string, timeout time.Duration, logger *slog.Logger) *PayPalAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PayPalAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (a *PayPalAdapter) Name() string {
	return "paypal"
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (a *PayPalAdapter) FetchStatus(ctx context.Context, creds Credentials, externalRef string) Outcome {
	url := fmt.Sprintf("%s/v2/checkout/orders/%s", a.baseURL, externalRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AdapterError(fmt.Errorf("paypal: build request: %w", err))
	}
	req.SetBasicAuth(creds.APIKey, creds.APISecret)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("paypal status request failed", "external_ref", externalRef, "error", err)
		return AdapterError(fmt.Errorf("paypal: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AdapterError(fmt.Errorf("paypal: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NotFound()
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AdapterError(fmt.Errorf("paypal: auth rejected with status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return AdapterError(fmt.Errorf("paypal: unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return AdapterError(fmt.Errorf("paypal: decode response: %w", err))
	}

	a.logger.Debug("paypal order fetched",
		"external_ref", externalRef,
		"status", order.Status)

	switch order.Status {
	case "COMPLETED":
		return Succeeded(&Settlement{
			TransactionID: a.captureID(order),
			SettledAt:     time.Now().UTC(),
			Raw:           body,
		})
	case "APPROVED":
		// payer approved but capture has not landed yet
		if id := a.captureID(order); id != "" {
			return Succeeded(&Settlement{TransactionID: id, SettledAt: time.Now().UTC(), Raw: body})
		}
		return StillPending(order.Status)
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		return StillPending(order.Status)
	case "VOIDED", "DECLINED":
		return Failed(order.Status)
	default:
		return AdapterError(fmt.Errorf("paypal: unknown order status %q", order.Status))
	}
}

func (a *PayPalAdapter) captureID(order paypalOrder) string {
	for _, unit := range order.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			if capture.Status == "COMPLETED" {
				return capture.ID
			}
		}
	}
	return ""
}
