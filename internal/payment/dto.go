package payment

import (
	"encoding/json"
	"strings"

	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
)

// ExternalStatusUpdate is the normalized callback payload handed to
// Service.ApplyExternalStatus.
type ExternalStatusUpdate struct {
	Status        string
	TransactionID string
	Amount        int64
	FailureReason string
	Raw           json.RawMessage
}

// MapExternalStatus folds the status vocabulary gateways use in callbacks
// onto the internal lifecycle. Unknown values map to pending so a garbled
// callback never terminates a payment.
func MapExternalStatus(external string) string {
	switch strings.ToLower(external) {
	case "succeeded", "success", "completed", "paid", "captured":
		return paymentmodel.StatusCompleted
	case "failed", "declined", "voided", "expired":
		return paymentmodel.StatusFailed
	case "cancelled", "canceled":
		return paymentmodel.StatusCancelled
	default:
		return paymentmodel.StatusPending
	}
}
