package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted      = "payment.completed"
	EventTypePaymentFailed         = "payment.failed"
	EventTypeProvisioningRequested = "provisioning.requested"
)

type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID      int64  `json:"payment_id"`
	CustomerEmail  string `json:"customer_email"`
	PlanID         int64  `json:"plan_id"`
	SubscriptionID int64  `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	TransactionID  string `json:"transaction_id"`
}

func NewPaymentCompletedEvent(paymentID int64, customerEmail string, planID, subscriptionID, amount int64, currency, transactionID string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":      paymentID,
				"customer_email":  customerEmail,
				"plan_id":         planID,
				"subscription_id": subscriptionID,
				"amount":          amount,
				"currency":        currency,
				"transaction_id":  transactionID,
			},
		},
		PaymentID:      paymentID,
		CustomerEmail:  customerEmail,
		PlanID:         planID,
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Currency:       currency,
		TransactionID:  transactionID,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     int64  `json:"payment_id"`
	CustomerEmail string `json:"customer_email"`
	PlanID        int64  `json:"plan_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason"`
	RetryCount    int    `json:"retry_count"`
}

func NewPaymentFailedEvent(paymentID int64, customerEmail string, planID, amount int64, currency, failureReason string, retryCount int) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     paymentID,
				"customer_email": customerEmail,
				"plan_id":        planID,
				"amount":         amount,
				"currency":       currency,
				"failure_reason": failureReason,
				"retry_count":    retryCount,
			},
		},
		PaymentID:     paymentID,
		CustomerEmail: customerEmail,
		PlanID:        planID,
		Amount:        amount,
		Currency:      currency,
		FailureReason: failureReason,
		RetryCount:    retryCount,
	}
}

// ProvisioningRequestedEvent carries the device provisioning payload for
// plans that require it. The consumer is external and fire-and-forget.
type ProvisioningRequestedEvent struct {
	BaseEvent
	PaymentID     int64           `json:"payment_id"`
	CustomerEmail string          `json:"customer_email"`
	PlanID        int64           `json:"plan_id"`
	Provisioning  json.RawMessage `json:"provisioning"`
}

func NewProvisioningRequestedEvent(paymentID int64, customerEmail string, planID int64, provisioning json.RawMessage) *ProvisioningRequestedEvent {
	return &ProvisioningRequestedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeProvisioningRequested,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     paymentID,
				"customer_email": customerEmail,
				"plan_id":        planID,
			},
		},
		PaymentID:     paymentID,
		CustomerEmail: customerEmail,
		PlanID:        planID,
		Provisioning:  provisioning,
	}
}
