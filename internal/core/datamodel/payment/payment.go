package payment

import (
	"encoding/json"
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Payment is one transaction attempt. Status is only ever written through
// the state machine; the notes column is an append-only audit trail.
type Payment struct {
	ID              int64           `gorm:"primaryKey"`
	PlanID          int64           `gorm:"column:plan_id;not null"`
	SubscriptionID  *int64          `gorm:"column:subscription_id"`
	CustomerEmail   string          `gorm:"column:customer_email;not null"`
	Amount          int64           `gorm:"column:amount;not null"`
	Currency        string          `gorm:"column:currency;not null"`
	Country         string          `gorm:"column:country"`
	Gateway         string          `gorm:"column:gateway;not null"`
	AccountID       *int64          `gorm:"column:account_id"`
	PrevAccountID   *int64          `gorm:"column:prev_account_id"`
	ExternalRef     string          `gorm:"column:external_ref;uniqueIndex"`
	Status          string          `gorm:"column:status;default:pending"`
	RetryCount      int             `gorm:"column:retry_count;default:0"`
	Notes           json.RawMessage `gorm:"column:notes;type:jsonb"`
	GatewayResponse json.RawMessage `gorm:"column:gateway_response;type:jsonb"`
	CreatedAt       time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;default:now()"`
	ConfirmedAt     *time.Time      `gorm:"column:confirmed_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// Note is one entry in the payment's audit trail.
type Note struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (p *Payment) IsTerminal() bool {
	return IsTerminal(p.Status)
}

func (p *Payment) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// Expired reports whether the payment is older than the expiry window and
// must be force-failed without a gateway call.
func (p *Payment) Expired(now time.Time, expiry time.Duration) bool {
	return p.Age(now) > expiry
}

// TouchedWithin reports whether another job updated this payment inside the
// quiescence window; the caller abandons instead of racing it.
func (p *Payment) TouchedWithin(now time.Time, window time.Duration) bool {
	return now.Sub(p.UpdatedAt) < window
}

// AppendNote appends a timestamped entry to the audit trail. The notes column
// only ever grows; malformed existing content is replaced by a fresh array
// rather than propagated.
func (p *Payment) AppendNote(at time.Time, message string) {
	var notes []Note
	if len(p.Notes) > 0 {
		if err := json.Unmarshal(p.Notes, &notes); err != nil {
			notes = nil
		}
	}
	notes = append(notes, Note{At: at, Message: message})
	raw, err := json.Marshal(notes)
	if err != nil {
		return
	}
	p.Notes = raw
}

// NoteMessages returns the audit trail messages in append order.
func (p *Payment) NoteMessages() []string {
	var notes []Note
	if len(p.Notes) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Notes, &notes); err != nil {
		return nil
	}
	msgs := make([]string, 0, len(notes))
	for _, n := range notes {
		msgs = append(msgs, n.Message)
	}
	return msgs
}
