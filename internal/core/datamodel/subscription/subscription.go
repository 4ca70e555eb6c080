package subscription

import (
	"encoding/json"
	"time"
)

const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

const (
	InvoicePaid   = "paid"
	InvoiceFailed = "failed"
)

// Plan is the purchased offer a payment originates from.
type Plan struct {
	ID                   int64           `gorm:"primaryKey"`
	Name                 string          `gorm:"column:name;not null"`
	DurationDays         int             `gorm:"column:duration_days;not null"`
	Price                int64           `gorm:"column:price;not null"`
	Currency             string          `gorm:"column:currency;not null"`
	RequiresProvisioning bool            `gorm:"column:requires_provisioning;default:false"`
	ProvisioningPayload  json.RawMessage `gorm:"column:provisioning_payload;type:jsonb"`
	CreatedAt            time.Time       `gorm:"column:created_at;default:now()"`
}

func (Plan) TableName() string {
	return "plans"
}

type Subscription struct {
	ID            int64     `gorm:"primaryKey"`
	PlanID        int64     `gorm:"column:plan_id;not null;index"`
	CustomerEmail string    `gorm:"column:customer_email;not null;index"`
	Status        string    `gorm:"column:status;default:active"`
	StartsAt      time.Time `gorm:"column:starts_at;not null"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time `gorm:"column:updated_at;default:now()"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == SubscriptionActive && now.Before(s.ExpiresAt)
}

type Invoice struct {
	ID             int64     `gorm:"primaryKey"`
	PaymentID      int64     `gorm:"column:payment_id;not null;index"`
	SubscriptionID *int64    `gorm:"column:subscription_id"`
	Amount         int64     `gorm:"column:amount;not null"`
	Currency       string    `gorm:"column:currency;not null"`
	Status         string    `gorm:"column:status;not null"`
	IssuedAt       time.Time `gorm:"column:issued_at;default:now()"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// CustomerStat is the per-customer lifetime ledger, keyed by email and
// updated with atomic increments on settlement.
type CustomerStat struct {
	CustomerEmail  string     `gorm:"primaryKey;column:customer_email"`
	LifetimeValue  int64      `gorm:"column:lifetime_value;default:0"`
	PurchaseCount  int64      `gorm:"column:purchase_count;default:0"`
	LastPurchaseAt *time.Time `gorm:"column:last_purchase_at"`
}

func (CustomerStat) TableName() string {
	return "customer_stats"
}
