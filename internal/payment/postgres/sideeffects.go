package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/subscription"
)

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) GetByID(id int64) (*subscription.Plan, error) {
	var plan subscription.Plan
	if err := r.db.First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) ActiveForCustomer(email string, planID int64, now time.Time) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := r.db.
		Where("customer_email = ? AND plan_id = ? AND status = ?", email, planID, subscription.SubscriptionActive).
		Where("expires_at > ?", now).
		Order("expires_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) Create(s *subscription.Subscription) error {
	return r.db.Create(s).Error
}

func (r *SubscriptionRepository) ExtendExpiry(id int64, until time.Time, now time.Time) error {
	return r.db.Model(&subscription.Subscription{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"expires_at": until,
		"updated_at": now,
	}).Error
}

type InvoiceRepository struct {
	db *gorm.DB
}

func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(inv *subscription.Invoice) error {
	return r.db.Create(inv).Error
}

type CustomerStatsRepository struct {
	db *gorm.DB
}

func NewCustomerStatsRepository(db *gorm.DB) *CustomerStatsRepository {
	return &CustomerStatsRepository{db: db}
}

// RecordPurchase upserts the customer row with atomic increments so parallel
// settlements never lose an update.
func (r *CustomerStatsRepository) RecordPurchase(email string, amount int64, at time.Time) error {
	return r.db.Exec(`
		INSERT INTO customer_stats (customer_email, lifetime_value, purchase_count, last_purchase_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (customer_email) DO UPDATE SET
			lifetime_value = customer_stats.lifetime_value + EXCLUDED.lifetime_value,
			purchase_count = customer_stats.purchase_count + 1,
			last_purchase_at = EXCLUDED.last_purchase_at
	`, email, amount, at).Error
}
