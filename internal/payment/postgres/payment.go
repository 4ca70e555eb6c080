package postgres

import (
	"time"

	"gorm.io/gorm"

	paymentmodel "github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-reconciliation/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(p *paymentmodel.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByID(id int64) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	if err := r.db.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByExternalRef(externalRef string) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	if err := r.db.Where("external_ref = ?", externalRef).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) Update(p *paymentmodel.Payment) error {
	p.UpdatedAt = time.Now()
	return r.db.Save(p).Error
}

// FindPending selects sweep candidates: pending payments created inside the
// age window, untouched since the quiescence cutoff, oldest first. The limit
// keeps a sweep bounded regardless of backlog size.
func (r *PaymentRepository) FindPending(createdAfter, createdBefore, untouchedBefore time.Time, limit int) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.
		Where("status = ?", paymentmodel.StatusPending).
		Where("created_at >= ? AND created_at <= ?", createdAfter, createdBefore).
		Where("updated_at <= ?", untouchedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
