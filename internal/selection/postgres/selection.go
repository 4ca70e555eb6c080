package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/payment-reconciliation/internal/core/datamodel/account"
	"github.com/frahmantamala/payment-reconciliation/internal/selection"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) ActiveByGateway(gateway string) ([]*account.PaymentAccount, error) {
	var accounts []*account.PaymentAccount
	err := r.db.Where("gateway = ? AND active = ?", gateway, true).Order("id ASC").Find(&accounts).Error
	return accounts, err
}

func (r *AccountRepository) GetByID(id int64) (*account.PaymentAccount, error) {
	var a account.PaymentAccount
	if err := r.db.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordSuccess bumps the account's settlement counters atomically. Only the
// job that drives a payment terminal calls this, and increments never
// read-modify-write so parallel workers cannot lose updates.
func (r *AccountRepository) RecordSuccess(id int64, amount int64, at time.Time) error {
	return r.db.Model(&account.PaymentAccount{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"success_count": gorm.Expr("success_count + 1"),
		"total_amount":  gorm.Expr("total_amount + ?", amount),
		"last_used_at":  at,
		"updated_at":    at,
	}).Error
}

// RecordFailure bumps the failure counter and stamps the cooldown marker so
// the selection engine can skip the account until the window passes.
func (r *AccountRepository) RecordFailure(id int64, at time.Time, cooldownUntil time.Time) error {
	return r.db.Model(&account.PaymentAccount{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"failure_count":  gorm.Expr("failure_count + 1"),
		"last_used_at":   at,
		"cooldown_until": cooldownUntil,
		"updated_at":     at,
	}).Error
}

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) Create(rec *account.SelectionRecord) error {
	return r.db.Create(rec).Error
}

type PolicyRepository struct {
	db *gorm.DB
}

func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) ForGateway(gateway string) (*account.SelectionPolicy, error) {
	var p account.SelectionPolicy
	err := r.db.Where("name = ?", gateway).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = r.db.Where("name = ?", "global").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PolicyRepository) UpdateCursor(policyID, accountID int64) error {
	return r.db.Model(&account.SelectionPolicy{}).Where("id = ?", policyID).
		UpdateColumn("round_robin_cursor", accountID).Error
}

var _ selection.AccountRepository = (*AccountRepository)(nil)
var _ selection.RecordRepository = (*RecordRepository)(nil)
var _ selection.PolicyRepository = (*PolicyRepository)(nil)
