package entitlement

import (
	"context"
	"time"

	"github.com/resumelift/creditengine/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the entitlement store.
type Repository interface {
	FindByID(ctx context.Context, id uint) (*models.Purchase, error)
	FindByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error)
	// CreateIfNotExists inserts the purchase unless its payment_ref is
	// already present, returning the stored row either way. This is the
	// webhook-replay idempotency barrier.
	CreateIfNotExists(ctx context.Context, p *models.Purchase) (bool, *models.Purchase, error)
	UpdatePaymentStatus(ctx context.Context, id uint, status string, active bool) error
	// ClaimGrant stamps credits_granted_at only when it is still unset on a
	// completed purchase. Reports whether this caller won the claim.
	ClaimGrant(ctx context.Context, id uint, now time.Time) (bool, error)
	// ActivePurchase returns the user's open-access purchase with the latest
	// expiry, or gorm.ErrRecordNotFound.
	ActivePurchase(ctx context.Context, userID uint, now time.Time) (*models.Purchase, error)
	// ExpireStale deactivates purchases whose access window has closed.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlement repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindByID(ctx context.Context, id uint) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.WithContext(ctx).Where("payment_ref = ?", ref).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreateIfNotExists(ctx context.Context, p *models.Purchase) (bool, *models.Purchase, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_ref"}},
		DoNothing: true,
	}).Create(p)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.FindByPaymentRef(ctx, p.PaymentRef)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *gormRepository) UpdatePaymentStatus(ctx context.Context, id uint, status string, active bool) error {
	return r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"payment_status": status,
			"is_active":      active,
		}).Error
}

func (r *gormRepository) ClaimGrant(ctx context.Context, id uint, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("id = ? AND credits_granted_at IS NULL AND payment_status = ?", id, models.PaymentStatusCompleted).
		Update("credits_granted_at", now)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ActivePurchase(ctx context.Context, userID uint, now time.Time) (*models.Purchase, error) {
	var p models.Purchase
	// MySQL sorts NULLs last on DESC, so windowed passes outrank credit
	// packs and the latest expiry wins.
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND payment_status = ?", userID, true, models.PaymentStatusCompleted).
		Where("access_expires_at IS NULL OR access_expires_at > ?", now).
		Order("access_expires_at DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.Purchase{}).
		Where("is_active = ? AND access_expires_at IS NOT NULL AND access_expires_at < ?", true, now).
		Update("is_active", false)
	return tx.RowsAffected, tx.Error
}
