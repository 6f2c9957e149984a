package ratelimit

import (
	"context"
	"time"

	"github.com/resumelift/creditengine/app/models"
	"gorm.io/gorm"
)

// Repository provides DB operations used by the policy resolver and the
// usage counters.
type Repository interface {
	FindPolicy(ctx context.Context, operation, tier string) (*models.RateLimitConfig, error)
	CountUsageSince(ctx context.Context, userID uint, operation string, since time.Time) (int64, error)
	InsertUsage(ctx context.Context, ev *models.UsageEvent) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a rate-limit repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindPolicy(ctx context.Context, operation, tier string) (*models.RateLimitConfig, error) {
	var cfg models.RateLimitConfig
	err := r.db.WithContext(ctx).
		Where("operation = ? AND subscription_tier = ?", operation, tier).
		First(&cfg).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *gormRepository) CountUsageSince(ctx context.Context, userID uint, operation string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UsageEvent{}).
		Where("user_id = ? AND operation = ? AND occurred_at >= ?", userID, operation, since).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) InsertUsage(ctx context.Context, ev *models.UsageEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}
