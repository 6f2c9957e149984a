package subscription

import (
	"context"
	"time"

	"github.com/resumelift/creditengine/app/models"
	"gorm.io/gorm"
)

// Repository provides DB operations used by the state machine and the
// scheduler's sweeps.
type Repository interface {
	FindUser(ctx context.Context, userID uint) (*models.User, error)
	// UpdateSubscription applies the given column updates to one user.
	UpdateSubscription(ctx context.Context, userID uint, fields map[string]interface{}) error
	// ListTrialsDue returns trialing users whose trial window has elapsed.
	ListTrialsDue(ctx context.Context, now time.Time) ([]models.User, error)
	// ListPastDueLapsed returns past_due users whose grace period started
	// before cutoff.
	ListPastDueLapsed(ctx context.Context, cutoff time.Time) ([]models.User, error)
	// ListUsersWithAllotment returns active users on a tier that carries a
	// recurring monthly allotment.
	ListUsersWithAllotment(ctx context.Context) ([]models.User, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) UpdateSubscription(ctx context.Context, userID uint, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(fields).Error
}

func (r *gormRepository) ListTrialsDue(ctx context.Context, now time.Time) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("subscription_status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?",
			models.SubscriptionTrialing, now).
		Find(&users).Error
	return users, err
}

func (r *gormRepository) ListPastDueLapsed(ctx context.Context, cutoff time.Time) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("subscription_status = ? AND past_due_since IS NOT NULL AND past_due_since < ?",
			models.SubscriptionPastDue, cutoff).
		Find(&users).Error
	return users, err
}

func (r *gormRepository) ListUsersWithAllotment(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("subscription_status = ? AND subscription_tier IN ?",
			models.SubscriptionActive, []string{models.TierPro, models.TierPremium}).
		Find(&users).Error
	return users, err
}
