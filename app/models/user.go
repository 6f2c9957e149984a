package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	TierFree    = "free"
	TierPro     = "pro"
	TierPremium = "premium"
)

const (
	SubscriptionInactive  = "inactive"
	SubscriptionTrialing  = "trialing"
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
	SubscriptionPastDue   = "past_due"
)

// User carries the credit account and subscription lifecycle state. The
// Credits column is only ever mutated by the ledger package through
// conditional updates; the subscription package owns SubscriptionStatus and
// the trial timestamps.
type User struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	Name                  string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email                 string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Credits               int64          `gorm:"not null;default:0" json:"credits" validate:"gte=0"`
	SubscriptionTier      string         `gorm:"type:varchar(20);not null;default:'free';index" json:"subscription_tier" validate:"oneof=free pro premium"`
	SubscriptionStatus    string         `gorm:"type:varchar(20);not null;default:'inactive';index" json:"subscription_status" validate:"oneof=inactive trialing active cancelled expired past_due"`
	SubscriptionStartDate *time.Time     `gorm:"type:timestamp;default:null" json:"subscription_start_date,omitempty"`
	LastCreditReset       *time.Time     `gorm:"type:timestamp;default:null" json:"last_credit_reset,omitempty"`
	TrialStartedAt        *time.Time     `gorm:"type:timestamp;default:null" json:"trial_started_at,omitempty"`
	TrialEndsAt           *time.Time     `gorm:"type:timestamp;default:null;index" json:"trial_ends_at,omitempty"`
	PastDueSince          *time.Time     `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt             time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// TrialElapsed reports whether the trial window has passed at the given time.
func (u *User) TrialElapsed(now time.Time) bool {
	return u.SubscriptionStatus == SubscriptionTrialing &&
		u.TrialEndsAt != nil && !now.Before(*u.TrialEndsAt)
}

// IsSubscribed reports whether the user currently holds a paid subscription.
func (u *User) IsSubscribed() bool {
	return u.SubscriptionStatus == SubscriptionActive
}
