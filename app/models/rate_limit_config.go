package models

import "time"

// OperationWildcard is the per-tier catch-all row. Resolution falls back to
// it when no exact (operation, tier) row exists.
const OperationWildcard = "*"

// RateLimitConfig maps an (operation, tier) pair to its credit cost and
// optional hard usage caps. Rows are seeded at deploy time and edited by
// admin tooling; reads go through the in-memory policy cache.
type RateLimitConfig struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Operation        string    `gorm:"type:varchar(100);not null;index:ux_rate_limit_op_tier,unique,priority:1" json:"operation"`
	SubscriptionTier string    `gorm:"type:varchar(20);not null;index:ux_rate_limit_op_tier,unique,priority:2" json:"subscription_tier"`
	CostInCredits    int64     `gorm:"not null;default:1" json:"cost_in_credits" validate:"gte=1"`
	DailyLimit       *int      `gorm:"default:null" json:"daily_limit,omitempty"`
	MonthlyLimit     *int      `gorm:"default:null" json:"monthly_limit,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
