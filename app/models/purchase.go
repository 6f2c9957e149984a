package models

import "time"

const (
	PurchaseTypeCreditPack = "credit_pack"
	PurchaseTypeTimePass   = "time_pass"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Purchase records a one-off payment: either a credit pack or a time-boxed
// access pass. PaymentRef is the provider's unique reference and doubles as
// the idempotency key for webhook replays. CreditsGrantedAt is the atomic
// claim marker that keeps a duplicate delivery from double-granting.
type Purchase struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;index" json:"user_id"`
	PurchaseType     string     `gorm:"type:varchar(20);not null" json:"purchase_type"`
	AmountUSD        float64    `gorm:"not null;default:0" json:"amount_usd"`
	CreditsGranted   int64      `gorm:"not null;default:0" json:"credits_granted" validate:"gte=0"`
	AccessExpiresAt  *time.Time `gorm:"type:timestamp;default:null;index" json:"access_expires_at,omitempty"`
	GrantsTier       string     `gorm:"type:varchar(20);not null;default:''" json:"grants_tier"`
	IsActive         bool       `gorm:"not null;default:false;index" json:"is_active"`
	PaymentStatus    string     `gorm:"type:varchar(20);not null;default:'pending'" json:"payment_status"`
	PaymentRef       string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"payment_ref"`
	CreditsGrantedAt *time.Time `gorm:"type:timestamp;default:null" json:"credits_granted_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccessOpen reports whether the purchase still grants access at the given
// time. Purchases without an expiry (credit packs) never open a window.
func (p *Purchase) AccessOpen(now time.Time) bool {
	return p.IsActive &&
		p.PaymentStatus == PaymentStatusCompleted &&
		p.AccessExpiresAt != nil && now.Before(*p.AccessExpiresAt)
}
