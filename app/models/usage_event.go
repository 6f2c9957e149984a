package models

import "time"

// UsageEvent is the append-only debit log backing the per-window usage
// counters. One row per admitted billable operation.
type UsageEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index:idx_usage_user_op_time,priority:1" json:"user_id"`
	Operation  string    `gorm:"type:varchar(100);not null;index:idx_usage_user_op_time,priority:2" json:"operation"`
	Credits    int64     `gorm:"not null" json:"credits"`
	OccurredAt time.Time `gorm:"type:timestamp;not null;index:idx_usage_user_op_time,priority:3" json:"occurred_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
