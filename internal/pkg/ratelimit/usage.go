package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/resumelift/creditengine/app/models"
)

// Window is a usage-counting interval. Buckets are fixed calendar-aligned
// UTC periods (day and month), not trailing intervals: a cap resets at the
// bucket boundary, and the Redis counter keys share the same alignment.
type Window string

const (
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

const (
	dayCounterTTL   = 48 * time.Hour
	monthCounterTTL = 35 * 24 * time.Hour
)

// RecordUsage appends a usage event and bumps the Redis window counters.
// The database row is authoritative; a counter failure is logged, not fatal.
func (r *Resolver) RecordUsage(ctx context.Context, userID uint, operation string, credits int64, now time.Time) error {
	ev := &models.UsageEvent{
		UserID:     userID,
		Operation:  operation,
		Credits:    credits,
		OccurredAt: now,
	}
	if err := r.repo.InsertUsage(ctx, ev); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if r.rdb == nil {
		return nil
	}
	for _, w := range []Window{WindowDay, WindowMonth} {
		key := usageKey(userID, operation, w, now)
		if err := r.rdb.Incr(ctx, key).Err(); err != nil {
			log.Warnf("[RateLimit] counter incr failed key=%s: %v", key, err)
			continue
		}
		r.rdb.Expire(ctx, key, counterTTL(w))
	}
	return nil
}

// CountUsage returns how many admitted operations the user has in the
// current window. Redis is the fast path; a miss or failure falls back to an
// authoritative database count, which then repopulates the counter.
func (r *Resolver) CountUsage(ctx context.Context, userID uint, operation string, w Window, now time.Time) (int64, error) {
	if r.rdb != nil {
		key := usageKey(userID, operation, w, now)
		if n, err := r.rdb.Get(ctx, key).Int64(); err == nil {
			return n, nil
		}
	}

	count, err := r.repo.CountUsageSince(ctx, userID, operation, windowStart(w, now))
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}

	if r.rdb != nil {
		key := usageKey(userID, operation, w, now)
		if err := r.rdb.Set(ctx, key, strconv.FormatInt(count, 10), counterTTL(w)).Err(); err != nil {
			log.Warnf("[RateLimit] counter backfill failed key=%s: %v", key, err)
		}
	}
	return count, nil
}

func usageKey(userID uint, operation string, w Window, now time.Time) string {
	return fmt.Sprintf("usage:%d:%s:%s", userID, operation, bucket(w, now))
}

func bucket(w Window, now time.Time) string {
	if w == WindowMonth {
		return now.UTC().Format("2006-01")
	}
	return now.UTC().Format("2006-01-02")
}

func windowStart(w Window, now time.Time) time.Time {
	u := now.UTC()
	if w == WindowMonth {
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func counterTTL(w Window) time.Duration {
	if w == WindowMonth {
		return monthCounterTTL
	}
	return dayCounterTTL
}
