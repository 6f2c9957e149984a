package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/plans"
	"gorm.io/gorm"
)

// Machine owns subscription_status, the trial timestamps and
// subscription_start_date. Nothing else writes those columns. Every
// time-sensitive method takes an explicit now.
type Machine struct {
	repo Repository
}

// NewMachine creates a state machine from an injected repository.
func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo}
}

// NewMachineFromDB creates a state machine from a GORM DB handle.
func NewMachineFromDB(db *gorm.DB) *Machine {
	return NewMachine(NewRepository(db))
}

// StartTrial moves an inactive user into trialing and opens the trial
// window. The trial runs under the trial tier.
func (m *Machine) StartTrial(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	return m.apply(ctx, userID, EventTrialStarted, func(u *models.User, next string) map[string]interface{} {
		ends := now.Add(plans.TrialDuration)
		return map[string]interface{}{
			"subscription_status": next,
			"subscription_tier":   plans.TrialTier,
			"trial_started_at":    now,
			"trial_ends_at":       ends,
		}
	})
}

// ConfirmPayment activates the subscription on a confirmed payment, from any
// state the table allows (inactive, trialing, cancelled, expired), and
// anchors the billing period on now.
func (m *Machine) ConfirmPayment(ctx context.Context, userID uint, tier string, now time.Time) (*models.User, error) {
	return m.apply(ctx, userID, EventPaymentConfirmed, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{
			"subscription_status":     next,
			"subscription_tier":       plans.NormalizeTier(tier),
			"subscription_start_date": now,
			"past_due_since":          nil,
		}
	})
}

// ReportPaymentFailure moves an active subscription to past_due. No credit
// action happens here; the grace-period sweep decides the outcome later.
func (m *Machine) ReportPaymentFailure(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	return m.apply(ctx, userID, EventPaymentFailed, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{
			"subscription_status": next,
			"past_due_since":      now,
		}
	})
}

// RecoverPayment returns a past_due subscription to active.
func (m *Machine) RecoverPayment(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	return m.apply(ctx, userID, EventPaymentRecovered, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{
			"subscription_status": next,
			"past_due_since":      nil,
		}
	})
}

// Cancel ends an active subscription at the user's request. Access until the
// period end is carried by entitlements, not by this machine.
func (m *Machine) Cancel(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	return m.apply(ctx, userID, EventUserCancelled, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{"subscription_status": next}
	})
}

// ExpireTrial moves a trialing user whose window has elapsed to expired.
// Calling it before the window closes is rejected as an invalid transition.
func (m *Machine) ExpireTrial(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	u, err := m.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.TrialElapsed(now) {
		return nil, fmt.Errorf("%w: trial window still open for user %d", ErrInvalidTransition, userID)
	}
	return m.applyTo(ctx, u, EventTrialElapsed, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{
			"subscription_status": next,
			"subscription_tier":   models.TierFree,
		}
	})
}

// LapsePastDue cancels a past_due subscription whose grace period has
// elapsed.
func (m *Machine) LapsePastDue(ctx context.Context, userID uint, now time.Time) (*models.User, error) {
	u, err := m.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.PastDueSince == nil || now.Sub(*u.PastDueSince) < plans.PastDueGracePeriod {
		return nil, fmt.Errorf("%w: grace period still open for user %d", ErrInvalidTransition, userID)
	}
	return m.applyTo(ctx, u, EventGraceElapsed, func(u *models.User, next string) map[string]interface{} {
		return map[string]interface{}{
			"subscription_status": next,
			"past_due_since":      nil,
		}
	})
}

// ListTrialsDue exposes the trial-expiry sweep's candidate query.
func (m *Machine) ListTrialsDue(ctx context.Context, now time.Time) ([]models.User, error) {
	return m.repo.ListTrialsDue(ctx, now)
}

// ListPastDueLapsed exposes the grace-period sweep's candidate query.
func (m *Machine) ListPastDueLapsed(ctx context.Context, now time.Time) ([]models.User, error) {
	return m.repo.ListPastDueLapsed(ctx, now.Add(-plans.PastDueGracePeriod))
}

// ListUsersWithAllotment exposes the monthly-reset sweep's candidate query.
func (m *Machine) ListUsersWithAllotment(ctx context.Context) ([]models.User, error) {
	return m.repo.ListUsersWithAllotment(ctx)
}

func (m *Machine) apply(ctx context.Context, userID uint, event Event, fields func(*models.User, string) map[string]interface{}) (*models.User, error) {
	u, err := m.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.applyTo(ctx, u, event, fields)
}

func (m *Machine) applyTo(ctx context.Context, u *models.User, event Event, fields func(*models.User, string) map[string]interface{}) (*models.User, error) {
	next, err := Next(u.SubscriptionStatus, event)
	if err != nil {
		return nil, err
	}

	updates := fields(u, next)
	if err := m.repo.UpdateSubscription(ctx, u.ID, updates); err != nil {
		return nil, err
	}
	log.Infof("[Subscription] user=%d %s: %s -> %s", u.ID, event, u.SubscriptionStatus, next)

	return m.repo.FindUser(ctx, u.ID)
}
