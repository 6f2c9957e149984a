package quota

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/entitlement"
	"github.com/resumelift/creditengine/internal/pkg/ledger"
	"github.com/resumelift/creditengine/internal/pkg/plans"
	"github.com/resumelift/creditengine/internal/pkg/ratelimit"
)

// RejectReason classifies a quota rejection. Both are expected business
// outcomes, not errors.
type RejectReason string

const (
	ReasonInsufficientCredits RejectReason = "insufficient_credits"
	ReasonLimitExceeded       RejectReason = "limit_exceeded"
)

// Decision is the answer to "may this operation run, and what did it cost".
// On admission the debit has already been committed; a caller whose
// downstream work fails irrecoverably must compensate via Refund. There is
// no hold step and no automatic refund on timeout.
type Decision struct {
	Admitted   bool
	Reason     RejectReason
	Operation  string
	Tier       string
	Cost       int64
	NewBalance int64
	Shortfall  int64
}

// UserSource is the slice of user storage the gate reads.
type UserSource interface {
	FindUser(ctx context.Context, userID uint) (*models.User, error)
}

type gormUserSource struct{ db *gorm.DB }

func (s gormUserSource) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Gate is the facade combining the policy resolver, the ledger and the
// entitlement store. It is the only entry point request handlers consume.
type Gate struct {
	users  UserSource
	policy *ratelimit.Resolver
	ledger *ledger.Ledger
	ents   *entitlement.Store
}

// NewGate creates a quota gate from injected collaborators.
func NewGate(users UserSource, policy *ratelimit.Resolver, l *ledger.Ledger, ents *entitlement.Store) *Gate {
	return &Gate{users: users, policy: policy, ledger: l, ents: ents}
}

// NewGateFromDB creates a quota gate from a GORM DB handle.
func NewGateFromDB(db *gorm.DB) *Gate {
	return NewGate(
		gormUserSource{db: db},
		ratelimit.NewResolverFromDB(db),
		ledger.NewFromDB(db),
		entitlement.NewStoreFromDB(db),
	)
}

// CheckAndReserve admits or rejects a billable operation and, on admission,
// atomically reserves its credits and records the usage event. Window caps
// are checked before the debit so a capped request moves no credits.
func (g *Gate) CheckAndReserve(ctx context.Context, userID uint, operation string, now time.Time) (Decision, error) {
	user, err := g.users.FindUser(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	tier, err := g.effectiveTier(ctx, user, now)
	if err != nil {
		return Decision{}, err
	}

	entry, err := g.policy.Resolve(ctx, operation, tier)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Operation: operation, Tier: tier, Cost: entry.Cost}

	if entry.DailyLimit != nil {
		used, err := g.policy.CountUsage(ctx, userID, operation, ratelimit.WindowDay, now)
		if err != nil {
			return Decision{}, err
		}
		if used >= int64(*entry.DailyLimit) {
			decision.Reason = ReasonLimitExceeded
			decision.NewBalance = user.Credits
			return decision, nil
		}
	}
	if entry.MonthlyLimit != nil {
		used, err := g.policy.CountUsage(ctx, userID, operation, ratelimit.WindowMonth, now)
		if err != nil {
			return Decision{}, err
		}
		if used >= int64(*entry.MonthlyLimit) {
			decision.Reason = ReasonLimitExceeded
			decision.NewBalance = user.Credits
			return decision, nil
		}
	}

	res, err := g.ledger.Debit(ctx, userID, entry.Cost)
	if err != nil {
		return Decision{}, err
	}
	decision.NewBalance = res.NewBalance
	if !res.Admitted {
		decision.Reason = ReasonInsufficientCredits
		decision.Shortfall = res.Shortfall
		return decision, nil
	}
	decision.Admitted = true

	// The debit is committed regardless; a lost usage event only loosens the
	// window count.
	if err := g.policy.RecordUsage(ctx, userID, operation, entry.Cost, now); err != nil {
		log.Warnf("[QuotaGate] usage record failed user=%d op=%s: %v", userID, operation, err)
	}
	return decision, nil
}

// Refund is the compensating credit for a reservation whose downstream work
// failed irrecoverably. Invoking it is the caller's responsibility.
func (g *Gate) Refund(ctx context.Context, userID uint, operation string, amount int64) (int64, error) {
	return g.ledger.Credit(ctx, userID, amount, "refund:"+operation)
}

// effectiveTier maps subscription state to the policy tier: active and
// trialing use the user's tier, everything else falls back to free defaults.
// An open time-pass entitlement overrides when it grants a higher tier.
func (g *Gate) effectiveTier(ctx context.Context, user *models.User, now time.Time) (string, error) {
	tier := models.TierFree
	switch user.SubscriptionStatus {
	case models.SubscriptionActive, models.SubscriptionTrialing:
		tier = plans.NormalizeTier(user.SubscriptionTier)
	}

	ent, err := g.ents.ActiveEntitlement(ctx, user.ID, now)
	if err != nil {
		return "", err
	}
	if ent != nil && ent.AccessOpen(now) {
		granted := ent.GrantsTier
		if granted == "" {
			granted = plans.DefaultTimePassTier
		}
		if plans.TierRank(granted) > plans.TierRank(tier) {
			tier = plans.NormalizeTier(granted)
		}
	}
	return tier, nil
}
