package plans

import (
	"strings"
	"time"

	"github.com/resumelift/creditengine/app/models"
)

// TrialDuration is the length of the free trial window.
const TrialDuration = 14 * 24 * time.Hour

// PastDueGracePeriod is how long a past_due subscription may linger before
// the scheduler cancels it.
const PastDueGracePeriod = 7 * 24 * time.Hour

// TrialTier is the tier a started trial runs under.
const TrialTier = models.TierPro

// DefaultTimePassTier is the tier a time pass unlocks when the purchase row
// does not name one.
const DefaultTimePassTier = models.TierPro

// NormalizeTier maps arbitrary input to a known tier, defaulting to free.
func NormalizeTier(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case models.TierPro:
		return models.TierPro
	case models.TierPremium:
		return models.TierPremium
	default:
		return models.TierFree
	}
}

// TierRank orders tiers so the best of several candidates can be picked.
func TierRank(tier string) int {
	switch NormalizeTier(tier) {
	case models.TierPremium:
		return 2
	case models.TierPro:
		return 1
	default:
		return 0
	}
}

// MonthlyAllotment returns the recurring credit allotment for a tier. Free
// accounts have no recurring allotment; their credits come from signup and
// credit-pack purchases only.
func MonthlyAllotment(tier string) int64 {
	switch NormalizeTier(tier) {
	case models.TierPremium:
		return 1000
	case models.TierPro:
		return 300
	default:
		return 0
	}
}

// HasRecurringAllotment reports whether the tier receives a monthly reset.
func HasRecurringAllotment(tier string) bool {
	return MonthlyAllotment(tier) > 0
}
