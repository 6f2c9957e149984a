package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/plans"
)

func TestNextAllowsTableTransitions(t *testing.T) {
	tests := []struct {
		from  string
		event Event
		want  string
	}{
		{models.SubscriptionInactive, EventTrialStarted, models.SubscriptionTrialing},
		{models.SubscriptionInactive, EventPaymentConfirmed, models.SubscriptionActive},
		{models.SubscriptionTrialing, EventTrialElapsed, models.SubscriptionExpired},
		{models.SubscriptionTrialing, EventPaymentConfirmed, models.SubscriptionActive},
		{models.SubscriptionActive, EventPaymentFailed, models.SubscriptionPastDue},
		{models.SubscriptionActive, EventUserCancelled, models.SubscriptionCancelled},
		{models.SubscriptionPastDue, EventPaymentRecovered, models.SubscriptionActive},
		{models.SubscriptionPastDue, EventGraceElapsed, models.SubscriptionCancelled},
		{models.SubscriptionCancelled, EventPaymentConfirmed, models.SubscriptionActive},
		{models.SubscriptionExpired, EventPaymentConfirmed, models.SubscriptionActive},
	}

	for _, tt := range tests {
		got, err := Next(tt.from, tt.event)
		if err != nil {
			t.Fatalf("Next(%s, %s) unexpected error: %v", tt.from, tt.event, err)
		}
		if got != tt.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
		}
	}
}

func TestNextFailsClosed(t *testing.T) {
	tests := []struct {
		from  string
		event Event
	}{
		{models.SubscriptionInactive, EventPaymentFailed},
		{models.SubscriptionInactive, EventTrialElapsed},
		{models.SubscriptionActive, EventTrialStarted},
		{models.SubscriptionActive, EventPaymentConfirmed},
		{models.SubscriptionExpired, EventTrialStarted},
		{models.SubscriptionCancelled, EventUserCancelled},
		{"bogus", EventPaymentConfirmed},
	}

	for _, tt := range tests {
		if _, err := Next(tt.from, tt.event); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Next(%s, %s) expected ErrInvalidTransition, got %v", tt.from, tt.event, err)
		}
	}
}

type fakeRepository struct {
	mu    sync.Mutex
	users map[uint]*models.User
}

func newFakeRepository(users ...*models.User) *fakeRepository {
	r := &fakeRepository{users: make(map[uint]*models.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeRepository) FindUser(ctx context.Context, userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *u
	return &out, nil
}

func (r *fakeRepository) UpdateSubscription(ctx context.Context, userID uint, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "subscription_status":
			u.SubscriptionStatus = v.(string)
		case "subscription_tier":
			u.SubscriptionTier = v.(string)
		case "subscription_start_date":
			u.SubscriptionStartDate = timePtr(v)
		case "trial_started_at":
			u.TrialStartedAt = timePtr(v)
		case "trial_ends_at":
			u.TrialEndsAt = timePtr(v)
		case "past_due_since":
			u.PastDueSince = timePtr(v)
		}
	}
	return nil
}

func timePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	t := v.(time.Time)
	return &t
}

func (r *fakeRepository) ListTrialsDue(ctx context.Context, now time.Time) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for _, u := range r.users {
		if u.SubscriptionStatus == models.SubscriptionTrialing && u.TrialEndsAt != nil && u.TrialEndsAt.Before(now) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListPastDueLapsed(ctx context.Context, cutoff time.Time) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for _, u := range r.users {
		if u.SubscriptionStatus == models.SubscriptionPastDue && u.PastDueSince != nil && u.PastDueSince.Before(cutoff) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListUsersWithAllotment(ctx context.Context) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for _, u := range r.users {
		if u.SubscriptionStatus == models.SubscriptionActive && plans.HasRecurringAllotment(u.SubscriptionTier) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func TestStartTrialOpensWindow(t *testing.T) {
	repo := newFakeRepository(&models.User{ID: 1, SubscriptionStatus: models.SubscriptionInactive, SubscriptionTier: models.TierFree})
	m := NewMachine(repo)
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	u, err := m.StartTrial(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionTrialing {
		t.Fatalf("expected trialing, got %s", u.SubscriptionStatus)
	}
	if u.SubscriptionTier != plans.TrialTier {
		t.Fatalf("expected trial tier %s, got %s", plans.TrialTier, u.SubscriptionTier)
	}
	if u.TrialEndsAt == nil || !u.TrialEndsAt.Equal(now.Add(plans.TrialDuration)) {
		t.Fatalf("trial window not set correctly: %v", u.TrialEndsAt)
	}

	// A second trial for the same user is not in the table.
	if _, err := m.StartTrial(context.Background(), 1, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestExpireTrialGuardsWindow(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ends := start.Add(plans.TrialDuration)
	repo := newFakeRepository(&models.User{
		ID:                 1,
		SubscriptionStatus: models.SubscriptionTrialing,
		SubscriptionTier:   plans.TrialTier,
		TrialStartedAt:     &start,
		TrialEndsAt:        &ends,
	})
	m := NewMachine(repo)

	// Window still open: fail closed.
	if _, err := m.ExpireTrial(context.Background(), 1, ends.Add(-time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before window close, got %v", err)
	}

	u, err := m.ExpireTrial(context.Background(), 1, ends.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionExpired {
		t.Fatalf("expected expired, got %s", u.SubscriptionStatus)
	}
	if u.SubscriptionTier != models.TierFree {
		t.Fatalf("expired trial should fall back to free tier, got %s", u.SubscriptionTier)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	repo := newFakeRepository(&models.User{ID: 1, SubscriptionStatus: models.SubscriptionInactive, SubscriptionTier: models.TierFree})
	m := NewMachine(repo)
	ctx := context.Background()
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)

	u, err := m.ConfirmPayment(ctx, 1, models.TierPremium, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionActive || u.SubscriptionTier != models.TierPremium {
		t.Fatalf("unexpected state after payment: %s/%s", u.SubscriptionStatus, u.SubscriptionTier)
	}
	if u.SubscriptionStartDate == nil || !u.SubscriptionStartDate.Equal(now) {
		t.Fatalf("subscription_start_date not anchored: %v", u.SubscriptionStartDate)
	}

	u, err = m.ReportPaymentFailure(ctx, 1, now.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionPastDue || u.PastDueSince == nil {
		t.Fatalf("expected past_due with timestamp, got %s/%v", u.SubscriptionStatus, u.PastDueSince)
	}

	// Grace period still open.
	if _, err := m.LapsePastDue(ctx, 1, u.PastDueSince.Add(time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition inside grace period, got %v", err)
	}

	u, err = m.RecoverPayment(ctx, 1, now.AddDate(0, 1, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionActive || u.PastDueSince != nil {
		t.Fatalf("expected recovered active, got %s/%v", u.SubscriptionStatus, u.PastDueSince)
	}

	u, err = m.Cancel(ctx, 1, now.AddDate(0, 2, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionCancelled {
		t.Fatalf("expected cancelled, got %s", u.SubscriptionStatus)
	}

	// Cancelled is re-entrant on a new payment.
	u, err = m.ConfirmPayment(ctx, 1, models.TierPro, now.AddDate(0, 3, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionActive || u.SubscriptionTier != models.TierPro {
		t.Fatalf("expected reactivated pro, got %s/%s", u.SubscriptionStatus, u.SubscriptionTier)
	}
}

func TestLapsePastDueAfterGrace(t *testing.T) {
	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := newFakeRepository(&models.User{
		ID:                 1,
		SubscriptionStatus: models.SubscriptionPastDue,
		SubscriptionTier:   models.TierPro,
		PastDueSince:       &since,
	})
	m := NewMachine(repo)

	u, err := m.LapsePastDue(context.Background(), 1, since.Add(plans.PastDueGracePeriod+time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.SubscriptionStatus != models.SubscriptionCancelled {
		t.Fatalf("expected cancelled after grace period, got %s", u.SubscriptionStatus)
	}
}
