package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/entitlement"
)

func stripeEvent(t *testing.T, eventType string, payload string) stripe.Event {
	t.Helper()
	return stripe.Event{
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

func TestNormalizeCheckoutSessionCreditPack(t *testing.T) {
	now := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	ev := stripeEvent(t, "checkout.session.completed", `{
		"id": "cs_test_123",
		"amount_total": 999,
		"payment_status": "paid",
		"metadata": {"user_id": "42", "credits": "100", "purchase_type": "credit_pack"}
	}`)

	got, err := NormalizeEvent(ev, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PaymentRef != "cs_test_123" {
		t.Fatalf("payment ref = %q", got.PaymentRef)
	}
	if got.UserID != 42 || got.CreditsGranted != 100 {
		t.Fatalf("user/credits = %d/%d", got.UserID, got.CreditsGranted)
	}
	if got.PurchaseType != models.PurchaseTypeCreditPack {
		t.Fatalf("purchase type = %q", got.PurchaseType)
	}
	if got.Status != models.PaymentStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if got.AmountUSD != 9.99 {
		t.Fatalf("amount = %v", got.AmountUSD)
	}
	if got.AccessExpiresAt != nil {
		t.Fatal("credit pack must not open an access window")
	}
}

func TestNormalizeCheckoutSessionTimePass(t *testing.T) {
	now := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	ev := stripeEvent(t, "checkout.session.completed", `{
		"id": "cs_test_456",
		"amount_total": 500,
		"payment_status": "paid",
		"metadata": {"user_id": "7", "access_days": "30", "purchase_type": "time_pass"}
	}`)

	got, err := NormalizeEvent(ev, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PurchaseType != models.PurchaseTypeTimePass {
		t.Fatalf("purchase type = %q", got.PurchaseType)
	}
	want := now.Add(30 * 24 * time.Hour)
	if got.AccessExpiresAt == nil || !got.AccessExpiresAt.Equal(want) {
		t.Fatalf("access window = %v, want %v", got.AccessExpiresAt, want)
	}
	// Without an explicit grants_tier the pass unlocks the default tier.
	if got.GrantsTier != models.TierPro {
		t.Fatalf("grants tier = %q", got.GrantsTier)
	}
}

func TestNormalizeCheckoutSessionUnpaidStaysPending(t *testing.T) {
	ev := stripeEvent(t, "checkout.session.completed", `{
		"id": "cs_test_789",
		"payment_status": "unpaid",
		"metadata": {"user_id": "42"}
	}`)

	got, err := NormalizeEvent(ev, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.PaymentStatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
}

func TestCheckoutUsesPaymentIntentRef(t *testing.T) {
	ev := stripeEvent(t, "checkout.session.completed", `{
		"id": "cs_test_123",
		"payment_intent": "pi_test_456",
		"payment_status": "paid",
		"metadata": {"user_id": "42", "credits": "100"}
	}`)

	got, err := NormalizeEvent(ev, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PaymentRef != "pi_test_456" {
		t.Fatalf("payment ref = %q, want pi_test_456", got.PaymentRef)
	}
}

// purchaseStore is a minimal in-memory entitlement.Repository so the
// checkout/refund round trip can be driven end to end.
type purchaseStore struct {
	rows map[string]*models.Purchase
}

func newPurchaseStore() *purchaseStore {
	return &purchaseStore{rows: make(map[string]*models.Purchase)}
}

func (s *purchaseStore) FindByID(ctx context.Context, id uint) (*models.Purchase, error) {
	for _, p := range s.rows {
		if p.ID == id {
			out := *p
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *purchaseStore) FindByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error) {
	if p, ok := s.rows[ref]; ok {
		out := *p
		return &out, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *purchaseStore) CreateIfNotExists(ctx context.Context, p *models.Purchase) (bool, *models.Purchase, error) {
	if existing, ok := s.rows[p.PaymentRef]; ok {
		out := *existing
		return false, &out, nil
	}
	stored := *p
	stored.ID = uint(len(s.rows) + 1)
	s.rows[stored.PaymentRef] = &stored
	out := stored
	return true, &out, nil
}

func (s *purchaseStore) UpdatePaymentStatus(ctx context.Context, id uint, status string, active bool) error {
	for _, p := range s.rows {
		if p.ID == id {
			p.PaymentStatus = status
			p.IsActive = active
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *purchaseStore) ClaimGrant(ctx context.Context, id uint, now time.Time) (bool, error) {
	for _, p := range s.rows {
		if p.ID == id && p.CreditsGrantedAt == nil && p.PaymentStatus == models.PaymentStatusCompleted {
			t := now
			p.CreditsGrantedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (s *purchaseStore) ActivePurchase(ctx context.Context, userID uint, now time.Time) (*models.Purchase, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *purchaseStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type noopGranter struct{}

func (noopGranter) Credit(ctx context.Context, userID uint, amount int64, reason string) (int64, error) {
	return amount, nil
}

func TestRefundDeactivatesOriginalPurchase(t *testing.T) {
	now := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)
	repo := newPurchaseStore()
	store := entitlement.NewStore(repo, noopGranter{})
	ctx := context.Background()

	checkout := stripeEvent(t, "checkout.session.completed", `{
		"id": "cs_test_123",
		"payment_intent": "pi_test_456",
		"amount_total": 500,
		"payment_status": "paid",
		"metadata": {"user_id": "7", "access_days": "30", "purchase_type": "time_pass"}
	}`)
	pe, err := NormalizeEvent(checkout, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := store.ApplyPaymentEvent(ctx, *pe, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsActive {
		t.Fatal("time pass should be active after checkout")
	}

	refund := stripeEvent(t, "charge.refunded", `{
		"id": "ch_test_1",
		"amount_refunded": 500,
		"payment_intent": {"id": "pi_test_456"},
		"metadata": {"user_id": "7"}
	}`)
	re, err := NormalizeEvent(refund, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err = store.ApplyPaymentEvent(ctx, *re, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The refund must land on the checkout's row, not open a second one.
	if len(repo.rows) != 1 {
		t.Fatalf("expected 1 purchase row, got %d", len(repo.rows))
	}
	if p.PaymentStatus != models.PaymentStatusRefunded || p.IsActive {
		t.Fatalf("refunded pass not deactivated: status=%s active=%v", p.PaymentStatus, p.IsActive)
	}
}

func TestNormalizeRefundPrefersPaymentIntentRef(t *testing.T) {
	ev := stripeEvent(t, "charge.refunded", `{
		"id": "ch_test_1",
		"amount_refunded": 999,
		"payment_intent": {"id": "pi_test_1"},
		"metadata": {"user_id": "42"}
	}`)

	got, err := NormalizeEvent(ev, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PaymentRef != "pi_test_1" {
		t.Fatalf("payment ref = %q, want pi_test_1", got.PaymentRef)
	}
	if got.Status != models.PaymentStatusRefunded {
		t.Fatalf("status = %q", got.Status)
	}
	if got.AmountUSD != 9.99 {
		t.Fatalf("amount = %v", got.AmountUSD)
	}
}

func TestNormalizeEventRejectsBadMetadata(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing user", `{"id": "cs_1", "payment_status": "paid", "metadata": {}}`},
		{"zero user", `{"id": "cs_2", "payment_status": "paid", "metadata": {"user_id": "0"}}`},
		{"bad credits", `{"id": "cs_3", "payment_status": "paid", "metadata": {"user_id": "1", "credits": "lots"}}`},
		{"bad access days", `{"id": "cs_4", "payment_status": "paid", "metadata": {"user_id": "1", "access_days": "-3"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := stripeEvent(t, "checkout.session.completed", tt.payload)
			if _, err := NormalizeEvent(ev, time.Now()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNormalizeEventUnhandledType(t *testing.T) {
	ev := stripeEvent(t, "invoice.finalized", `{}`)
	if _, err := NormalizeEvent(ev, time.Now()); !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
}
