package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/entitlement"
	"github.com/resumelift/creditengine/internal/pkg/plans"
)

// ErrUnhandledEvent marks Stripe event types this adapter does not consume.
var ErrUnhandledEvent = errors.New("unhandled stripe event type")

// Metadata keys our checkout sessions carry. Set when the payment intent is
// created (outside this core).
const (
	metaUserID       = "user_id"
	metaCredits      = "credits"
	metaAccessDays   = "access_days"
	metaGrantsTier   = "grants_tier"
	metaPurchaseType = "purchase_type"
)

// NormalizeEvent converts a Stripe webhook event into the provider-neutral
// PaymentEvent consumed by the entitlement store. Signature verification
// happens upstream; this only maps payloads. now anchors the access window
// of time passes.
func NormalizeEvent(ev stripe.Event, now time.Time) (*entitlement.PaymentEvent, error) {
	switch ev.Type {
	case "checkout.session.completed":
		return normalizeCheckoutSession(ev, now)
	case "charge.refunded":
		return normalizeRefund(ev)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}
}

func normalizeCheckoutSession(ev stripe.Event, now time.Time) (*entitlement.PaymentEvent, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("parse checkout.session.completed: %w", err)
	}

	userID, err := metaUint(session.Metadata, metaUserID)
	if err != nil {
		return nil, err
	}

	// Refunds arrive keyed by payment intent, so the same reference must be
	// stored here or a later charge.refunded can never find the purchase.
	// The session ID is the fallback for sessions without an intent.
	ref := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		ref = session.PaymentIntent.ID
	}

	out := &entitlement.PaymentEvent{
		PaymentRef:   ref,
		UserID:       userID,
		PurchaseType: purchaseType(session.Metadata),
		Status:       sessionPaymentStatus(session.PaymentStatus),
		AmountUSD:    float64(session.AmountTotal) / 100,
		GrantsTier:   session.Metadata[metaGrantsTier],
	}

	if credits, ok := session.Metadata[metaCredits]; ok {
		n, err := strconv.ParseInt(credits, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid credits metadata %q", credits)
		}
		out.CreditsGranted = n
	}

	if days, ok := session.Metadata[metaAccessDays]; ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid access_days metadata %q", days)
		}
		expires := now.Add(time.Duration(n) * 24 * time.Hour)
		out.AccessExpiresAt = &expires
		if out.GrantsTier == "" {
			out.GrantsTier = plans.DefaultTimePassTier
		}
	}

	return out, nil
}

func normalizeRefund(ev stripe.Event) (*entitlement.PaymentEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(ev.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("parse charge.refunded: %w", err)
	}

	userID, err := metaUint(charge.Metadata, metaUserID)
	if err != nil {
		return nil, err
	}

	ref := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		ref = charge.PaymentIntent.ID
	}

	return &entitlement.PaymentEvent{
		PaymentRef:   ref,
		UserID:       userID,
		PurchaseType: purchaseType(charge.Metadata),
		Status:       models.PaymentStatusRefunded,
		AmountUSD:    float64(charge.AmountRefunded) / 100,
	}, nil
}

func sessionPaymentStatus(s stripe.CheckoutSessionPaymentStatus) string {
	switch s {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return models.PaymentStatusCompleted
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusPending
	}
}

func purchaseType(meta map[string]string) string {
	switch meta[metaPurchaseType] {
	case models.PurchaseTypeTimePass:
		return models.PurchaseTypeTimePass
	default:
		return models.PurchaseTypeCreditPack
	}
}

func metaUint(meta map[string]string, key string) (uint, error) {
	raw, ok := meta[key]
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing %s metadata", key)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s metadata %q", key, raw)
	}
	return uint(n), nil
}
