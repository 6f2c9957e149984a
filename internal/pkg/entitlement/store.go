package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/resumelift/creditengine/app/models"
	"github.com/resumelift/creditengine/internal/pkg/ledger"
	"gorm.io/gorm"
)

// PaymentEvent is the provider-neutral shape delivered by the billing
// collaborator on payment confirmation. PaymentRef must be the provider's
// unique reference; duplicate deliveries are tolerated through it.
type PaymentEvent struct {
	PaymentRef      string
	UserID          uint
	PurchaseType    string
	Status          string
	AmountUSD       float64
	CreditsGranted  int64
	AccessExpiresAt *time.Time
	GrantsTier      string
}

// GrantOutcome reports whether a credit grant was applied or skipped as a
// duplicate. A duplicate is a success no-op, keeping webhook replays safe.
type GrantOutcome string

const (
	GrantApplied   GrantOutcome = "applied"
	GrantDuplicate GrantOutcome = "duplicate"
)

// CreditGranter is the slice of the ledger the store needs.
type CreditGranter interface {
	Credit(ctx context.Context, userID uint, amount int64, reason string) (int64, error)
}

// Store tracks purchase-based entitlements: one-off credit grants and
// time-boxed access windows, independent of subscription tier.
type Store struct {
	repo   Repository
	ledger CreditGranter
}

// NewStore creates an entitlement store from injected collaborators.
func NewStore(repo Repository, granter CreditGranter) *Store {
	return &Store{repo: repo, ledger: granter}
}

// NewStoreFromDB creates an entitlement store from a GORM DB handle.
func NewStoreFromDB(db *gorm.DB) *Store {
	return NewStore(NewRepository(db), ledger.NewFromDB(db))
}

// ActiveEntitlement returns the purchase currently granting the user access,
// or nil when none is open. With several candidates the one with the longest
// remaining access wins.
func (s *Store) ActiveEntitlement(ctx context.Context, userID uint, now time.Time) (*models.Purchase, error) {
	p, err := s.repo.ActivePurchase(ctx, userID, now)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active entitlement user=%d: %w", userID, err)
	}
	return p, nil
}

// ApplyPaymentEvent upserts the purchase row for a provider event and drives
// its payment status. Completed events trigger the credit grant; refunds and
// failures deactivate the purchase. The whole path is idempotent per
// PaymentRef, so a replayed webhook is harmless.
func (s *Store) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent, now time.Time) (*models.Purchase, error) {
	ref := strings.TrimSpace(ev.PaymentRef)
	if ref == "" || ev.UserID == 0 {
		return nil, errors.New("payment_ref and user_id are required")
	}

	purchase := &models.Purchase{
		UserID:          ev.UserID,
		PurchaseType:    ev.PurchaseType,
		AmountUSD:       ev.AmountUSD,
		CreditsGranted:  ev.CreditsGranted,
		AccessExpiresAt: ev.AccessExpiresAt,
		GrantsTier:      ev.GrantsTier,
		PaymentStatus:   models.PaymentStatusPending,
		PaymentRef:      ref,
	}
	created, stored, err := s.repo.CreateIfNotExists(ctx, purchase)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("[Entitlement] purchase recorded user=%d ref=%s type=%s", ev.UserID, ref, ev.PurchaseType)
	}

	switch ev.Status {
	case models.PaymentStatusCompleted:
		if err := s.repo.UpdatePaymentStatus(ctx, stored.ID, models.PaymentStatusCompleted, true); err != nil {
			return nil, err
		}
		if _, err := s.GrantCredits(ctx, stored.ID, now); err != nil {
			return nil, err
		}
	case models.PaymentStatusFailed:
		if err := s.repo.UpdatePaymentStatus(ctx, stored.ID, models.PaymentStatusFailed, false); err != nil {
			return nil, err
		}
	case models.PaymentStatusRefunded:
		if err := s.repo.UpdatePaymentStatus(ctx, stored.ID, models.PaymentStatusRefunded, false); err != nil {
			return nil, err
		}
	case models.PaymentStatusPending, "":
		// Provider will deliver a terminal status later.
	default:
		return nil, fmt.Errorf("unknown payment status %q for ref %s", ev.Status, ref)
	}

	return s.repo.FindByPaymentRef(ctx, ref)
}

// GrantCredits credits the purchase's credit amount exactly once. The atomic
// claim of credits_granted_at happens before the ledger credit, so a
// concurrent or replayed grant observes the claim and becomes a no-op.
func (s *Store) GrantCredits(ctx context.Context, purchaseID uint, now time.Time) (GrantOutcome, error) {
	p, err := s.repo.FindByID(ctx, purchaseID)
	if err != nil {
		return GrantDuplicate, err
	}

	claimed, err := s.repo.ClaimGrant(ctx, purchaseID, now)
	if err != nil {
		return GrantDuplicate, err
	}
	if !claimed {
		return GrantDuplicate, nil
	}

	if p.CreditsGranted > 0 {
		if _, err := s.ledger.Credit(ctx, p.UserID, p.CreditsGranted, "purchase:"+p.PaymentRef); err != nil {
			return GrantApplied, fmt.Errorf("grant credits purchase=%d: %w", purchaseID, err)
		}
	}
	return GrantApplied, nil
}

// ExpireStalePurchases deactivates purchases whose access window has closed
// and returns how many rows flipped. Naturally idempotent.
func (s *Store) ExpireStalePurchases(ctx context.Context, now time.Time) (int64, error) {
	count, err := s.repo.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale purchases: %w", err)
	}
	if count > 0 {
		log.Infof("[Entitlement] expired %d stale purchases", count)
	}
	return count, nil
}
