package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// ErrTransientStorage wraps storage failures that persisted through the
// internal retry. Callers may retry the whole operation.
var ErrTransientStorage = errors.New("transient storage error")

const retryBackoff = 100 * time.Millisecond

// DebitResult is the outcome of a debit attempt. An unaffordable debit is a
// normal business outcome, not an error: Admitted is false and Shortfall
// says how many credits were missing.
type DebitResult struct {
	Admitted   bool
	NewBalance int64
	Shortfall  int64
}

// ResetOutcome reports whether a monthly reset was applied or skipped as an
// in-period replay.
type ResetOutcome string

const (
	ResetApplied ResetOutcome = "applied"
	ResetSkipped ResetOutcome = "skipped"
)

// Ledger is the sole mutator of user credit balances.
type Ledger struct {
	repo Repository
}

// New creates a ledger from an injected repository.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// NewFromDB creates a ledger from a GORM DB handle.
func NewFromDB(db *gorm.DB) *Ledger {
	return New(NewRepository(db))
}

// Debit atomically takes amount from the user's balance. Two simultaneous
// debits never both succeed when only one is affordable.
func (l *Ledger) Debit(ctx context.Context, userID uint, amount int64) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	var balance int64
	var applied bool
	err := l.withRetry(ctx, func() error {
		var err error
		balance, applied, err = l.repo.DebitIfAffordable(ctx, userID, amount)
		return err
	})
	if err != nil {
		return DebitResult{}, err
	}

	if !applied {
		return DebitResult{
			Admitted:   false,
			NewBalance: balance,
			Shortfall:  amount - balance,
		}, nil
	}
	return DebitResult{Admitted: true, NewBalance: balance}, nil
}

// Credit adds amount to the user's balance. No upper bound is enforced;
// callers guard against runaway grants.
func (l *Ledger) Credit(ctx context.Context, userID uint, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var balance int64
	err := l.withRetry(ctx, func() error {
		var err error
		balance, err = l.repo.AddCredits(ctx, userID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Infof("[Ledger] credited user=%d amount=%d reason=%s balance=%d", userID, amount, reason, balance)
	return balance, nil
}

// ResetMonthly replaces the balance with the tier allotment once per billing
// period. periodStart is the current period's anchor; a reset already
// stamped at or after it makes the call a no-op, so replays within the same
// period are safe.
func (l *Ledger) ResetMonthly(ctx context.Context, userID uint, allotment int64, periodStart, now time.Time) (ResetOutcome, error) {
	if allotment < 0 {
		return ResetSkipped, fmt.Errorf("allotment must not be negative, got %d", allotment)
	}

	var applied bool
	err := l.withRetry(ctx, func() error {
		var err error
		applied, err = l.repo.ApplyMonthlyReset(ctx, userID, allotment, periodStart, now)
		return err
	})
	if err != nil {
		return ResetSkipped, err
	}
	if !applied {
		return ResetSkipped, nil
	}
	return ResetApplied, nil
}

// Balance reads the current balance.
func (l *Ledger) Balance(ctx context.Context, userID uint) (int64, error) {
	var balance int64
	err := l.withRetry(ctx, func() error {
		var err error
		balance, err = l.repo.Balance(ctx, userID)
		return err
	})
	return balance, err
}

// withRetry runs fn and retries it once after a short backoff when it fails
// with something other than a business error. A second failure surfaces as
// ErrTransientStorage.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err = fn(); err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientStorage, err)
}
