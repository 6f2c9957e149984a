package ledger

import (
	"context"
	"time"

	"github.com/resumelift/creditengine/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the conditional balance updates the ledger relies on.
// Correctness under concurrent callers derives entirely from the storage
// layer's atomic conditional updates, never from in-process locking: the
// serving tier may be multi-process.
type Repository interface {
	// DebitIfAffordable decrements credits by amount only when the balance
	// covers it, reporting whether the row was updated and the balance after
	// the attempt.
	DebitIfAffordable(ctx context.Context, userID uint, amount int64) (int64, bool, error)
	// AddCredits unconditionally increments the balance.
	AddCredits(ctx context.Context, userID uint, amount int64) (int64, error)
	// ApplyMonthlyReset replaces the balance with allotment and stamps
	// last_credit_reset, but only when the previous reset predates
	// periodStart (or never happened). Reports whether the row was updated.
	ApplyMonthlyReset(ctx context.Context, userID uint, allotment int64, periodStart, now time.Time) (bool, error)
	// Balance reads the current balance.
	Balance(ctx context.Context, userID uint) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) DebitIfAffordable(ctx context.Context, userID uint, amount int64) (int64, bool, error) {
	// Single conditional UPDATE, not a read-then-write pair: two concurrent
	// debits for the same user are linearized by the row lock, and the
	// `credits >= ?` guard keeps the balance from going negative. The
	// follow-up balance read runs in the same transaction under a row lock,
	// so the reported balance and shortfall are exact, not a later snapshot.
	var balance int64
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND credits >= ?", userID, amount).
			Update("credits", gorm.Expr("credits - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0

		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("credits").First(&user, userID).Error; err != nil {
			return err
		}
		balance = user.Credits
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return balance, applied, nil
}

func (r *gormRepository) AddCredits(ctx context.Context, userID uint, amount int64) (int64, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return r.Balance(ctx, userID)
}

func (r *gormRepository) ApplyMonthlyReset(ctx context.Context, userID uint, allotment int64, periodStart, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND (last_credit_reset IS NULL OR last_credit_reset < ?)", userID, periodStart).
		Updates(map[string]interface{}{
			"credits":           allotment,
			"last_credit_reset": now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) Balance(ctx context.Context, userID uint) (int64, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Select("credits").First(&user, userID).Error; err != nil {
		return 0, err
	}
	return user.Credits, nil
}
