package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrWithdrawalNotFound   = errors.New("withdrawal not found")
	ErrStaleWithdrawalState = errors.New("withdrawal is no longer pending")
)

// usageStatuses are the statuses that consume limit capacity: everything a
// user has in flight or already paid out. Rejected, failed, and cancelled
// rows release their capacity.
var usageStatuses = []string{StatusPending, StatusApproved, StatusProcessing, StatusCompleted}

type WithdrawalRepository interface {
	Create(ctx context.Context, withdrawal *Withdrawal) error
	CreateTx(ctx context.Context, tx *gorm.DB, withdrawal *Withdrawal) error
	Get(ctx context.Context, withdrawalID string) (*Withdrawal, error)
	GetTx(ctx context.Context, tx *gorm.DB, withdrawalID string) (*Withdrawal, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]Withdrawal, error)
	SumInWindow(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int64, error)
	AvgAmountSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, withdrawalID string, from []string, updates map[string]interface{}) (bool, error)
	FlagPending(ctx context.Context, withdrawalID string, flag string) error
}

type WithdrawalRepositoryImpl struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) *WithdrawalRepositoryImpl {
	return &WithdrawalRepositoryImpl{db: db}
}

func (r *WithdrawalRepositoryImpl) Create(ctx context.Context, withdrawal *Withdrawal) error {
	return r.CreateTx(ctx, r.db, withdrawal)
}

func (r *WithdrawalRepositoryImpl) CreateTx(ctx context.Context, tx *gorm.DB, withdrawal *Withdrawal) error {
	if err := tx.WithContext(ctx).Create(withdrawal).Error; err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (r *WithdrawalRepositoryImpl) Get(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	return r.GetTx(ctx, r.db, withdrawalID)
}

func (r *WithdrawalRepositoryImpl) GetTx(ctx context.Context, tx *gorm.DB, withdrawalID string) (*Withdrawal, error) {
	var withdrawal Withdrawal
	err := tx.WithContext(ctx).Where("withdrawal_id = ?", withdrawalID).First(&withdrawal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return &withdrawal, nil
}

func (r *WithdrawalRepositoryImpl) ListByStatus(ctx context.Context, status string, limit int) ([]Withdrawal, error) {
	var withdrawals []Withdrawal
	query := r.db.WithContext(ctx).Where("status = ?", status).Order("requested_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&withdrawals).Error; err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return withdrawals, nil
}

func (r *WithdrawalRepositoryImpl) SumInWindow(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error) {
	db := tx
	if db == nil {
		db = r.db
	}
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&Withdrawal{}).
		Select("SUM(amount)").
		Where("user_id = ? AND status IN ? AND requested_at >= ? AND requested_at < ?",
			userID, usageStatuses, from, to).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (r *WithdrawalRepositoryImpl) CountSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Withdrawal{}).
		Where("user_id = ? AND status <> ? AND requested_at >= ?", userID, StatusCancelled, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count withdrawals: %w", err)
	}
	return count, nil
}

func (r *WithdrawalRepositoryImpl) AvgAmountSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var avg decimal.NullDecimal
	err := r.db.WithContext(ctx).Model(&Withdrawal{}).
		Select("AVG(amount)").
		Where("user_id = ? AND status IN ? AND requested_at >= ?",
			userID, []string{StatusApproved, StatusProcessing, StatusCompleted}, since).
		Scan(&avg).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to average withdrawals: %w", err)
	}
	if !avg.Valid {
		return decimal.Zero, nil
	}
	return avg.Decimal, nil
}

// TransitionTx performs the guarded state transition. The current-status
// predicate in the WHERE clause is what makes two racing reviewers safe:
// exactly one update matches, the other sees zero rows.
func (r *WithdrawalRepositoryImpl) TransitionTx(ctx context.Context, tx *gorm.DB, withdrawalID string, from []string, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	updates["version"] = gorm.Expr("version + 1")
	result := tx.WithContext(ctx).Model(&Withdrawal{}).
		Where("withdrawal_id = ? AND status IN ?", withdrawalID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition withdrawal: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// FlagPending appends a risk flag to a still-pending row and forces manual
// review, used when an approval aborted at commit time. The version guard
// makes the append a compare-and-swap: a concurrent writer bumps the version,
// this call re-reads and merges instead of overwriting the flag list.
func (r *WithdrawalRepositoryImpl) FlagPending(ctx context.Context, withdrawalID string, flag string) error {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		withdrawal, err := r.Get(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if withdrawal.Status != StatusPending {
			return nil
		}
		for _, existing := range withdrawal.RiskFlags {
			if existing == flag {
				return nil
			}
		}
		flags := append(withdrawal.RiskFlags, flag)

		result := r.db.WithContext(ctx).Model(&Withdrawal{}).
			Where("withdrawal_id = ? AND status = ? AND version = ?", withdrawalID, StatusPending, withdrawal.Version).
			Select("risk_flags", "requires_manual_review", "version", "updated_at").
			Updates(&Withdrawal{
				RiskFlags:            flags,
				RequiresManualReview: true,
				Version:              withdrawal.Version + 1,
				UpdatedAt:            time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to flag withdrawal: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to flag withdrawal %s: %w", withdrawalID, ErrStaleWithdrawalState)
}
