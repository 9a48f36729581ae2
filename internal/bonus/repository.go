package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrCampaignNotFound = errors.New("bonus campaign not found")
	ErrBonusNotFound    = errors.New("bonus not found")
	ErrEventNotFound    = errors.New("bonus event not found")
	ErrStaleBonusState  = errors.New("bonus state changed concurrently")
)

type BonusRepository interface {
	GetCampaign(ctx context.Context, campaignID string) (*BonusCampaign, error)
	CreateCampaign(ctx context.Context, campaign *BonusCampaign) error
	UpdateCampaignTx(ctx context.Context, tx *gorm.DB, campaignID string, updates map[string]interface{}) error

	CreateUserBonus(ctx context.Context, userBonus *UserBonus) error
	GetUserBonus(ctx context.Context, userBonusID string) (*UserBonus, error)
	GetUserBonusTx(ctx context.Context, tx *gorm.DB, userBonusID string) (*UserBonus, error)
	CountGrants(ctx context.Context, userID string, campaignID string) (int64, error)
	GetLastGrant(ctx context.Context, userID string, campaignID string) (*UserBonus, error)

	GetEventByRoundID(ctx context.Context, tx *gorm.DB, roundID string) (*BonusEvent, error)
	CreateEventTx(ctx context.Context, tx *gorm.DB, event *BonusEvent) error
	UpdateProgressTx(ctx context.Context, tx *gorm.DB, userBonusID string, version int, progress, remaining decimal.Decimal) error
	MarkCompletedTx(ctx context.Context, tx *gorm.DB, userBonusID string, completedAt time.Time) (bool, error)

	ListExpired(ctx context.Context, now time.Time) ([]UserBonus, error)
	MarkExpired(ctx context.Context, userBonusID string) (bool, error)
	UpdateStatusTx(ctx context.Context, tx *gorm.DB, userBonusID string, from []string, to string) (bool, error)
}

type BonusRepositoryImpl struct {
	db *gorm.DB
}

func NewBonusRepository(db *gorm.DB) *BonusRepositoryImpl {
	return &BonusRepositoryImpl{db: db}
}

func (r *BonusRepositoryImpl) GetCampaign(ctx context.Context, campaignID string) (*BonusCampaign, error) {
	var campaign BonusCampaign
	err := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &campaign, nil
}

func (r *BonusRepositoryImpl) CreateCampaign(ctx context.Context, campaign *BonusCampaign) error {
	if err := r.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) UpdateCampaignTx(ctx context.Context, tx *gorm.DB, campaignID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := tx.WithContext(ctx).Model(&BonusCampaign{}).
		Where("campaign_id = ?", campaignID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update campaign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (r *BonusRepositoryImpl) CreateUserBonus(ctx context.Context, userBonus *UserBonus) error {
	if err := r.db.WithContext(ctx).Create(userBonus).Error; err != nil {
		return fmt.Errorf("failed to create user bonus: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) GetUserBonus(ctx context.Context, userBonusID string) (*UserBonus, error) {
	return r.GetUserBonusTx(ctx, r.db, userBonusID)
}

func (r *BonusRepositoryImpl) GetUserBonusTx(ctx context.Context, tx *gorm.DB, userBonusID string) (*UserBonus, error) {
	var userBonus UserBonus
	err := tx.WithContext(ctx).Where("user_bonus_id = ?", userBonusID).First(&userBonus).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBonusNotFound
		}
		return nil, fmt.Errorf("failed to get user bonus: %w", err)
	}
	return &userBonus, nil
}

func (r *BonusRepositoryImpl) CountGrants(ctx context.Context, userID string, campaignID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&UserBonus{}).
		Where("user_id = ? AND campaign_id = ? AND status <> ?", userID, campaignID, BonusStatusCancelled).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count grants: %w", err)
	}
	return count, nil
}

func (r *BonusRepositoryImpl) GetLastGrant(ctx context.Context, userID string, campaignID string) (*UserBonus, error) {
	var userBonus UserBonus
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND campaign_id = ?", userID, campaignID).
		Order("awarded_at DESC").
		First(&userBonus).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBonusNotFound
		}
		return nil, fmt.Errorf("failed to get last grant: %w", err)
	}
	return &userBonus, nil
}

func (r *BonusRepositoryImpl) GetEventByRoundID(ctx context.Context, tx *gorm.DB, roundID string) (*BonusEvent, error) {
	db := tx
	if db == nil {
		db = r.db
	}
	var event BonusEvent
	err := db.WithContext(ctx).Where("round_id = ?", roundID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get bonus event: %w", err)
	}
	return &event, nil
}

func (r *BonusRepositoryImpl) CreateEventTx(ctx context.Context, tx *gorm.DB, event *BonusEvent) error {
	// Unique round_id makes the insert the deduplication point; the caller
	// maps gorm.ErrDuplicatedKey to a no-op.
	return tx.WithContext(ctx).Create(event).Error
}

func (r *BonusRepositoryImpl) UpdateProgressTx(ctx context.Context, tx *gorm.DB, userBonusID string, version int, progress, remaining decimal.Decimal) error {
	result := tx.WithContext(ctx).Model(&UserBonus{}).
		Where("user_bonus_id = ? AND version = ?", userBonusID, version).
		Updates(map[string]interface{}{
			"progress":           progress,
			"remaining_rollover": remaining,
			"version":            gorm.Expr("version + 1"),
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update wagering progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleBonusState
	}
	return nil
}

func (r *BonusRepositoryImpl) MarkCompletedTx(ctx context.Context, tx *gorm.DB, userBonusID string, completedAt time.Time) (bool, error) {
	result := tx.WithContext(ctx).Model(&UserBonus{}).
		Where("user_bonus_id = ? AND status = ?", userBonusID, BonusStatusActive).
		Updates(map[string]interface{}{
			"status":       BonusStatusCompleted,
			"completed_at": completedAt,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark bonus completed: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *BonusRepositoryImpl) ListExpired(ctx context.Context, now time.Time) ([]UserBonus, error) {
	var bonuses []UserBonus
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", BonusStatusActive, now).
		Find(&bonuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bonuses: %w", err)
	}
	return bonuses, nil
}

func (r *BonusRepositoryImpl) MarkExpired(ctx context.Context, userBonusID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&UserBonus{}).
		Where("user_bonus_id = ? AND status = ?", userBonusID, BonusStatusActive).
		Updates(map[string]interface{}{
			"status":     BonusStatusExpired,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark bonus expired: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *BonusRepositoryImpl) UpdateStatusTx(ctx context.Context, tx *gorm.DB, userBonusID string, from []string, to string) (bool, error) {
	result := tx.WithContext(ctx).Model(&UserBonus{}).
		Where("user_bonus_id = ? AND status IN ?", userBonusID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update bonus status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
