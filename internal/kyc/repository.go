package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrLimitNotConfigured     = errors.New("kyc limit tier not configured")
	ErrProfileNotFound        = errors.New("kyc profile not found")
	ErrVerificationNotFound   = errors.New("kyc verification not found")
	ErrStaleVerificationState = errors.New("kyc verification already decided")
)

type KYCRepository interface {
	GetLimit(ctx context.Context, level int) (*KYCLimit, error)
	SaveLimit(ctx context.Context, limit *KYCLimit) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	SetProfileLevelTx(ctx context.Context, tx *gorm.DB, userID string, level int) error
	CreateVerification(ctx context.Context, verification *KYCVerification) error
	GetVerification(ctx context.Context, verificationID string) (*KYCVerification, error)
	HasOpenVerification(ctx context.Context, userID string) (bool, error)
	DecideVerificationTx(ctx context.Context, tx *gorm.DB, verificationID string, updates map[string]interface{}) (bool, error)
	ListApprovedDocuments(ctx context.Context, userID string) ([]string, error)
}

type KYCRepositoryImpl struct {
	db *gorm.DB
}

func NewKYCRepository(db *gorm.DB) *KYCRepositoryImpl {
	return &KYCRepositoryImpl{db: db}
}

func (r *KYCRepositoryImpl) GetLimit(ctx context.Context, level int) (*KYCLimit, error) {
	var limit KYCLimit
	err := r.db.WithContext(ctx).Where("level = ?", level).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLimitNotConfigured
		}
		return nil, fmt.Errorf("failed to get kyc limit: %w", err)
	}
	return &limit, nil
}

func (r *KYCRepositoryImpl) SaveLimit(ctx context.Context, limit *KYCLimit) error {
	limit.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(limit).Error; err != nil {
		return fmt.Errorf("failed to save kyc limit: %w", err)
	}
	return nil
}

func (r *KYCRepositoryImpl) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get kyc profile: %w", err)
	}
	return &profile, nil
}

func (r *KYCRepositoryImpl) SetProfileLevelTx(ctx context.Context, tx *gorm.DB, userID string, level int) error {
	var profile Profile
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{UserID: userID, Level: level, UpdatedAt: time.Now()}
		if createErr := tx.WithContext(ctx).Create(&profile).Error; createErr != nil {
			return fmt.Errorf("failed to create kyc profile: %w", createErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get kyc profile: %w", err)
	}

	result := tx.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"level":      level,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update kyc profile level: %w", result.Error)
	}
	return nil
}

func (r *KYCRepositoryImpl) CreateVerification(ctx context.Context, verification *KYCVerification) error {
	if err := r.db.WithContext(ctx).Create(verification).Error; err != nil {
		return fmt.Errorf("failed to create kyc verification: %w", err)
	}
	return nil
}

func (r *KYCRepositoryImpl) GetVerification(ctx context.Context, verificationID string) (*KYCVerification, error) {
	var verification KYCVerification
	err := r.db.WithContext(ctx).Where("verification_id = ?", verificationID).First(&verification).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVerificationNotFound
		}
		return nil, fmt.Errorf("failed to get kyc verification: %w", err)
	}
	return &verification, nil
}

func (r *KYCRepositoryImpl) HasOpenVerification(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&KYCVerification{}).
		Where("user_id = ? AND status IN ?", userID,
			[]string{VerificationStatusPending, VerificationStatusUnderReview}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count open verifications: %w", err)
	}
	return count > 0, nil
}

// DecideVerificationTx flips a still-open verification to its terminal
// status. RowsAffected tells the caller whether it won the race.
func (r *KYCRepositoryImpl) DecideVerificationTx(ctx context.Context, tx *gorm.DB, verificationID string, updates map[string]interface{}) (bool, error) {
	result := tx.WithContext(ctx).Model(&KYCVerification{}).
		Where("verification_id = ? AND status IN ?", verificationID,
			[]string{VerificationStatusPending, VerificationStatusUnderReview}).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to decide kyc verification: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *KYCRepositoryImpl) ListApprovedDocuments(ctx context.Context, userID string) ([]string, error) {
	var verifications []KYCVerification
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, VerificationStatusApproved).
		Find(&verifications).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list approved documents: %w", err)
	}

	seen := make(map[string]bool)
	var documents []string
	for _, verification := range verifications {
		for _, document := range verification.Documents {
			if !seen[document] {
				seen[document] = true
				documents = append(documents, document)
			}
		}
	}
	return documents, nil
}
