package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrActivityNotFound = errors.New("admin activity not found")
)

type AuditRepository interface {
	Create(ctx context.Context, tx *gorm.DB, activity *AdminActivity) error
	List(ctx context.Context, targetType string, targetID string, limit int) ([]AdminActivity, error)
	CountBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteBefore(ctx context.Context, tx *gorm.DB, before time.Time) (int64, error)
}

type AuditRepositoryImpl struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{db: db}
}

func (r *AuditRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, activity *AdminActivity) error {
	db := tx
	if db == nil {
		db = r.db
	}
	if err := db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("failed to create admin activity: %w", err)
	}
	return nil
}

func (r *AuditRepositoryImpl) List(ctx context.Context, targetType string, targetID string, limit int) ([]AdminActivity, error) {
	var activities []AdminActivity
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if targetType != "" {
		query = query.Where("target_type = ?", targetType)
	}
	if targetID != "" {
		query = query.Where("target_id = ?", targetID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&activities).Error; err != nil {
		return nil, fmt.Errorf("failed to list admin activities: %w", err)
	}
	return activities, nil
}

func (r *AuditRepositoryImpl) CountBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&AdminActivity{}).
		Where("created_at < ?", before).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count admin activities: %w", err)
	}
	return count, nil
}

func (r *AuditRepositoryImpl) DeleteBefore(ctx context.Context, tx *gorm.DB, before time.Time) (int64, error) {
	db := tx
	if db == nil {
		db = r.db
	}
	result := db.WithContext(ctx).
		Where("created_at < ? AND action_type <> ?", before, ActionAuditPurge).
		Delete(&AdminActivity{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge admin activities: %w", result.Error)
	}
	return result.RowsAffected, nil
}
