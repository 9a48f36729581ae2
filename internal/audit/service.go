package audit

import (
	"context"
	"errors"
	"time"

	"casino_core/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMissingActor     = errors.New("actor id is required")
	ErrMissingPurgeNote = errors.New("purge note is required")
)

type AuditService interface {
	Record(ctx context.Context, adminID, actionType, description, targetType, targetID string, metadata map[string]interface{}) (*AdminActivity, error)
	RecordTx(ctx context.Context, tx *gorm.DB, adminID, actionType, description, targetType, targetID string, metadata map[string]interface{}) (*AdminActivity, error)
	ListActivities(ctx context.Context, targetType string, targetID string, limit int) ([]AdminActivity, error)
	Purge(ctx context.Context, adminID string, before time.Time, note string) (int64, error)
}

type Service struct {
	db   *gorm.DB
	repo AuditRepository
}

func NewService(db *gorm.DB, repo AuditRepository) *Service {
	return &Service{db: db, repo: repo}
}

// Record appends one activity entry outside of any caller transaction.
func (s *Service) Record(ctx context.Context, adminID, actionType, description, targetType, targetID string, metadata map[string]interface{}) (*AdminActivity, error) {
	return s.RecordTx(ctx, nil, adminID, actionType, description, targetType, targetID, metadata)
}

// RecordTx appends one activity entry inside the caller's transaction so the
// entry commits or rolls back together with the mutation it describes.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, adminID, actionType, description, targetType, targetID string, metadata map[string]interface{}) (*AdminActivity, error) {
	if adminID == "" {
		return nil, ErrMissingActor
	}

	activity := &AdminActivity{
		ActivityID:  uuid.New().String(),
		AdminID:     adminID,
		ActionType:  actionType,
		Description: description,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.Create(ctx, tx, activity); err != nil {
		return nil, err
	}

	logger.Info("admin activity recorded",
		zap.String("admin_id", adminID),
		zap.String("action_type", actionType),
		zap.String("target_type", targetType),
		zap.String("target_id", targetID))

	return activity, nil
}

func (s *Service) ListActivities(ctx context.Context, targetType string, targetID string, limit int) ([]AdminActivity, error) {
	return s.repo.List(ctx, targetType, targetID, limit)
}

// Purge deletes entries older than the cutoff. The purge itself is logged
// before any row is removed, in the same transaction as the delete.
func (s *Service) Purge(ctx context.Context, adminID string, before time.Time, note string) (int64, error) {
	if adminID == "" {
		return 0, ErrMissingActor
	}
	if note == "" {
		return 0, ErrMissingPurgeNote
	}

	count, err := s.repo.CountBefore(ctx, before)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, recErr := s.RecordTx(ctx, tx, adminID, ActionAuditPurge,
			note, TargetAuditLog, "retention",
			map[string]interface{}{
				"cutoff":        before,
				"matched_count": count,
			}); recErr != nil {
			return recErr
		}
		var delErr error
		deleted, delErr = s.repo.DeleteBefore(ctx, tx, before)
		return delErr
	})
	if err != nil {
		return 0, err
	}

	logger.Warn("audit retention purge executed",
		zap.String("admin_id", adminID),
		zap.Time("cutoff", before),
		zap.Int64("deleted", deleted))

	return deleted, nil
}
