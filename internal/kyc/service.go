package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casino_core/internal/audit"
	"casino_core/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidLevelRequest  = errors.New("requested level must exceed current level")
	ErrVerificationOpen     = errors.New("an open verification already exists")
	ErrMissingReviewNote    = errors.New("review note is required")
	ErrInvalidReviewOutcome = errors.New("decision must be approve or reject")
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// UsageSource supplies the already-consumed volume the limit windows are
// measured against. Reads go to the live ledger, never a cached snapshot, and
// run inside the caller's transaction when one is given (nil tx falls back to
// the source's own connection).
type UsageSource interface {
	SumWithdrawals(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error)
	SumDeposits(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error)
	CurrentBalance(ctx context.Context, tx *gorm.DB, userID string) (decimal.Decimal, error)
}

type LimitGateService interface {
	CheckLimit(ctx context.Context, userID string, amount decimal.Decimal, kind string) (*LimitCheckResult, error)
	CheckLimitTx(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal, kind string) (*LimitCheckResult, error)
	CurrentLevel(ctx context.Context, userID string) (int, error)
	MissingDocuments(ctx context.Context, userID string) ([]string, error)
	AccountRiskFlags(ctx context.Context, userID string) ([]string, error)
	RequestVerification(ctx context.Context, userID string, requestedLevel int, documents []string) (*KYCVerification, error)
	ReviewVerification(ctx context.Context, verificationID, adminID, decision, note string) (*KYCVerification, error)
}

type Service struct {
	db       *gorm.DB
	repo     KYCRepository
	usage    UsageSource
	auditSvc audit.AuditService
	location *time.Location
}

func NewService(db *gorm.DB, repo KYCRepository, usage UsageSource, auditSvc audit.AuditService, timezone string) (*Service, error) {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid limits timezone %q: %w", timezone, err)
	}
	return &Service{
		db:       db,
		repo:     repo,
		usage:    usage,
		auditSvc: auditSvc,
		location: location,
	}, nil
}

func (s *Service) CurrentLevel(ctx context.Context, userID string) (int, error) {
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return profile.Level, nil
}

func (s *Service) AccountRiskFlags(ctx context.Context, userID string) ([]string, error) {
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return profile.RiskFlags, nil
}

// CheckLimit validates an amount against every window of the user's tier.
// Windows are checked in fixed precedence (daily, monthly, yearly, total
// balance) so the reported denial reason is deterministic.
func (s *Service) CheckLimit(ctx context.Context, userID string, amount decimal.Decimal, kind string) (*LimitCheckResult, error) {
	return s.CheckLimitTx(ctx, nil, userID, amount, kind)
}

// CheckLimitTx runs the same check with the usage reads inside the caller's
// transaction, so the verdict and the mutation it gates commit on one view of
// the ledger instead of a result cached from an earlier read.
func (s *Service) CheckLimitTx(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal, kind string) (*LimitCheckResult, error) {
	level, err := s.CurrentLevel(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit, err := s.repo.GetLimit(ctx, level)
	if err != nil {
		if errors.Is(err, ErrLimitNotConfigured) {
			// No tier row means no caps at all for this level.
			logger.Warn("no kyc limit configured for level, allowing",
				zap.String("user_id", userID), zap.Int("level", level))
			return &LimitCheckResult{Allowed: true}, nil
		}
		return nil, err
	}

	now := time.Now().In(s.location)
	result := &LimitCheckResult{Allowed: true}

	windows, err := s.windowsFor(ctx, tx, userID, kind, limit, now)
	if err != nil {
		return nil, err
	}

	for _, window := range windows {
		result.Windows = append(result.Windows, window)
		if !window.Cap.Valid {
			continue // unlimited for this window only
		}
		if result.Reason != "" {
			continue // first breached window already decided the outcome
		}
		if amount.GreaterThan(window.Remaining.Decimal) {
			result.Allowed = false
			result.Reason = reasonFor(window.Window)
		}
	}

	if !result.Allowed {
		logger.Info("limit check denied",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.String("amount", amount.String()),
			zap.String("reason", result.Reason))
	}
	return result, nil
}

func (s *Service) windowsFor(ctx context.Context, tx *gorm.DB, userID, kind string, limit *KYCLimit, now time.Time) ([]WindowUsage, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.location)
	yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, s.location)

	var windows []WindowUsage
	switch kind {
	case KindWithdrawal:
		dailyUsed, err := s.usage.SumWithdrawals(ctx, tx, userID, dayStart, now)
		if err != nil {
			return nil, err
		}
		monthlyUsed, err := s.usage.SumWithdrawals(ctx, tx, userID, monthStart, now)
		if err != nil {
			return nil, err
		}
		yearlyUsed, err := s.usage.SumWithdrawals(ctx, tx, userID, yearStart, now)
		if err != nil {
			return nil, err
		}
		windows = append(windows,
			usageWindow(WindowDaily, limit.DailyWithdrawalCap, dailyUsed),
			usageWindow(WindowMonthly, limit.MonthlyWithdrawalCap, monthlyUsed),
			usageWindow(WindowYearly, limit.YearlyWithdrawalCap, yearlyUsed),
		)
	case KindDeposit:
		dailyUsed, err := s.usage.SumDeposits(ctx, tx, userID, dayStart, now)
		if err != nil {
			return nil, err
		}
		balance, err := s.usage.CurrentBalance(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		windows = append(windows,
			usageWindow(WindowDaily, limit.DailyDepositCap, dailyUsed),
			usageWindow(WindowTotalBalance, limit.TotalBalanceCap, balance),
		)
	default:
		return nil, fmt.Errorf("unknown limit kind: %s", kind)
	}
	return windows, nil
}

func usageWindow(window string, cap decimal.NullDecimal, used decimal.Decimal) WindowUsage {
	usage := WindowUsage{Window: window, Cap: cap, Used: used}
	if cap.Valid {
		remaining := cap.Decimal.Sub(used)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		usage.Remaining = decimal.NullDecimal{Decimal: remaining, Valid: true}
	}
	return usage
}

func reasonFor(window string) string {
	switch window {
	case WindowDaily:
		return ReasonDailyLimitExceeded
	case WindowMonthly:
		return ReasonMonthlyLimitExceeded
	case WindowYearly:
		return ReasonYearlyLimitExceeded
	case WindowTotalBalance:
		return ReasonBalanceCapExceeded
	}
	return ""
}

// MissingDocuments reports which of the current tier's required document
// types the user has not had approved yet. Document requirements are keyed to
// the tier, not to an individual amount: the tier's caps already bound what a
// single request can move, so there is no per-amount document rule to consult.
func (s *Service) MissingDocuments(ctx context.Context, userID string) ([]string, error) {
	level, err := s.CurrentLevel(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit, err := s.repo.GetLimit(ctx, level)
	if err != nil {
		if errors.Is(err, ErrLimitNotConfigured) {
			return nil, nil
		}
		return nil, err
	}

	approved, err := s.repo.ListApprovedDocuments(ctx, userID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(approved))
	for _, document := range approved {
		have[document] = true
	}

	var missing []string
	for _, required := range limit.RequiredDocuments {
		if !have[required] {
			missing = append(missing, required)
		}
	}
	return missing, nil
}

func (s *Service) RequestVerification(ctx context.Context, userID string, requestedLevel int, documents []string) (*KYCVerification, error) {
	current, err := s.CurrentLevel(ctx, userID)
	if err != nil {
		return nil, err
	}
	if requestedLevel <= current {
		return nil, ErrInvalidLevelRequest
	}

	open, err := s.repo.HasOpenVerification(ctx, userID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrVerificationOpen
	}

	verification := &KYCVerification{
		VerificationID: uuid.New().String(),
		UserID:         userID,
		RequestedLevel: requestedLevel,
		Status:         VerificationStatusPending,
		Documents:      documents,
		SubmittedAt:    time.Now(),
	}
	if err := s.repo.CreateVerification(ctx, verification); err != nil {
		return nil, err
	}

	logger.Info("kyc verification requested",
		zap.String("verification_id", verification.VerificationID),
		zap.String("user_id", userID),
		zap.Int("requested_level", requestedLevel))
	return verification, nil
}

// ReviewVerification decides an upgrade request. Approval raises the profile
// level, and the decision, level change, and audit entry commit together.
func (s *Service) ReviewVerification(ctx context.Context, verificationID, adminID, decision, note string) (*KYCVerification, error) {
	if note == "" {
		return nil, ErrMissingReviewNote
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, ErrInvalidReviewOutcome
	}

	verification, err := s.repo.GetVerification(ctx, verificationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"reviewer_id": adminID,
		"admin_notes": note,
		"decided_at":  now,
	}
	actionType := audit.ActionKYCApproved
	if decision == DecisionApprove {
		updates["status"] = VerificationStatusApproved
	} else {
		updates["status"] = VerificationStatusRejected
		updates["rejection_reason"] = note
		actionType = audit.ActionKYCRejected
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, decideErr := s.repo.DecideVerificationTx(ctx, tx, verificationID, updates)
		if decideErr != nil {
			return decideErr
		}
		if !ok {
			return ErrStaleVerificationState
		}
		if decision == DecisionApprove {
			if levelErr := s.repo.SetProfileLevelTx(ctx, tx, verification.UserID, verification.RequestedLevel); levelErr != nil {
				return levelErr
			}
		}
		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, actionType,
			note, audit.TargetVerification, verificationID,
			map[string]interface{}{
				"user_id":         verification.UserID,
				"requested_level": verification.RequestedLevel,
				"decision":        decision,
			})
		return auditErr
	})
	if err != nil {
		return nil, err
	}

	verification.Status = updates["status"].(string)
	verification.ReviewerID = &adminID
	verification.AdminNotes = note
	verification.DecidedAt = &now
	if decision == DecisionReject {
		verification.RejectionReason = note
	}
	return verification, nil
}
