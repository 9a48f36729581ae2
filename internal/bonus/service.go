package bonus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"casino_core/internal/audit"
	"casino_core/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

var (
	ErrIneligibleGrant     = errors.New("ineligible grant")
	ErrInvalidContribution = errors.New("invalid contribution amount")
	ErrBonusNotActive      = errors.New("bonus is not active")
	ErrBonusExpired        = errors.New("bonus has expired")
	ErrMissingCancelNote   = errors.New("cancel note is required")
)

type BonusWageringService interface {
	GrantBonus(ctx context.Context, userID, campaignID string, contextAmount decimal.Decimal) (*UserBonus, error)
	RecordWager(ctx context.Context, userBonusID, roundID, category string, wagerAmount decimal.Decimal) (*UserBonus, error)
	SweepExpired(ctx context.Context, now time.Time) ([]UserBonus, error)
	GetProgress(ctx context.Context, userBonusID string) (*WageringProgress, error)
	CancelBonus(ctx context.Context, userBonusID, adminID, note string) (*UserBonus, error)
	UpdateCampaign(ctx context.Context, campaignID, adminID, note string, updates map[string]interface{}) error
	SubscribeToUpdates(userID string) <-chan BonusUpdate
}

// NotificationHub fans wagering updates out to per-user subscribers.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan BonusUpdate
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string][]chan BonusUpdate),
	}
}

func (h *NotificationHub) Subscribe(userID string) <-chan BonusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan BonusUpdate, 10)
	h.subscribers[userID] = append(h.subscribers[userID], ch)
	return ch
}

func (h *NotificationHub) Notify(userID string, update BonusUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[userID] {
		select {
		case ch <- update:
		default:
			// Channel full, skip (don't block)
		}
	}
}

type BonusService struct {
	db          *gorm.DB
	repo        BonusRepository
	auditSvc    audit.AuditService
	notifyHub   *NotificationHub
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
}

func NewBonusService(db *gorm.DB, repo BonusRepository, auditSvc audit.AuditService, rates map[string]float64, defaultRate float64) *BonusService {
	converted := make(map[string]decimal.Decimal, len(rates))
	for category, rate := range rates {
		converted[category] = decimal.NewFromFloat(rate)
	}
	return &BonusService{
		db:          db,
		repo:        repo,
		auditSvc:    auditSvc,
		notifyHub:   NewNotificationHub(),
		rates:       converted,
		defaultRate: decimal.NewFromFloat(defaultRate),
	}
}

// GrantBonus turns a campaign rule into a concrete rollover obligation.
// granted = percent-of-deposit clamped to the campaign cap, or the fixed
// amount; wagering requirement = granted x rollover multiplier.
func (s *BonusService) GrantBonus(ctx context.Context, userID, campaignID string, contextAmount decimal.Decimal) (*UserBonus, error) {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !campaign.Active {
		return nil, fmt.Errorf("%w: campaign_inactive", ErrIneligibleGrant)
	}
	if now.Before(campaign.ValidFrom) || now.After(campaign.ValidUntil) {
		return nil, fmt.Errorf("%w: outside_validity_window", ErrIneligibleGrant)
	}
	if campaign.AmountType == AmountTypePercent && contextAmount.LessThan(campaign.MinDeposit) {
		return nil, fmt.Errorf("%w: below_min_deposit", ErrIneligibleGrant)
	}

	count, err := s.repo.CountGrants(ctx, userID, campaignID)
	if err != nil {
		return nil, err
	}
	if count >= int64(campaign.UsageLimitPerUser) {
		return nil, fmt.Errorf("%w: usage_limit_reached", ErrIneligibleGrant)
	}

	if campaign.CooldownHours > 0 {
		last, lastErr := s.repo.GetLastGrant(ctx, userID, campaignID)
		if lastErr != nil && !errors.Is(lastErr, ErrBonusNotFound) {
			return nil, lastErr
		}
		if last != nil {
			cooldownEnds := last.AwardedAt.Add(time.Duration(campaign.CooldownHours) * time.Hour)
			if now.Before(cooldownEnds) {
				return nil, fmt.Errorf("%w: cooldown_active", ErrIneligibleGrant)
			}
		}
	}

	granted := s.grantedAmount(campaign, contextAmount)
	if !granted.IsPositive() {
		return nil, fmt.Errorf("%w: zero_grant_amount", ErrIneligibleGrant)
	}
	requirement := granted.Mul(campaign.RolloverMultiplier)

	userBonus := &UserBonus{
		UserBonusID:         uuid.New().String(),
		UserID:              userID,
		CampaignID:          campaignID,
		Status:              BonusStatusActive,
		GrantedAmount:       granted,
		WageringRequirement: requirement,
		Progress:            decimal.Zero,
		RemainingRollover:   requirement,
		AwardedAt:           now,
		ExpiresAt:           now.Add(time.Duration(campaign.ExpiryDays) * 24 * time.Hour),
		UpdatedAt:           now,
	}

	if err := s.repo.CreateUserBonus(ctx, userBonus); err != nil {
		return nil, err
	}

	logger.Info("bonus granted",
		zap.String("user_bonus_id", userBonus.UserBonusID),
		zap.String("user_id", userID),
		zap.String("campaign_id", campaignID),
		zap.String("granted_amount", granted.String()),
		zap.String("wagering_requirement", requirement.String()))

	return userBonus, nil
}

func (s *BonusService) grantedAmount(campaign *BonusCampaign, contextAmount decimal.Decimal) decimal.Decimal {
	if campaign.AmountType == AmountTypeFixed {
		return campaign.FixedAmount
	}
	granted := contextAmount.Mul(campaign.Percent)
	if campaign.MaxBonusAmount.Valid && granted.GreaterThan(campaign.MaxBonusAmount.Decimal) {
		granted = campaign.MaxBonusAmount.Decimal
	}
	return granted
}

// RecordWager accumulates one settled wager toward the rollover. The round id
// deduplicates replays: the event insert and the progress update share one
// transaction, so a duplicate round can never move progress twice.
func (s *BonusService) RecordWager(ctx context.Context, userBonusID, roundID, category string, wagerAmount decimal.Decimal) (*UserBonus, error) {
	if !wagerAmount.IsPositive() {
		return nil, ErrInvalidContribution
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		userBonus, duplicate, completed, err := s.applyWager(ctx, userBonusID, roundID, category, wagerAmount)
		if errors.Is(err, ErrStaleBonusState) {
			lastErr = err
			time.Sleep(RetryDelay)
			continue
		}
		if err != nil {
			return nil, err
		}
		if duplicate {
			logger.Debug("duplicate wager round ignored",
				zap.String("user_bonus_id", userBonusID),
				zap.String("round_id", roundID))
			return userBonus, nil
		}

		s.notifyHub.Notify(userBonus.UserID, BonusUpdate{
			UserBonusID:       userBonus.UserBonusID,
			UserID:            userBonus.UserID,
			Progress:          userBonus.Progress,
			RemainingRollover: userBonus.RemainingRollover,
			Status:            userBonus.Status,
			Completed:         completed,
			Timestamp:         time.Now(),
		})
		if completed {
			logger.Info("bonus wagering completed",
				zap.String("user_bonus_id", userBonus.UserBonusID),
				zap.String("user_id", userBonus.UserID))
		}
		return userBonus, nil
	}
	return nil, fmt.Errorf("failed to record wager after retries: %w", lastErr)
}

func (s *BonusService) applyWager(ctx context.Context, userBonusID, roundID, category string, wagerAmount decimal.Decimal) (*UserBonus, bool, bool, error) {
	if _, err := s.repo.GetEventByRoundID(ctx, nil, roundID); err == nil {
		userBonus, getErr := s.repo.GetUserBonus(ctx, userBonusID)
		return userBonus, true, false, getErr
	} else if !errors.Is(err, ErrEventNotFound) {
		return nil, false, false, err
	}

	userBonus, err := s.repo.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, false, false, err
	}
	if userBonus.Status != BonusStatusActive {
		return nil, false, false, ErrBonusNotActive
	}
	if time.Now().After(userBonus.ExpiresAt) {
		return nil, false, false, ErrBonusExpired
	}

	rate := s.contributionRate(category)
	contribution := wagerAmount.Mul(rate)

	newProgress := userBonus.Progress.Add(contribution)
	if newProgress.GreaterThan(userBonus.WageringRequirement) {
		newProgress = userBonus.WageringRequirement
	}
	remaining := userBonus.WageringRequirement.Sub(newProgress)

	var completed bool
	var duplicate bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := &BonusEvent{
			EventID:          uuid.New().String(),
			UserBonusID:      userBonus.UserBonusID,
			RoundID:          roundID,
			Category:         category,
			WagerAmount:      wagerAmount,
			ContributionRate: rate,
			Contribution:     contribution,
			CreatedAt:        time.Now(),
		}
		if createErr := s.repo.CreateEventTx(ctx, tx, event); createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				duplicate = true
				return nil
			}
			return createErr
		}

		if updateErr := s.repo.UpdateProgressTx(ctx, tx, userBonus.UserBonusID, userBonus.Version, newProgress, remaining); updateErr != nil {
			return updateErr
		}

		if remaining.IsZero() {
			var markErr error
			completed, markErr = s.repo.MarkCompletedTx(ctx, tx, userBonus.UserBonusID, time.Now())
			if markErr != nil {
				return markErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, false, err
	}
	if duplicate {
		current, getErr := s.repo.GetUserBonus(ctx, userBonusID)
		return current, true, false, getErr
	}

	userBonus.Progress = newProgress
	userBonus.RemainingRollover = remaining
	userBonus.Version++
	if completed {
		userBonus.Status = BonusStatusCompleted
	}
	return userBonus, false, completed, nil
}

func (s *BonusService) contributionRate(category string) decimal.Decimal {
	if rate, ok := s.rates[category]; ok {
		return rate
	}
	return s.defaultRate
}

// SweepExpired transitions overdue active bonuses to expired. The per-row
// conditional update makes a second sweep over the same window a no-op.
func (s *BonusService) SweepExpired(ctx context.Context, now time.Time) ([]UserBonus, error) {
	candidates, err := s.repo.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	swept := make([]UserBonus, 0, len(candidates))
	for _, candidate := range candidates {
		ok, markErr := s.repo.MarkExpired(ctx, candidate.UserBonusID)
		if markErr != nil {
			return swept, markErr
		}
		if !ok {
			continue
		}
		candidate.Status = BonusStatusExpired
		swept = append(swept, candidate)

		s.notifyHub.Notify(candidate.UserID, BonusUpdate{
			UserBonusID:       candidate.UserBonusID,
			UserID:            candidate.UserID,
			Progress:          candidate.Progress,
			RemainingRollover: candidate.RemainingRollover,
			Status:            BonusStatusExpired,
			Forfeited:         true,
			Timestamp:         time.Now(),
		})
		logger.Info("bonus expired, locked amount forfeited",
			zap.String("user_bonus_id", candidate.UserBonusID),
			zap.String("user_id", candidate.UserID),
			zap.String("granted_amount", candidate.GrantedAmount.String()))
	}
	return swept, nil
}

func (s *BonusService) GetProgress(ctx context.Context, userBonusID string) (*WageringProgress, error) {
	userBonus, err := s.repo.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}

	percentComplete := float64(0)
	if !userBonus.WageringRequirement.IsZero() {
		percentComplete = userBonus.Progress.Div(userBonus.WageringRequirement).
			Mul(decimal.NewFromInt(100)).
			InexactFloat64()
	}

	return &WageringProgress{
		UserBonusID:         userBonus.UserBonusID,
		WageringRequirement: userBonus.WageringRequirement,
		Progress:            userBonus.Progress,
		RemainingRollover:   userBonus.RemainingRollover,
		PercentageComplete:  percentComplete,
		Completed:           userBonus.Status == BonusStatusCompleted,
	}, nil
}

// CancelBonus is the admin-initiated terminal transition. The status flip and
// the audit entry commit together.
func (s *BonusService) CancelBonus(ctx context.Context, userBonusID, adminID, note string) (*UserBonus, error) {
	if note == "" {
		return nil, ErrMissingCancelNote
	}

	userBonus, err := s.repo.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, updateErr := s.repo.UpdateStatusTx(ctx, tx, userBonusID,
			[]string{BonusStatusPending, BonusStatusActive}, BonusStatusCancelled)
		if updateErr != nil {
			return updateErr
		}
		if !ok {
			return ErrBonusNotActive
		}
		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionBonusCancelled,
			note, audit.TargetUserBonus, userBonusID,
			map[string]interface{}{
				"user_id":        userBonus.UserID,
				"campaign_id":    userBonus.CampaignID,
				"granted_amount": userBonus.GrantedAmount.String(),
				"progress":       userBonus.Progress.String(),
			})
		return auditErr
	})
	if err != nil {
		return nil, err
	}

	userBonus.Status = BonusStatusCancelled
	return userBonus, nil
}

// UpdateCampaign applies an explicit admin edit to a campaign rule.
func (s *BonusService) UpdateCampaign(ctx context.Context, campaignID, adminID, note string, updates map[string]interface{}) error {
	if note == "" {
		return ErrMissingCancelNote
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateCampaignTx(ctx, tx, campaignID, updates); err != nil {
			return err
		}
		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionCampaignUpdated,
			note, audit.TargetCampaign, campaignID,
			map[string]interface{}{"updates": updates})
		return auditErr
	})
}

func (s *BonusService) SubscribeToUpdates(userID string) <-chan BonusUpdate {
	return s.notifyHub.Subscribe(userID)
}
