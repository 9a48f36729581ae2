package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casino_core/internal/audit"
	"casino_core/internal/kyc"
	"casino_core/internal/wallet"
	"casino_core/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond

	velocityWindow  = 24 * time.Hour
	historyWindow   = 90 * 24 * time.Hour
	feeDecimalScale = 2
)

var (
	ErrInvalidAmount       = errors.New("withdrawal amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLimitExceeded       = errors.New("withdrawal limit exceeded")
	ErrMissingReviewNote   = errors.New("review note is required")
	ErrInvalidDecision     = errors.New("decision must be approve or reject")
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency, method string) (*Withdrawal, error)
	ReviewWithdrawal(ctx context.Context, withdrawalID, adminID, decision, note string) (*Withdrawal, error)
	CancelWithdrawal(ctx context.Context, withdrawalID, userID string) (*Withdrawal, error)
	MarkProcessing(ctx context.Context, withdrawalID, adminID string) (*Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, withdrawalID, adminID string) (*Withdrawal, error)
	FailWithdrawal(ctx context.Context, withdrawalID, adminID, reason string) (*Withdrawal, error)
	GetWithdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error)
	ListReviewQueue(ctx context.Context, limit int) ([]Withdrawal, error)
}

type Service struct {
	db          *gorm.DB
	repo        WithdrawalRepository
	walletRepo  wallet.WalletRepository
	limitGate   kyc.LimitGateService
	auditSvc    audit.AuditService
	scorer      *Scorer
	feeRate     decimal.Decimal
	autoApprove bool
}

func NewService(db *gorm.DB, repo WithdrawalRepository, walletRepo wallet.WalletRepository, limitGate kyc.LimitGateService, auditSvc audit.AuditService, scorer *Scorer, feeRate float64, autoApprove bool) *Service {
	return &Service{
		db:          db,
		repo:        repo,
		walletRepo:  walletRepo,
		limitGate:   limitGate,
		auditSvc:    auditSvc,
		scorer:      scorer,
		feeRate:     decimal.NewFromFloat(feeRate),
		autoApprove: autoApprove,
	}
}

// RequestWithdrawal validates the request, runs the limit gate, scores risk,
// and creates the row in pending. Only a low-risk, fully-verified request may
// then take the auto-approval path.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, currency, method string) (*Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := s.walletRepo.GetWallet(ctx, userID, wallet.WalletTypeMain, currency)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	score, flags, err := s.assessRisk(ctx, userID, amount)
	if err != nil {
		return nil, err
	}

	missingDocs, err := s.limitGate.MissingDocuments(ctx, userID)
	if err != nil {
		return nil, err
	}

	fee := amount.Mul(s.feeRate).Round(feeDecimalScale)
	now := time.Now()
	withdrawal := &Withdrawal{
		WithdrawalID:         uuid.New().String(),
		UserID:               userID,
		Amount:               amount,
		Currency:             currency,
		Fee:                  fee,
		NetAmount:            amount.Sub(fee),
		Method:               method,
		Status:               StatusPending,
		RiskScore:            score,
		RiskFlags:            flags,
		RequiresKYC:          len(missingDocs) > 0,
		RequiresManualReview: s.scorer.RequiresManualReview(score),
		Version:              1,
		RequestedAt:          now,
		UpdatedAt:            now,
	}

	// The limit verdict and the pending insert share one transaction: the
	// usage reads see every row the store has admitted, including a racing
	// request that committed first, so two requests that only fit alone
	// cannot both claim the same window capacity.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		limitResult, limitErr := s.limitGate.CheckLimitTx(ctx, tx, userID, amount, kyc.KindWithdrawal)
		if limitErr != nil {
			return limitErr
		}
		if !limitResult.Allowed {
			return fmt.Errorf("%w: %s", ErrLimitExceeded, limitResult.Reason)
		}
		return s.repo.CreateTx(ctx, tx, withdrawal)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("withdrawal requested",
		zap.String("withdrawal_id", withdrawal.WithdrawalID),
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.Int("risk_score", score),
		zap.Bool("requires_manual_review", withdrawal.RequiresManualReview),
		zap.Bool("requires_kyc", withdrawal.RequiresKYC))

	if s.autoApprove && !withdrawal.RequiresManualReview && !withdrawal.RequiresKYC {
		if err := s.approve(ctx, withdrawal.WithdrawalID, SystemReviewerID, "auto-approved: low risk"); err != nil {
			// The request stands; an admin picks it up instead.
			logger.Warn("auto-approval failed, left pending",
				zap.String("withdrawal_id", withdrawal.WithdrawalID),
				zap.Error(err))
			return s.repo.Get(ctx, withdrawal.WithdrawalID)
		}
		return s.repo.Get(ctx, withdrawal.WithdrawalID)
	}

	return withdrawal, nil
}

func (s *Service) assessRisk(ctx context.Context, userID string, amount decimal.Decimal) (int, []string, error) {
	level, err := s.limitGate.CurrentLevel(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	accountFlags, err := s.limitGate.AccountRiskFlags(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	now := time.Now()
	recentCount, err := s.repo.CountSince(ctx, userID, now.Add(-velocityWindow))
	if err != nil {
		return 0, nil, err
	}
	recentAvg, err := s.repo.AvgAmountSince(ctx, userID, now.Add(-historyWindow))
	if err != nil {
		return 0, nil, err
	}

	score, flags := s.scorer.Score(RiskInput{
		Amount:           amount,
		KYCLevel:         level,
		RecentCount24h:   recentCount,
		RecentAvgAmount:  recentAvg,
		AccountRiskFlags: accountFlags,
	})
	return score, flags, nil
}

// ReviewWithdrawal is the admin decision point. The status transition, the
// balance debit (approve only), and the audit entry share one transaction;
// a row that already left pending fails with ErrStaleWithdrawalState and no
// side effect.
func (s *Service) ReviewWithdrawal(ctx context.Context, withdrawalID, adminID, decision, note string) (*Withdrawal, error) {
	if note == "" {
		return nil, ErrMissingReviewNote
	}

	switch decision {
	case DecisionApprove:
		if err := s.approve(ctx, withdrawalID, adminID, note); err != nil {
			return nil, err
		}
	case DecisionReject:
		if err := s.reject(ctx, withdrawalID, adminID, note); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidDecision
	}

	return s.repo.Get(ctx, withdrawalID)
}

func (s *Service) approve(ctx context.Context, withdrawalID, reviewerID, note string) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err := s.approveOnce(ctx, withdrawalID, reviewerID, note)
		if errors.Is(err, wallet.ErrOptimisticLock) {
			lastErr = err
			time.Sleep(RetryDelay)
			continue
		}
		if errors.Is(err, ErrInsufficientBalance) {
			// Abort happened at commit time: keep the row pending but flag
			// it so a human looks at it instead of failing silently.
			if flagErr := s.repo.FlagPending(ctx, withdrawalID, FlagInsufficientBalance); flagErr != nil {
				logger.Error("failed to flag withdrawal after aborted approval",
					zap.String("withdrawal_id", withdrawalID), zap.Error(flagErr))
			}
			return err
		}
		return err
	}
	return fmt.Errorf("approval conflicted after retries: %w", lastErr)
}

func (s *Service) approveOnce(ctx context.Context, withdrawalID, reviewerID, note string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		withdrawal, err := s.repo.GetTx(ctx, tx, withdrawalID)
		if err != nil {
			return err
		}
		if withdrawal.Status != StatusPending {
			return ErrStaleWithdrawalState
		}

		now := time.Now()
		ok, err := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusPending}, map[string]interface{}{
			"status":      StatusApproved,
			"reviewer_id": reviewerID,
			"admin_note":  note,
			"approved_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrStaleWithdrawalState
		}

		userWallet, err := s.walletRepo.GetWalletTx(ctx, tx, withdrawal.UserID, wallet.WalletTypeMain, withdrawal.Currency)
		if err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				return ErrInsufficientBalance
			}
			return err
		}
		debit := &wallet.Transaction{
			WalletID:        userWallet.WalletID,
			TransactionType: wallet.TxTypeWithdrawal,
			Amount:          withdrawal.Amount,
			ReferenceID:     withdrawal.WithdrawalID,
		}
		if err := s.walletRepo.DebitTx(ctx, tx, debit); err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				return ErrInsufficientBalance
			}
			return err
		}

		_, err = s.auditSvc.RecordTx(ctx, tx, reviewerID, audit.ActionWithdrawalApproved,
			note, audit.TargetWithdrawal, withdrawalID,
			map[string]interface{}{
				"user_id":    withdrawal.UserID,
				"amount":     withdrawal.Amount.String(),
				"net_amount": withdrawal.NetAmount.String(),
				"risk_score": withdrawal.RiskScore,
			})
		return err
	})
}

func (s *Service) reject(ctx context.Context, withdrawalID, adminID, note string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		withdrawal, err := s.repo.GetTx(ctx, tx, withdrawalID)
		if err != nil {
			return err
		}

		ok, err := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusPending}, map[string]interface{}{
			"status":           StatusRejected,
			"reviewer_id":      adminID,
			"admin_note":       note,
			"rejection_reason": note,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrStaleWithdrawalState
		}

		_, err = s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionWithdrawalRejected,
			note, audit.TargetWithdrawal, withdrawalID,
			map[string]interface{}{
				"user_id": withdrawal.UserID,
				"amount":  withdrawal.Amount.String(),
			})
		return err
	})
}

// CancelWithdrawal is the user-initiated exit from pending. It races admin
// review through the same current-status predicate: whichever commits first
// wins, the loser observes a non-pending row.
func (s *Service) CancelWithdrawal(ctx context.Context, withdrawalID, userID string) (*Withdrawal, error) {
	withdrawal, err := s.repo.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.UserID != userID {
		return nil, ErrWithdrawalNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, txErr := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusPending}, map[string]interface{}{
			"status": StatusCancelled,
		})
		if txErr != nil {
			return txErr
		}
		if !ok {
			return ErrStaleWithdrawalState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("withdrawal cancelled by user",
		zap.String("withdrawal_id", withdrawalID),
		zap.String("user_id", userID))
	return s.repo.Get(ctx, withdrawalID)
}

func (s *Service) MarkProcessing(ctx context.Context, withdrawalID, adminID string) (*Withdrawal, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, txErr := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusApproved}, map[string]interface{}{
			"status":       StatusProcessing,
			"processed_at": time.Now(),
		})
		if txErr != nil {
			return txErr
		}
		if !ok {
			return ErrStaleWithdrawalState
		}
		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionWithdrawalProcessing,
			"payout dispatched", audit.TargetWithdrawal, withdrawalID, nil)
		return auditErr
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, withdrawalID)
}

func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalID, adminID string) (*Withdrawal, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, txErr := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusProcessing}, map[string]interface{}{
			"status":       StatusCompleted,
			"completed_at": time.Now(),
		})
		if txErr != nil {
			return txErr
		}
		if !ok {
			return ErrStaleWithdrawalState
		}
		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionWithdrawalCompleted,
			"payout confirmed", audit.TargetWithdrawal, withdrawalID, nil)
		return auditErr
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, withdrawalID)
}

// FailWithdrawal marks a dispatched payout as failed and refunds the debit.
// The compensating credit and the status flip commit together, so the refund
// happens exactly once.
func (s *Service) FailWithdrawal(ctx context.Context, withdrawalID, adminID, reason string) (*Withdrawal, error) {
	if reason == "" {
		return nil, ErrMissingReviewNote
	}

	withdrawal, err := s.repo.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, txErr := s.repo.TransitionTx(ctx, tx, withdrawalID, []string{StatusProcessing}, map[string]interface{}{
			"status":           StatusFailed,
			"rejection_reason": reason,
		})
		if txErr != nil {
			return txErr
		}
		if !ok {
			return ErrStaleWithdrawalState
		}

		userWallet, walletErr := s.walletRepo.GetWalletTx(ctx, tx, withdrawal.UserID, wallet.WalletTypeMain, withdrawal.Currency)
		if walletErr != nil {
			return walletErr
		}
		refund := &wallet.Transaction{
			WalletID:        userWallet.WalletID,
			TransactionType: wallet.TxTypeRefund,
			Amount:          withdrawal.Amount,
			ReferenceID:     withdrawal.WithdrawalID,
		}
		if creditErr := s.walletRepo.CreditTx(ctx, tx, refund); creditErr != nil {
			return creditErr
		}

		_, auditErr := s.auditSvc.RecordTx(ctx, tx, adminID, audit.ActionWithdrawalFailed,
			reason, audit.TargetWithdrawal, withdrawalID,
			map[string]interface{}{
				"user_id":  withdrawal.UserID,
				"refunded": withdrawal.Amount.String(),
			})
		return auditErr
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, withdrawalID)
}

func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID string) (*Withdrawal, error) {
	return s.repo.Get(ctx, withdrawalID)
}

func (s *Service) ListReviewQueue(ctx context.Context, limit int) ([]Withdrawal, error) {
	return s.repo.ListByStatus(ctx, StatusPending, limit)
}
