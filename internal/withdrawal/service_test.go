package withdrawal

import (
	"context"
	"sync"
	"testing"
	"time"

	"casino_core/internal/audit"
	"casino_core/internal/config"
	"casino_core/internal/kyc"
	"casino_core/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		HighRiskThreshold:    70,
		WeightTierMismatch:   30,
		WeightVelocityCount:  25,
		WeightVelocityAmt:    25,
		WeightAccountFlags:   40,
		VelocityCountPerDay:  5,
		VelocityAmountFactor: 3.0,
	}
}

type withdrawalFixture struct {
	db         *gorm.DB
	svc        *Service
	repo       *WithdrawalRepositoryImpl
	walletSvc  *wallet.Service
	walletRepo *wallet.WalletRepositoryImpl
	kycSvc     *kyc.Service
}

func setupWithdrawalTest(t *testing.T, autoApprove bool) *withdrawalFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&Withdrawal{},
		&wallet.Wallet{}, &wallet.Transaction{},
		&kyc.KYCLimit{}, &kyc.Profile{}, &kyc.KYCVerification{},
		&audit.AdminActivity{},
	))

	auditSvc := audit.NewService(db, audit.NewAuditRepository(db))
	walletRepo := wallet.NewWalletRepository(db)
	repo := NewWithdrawalRepository(db)
	usage := NewLedgerUsageSource(repo, walletRepo, "USD")

	kycSvc, err := kyc.NewService(db, kyc.NewKYCRepository(db), usage, auditSvc, "UTC")
	require.NoError(t, err)

	svc := NewService(db, repo, walletRepo, kycSvc, auditSvc, NewScorer(testRiskConfig()), 0.01, autoApprove)

	return &withdrawalFixture{
		db:         db,
		svc:        svc,
		repo:       repo,
		walletSvc:  wallet.NewService(walletRepo),
		walletRepo: walletRepo,
		kycSvc:     kycSvc,
	}
}

func (f *withdrawalFixture) deposit(t *testing.T, userID string, amount int64) {
	_, err := f.walletSvc.ProcessTransaction(context.Background(), wallet.TransactionRequest{
		UserID:          userID,
		WalletType:      wallet.WalletTypeMain,
		TransactionType: wallet.TxTypeDeposit,
		Amount:          decimal.NewFromInt(amount),
		ReferenceID:     uuid.New().String(),
		Currency:        "USD",
	})
	require.NoError(t, err)
}

func (f *withdrawalFixture) balance(t *testing.T, userID string) decimal.Decimal {
	w, err := f.walletRepo.GetWallet(context.Background(), userID, wallet.WalletTypeMain, "USD")
	require.NoError(t, err)
	return w.Balance
}

func (f *withdrawalFixture) auditEntries(t *testing.T, withdrawalID string) []audit.AdminActivity {
	var activities []audit.AdminActivity
	require.NoError(t, f.db.Where("target_id = ?", withdrawalID).Find(&activities).Error)
	return activities
}

func TestRequestWithdrawalValidation(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()

	_, err := f.svc.RequestWithdrawal(ctx, userID, decimal.Zero, "USD", "bank_transfer")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(50), "USD", "bank_transfer")
	assert.ErrorIs(t, err, ErrInsufficientBalance, "no wallet yet")

	f.deposit(t, userID, 100)
	_, err = f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(150), "USD", "bank_transfer")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRequestWithdrawalEnforcesLimitGate(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	require.NoError(t, f.db.Create(&kyc.KYCLimit{
		Level:              0,
		Name:               "level_0",
		DailyWithdrawalCap: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}).Error)

	_, err := f.svc.RequestWithdrawal(context.Background(), userID, decimal.NewFromInt(200), "USD", "bank_transfer")
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Contains(t, err.Error(), kyc.ReasonDailyLimitExceeded)
}

func TestConcurrentRequestsCannotJointlyExceedWindow(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	f.deposit(t, userID, 10000)

	require.NoError(t, f.db.Create(&kyc.KYCLimit{
		Level:              0,
		Name:               "level_0",
		DailyWithdrawalCap: decimal.NewNullDecimal(decimal.NewFromInt(5000)),
	}).Error)

	// 4500 of today's capacity is already held by an in-flight request.
	_, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(4500), "USD", "bank_transfer")
	require.NoError(t, err)

	// Two 400s each fit the remaining 500 alone but not together. The gate
	// runs inside the inserting transaction, so the loser sees the winner's
	// committed row and is denied.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reqErr := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(400), "USD", "bank_transfer")
			results <- reqErr
		}()
	}
	wg.Wait()
	close(results)

	succeeded, denied := 0, 0
	for reqErr := range results {
		if reqErr == nil {
			succeeded++
		} else if assert.ErrorIs(t, reqErr, ErrLimitExceeded) {
			denied++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, denied)

	inFlight, err := f.repo.SumInWindow(ctx, nil, userID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, inFlight.LessThanOrEqual(decimal.NewFromInt(5000)),
		"admitted volume %s must stay within the daily cap", inFlight)
}

func TestRequestWithdrawalAutoApprovesLowRisk(t *testing.T) {
	f := setupWithdrawalTest(t, true)
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	// 500 exceeds the level-0 allowance: tier mismatch fires (30), still
	// below the review threshold.
	w, err := f.svc.RequestWithdrawal(context.Background(), userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, w.Status)
	require.NotNil(t, w.ReviewerID)
	assert.Equal(t, SystemReviewerID, *w.ReviewerID)
	assert.Equal(t, 30, w.RiskScore)
	assert.Contains(t, w.RiskFlags, FlagTierAmountMismatch)
	assert.False(t, w.RequiresManualReview)
	assert.True(t, w.Fee.Equal(decimal.NewFromInt(5)), "1%% fee")
	assert.True(t, w.NetAmount.Equal(decimal.NewFromInt(495)))

	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(500)), "approval debits immediately")

	entries := f.auditEntries(t, w.WithdrawalID)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionWithdrawalApproved, entries[0].ActionType)
	assert.Equal(t, SystemReviewerID, entries[0].AdminID)
}

func TestHighRiskNeverAutoApproves(t *testing.T) {
	f := setupWithdrawalTest(t, true)
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	// Account flags (40) plus tier mismatch (30) reach the threshold.
	require.NoError(t, f.db.Create(&kyc.Profile{
		UserID:    userID,
		Level:     0,
		RiskFlags: []string{"chargeback_history"},
	}).Error)

	w, err := f.svc.RequestWithdrawal(context.Background(), userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, 70, w.RiskScore)
	assert.True(t, w.RequiresManualReview)
	assert.Contains(t, w.RiskFlags, FlagAccountRiskFlags)
	assert.Contains(t, w.RiskFlags, FlagTierAmountMismatch)
	assert.Nil(t, w.ReviewerID)

	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)), "no debit before review")
	assert.Empty(t, f.auditEntries(t, w.WithdrawalID))
}

func TestReviewWithdrawalRequiresNoteAndValidDecision(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)
	adminID := uuid.New().String()

	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrMissingReviewNote)

	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionReject, "")
	assert.ErrorIs(t, err, ErrMissingReviewNote)

	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, "escalate", "note")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	stored, err := f.svc.GetWithdrawal(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status, "failed reviews leave the row untouched")
}

func TestApproveDebitsOnceAndAudits(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)

	approved, err := f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "verified manually")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewerID)
	assert.Equal(t, adminID, *approved.ReviewerID)
	assert.Equal(t, "verified manually", approved.AdminNote)
	require.NotNil(t, approved.ApprovedAt)

	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(500)))

	entries := f.auditEntries(t, w.WithdrawalID)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionWithdrawalApproved, entries[0].ActionType)

	// Approved rows are out of reach for a second review.
	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionReject, "flip")
	assert.ErrorIs(t, err, ErrStaleWithdrawalState)
	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(500)), "no second debit")
	assert.Len(t, f.auditEntries(t, w.WithdrawalID), 1)
}

func TestRejectKeepsBalance(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	rejected, err := f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionReject, "source of funds unclear")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "source of funds unclear", rejected.RejectionReason)

	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)))

	entries := f.auditEntries(t, w.WithdrawalID)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionWithdrawalRejected, entries[0].ActionType)
}

func TestConcurrentReviewExactlyOneWins(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, uuid.New().String(), DecisionApprove, "looks fine")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, uuid.New().String(), DecisionReject, "looks off")
	}()
	wg.Wait()

	if approveErr == nil {
		assert.ErrorIs(t, rejectErr, ErrStaleWithdrawalState)
		assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(500)))
	} else {
		assert.ErrorIs(t, approveErr, ErrStaleWithdrawalState)
		require.NoError(t, rejectErr)
		assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)))
	}

	assert.Len(t, f.auditEntries(t, w.WithdrawalID), 1, "exactly one decision recorded")
}

func TestCancelWithdrawal(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	_, err = f.svc.CancelWithdrawal(ctx, w.WithdrawalID, uuid.New().String())
	assert.ErrorIs(t, err, ErrWithdrawalNotFound, "other users cannot see the row")

	cancelled, err := f.svc.CancelWithdrawal(ctx, w.WithdrawalID, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// The admin arriving after the cancel loses the race.
	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, uuid.New().String(), DecisionApprove, "note")
	assert.ErrorIs(t, err, ErrStaleWithdrawalState)
	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)))
}

func TestInsufficientBalanceAtApprovalFlagsPending(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 100)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(100), "USD", "bank_transfer")
	require.NoError(t, err)

	// Balance drains between request and review.
	_, err = f.walletSvc.ProcessTransaction(ctx, wallet.TransactionRequest{
		UserID:          userID,
		WalletType:      wallet.WalletTypeMain,
		TransactionType: wallet.TxTypeBet,
		Amount:          decimal.NewFromInt(50),
		ReferenceID:     uuid.New().String(),
		Currency:        "USD",
	})
	require.NoError(t, err)

	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "ok")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	stored, err := f.svc.GetWithdrawal(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status, "aborted approval rolls back the transition")
	assert.Contains(t, stored.RiskFlags, FlagInsufficientBalance)
	assert.True(t, stored.RequiresManualReview)

	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(50)), "no partial debit")
	assert.Empty(t, f.auditEntries(t, w.WithdrawalID))
}

func TestPayoutLifecycle(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)

	// Processing requires approved first.
	_, err = f.svc.MarkProcessing(ctx, w.WithdrawalID, adminID)
	assert.ErrorIs(t, err, ErrStaleWithdrawalState)

	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "ok")
	require.NoError(t, err)

	processing, err := f.svc.MarkProcessing(ctx, w.WithdrawalID, adminID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, processing.Status)
	require.NotNil(t, processing.ProcessedAt)

	completed, err := f.svc.CompleteWithdrawal(ctx, w.WithdrawalID, adminID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	entries := f.auditEntries(t, w.WithdrawalID)
	require.Len(t, entries, 3, "one entry per admin transition")

	_, err = f.svc.CompleteWithdrawal(ctx, w.WithdrawalID, adminID)
	assert.ErrorIs(t, err, ErrStaleWithdrawalState)
}

func TestFailedPayoutRefundsExactlyOnce(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)
	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "ok")
	require.NoError(t, err)
	_, err = f.svc.MarkProcessing(ctx, w.WithdrawalID, adminID)
	require.NoError(t, err)
	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(500)))

	_, err = f.svc.FailWithdrawal(ctx, w.WithdrawalID, adminID, "")
	assert.ErrorIs(t, err, ErrMissingReviewNote)

	failed, err := f.svc.FailWithdrawal(ctx, w.WithdrawalID, adminID, "bank rejected the transfer")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "bank rejected the transfer", failed.RejectionReason)
	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)), "full amount refunded")

	// Replay must not refund again.
	_, err = f.svc.FailWithdrawal(ctx, w.WithdrawalID, adminID, "bank rejected the transfer")
	assert.ErrorIs(t, err, ErrStaleWithdrawalState)
	assert.True(t, f.balance(t, userID).Equal(decimal.NewFromInt(1000)))
}

func TestFlagPendingMergesConcurrentFlags(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()

	w := &Withdrawal{
		WithdrawalID: uuid.New().String(),
		UserID:       uuid.New().String(),
		Amount:       decimal.NewFromInt(100),
		Currency:     "USD",
		Fee:          decimal.NewFromInt(1),
		NetAmount:    decimal.NewFromInt(99),
		Method:       "bank_transfer",
		Status:       StatusPending,
		Version:      1,
		RequestedAt:  time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, f.repo.Create(ctx, w))

	var wg sync.WaitGroup
	for _, flag := range []string{FlagInsufficientBalance, FlagAbnormalAmount} {
		wg.Add(1)
		go func(flag string) {
			defer wg.Done()
			assert.NoError(t, f.repo.FlagPending(ctx, w.WithdrawalID, flag))
		}(flag)
	}
	wg.Wait()

	stored, err := f.repo.Get(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.Contains(t, stored.RiskFlags, FlagInsufficientBalance)
	assert.Contains(t, stored.RiskFlags, FlagAbnormalAmount, "a concurrent flagging must not overwrite the other flag")
	assert.True(t, stored.RequiresManualReview)

	// Replaying an already-present flag is a no-op.
	require.NoError(t, f.repo.FlagPending(ctx, w.WithdrawalID, FlagAbnormalAmount))
	again, err := f.repo.Get(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.Len(t, again.RiskFlags, 2)
}

func TestFlagPendingIgnoresDecidedRows(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()
	f.deposit(t, userID, 1000)

	w, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(500), "USD", "bank_transfer")
	require.NoError(t, err)
	_, err = f.svc.ReviewWithdrawal(ctx, w.WithdrawalID, adminID, DecisionApprove, "ok")
	require.NoError(t, err)

	require.NoError(t, f.repo.FlagPending(ctx, w.WithdrawalID, FlagAbnormalAmount))

	stored, err := f.repo.Get(ctx, w.WithdrawalID)
	require.NoError(t, err)
	assert.NotContains(t, stored.RiskFlags, FlagAbnormalAmount, "decided rows are out of reach")
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestListReviewQueueReturnsOldestFirst(t *testing.T) {
	f := setupWithdrawalTest(t, false)
	ctx := context.Background()
	userID := uuid.New().String()
	f.deposit(t, userID, 1000)

	first, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(100), "USD", "bank_transfer")
	require.NoError(t, err)
	second, err := f.svc.RequestWithdrawal(ctx, userID, decimal.NewFromInt(200), "USD", "bank_transfer")
	require.NoError(t, err)

	queue, err := f.svc.ListReviewQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.WithdrawalID, queue[0].WithdrawalID)
	assert.Equal(t, second.WithdrawalID, queue[1].WithdrawalID)
}
