package kyc

import (
	"context"
	"testing"
	"time"

	"casino_core/internal/audit"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type usageEvent struct {
	at     time.Time
	amount decimal.Decimal
}

// stubUsage replays a fixed ledger history into the limit windows.
type stubUsage struct {
	withdrawals []usageEvent
	deposits    []usageEvent
	balance     decimal.Decimal
}

func sumEvents(events []usageEvent, from, to time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, event := range events {
		if !event.at.Before(from) && event.at.Before(to) {
			total = total.Add(event.amount)
		}
	}
	return total
}

func (s *stubUsage) SumWithdrawals(_ context.Context, _ *gorm.DB, _ string, from, to time.Time) (decimal.Decimal, error) {
	return sumEvents(s.withdrawals, from, to), nil
}

func (s *stubUsage) SumDeposits(_ context.Context, _ *gorm.DB, _ string, from, to time.Time) (decimal.Decimal, error) {
	return sumEvents(s.deposits, from, to), nil
}

func (s *stubUsage) CurrentBalance(context.Context, *gorm.DB, string) (decimal.Decimal, error) {
	return s.balance, nil
}

func setupKYCTest(t *testing.T, usage UsageSource) (*gorm.DB, *Service) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&KYCLimit{}, &Profile{}, &KYCVerification{}, &audit.AdminActivity{}))

	auditSvc := audit.NewService(db, audit.NewAuditRepository(db))
	svc, err := NewService(db, NewKYCRepository(db), usage, auditSvc, "UTC")
	require.NoError(t, err)
	return db, svc
}

func limitCap(amount int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(amount))
}

func seedLimit(t *testing.T, db *gorm.DB, limit KYCLimit) {
	limit.UpdatedAt = time.Now()
	require.NoError(t, db.Create(&limit).Error)
}

func TestCheckLimitDailyWindow(t *testing.T) {
	usage := &stubUsage{
		withdrawals: []usageEvent{{at: time.Now().Add(-time.Second), amount: decimal.NewFromInt(4500)}},
	}
	db, svc := setupKYCTest(t, usage)
	seedLimit(t, db, KYCLimit{
		Level:                0,
		Name:                 "level_0",
		DailyWithdrawalCap:   limitCap(5000),
		MonthlyWithdrawalCap: limitCap(50000),
		YearlyWithdrawalCap:  limitCap(500000),
	})
	userID := uuid.New().String()

	denied, err := svc.CheckLimit(context.Background(), userID, decimal.NewFromInt(600), KindWithdrawal)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, ReasonDailyLimitExceeded, denied.Reason)
	require.Len(t, denied.Windows, 3)
	assert.True(t, denied.Windows[0].Remaining.Decimal.Equal(decimal.NewFromInt(500)))

	allowed, err := svc.CheckLimit(context.Background(), userID, decimal.NewFromInt(400), KindWithdrawal)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
	assert.Empty(t, allowed.Reason)
}

func TestCheckLimitAmountEqualToRemainingIsAllowed(t *testing.T) {
	db, svc := setupKYCTest(t, &stubUsage{})
	seedLimit(t, db, KYCLimit{Level: 0, Name: "level_0", DailyWithdrawalCap: limitCap(5000)})
	userID := uuid.New().String()

	result, err := svc.CheckLimit(context.Background(), userID, decimal.NewFromInt(5000), KindWithdrawal)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "amount equal to remaining consumes the window fully")

	result, err = svc.CheckLimit(context.Background(), userID, decimal.NewFromInt(5001), KindWithdrawal)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonDailyLimitExceeded, result.Reason)
}

func TestCheckLimitPrecedenceReportsFirstBreach(t *testing.T) {
	usage := &stubUsage{
		withdrawals: []usageEvent{{at: time.Now().Add(-time.Second), amount: decimal.NewFromInt(4500)}},
	}
	db, svc := setupKYCTest(t, usage)
	// Daily and monthly both breach for a 600 request; daily must win.
	seedLimit(t, db, KYCLimit{
		Level:                0,
		Name:                 "level_0",
		DailyWithdrawalCap:   limitCap(5000),
		MonthlyWithdrawalCap: limitCap(5000),
	})

	result, err := svc.CheckLimit(context.Background(), uuid.New().String(), decimal.NewFromInt(600), KindWithdrawal)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonDailyLimitExceeded, result.Reason)
}

func TestCheckLimitSkipsUnlimitedWindows(t *testing.T) {
	usage := &stubUsage{
		withdrawals: []usageEvent{{at: time.Now().Add(-time.Second), amount: decimal.NewFromInt(900)}},
	}
	db, svc := setupKYCTest(t, usage)
	seedLimit(t, db, KYCLimit{
		Level:                0,
		Name:                 "level_0",
		MonthlyWithdrawalCap: limitCap(1000),
	})

	result, err := svc.CheckLimit(context.Background(), uuid.New().String(), decimal.NewFromInt(200), KindWithdrawal)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonMonthlyLimitExceeded, result.Reason, "null daily cap is unlimited, monthly decides")
}

func TestCheckLimitWithoutTierRowAllows(t *testing.T) {
	_, svc := setupKYCTest(t, &stubUsage{})

	result, err := svc.CheckLimit(context.Background(), uuid.New().String(), decimal.NewFromInt(1_000_000), KindWithdrawal)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestCheckLimitDepositBalanceCap(t *testing.T) {
	usage := &stubUsage{balance: decimal.NewFromInt(900)}
	db, svc := setupKYCTest(t, usage)
	seedLimit(t, db, KYCLimit{
		Level:           0,
		Name:            "level_0",
		TotalBalanceCap: limitCap(1000),
	})

	result, err := svc.CheckLimit(context.Background(), uuid.New().String(), decimal.NewFromInt(200), KindDeposit)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonBalanceCapExceeded, result.Reason)

	result, err = svc.CheckLimit(context.Background(), uuid.New().String(), decimal.NewFromInt(100), KindDeposit)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestMissingDocuments(t *testing.T) {
	db, svc := setupKYCTest(t, &stubUsage{})
	seedLimit(t, db, KYCLimit{
		Level:             0,
		Name:              "level_0",
		RequiredDocuments: []string{"id_front", "proof_of_address"},
	})
	userID := uuid.New().String()

	require.NoError(t, db.Create(&KYCVerification{
		VerificationID: uuid.New().String(),
		UserID:         userID,
		RequestedLevel: 1,
		Status:         VerificationStatusApproved,
		Documents:      []string{"id_front"},
		SubmittedAt:    time.Now(),
	}).Error)

	missing, err := svc.MissingDocuments(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"proof_of_address"}, missing)
}

func TestRequestVerificationValidation(t *testing.T) {
	_, svc := setupKYCTest(t, &stubUsage{})
	ctx := context.Background()
	userID := uuid.New().String()

	_, err := svc.RequestVerification(ctx, userID, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidLevelRequest)

	first, err := svc.RequestVerification(ctx, userID, 1, []string{"id_front"})
	require.NoError(t, err)
	assert.Equal(t, VerificationStatusPending, first.Status)

	_, err = svc.RequestVerification(ctx, userID, 2, nil)
	assert.ErrorIs(t, err, ErrVerificationOpen)
}

func TestReviewVerificationApproveRaisesLevel(t *testing.T) {
	db, svc := setupKYCTest(t, &stubUsage{})
	ctx := context.Background()
	userID := uuid.New().String()
	adminID := uuid.New().String()

	verification, err := svc.RequestVerification(ctx, userID, 2, []string{"id_front"})
	require.NoError(t, err)

	_, err = svc.ReviewVerification(ctx, verification.VerificationID, adminID, DecisionApprove, "")
	assert.ErrorIs(t, err, ErrMissingReviewNote)

	_, err = svc.ReviewVerification(ctx, verification.VerificationID, adminID, "escalate", "note")
	assert.ErrorIs(t, err, ErrInvalidReviewOutcome)

	decided, err := svc.ReviewVerification(ctx, verification.VerificationID, adminID, DecisionApprove, "documents verified")
	require.NoError(t, err)
	assert.Equal(t, VerificationStatusApproved, decided.Status)

	level, err := svc.CurrentLevel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	var activities []audit.AdminActivity
	require.NoError(t, db.Where("target_id = ?", verification.VerificationID).Find(&activities).Error)
	require.Len(t, activities, 1)
	assert.Equal(t, audit.ActionKYCApproved, activities[0].ActionType)

	// Decided verifications are terminal.
	_, err = svc.ReviewVerification(ctx, verification.VerificationID, adminID, DecisionReject, "flip")
	assert.ErrorIs(t, err, ErrStaleVerificationState)
}

func TestReviewVerificationRejectKeepsLevel(t *testing.T) {
	_, svc := setupKYCTest(t, &stubUsage{})
	ctx := context.Background()
	userID := uuid.New().String()

	verification, err := svc.RequestVerification(ctx, userID, 1, nil)
	require.NoError(t, err)

	decided, err := svc.ReviewVerification(ctx, verification.VerificationID, uuid.New().String(), DecisionReject, "document unreadable")
	require.NoError(t, err)
	assert.Equal(t, VerificationStatusRejected, decided.Status)
	assert.Equal(t, "document unreadable", decided.RejectionReason)

	level, err := svc.CurrentLevel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, level)
}
