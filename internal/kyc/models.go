package kyc

import (
	"time"

	"github.com/shopspring/decimal"
)

// KYCLimit holds the caps for one verification tier. A null cap means the
// tier is unlimited for that window only.
type KYCLimit struct {
	Level                int                 `gorm:"column:level;primaryKey" json:"level"`
	Name                 string              `gorm:"column:name;type:varchar(20);not null" json:"name"` // "level_0".."level_3"
	DailyWithdrawalCap   decimal.NullDecimal `gorm:"column:daily_withdrawal_cap;type:numeric(20,2)" json:"daily_withdrawal_cap"`
	MonthlyWithdrawalCap decimal.NullDecimal `gorm:"column:monthly_withdrawal_cap;type:numeric(20,2)" json:"monthly_withdrawal_cap"`
	YearlyWithdrawalCap  decimal.NullDecimal `gorm:"column:yearly_withdrawal_cap;type:numeric(20,2)" json:"yearly_withdrawal_cap"`
	DailyDepositCap      decimal.NullDecimal `gorm:"column:daily_deposit_cap;type:numeric(20,2)" json:"daily_deposit_cap"`
	TotalBalanceCap      decimal.NullDecimal `gorm:"column:total_balance_cap;type:numeric(20,2)" json:"total_balance_cap"`
	RequiredDocuments    []string            `gorm:"column:required_documents;serializer:json" json:"required_documents"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;not null" json:"updated_at"`
}

// Profile is a user's current verification state plus any unresolved risk
// flags carried on the account.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;type:uuid" json:"user_id"`
	Level     int       `gorm:"column:level;not null;default:0" json:"level"`
	RiskFlags []string  `gorm:"column:risk_flags;serializer:json" json:"risk_flags"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// KYCVerification is one upgrade request; approved/rejected are terminal.
type KYCVerification struct {
	VerificationID  string     `gorm:"column:verification_id;primaryKey;type:uuid" json:"verification_id"`
	UserID          string     `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	RequestedLevel  int        `gorm:"column:requested_level;not null" json:"requested_level"`
	Status          string     `gorm:"column:status;type:varchar(20);not null;default:'pending';index" json:"status"`
	Documents       []string   `gorm:"column:documents;serializer:json" json:"documents"`
	RejectionReason string     `gorm:"column:rejection_reason;type:text" json:"rejection_reason,omitempty"`
	AdminNotes      string     `gorm:"column:admin_notes;type:text" json:"admin_notes,omitempty"`
	ReviewerID      *string    `gorm:"column:reviewer_id;type:uuid" json:"reviewer_id,omitempty"`
	SubmittedAt     time.Time  `gorm:"column:submitted_at;not null" json:"submitted_at"`
	DecidedAt       *time.Time `gorm:"column:decided_at" json:"decided_at,omitempty"`
}

const (
	VerificationStatusPending     = "pending"
	VerificationStatusUnderReview = "under_review"
	VerificationStatusApproved    = "approved"
	VerificationStatusRejected    = "rejected"
)

const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

const (
	WindowDaily        = "daily"
	WindowMonthly      = "monthly"
	WindowYearly       = "yearly"
	WindowTotalBalance = "total_balance"
)

// Denial reason codes, machine-readable per window.
const (
	ReasonDailyLimitExceeded   = "daily_limit_exceeded"
	ReasonMonthlyLimitExceeded = "monthly_limit_exceeded"
	ReasonYearlyLimitExceeded  = "yearly_limit_exceeded"
	ReasonBalanceCapExceeded   = "balance_cap_exceeded"
)

type WindowUsage struct {
	Window    string              `json:"window"`
	Cap       decimal.NullDecimal `json:"cap"`
	Used      decimal.Decimal     `json:"used"`
	Remaining decimal.NullDecimal `json:"remaining"`
}

type LimitCheckResult struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Windows []WindowUsage `json:"windows"`
}
