package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Withdrawal is a payout request. It only leaves pending through the review
// workflow (or a user cancel), and the approved-path outcome is irreversible
// without a compensating transaction.
type Withdrawal struct {
	WithdrawalID         string          `gorm:"column:withdrawal_id;primaryKey;type:uuid" json:"withdrawal_id"`
	UserID               string          `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Amount               decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	Currency             string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Fee                  decimal.Decimal `gorm:"column:fee;type:numeric(20,2);not null" json:"fee"`
	NetAmount            decimal.Decimal `gorm:"column:net_amount;type:numeric(20,2);not null" json:"net_amount"`
	Method               string          `gorm:"column:method;type:varchar(30);not null" json:"method"`
	Status               string          `gorm:"column:status;type:varchar(20);not null;default:'pending';index" json:"status"`
	RiskScore            int             `gorm:"column:risk_score;not null;default:0" json:"risk_score"`
	RiskFlags            []string        `gorm:"column:risk_flags;serializer:json" json:"risk_flags"`
	RequiresKYC          bool            `gorm:"column:requires_kyc;not null;default:false" json:"requires_kyc"`
	RequiresManualReview bool            `gorm:"column:requires_manual_review;not null;default:false" json:"requires_manual_review"`
	Version              int             `gorm:"column:version;not null;default:1" json:"-"`
	ReviewerID           *string         `gorm:"column:reviewer_id;type:varchar(64)" json:"reviewer_id,omitempty"`
	AdminNote            string          `gorm:"column:admin_note;type:text" json:"admin_note,omitempty"`
	RejectionReason      string          `gorm:"column:rejection_reason;type:text" json:"rejection_reason,omitempty"`
	RequestedAt          time.Time       `gorm:"column:requested_at;not null;index" json:"requested_at"`
	ApprovedAt           *time.Time      `gorm:"column:approved_at" json:"approved_at,omitempty"`
	ProcessedAt          *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CompletedAt          *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Risk flag reason codes carried on the withdrawal row.
const (
	FlagTierAmountMismatch  = "tier_amount_mismatch"
	FlagHighVelocity        = "high_velocity"
	FlagAbnormalAmount      = "abnormal_amount"
	FlagAccountRiskFlags    = "account_risk_flags"
	FlagInsufficientBalance = "insufficient_balance_on_review"
)

// SystemReviewerID marks auto-approved rows; every other reviewer id is an
// explicit admin identity supplied by the caller.
const SystemReviewerID = "system"
