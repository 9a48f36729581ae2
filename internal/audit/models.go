package audit

import (
	"time"
)

// AdminActivity is one append-only record of an administrative action.
// Rows are never updated or deleted through the normal flow; the retention
// purge is a separate operation that logs itself first.
type AdminActivity struct {
	ActivityID  string                 `gorm:"column:activity_id;primaryKey;type:uuid" json:"activity_id"`
	AdminID     string                 `gorm:"column:admin_id;type:uuid;not null;index" json:"admin_id"`
	ActionType  string                 `gorm:"column:action_type;type:varchar(50);not null;index" json:"action_type"`
	Description string                 `gorm:"column:description;type:text;not null" json:"description"`
	TargetType  string                 `gorm:"column:target_type;type:varchar(50);not null;index" json:"target_type"`
	TargetID    string                 `gorm:"column:target_id;type:varchar(64);not null;index" json:"target_id"`
	Metadata    map[string]interface{} `gorm:"column:metadata;serializer:json" json:"metadata"`
	CreatedAt   time.Time              `gorm:"column:created_at;not null;index" json:"created_at"`
}

const (
	ActionWithdrawalApproved   = "withdrawal_approved"
	ActionWithdrawalRejected   = "withdrawal_rejected"
	ActionWithdrawalProcessing = "withdrawal_processing"
	ActionWithdrawalCompleted  = "withdrawal_completed"
	ActionWithdrawalFailed     = "withdrawal_failed"
	ActionBonusCancelled       = "bonus_cancelled"
	ActionCampaignUpdated      = "campaign_updated"
	ActionKYCApproved          = "kyc_approved"
	ActionKYCRejected          = "kyc_rejected"
	ActionAuditPurge           = "audit_purge"
)

const (
	TargetWithdrawal   = "withdrawal"
	TargetUserBonus    = "user_bonus"
	TargetCampaign     = "bonus_campaign"
	TargetVerification = "kyc_verification"
	TargetAuditLog     = "audit_log"
)
