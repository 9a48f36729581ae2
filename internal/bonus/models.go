package bonus

import (
	"time"

	"github.com/shopspring/decimal"
)

// BonusCampaign is the rule template a grant is derived from. Once a grant
// references it the row only changes through an explicit, audited admin edit.
type BonusCampaign struct {
	CampaignID         string              `gorm:"column:campaign_id;primaryKey;type:uuid" json:"campaign_id"`
	Name               string              `gorm:"column:name;type:varchar(100);not null" json:"name"`
	BonusType          string              `gorm:"column:bonus_type;type:varchar(20);not null" json:"bonus_type"` // "first_deposit", "reload", "cashback", "freebet"
	AmountType         string              `gorm:"column:amount_type;type:varchar(10);not null" json:"amount_type"` // "percent", "fixed"
	Percent            decimal.Decimal     `gorm:"column:percent;type:numeric(5,4);not null;default:0" json:"percent"` // fraction of the qualifying deposit
	FixedAmount        decimal.Decimal     `gorm:"column:fixed_amount;type:numeric(20,2);not null;default:0" json:"fixed_amount"`
	MaxBonusAmount     decimal.NullDecimal `gorm:"column:max_bonus_amount;type:numeric(20,2)" json:"max_bonus_amount"`
	MinDeposit         decimal.Decimal     `gorm:"column:min_deposit;type:numeric(20,2);not null;default:0" json:"min_deposit"`
	RolloverMultiplier decimal.Decimal     `gorm:"column:rollover_multiplier;type:numeric(8,2);not null" json:"rollover_multiplier"`
	UsageLimitPerUser  int                 `gorm:"column:usage_limit_per_user;not null;default:1" json:"usage_limit_per_user"`
	CooldownHours      int                 `gorm:"column:cooldown_hours;not null;default:0" json:"cooldown_hours"`
	ValidFrom          time.Time           `gorm:"column:valid_from;not null" json:"valid_from"`
	ValidUntil         time.Time           `gorm:"column:valid_until;not null" json:"valid_until"`
	ExpiryDays         int                 `gorm:"column:expiry_days;not null;default:30" json:"expiry_days"`
	Active             bool                `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt          time.Time           `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;not null" json:"updated_at"`
}

// UserBonus is one grant instance. Progress only moves through wager events;
// completed/expired/cancelled are terminal.
type UserBonus struct {
	UserBonusID         string          `gorm:"column:user_bonus_id;primaryKey;type:uuid" json:"user_bonus_id"`
	UserID              string          `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	CampaignID          string          `gorm:"column:campaign_id;type:uuid;not null;index" json:"campaign_id"`
	Status              string          `gorm:"column:status;type:varchar(20);not null;default:'active';index" json:"status"`
	GrantedAmount       decimal.Decimal `gorm:"column:granted_amount;type:numeric(20,2);not null" json:"granted_amount"`
	WageringRequirement decimal.Decimal `gorm:"column:wagering_requirement;type:numeric(20,2);not null" json:"wagering_requirement"`
	Progress            decimal.Decimal `gorm:"column:progress;type:numeric(20,2);not null;default:0" json:"progress"`
	RemainingRollover   decimal.Decimal `gorm:"column:remaining_rollover;type:numeric(20,2);not null" json:"remaining_rollover"`
	Version             int             `gorm:"column:version;not null;default:1" json:"-"`
	AwardedAt           time.Time       `gorm:"column:awarded_at;not null" json:"awarded_at"`
	ExpiresAt           time.Time       `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CompletedAt         *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

// BonusEvent attributes one settled wager to a grant. The round id is unique
// so a replayed gameplay event can never double-count.
type BonusEvent struct {
	EventID          string          `gorm:"column:event_id;primaryKey;type:uuid" json:"event_id"`
	UserBonusID      string          `gorm:"column:user_bonus_id;type:uuid;not null;index" json:"user_bonus_id"`
	RoundID          string          `gorm:"column:round_id;type:varchar(255);not null;unique" json:"round_id"`
	Category         string          `gorm:"column:category;type:varchar(50);not null" json:"category"`
	WagerAmount      decimal.Decimal `gorm:"column:wager_amount;type:numeric(20,2);not null" json:"wager_amount"`
	ContributionRate decimal.Decimal `gorm:"column:contribution_rate;type:numeric(5,4);not null" json:"contribution_rate"`
	Contribution     decimal.Decimal `gorm:"column:contribution;type:numeric(20,2);not null" json:"contribution"`
	CreatedAt        time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

type WageringProgress struct {
	UserBonusID         string          `json:"user_bonus_id"`
	WageringRequirement decimal.Decimal `json:"wagering_requirement"`
	Progress            decimal.Decimal `json:"progress"`
	RemainingRollover   decimal.Decimal `json:"remaining_rollover"`
	PercentageComplete  float64         `json:"percentage_complete"`
	Completed           bool            `json:"completed"`
}

type BonusUpdate struct {
	UserBonusID       string          `json:"user_bonus_id"`
	UserID            string          `json:"user_id"`
	Progress          decimal.Decimal `json:"progress"`
	RemainingRollover decimal.Decimal `json:"remaining_rollover"`
	Status            string          `json:"status"`
	Completed         bool            `json:"completed"`
	Forfeited         bool            `json:"forfeited"`
	Timestamp         time.Time       `json:"timestamp"`
}

const (
	BonusStatusPending   = "pending"
	BonusStatusActive    = "active"
	BonusStatusCompleted = "completed"
	BonusStatusExpired   = "expired"
	BonusStatusCancelled = "cancelled"
)

const (
	BonusTypeFirstDeposit = "first_deposit"
	BonusTypeReload       = "reload"
	BonusTypeCashback     = "cashback"
	BonusTypeFreebet      = "freebet"
)

const (
	AmountTypePercent = "percent"
	AmountTypeFixed   = "fixed"
)
