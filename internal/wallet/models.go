package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	WalletID   string          `gorm:"column:wallet_id;primaryKey;type:uuid" json:"wallet_id"`
	UserID     string          `gorm:"column:user_id;type:uuid;not null;index:idx_wallet_owner" json:"user_id"`
	WalletType string          `gorm:"column:wallet_type;type:varchar(20);not null;index:idx_wallet_owner" json:"wallet_type"` // "main", "bonus"
	Currency   string          `gorm:"column:currency;type:varchar(3);not null;index:idx_wallet_owner" json:"currency"`
	Balance    decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0" json:"balance"`
	Version    int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

type Transaction struct {
	TransactionID   string          `gorm:"column:transaction_id;primaryKey;type:uuid" json:"transaction_id"`
	WalletID        string          `gorm:"column:wallet_id;type:uuid;not null;index" json:"wallet_id"`
	UserID          string          `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	TransactionType string          `gorm:"column:transaction_type;type:varchar(20);not null" json:"transaction_type"` // "deposit", "withdrawal", "bet", "win", "bonus_release", "refund"
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	BalanceBefore   decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null" json:"balance_before"`
	BalanceAfter    decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null" json:"balance_after"`
	ReferenceID     string          `gorm:"column:reference_id;type:varchar(255);not null;index" json:"reference_id"` // withdrawal id, game round, payment id
	Status          string          `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	CompletedAt     *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

const (
	WalletTypeMain  = "main"
	WalletTypeBonus = "bonus"
)

const (
	TxTypeDeposit      = "deposit"
	TxTypeWithdrawal   = "withdrawal"
	TxTypeBet          = "bet"
	TxTypeWin          = "win"
	TxTypeBonusRelease = "bonus_release"
	TxTypeRefund       = "refund"
)
