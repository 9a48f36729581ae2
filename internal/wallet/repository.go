package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrOptimisticLock    = errors.New("optimistic lock error")
)

type WalletRepository interface {
	GetWallet(ctx context.Context, userID string, walletType string, currency string) (*Wallet, error)
	GetWalletTx(ctx context.Context, tx *gorm.DB, userID string, walletType string, currency string) (*Wallet, error)
	GetTransactionByReference(ctx context.Context, referenceID string, transactionType string) (*Transaction, error)
	CreateWallet(ctx context.Context, userID string, walletType string, currency string) (*Wallet, error)
	Credit(ctx context.Context, transaction *Transaction) error
	Debit(ctx context.Context, transaction *Transaction) error
	CreditTx(ctx context.Context, tx *gorm.DB, transaction *Transaction) error
	DebitTx(ctx context.Context, tx *gorm.DB, transaction *Transaction) error
	SumCompletedByType(ctx context.Context, tx *gorm.DB, userID string, transactionType string, from, to time.Time) (decimal.Decimal, error)
}

type WalletRepositoryImpl struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepositoryImpl {
	return &WalletRepositoryImpl{db: db}
}

func (r *WalletRepositoryImpl) GetWallet(ctx context.Context, userID string, walletType string, currency string) (*Wallet, error) {
	return r.GetWalletTx(ctx, r.db, userID, walletType, currency)
}

func (r *WalletRepositoryImpl) GetWalletTx(ctx context.Context, tx *gorm.DB, userID string, walletType string, currency string) (*Wallet, error) {
	var w Wallet
	err := tx.WithContext(ctx).
		Where("user_id = ? AND wallet_type = ? AND currency = ?", userID, walletType, currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) GetTransactionByReference(ctx context.Context, referenceID string, transactionType string) (*Transaction, error) {
	var t Transaction
	err := r.db.WithContext(ctx).
		Where("reference_id = ? AND transaction_type = ?", referenceID, transactionType).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *WalletRepositoryImpl) CreateWallet(ctx context.Context, userID string, walletType string, currency string) (*Wallet, error) {
	w := Wallet{
		WalletID:   uuid.New().String(),
		UserID:     userID,
		WalletType: walletType,
		Currency:   currency,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepositoryImpl) Credit(ctx context.Context, tx *Transaction) error {
	return r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		return r.CreditTx(ctx, dbtx, tx)
	})
}

func (r *WalletRepositoryImpl) Debit(ctx context.Context, tx *Transaction) error {
	return r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		return r.DebitTx(ctx, dbtx, tx)
	})
}

// CreditTx applies a credit inside the caller's transaction. The wallet row
// is guarded by its version column; a concurrent writer surfaces as
// ErrOptimisticLock and the caller decides whether to retry.
func (r *WalletRepositoryImpl) CreditTx(ctx context.Context, dbtx *gorm.DB, tx *Transaction) error {
	var w Wallet
	if err := dbtx.WithContext(ctx).Where("wallet_id = ?", tx.WalletID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		return err
	}

	newBalance := w.Balance.Add(tx.Amount)
	return r.applyBalanceChange(ctx, dbtx, &w, tx, newBalance)
}

// DebitTx applies a debit inside the caller's transaction. The balance check
// and the conditional write happen against the same row read, so a stale
// balance can never be overdrawn.
func (r *WalletRepositoryImpl) DebitTx(ctx context.Context, dbtx *gorm.DB, tx *Transaction) error {
	var w Wallet
	if err := dbtx.WithContext(ctx).Where("wallet_id = ?", tx.WalletID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		return err
	}

	if w.Balance.LessThan(tx.Amount) {
		return ErrInsufficientFunds
	}

	newBalance := w.Balance.Sub(tx.Amount)
	return r.applyBalanceChange(ctx, dbtx, &w, tx, newBalance)
}

func (r *WalletRepositoryImpl) applyBalanceChange(ctx context.Context, dbtx *gorm.DB, w *Wallet, tx *Transaction, newBalance decimal.Decimal) error {
	result := dbtx.WithContext(ctx).Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	tx.TransactionID = uuid.New().String()
	tx.UserID = w.UserID
	tx.BalanceBefore = w.Balance
	tx.BalanceAfter = newBalance
	tx.Status = "completed"
	tx.CreatedAt = time.Now()
	now := time.Now()
	tx.CompletedAt = &now

	return dbtx.WithContext(ctx).Create(tx).Error
}

func (r *WalletRepositoryImpl) SumCompletedByType(ctx context.Context, tx *gorm.DB, userID string, transactionType string, from, to time.Time) (decimal.Decimal, error) {
	db := tx
	if db == nil {
		db = r.db
	}
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&Transaction{}).
		Select("SUM(amount)").
		Where("user_id = ? AND transaction_type = ? AND status = ? AND created_at >= ? AND created_at < ?",
			userID, transactionType, "completed", from, to).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
