package withdrawal

import (
	"context"
	"errors"
	"time"

	"casino_core/internal/wallet"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerUsageSource feeds the limit gate from the live ledger: withdrawal
// volume from the withdrawal table, deposit volume and balance from the
// wallet journal. A non-nil tx scopes every read to the caller's transaction.
type LedgerUsageSource struct {
	withdrawals WithdrawalRepository
	wallets     wallet.WalletRepository
	currency    string
}

func NewLedgerUsageSource(withdrawals WithdrawalRepository, wallets wallet.WalletRepository, currency string) *LedgerUsageSource {
	return &LedgerUsageSource{withdrawals: withdrawals, wallets: wallets, currency: currency}
}

func (u *LedgerUsageSource) SumWithdrawals(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error) {
	return u.withdrawals.SumInWindow(ctx, tx, userID, from, to)
}

func (u *LedgerUsageSource) SumDeposits(ctx context.Context, tx *gorm.DB, userID string, from, to time.Time) (decimal.Decimal, error) {
	return u.wallets.SumCompletedByType(ctx, tx, userID, wallet.TxTypeDeposit, from, to)
}

func (u *LedgerUsageSource) CurrentBalance(ctx context.Context, tx *gorm.DB, userID string) (decimal.Decimal, error) {
	var w *wallet.Wallet
	var err error
	if tx != nil {
		w, err = u.wallets.GetWalletTx(ctx, tx, userID, wallet.WalletTypeMain, u.currency)
	} else {
		w, err = u.wallets.GetWallet(ctx, userID, wallet.WalletTypeMain, u.currency)
	}
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return w.Balance, nil
}
