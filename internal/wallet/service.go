package wallet

import (
	"context"
	"errors"
	"time"

	"casino_core/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

var ErrInvalidTransactionType = errors.New("invalid transaction type")

type TransactionRequest struct {
	UserID          string          `json:"user_id"`
	WalletType      string          `json:"wallet_type"`
	TransactionType string          `json:"transaction_type"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceID     string          `json:"reference_id"`
	Currency        string          `json:"currency"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
}

type Service struct {
	repo WalletRepository
}

func NewService(repo WalletRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetBalance(ctx context.Context, userID string, walletType string, currency string) (*Wallet, error) {
	return s.repo.GetWallet(ctx, userID, walletType, currency)
}

// ProcessTransaction applies a deposit/win credit or a bet debit. The
// reference id deduplicates replayed requests; a replay returns the original
// outcome instead of moving money twice.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error) {
	existingTx, err := s.repo.GetTransactionByReference(ctx, req.ReferenceID, req.TransactionType)
	if err != nil {
		return nil, err
	}
	if existingTx != nil {
		return &TransactionResponse{
			TransactionID: existingTx.TransactionID,
			Balance:       existingTx.BalanceAfter,
			Status:        existingTx.Status,
		}, nil
	}

	w, err := s.repo.GetWallet(ctx, req.UserID, req.WalletType, req.Currency)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			if req.TransactionType == TxTypeWithdrawal || req.TransactionType == TxTypeBet {
				return nil, ErrInsufficientFunds
			}
			w, err = s.repo.CreateWallet(ctx, req.UserID, req.WalletType, req.Currency)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	tx := &Transaction{
		WalletID:        w.WalletID,
		UserID:          req.UserID,
		TransactionType: req.TransactionType,
		Amount:          req.Amount,
		ReferenceID:     req.ReferenceID,
	}

	for i := 0; i < MaxRetries; i++ {
		switch req.TransactionType {
		case TxTypeDeposit, TxTypeWin, TxTypeBonusRelease, TxTypeRefund:
			err = s.repo.Credit(ctx, tx)
		case TxTypeWithdrawal, TxTypeBet:
			err = s.repo.Debit(ctx, tx)
		default:
			return nil, ErrInvalidTransactionType
		}
		if err == nil {
			logger.Debug("wallet transaction applied",
				zap.String("user_id", req.UserID),
				zap.String("type", req.TransactionType),
				zap.String("amount", req.Amount.String()))
			return &TransactionResponse{
				TransactionID: tx.TransactionID,
				Balance:       tx.BalanceAfter,
				Status:        tx.Status,
			}, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, err
}
