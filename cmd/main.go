package main

import (
	"fmt"

	"casino_core/internal/audit"
	"casino_core/internal/bonus"
	"casino_core/internal/config"
	"casino_core/internal/kyc"
	"casino_core/internal/server"
	"casino_core/internal/wallet"
	"casino_core/internal/withdrawal"
	"casino_core/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Error loading .env file", err)
	}

	config.Init()
	logger.Init(config.Global.App.Env)
	defer logger.Sync()

	db, err := gorm.Open(postgres.Open(config.Global.DB.ConnStr), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}

	auditRepo := audit.NewAuditRepository(db)
	auditSvc := audit.NewService(db, auditRepo)

	walletRepo := wallet.NewWalletRepository(db)
	walletSvc := wallet.NewService(walletRepo)

	bonusRepo := bonus.NewBonusRepository(db)
	bonusSvc := bonus.NewBonusService(db, bonusRepo, auditSvc,
		config.Global.Bonus.ContributionRates,
		config.Global.Bonus.DefaultContributionRate)

	withdrawalRepo := withdrawal.NewWithdrawalRepository(db)
	usage := withdrawal.NewLedgerUsageSource(withdrawalRepo, walletRepo, "USD")

	kycRepo := kyc.NewKYCRepository(db)
	kycSvc, err := kyc.NewService(db, kycRepo, usage, auditSvc, config.Global.Limits.Timezone)
	if err != nil {
		logger.Fatal("failed to build kyc service", zap.Error(err))
	}

	scorer := withdrawal.NewScorer(config.Global.Risk)
	withdrawalSvc := withdrawal.NewService(db, withdrawalRepo, walletRepo, kycSvc, auditSvc, scorer,
		config.Global.Withdrawal.FeeRate,
		config.Global.Withdrawal.AutoApproveEnable)

	r := server.NewRouter(server.Services{
		Wallet:     walletSvc,
		Bonus:      bonusSvc,
		KYC:        kycSvc,
		Withdrawal: withdrawalSvc,
		Audit:      auditSvc,
	})

	addr := ":" + config.Global.App.HttpPort
	logger.Info("server starting", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
