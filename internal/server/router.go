package server

import (
	"errors"
	"net/http"
	"time"

	"casino_core/internal/audit"
	"casino_core/internal/bonus"
	"casino_core/internal/kyc"
	"casino_core/internal/wallet"
	"casino_core/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type Services struct {
	Wallet     *wallet.Service
	Bonus      *bonus.BonusService
	KYC        *kyc.Service
	Withdrawal *withdrawal.Service
	Audit      *audit.Service
}

func NewRouter(svcs Services) *gin.Engine {
	r := gin.Default()

	r.POST("/transaction", func(c *gin.Context) {
		var req wallet.TransactionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := svcs.Wallet.ProcessTransaction(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.GET("/balance/:user_id", func(c *gin.Context) {
		userID := c.Param("user_id")
		walletType := c.DefaultQuery("type", wallet.WalletTypeMain)
		currency := c.DefaultQuery("currency", "USD")

		w, err := svcs.Wallet.GetBalance(c.Request.Context(), userID, walletType, currency)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": w})
	})

	r.POST("/bonus/grant", func(c *gin.Context) {
		var req struct {
			UserID        string          `json:"user_id" binding:"required"`
			CampaignID    string          `json:"campaign_id" binding:"required"`
			ContextAmount decimal.Decimal `json:"context_amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userBonus, err := svcs.Bonus.GrantBonus(c.Request.Context(), req.UserID, req.CampaignID, req.ContextAmount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userBonus)
	})

	r.POST("/bonus/wager", func(c *gin.Context) {
		var req struct {
			UserBonusID string          `json:"user_bonus_id" binding:"required"`
			RoundID     string          `json:"round_id" binding:"required"`
			Category    string          `json:"category"`
			WagerAmount decimal.Decimal `json:"wager_amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userBonus, err := svcs.Bonus.RecordWager(c.Request.Context(), req.UserBonusID, req.RoundID, req.Category, req.WagerAmount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userBonus)
	})

	r.POST("/bonus/sweep", func(c *gin.Context) {
		swept, err := svcs.Bonus.SweepExpired(c.Request.Context(), time.Now())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": swept})
	})

	r.GET("/bonus/progress/:user_bonus_id", func(c *gin.Context) {
		progress, err := svcs.Bonus.GetProgress(c.Request.Context(), c.Param("user_bonus_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
	})

	r.POST("/bonus/:user_bonus_id/cancel", func(c *gin.Context) {
		var req struct {
			AdminID string `json:"admin_id" binding:"required"`
			Note    string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userBonus, err := svcs.Bonus.CancelBonus(c.Request.Context(), c.Param("user_bonus_id"), req.AdminID, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userBonus)
	})

	r.GET("/limits/check", func(c *gin.Context) {
		userID := c.Query("user_id")
		kind := c.DefaultQuery("kind", kyc.KindWithdrawal)
		amount, err := decimal.NewFromString(c.Query("amount"))
		if err != nil || userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and a numeric amount are required"})
			return
		}
		result, err := svcs.KYC.CheckLimit(c.Request.Context(), userID, amount, kind)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.POST("/kyc/verifications", func(c *gin.Context) {
		var req struct {
			UserID         string   `json:"user_id" binding:"required"`
			RequestedLevel int      `json:"requested_level" binding:"required"`
			Documents      []string `json:"documents"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		verification, err := svcs.KYC.RequestVerification(c.Request.Context(), req.UserID, req.RequestedLevel, req.Documents)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verification)
	})

	r.POST("/kyc/verifications/:id/review", func(c *gin.Context) {
		var req struct {
			AdminID  string `json:"admin_id" binding:"required"`
			Decision string `json:"decision" binding:"required"`
			Note     string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		verification, err := svcs.KYC.ReviewVerification(c.Request.Context(), c.Param("id"), req.AdminID, req.Decision, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, verification)
	})

	r.POST("/withdrawals", func(c *gin.Context) {
		var req struct {
			UserID   string          `json:"user_id" binding:"required"`
			Amount   decimal.Decimal `json:"amount"`
			Currency string          `json:"currency" binding:"required"`
			Method   string          `json:"method" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.RequestWithdrawal(c.Request.Context(), req.UserID, req.Amount, req.Currency, req.Method)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.POST("/withdrawals/:id/review", func(c *gin.Context) {
		var req struct {
			AdminID  string `json:"admin_id" binding:"required"`
			Decision string `json:"decision" binding:"required"`
			Note     string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.ReviewWithdrawal(c.Request.Context(), c.Param("id"), req.AdminID, req.Decision, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.POST("/withdrawals/:id/cancel", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.CancelWithdrawal(c.Request.Context(), c.Param("id"), req.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.POST("/withdrawals/:id/processing", func(c *gin.Context) {
		var req struct {
			AdminID string `json:"admin_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.MarkProcessing(c.Request.Context(), c.Param("id"), req.AdminID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.POST("/withdrawals/:id/complete", func(c *gin.Context) {
		var req struct {
			AdminID string `json:"admin_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.CompleteWithdrawal(c.Request.Context(), c.Param("id"), req.AdminID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.POST("/withdrawals/:id/fail", func(c *gin.Context) {
		var req struct {
			AdminID string `json:"admin_id" binding:"required"`
			Reason  string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := svcs.Withdrawal.FailWithdrawal(c.Request.Context(), c.Param("id"), req.AdminID, req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	r.PATCH("/campaigns/:campaign_id", func(c *gin.Context) {
		var req struct {
			AdminID string                 `json:"admin_id" binding:"required"`
			Note    string                 `json:"note"`
			Updates map[string]interface{} `json:"updates" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svcs.Bonus.UpdateCampaign(c.Request.Context(), c.Param("campaign_id"), req.AdminID, req.Note, req.Updates); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": true})
	})

	r.POST("/audit/purge", func(c *gin.Context) {
		var req struct {
			AdminID string    `json:"admin_id" binding:"required"`
			Before  time.Time `json:"before" binding:"required"`
			Note    string    `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		deleted, err := svcs.Audit.Purge(c.Request.Context(), req.AdminID, req.Before, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	})

	r.GET("/withdrawals/queue", func(c *gin.Context) {
		queue, err := svcs.Withdrawal.ListReviewQueue(c.Request.Context(), 100)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"withdrawals": queue})
	})

	r.GET("/audit/activities", func(c *gin.Context) {
		activities, err := svcs.Audit.ListActivities(c.Request.Context(), c.Query("target_type"), c.Query("target_id"), 100)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"activities": activities})
	})

	return r
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bonus.ErrInvalidContribution),
		errors.Is(err, bonus.ErrMissingCancelNote),
		errors.Is(err, withdrawal.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrMissingReviewNote),
		errors.Is(err, withdrawal.ErrInvalidDecision),
		errors.Is(err, kyc.ErrMissingReviewNote),
		errors.Is(err, kyc.ErrInvalidReviewOutcome),
		errors.Is(err, kyc.ErrInvalidLevelRequest),
		errors.Is(err, wallet.ErrInvalidTransactionType),
		errors.Is(err, audit.ErrMissingActor),
		errors.Is(err, audit.ErrMissingPurgeNote):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, withdrawal.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, bonus.ErrBonusNotFound),
		errors.Is(err, bonus.ErrCampaignNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, withdrawal.ErrWithdrawalNotFound),
		errors.Is(err, kyc.ErrVerificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, withdrawal.ErrStaleWithdrawalState),
		errors.Is(err, kyc.ErrStaleVerificationState),
		errors.Is(err, kyc.ErrVerificationOpen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bonus.ErrIneligibleGrant),
		errors.Is(err, bonus.ErrBonusNotActive),
		errors.Is(err, bonus.ErrBonusExpired),
		errors.Is(err, withdrawal.ErrLimitExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
