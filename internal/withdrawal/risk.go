package withdrawal

import (
	"casino_core/internal/config"

	"github.com/shopspring/decimal"
)

// RiskInput is everything the scorer looks at. The caller gathers it from
// live reads; scoring itself is pure so the same input always produces the
// same score and flag set.
type RiskInput struct {
	Amount           decimal.Decimal
	KYCLevel         int
	RecentCount24h   int64
	RecentAvgAmount  decimal.Decimal
	AccountRiskFlags []string
}

// Scorer combines individual risk signals into a 0-100 score using fixed,
// configurable weights. Only the threshold behavior is hard contract: a score
// at or above the threshold forces manual review.
type Scorer struct {
	cfg config.RiskConfig

	// tierAllowance is the per-request amount a tier is expected to move
	// without raising the mismatch signal. Levels above the table are
	// treated as unbounded.
	tierAllowance map[int]decimal.Decimal
}

func NewScorer(cfg config.RiskConfig) *Scorer {
	return &Scorer{
		cfg: cfg,
		tierAllowance: map[int]decimal.Decimal{
			0: decimal.NewFromInt(100),
			1: decimal.NewFromInt(1000),
			2: decimal.NewFromInt(10000),
		},
	}
}

// Score returns the combined risk score and the reason code of every signal
// that fired.
func (s *Scorer) Score(input RiskInput) (int, []string) {
	score := 0
	var flags []string

	if allowance, ok := s.tierAllowance[input.KYCLevel]; ok && input.Amount.GreaterThan(allowance) {
		score += s.cfg.WeightTierMismatch
		flags = append(flags, FlagTierAmountMismatch)
	}

	if s.cfg.VelocityCountPerDay > 0 && input.RecentCount24h >= int64(s.cfg.VelocityCountPerDay) {
		score += s.cfg.WeightVelocityCount
		flags = append(flags, FlagHighVelocity)
	}

	if input.RecentAvgAmount.IsPositive() {
		factor := decimal.NewFromFloat(s.cfg.VelocityAmountFactor)
		if input.Amount.GreaterThan(input.RecentAvgAmount.Mul(factor)) {
			score += s.cfg.WeightVelocityAmt
			flags = append(flags, FlagAbnormalAmount)
		}
	}

	if len(input.AccountRiskFlags) > 0 {
		score += s.cfg.WeightAccountFlags
		flags = append(flags, FlagAccountRiskFlags)
	}

	if score > 100 {
		score = 100
	}
	return score, flags
}

// RequiresManualReview applies the high-risk threshold.
func (s *Scorer) RequiresManualReview(score int) bool {
	return score >= s.cfg.HighRiskThreshold
}
