package provider

import (
	"math"
	"time"
)

// CostMetrics is a usage snapshot with the provider's base cost in USD.
// Fields that do not apply to a pricing model are zero.
type CostMetrics struct {
	Provider string

	InputTokens  int
	OutputTokens int
	CachedTokens int

	InputAudioSeconds  float64
	OutputAudioSeconds float64

	SessionDuration time.Duration

	BaseCost float64
}

// Cost is a base cost with the operator margin applied.
type Cost struct {
	BaseCost     float64 `json:"base_cost"`
	ProfitAmount float64 `json:"profit_amount"`
	FinalCost    float64 `json:"final_cost"`
}

// WithMargin applies margin (0.2 = 20 %) to m.BaseCost. Negative margins are
// treated as zero. FinalCost is always BaseCost*(1+margin).
func (m CostMetrics) WithMargin(margin float64) Cost {
	if margin < 0 || math.IsNaN(margin) {
		margin = 0
	}
	profit := m.BaseCost * margin
	return Cost{
		BaseCost:     m.BaseCost,
		ProfitAmount: profit,
		FinalCost:    m.BaseCost + profit,
	}
}
