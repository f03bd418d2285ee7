// Package strategy implements the arbitrage decision core: a fee engine
// that converts raw dual-leg costs into net margins, and a detector that
// scans Kalshi strikes around the Polymarket reference strike for pairs
// whose combined cost beats the shared $1.00 payout.
package strategy

import (
	"btcarb/internal/config"
)

// FeeEngine computes the real cost of a dual-leg trade. Kalshi charges a fee
// on winning contracts only; Polymarket has no explicit fee but settles
// on-chain, so gas is the overhead. Stateless and deterministic in the
// configured parameters.
type FeeEngine struct {
	kalshiFee    float64
	polyGas      float64
	slippage     float64
	minNetMargin float64
}

// NewFeeEngine builds a fee engine from the fee parameters and the minimum
// net margin the profitability predicate enforces.
func NewFeeEngine(fees config.FeesConfig, minNetMargin float64) *FeeEngine {
	return &FeeEngine{
		kalshiFee:    fees.KalshiFeePerContract,
		polyGas:      fees.PolymarketGasCost,
		slippage:     fees.SlippageBuffer,
		minNetMargin: minNetMargin,
	}
}

// KalshiFee returns the per-contract fee. Losing contracts are free.
func (f *FeeEngine) KalshiFee(isWinning bool) float64 {
	if !isWinning {
		return 0
	}
	return f.kalshiFee
}

// PolymarketFee returns the estimated gas overhead per trade.
func (f *FeeEngine) PolymarketFee() float64 {
	return f.polyGas
}

// WorstCaseFees returns the total fee load assuming the winning venue is the
// one that charges, plus the slippage buffer for quote movement between read
// and fill.
func (f *FeeEngine) WorstCaseFees() float64 {
	fee := f.KalshiFee(true)
	if gas := f.PolymarketFee(); gas > fee {
		fee = gas
	}
	return fee + f.slippage
}

// FeeAdjustedCost returns the raw total cost plus worst-case fees.
func (f *FeeEngine) FeeAdjustedCost(rawTotal float64) float64 {
	return rawTotal + f.WorstCaseFees()
}

// NetMargin returns the profit per pair after worst-case fees. Positive
// means profitable against the $1.00 payout.
func (f *FeeEngine) NetMargin(rawTotal float64) float64 {
	return 1.00 - f.FeeAdjustedCost(rawTotal)
}

// IsProfitable reports whether the net margin meets the configured minimum.
// An exact $1.00 fee-adjusted cost is not arbitrage.
func (f *FeeEngine) IsProfitable(rawTotal float64) bool {
	return f.NetMargin(rawTotal) >= f.minNetMargin
}
