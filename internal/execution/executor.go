package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

// contractsPerLeg is the fixed order size. Partial fills are out of scope;
// a leg either fills completely or is treated as failed.
const contractsPerLeg = 1

// KalshiTrader is the slice of the Kalshi trade client the engine needs.
type KalshiTrader interface {
	PlaceLimitOrder(ctx context.Context, ticker string, side types.KalshiLeg, count, priceCents int) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PolymarketTrader is the slice of the Polymarket trade client the engine
// needs. Orders are fill-or-kill.
type PolymarketTrader interface {
	PlaceOrder(ctx context.Context, tokenID string, side types.Side, price, size float64) (types.OrderResult, error)
}

// Executor places both legs of an arbitrage, one venue after the other, and
// unwinds leg 1 if leg 2 fails so no naked position survives an error.
//
// It keeps its own mirror of the risk gates so a stale upstream check can
// never push an order through, plus the hourly trade counter and daily PnL
// the gates read. Callers must not invoke ExecuteArbitrage concurrently for
// the same opportunity.
type Executor struct {
	cfg       config.TradingConfig
	dryRun    bool
	kalshi    KalshiTrader
	poly      PolymarketTrader
	positions *PositionTracker
	latency   *LatencyTracker
	log       *slog.Logger

	mu             sync.Mutex
	tradesThisHour int
	dailyPnL       float64
}

// NewExecutor wires the order engine to its venue clients and ledgers.
func NewExecutor(
	cfg config.TradingConfig,
	dryRun bool,
	kalshi KalshiTrader,
	poly PolymarketTrader,
	positions *PositionTracker,
	latency *LatencyTracker,
	log *slog.Logger,
) *Executor {
	return &Executor{
		cfg:       cfg,
		dryRun:    dryRun,
		kalshi:    kalshi,
		poly:      poly,
		positions: positions,
		latency:   latency,
		log:       log.With("component", "executor"),
	}
}

// ExecuteArbitrage runs the five-step pipeline for one opportunity:
// preflight, dry-run gate, leg 1 (Kalshi), leg 2 (Polymarket), record.
// A leg-2 failure triggers an unwind of leg 1.
func (e *Executor) ExecuteArbitrage(ctx context.Context, opp types.ArbitrageCheck) types.ExecutionResult {
	m := e.latency.StartMeasurement("")

	if ok, reason := e.preflight(opp); !ok {
		e.log.Info("preflight rejected", "reason", reason, "strike", opp.KalshiStrike)
		return result(types.ExecPreflightFailed, opp, reason)
	}

	if e.dryRun {
		e.log.Info("dry run, orders not placed",
			"type", opp.Type,
			"strike", opp.KalshiStrike,
			"total_cost", opp.TotalCost,
			"net_margin", opp.NetMargin)
		return result(types.ExecDryRun, opp, "")
	}

	e.log.Info("executing arbitrage",
		"type", opp.Type,
		"strike", opp.KalshiStrike,
		"kalshi_leg", opp.KalshiLeg,
		"poly_leg", opp.PolyLeg,
		"total_cost", opp.TotalCost,
		"net_margin", opp.NetMargin)

	// Leg 1: Kalshi. Its order path is the faster of the two, which keeps
	// the exposure window between fills as small as possible.
	m.MarkLeg1Sent()
	leg1, err := e.kalshi.PlaceLimitOrder(ctx, opp.KalshiTicker, opp.KalshiLeg, contractsPerLeg, priceCents(opp.KalshiCost))
	if err != nil {
		e.log.Error("leg 1 failed", "ticker", opp.KalshiTicker, "err", err)
		return result(types.ExecLeg1Failed, opp, fmt.Sprintf("kalshi order failed: %v", err))
	}
	m.MarkLeg1Filled()

	// Leg 2: Polymarket, fill-or-kill at the quoted ask.
	m.MarkLeg2Sent()
	leg2, err := e.poly.PlaceOrder(ctx, opp.PolyToken, types.BUY, opp.PolyCost, contractsPerLeg)
	if err != nil {
		return e.unwind(ctx, opp, leg1, err)
	}
	m.MarkLeg2Filled()

	pair := e.record(opp)
	e.latency.CompleteMeasurement(m)

	e.log.Info("arbitrage executed",
		"pair_id", pair.ID,
		"total_cost", pair.TotalCost,
		"expected_profit", pair.ExpectedProfit)

	res := result(types.ExecSuccess, opp, "")
	res.Leg1 = &leg1
	res.Leg2 = &leg2
	res.PairID = pair.ID
	return res
}

// unwind cancels the filled Kalshi leg after a Polymarket failure. A missing
// leg-1 order id means there is nothing resting on the venue, which counts
// as unwound.
func (e *Executor) unwind(ctx context.Context, opp types.ArbitrageCheck, leg1 types.OrderResult, leg2Err error) types.ExecutionResult {
	e.log.Warn("leg 2 failed, unwinding leg 1",
		"order_id", leg1.OrderID,
		"err", leg2Err)

	if leg1.OrderID == "" {
		res := result(types.ExecUnwound, opp, fmt.Sprintf("polymarket order failed: %v; no kalshi order to unwind", leg2Err))
		res.Leg1 = &leg1
		return res
	}

	if err := e.kalshi.CancelOrder(ctx, leg1.OrderID); err != nil {
		e.log.Error("unwind cancel failed, kalshi leg is naked",
			"order_id", leg1.OrderID,
			"err", err)
		res := result(types.ExecLeg2Failed, opp, fmt.Sprintf("polymarket order failed: %v; unwind failed: %v", leg2Err, err))
		res.Leg1 = &leg1
		return res
	}

	e.log.Info("leg 1 unwound", "order_id", leg1.OrderID)
	res := result(types.ExecUnwound, opp, fmt.Sprintf("polymarket order failed: %v; kalshi leg cancelled", leg2Err))
	res.Leg1 = &leg1
	return res
}

// record opens both positions with cross-references, opens the pair, and
// bumps the hourly counter.
func (e *Executor) record(opp types.ArbitrageCheck) types.ArbitragePair {
	kSide := types.SideShort
	if opp.KalshiLeg == types.KalshiYes {
		kSide = types.SideLong
	}
	pSide := types.SideShort
	if opp.PolyLeg == types.PolyUp {
		pSide = types.SideLong
	}

	kPos := e.positions.OpenPosition(types.VenueKalshi, kSide, opp.KalshiTicker, opp.KalshiCost, contractsPerLeg)
	pPos := e.positions.OpenPosition(types.VenuePolymarket, pSide, opp.PolyToken, opp.PolyCost, contractsPerLeg)
	pair := e.positions.OpenArbitrage(kPos, pPos, opp.NetMargin)

	e.mu.Lock()
	e.tradesThisHour++
	e.mu.Unlock()
	return pair
}

// preflight mirrors the risk gates inside the engine: margin, rate,
// exposure, single-trade, daily-loss. First failure wins.
func (e *Executor) preflight(opp types.ArbitrageCheck) (bool, string) {
	e.mu.Lock()
	trades := e.tradesThisHour
	pnl := e.dailyPnL
	e.mu.Unlock()

	cost := opp.TotalCost
	exposure := e.positions.TotalExposure()

	switch {
	case opp.NetMargin < e.cfg.MinNetMargin:
		return false, fmt.Sprintf("net margin $%.4f under minimum $%.4f", opp.NetMargin, e.cfg.MinNetMargin)
	case trades >= e.cfg.MaxTradesPerHour:
		return false, fmt.Sprintf("hourly trade limit reached: %d/%d", trades, e.cfg.MaxTradesPerHour)
	case exposure+cost > e.cfg.MaxTotalExposureUSD:
		return false, fmt.Sprintf("exposure $%.2f + $%.2f over max $%.2f", exposure, cost, e.cfg.MaxTotalExposureUSD)
	case cost > e.cfg.MaxSingleTradeUSD:
		return false, fmt.Sprintf("trade cost $%.2f over max $%.2f", cost, e.cfg.MaxSingleTradeUSD)
	case pnl <= -e.cfg.MaxDailyLossUSD:
		return false, fmt.Sprintf("daily loss $%.2f at limit $%.2f", -pnl, e.cfg.MaxDailyLossUSD)
	}
	return true, ""
}

// ————————————————————————————————————————————————————————————————————————
// Housekeeping
// ————————————————————————————————————————————————————————————————————————

// RecordPnL adjusts the engine's daily PnL, fed from settlements.
func (e *Executor) RecordPnL(delta float64) {
	e.mu.Lock()
	e.dailyPnL += delta
	e.mu.Unlock()
}

// SettleExpiredPairs settles every open pair opened before cutoff at its
// locked-in expected profit, books that profit into the daily PnL, and
// returns the settled pairs. Hourly contracts stop trading at the top of
// the hour, so a pair opened in an earlier hour has already paid out.
func (e *Executor) SettleExpiredPairs(cutoff time.Time) []types.ArbitragePair {
	var settled []types.ArbitragePair
	for _, pair := range e.positions.Arbitrages() {
		if pair.Status != types.PairOpen || !pair.OpenedAt.Before(cutoff) {
			continue
		}
		done, ok := e.positions.SettleArbitrage(pair.ID, pair.ExpectedProfit)
		if !ok {
			continue
		}
		e.RecordPnL(pair.ExpectedProfit)
		settled = append(settled, done)
	}
	return settled
}

// ResetHourlyCounter zeroes the trade counter. Called on the hour boundary.
func (e *Executor) ResetHourlyCounter() {
	e.mu.Lock()
	prev := e.tradesThisHour
	e.tradesThisHour = 0
	e.mu.Unlock()
	e.log.Info("hourly trade counter reset", "previous", prev)
}

// ResetDailyLoss zeroes the daily PnL. Called at UTC midnight.
func (e *Executor) ResetDailyLoss() {
	e.mu.Lock()
	prev := e.dailyPnL
	e.dailyPnL = 0
	e.mu.Unlock()
	e.log.Info("daily loss counter reset", "previous", roundTo(prev, 4))
}

// ExecutorStatus is the engine roll-up for monitoring endpoints.
type ExecutorStatus struct {
	DryRun           bool    `json:"dry_run"`
	TradesThisHour   int     `json:"trades_this_hour"`
	MaxTradesPerHour int     `json:"max_trades_per_hour"`
	DailyPnL         float64 `json:"daily_pnl"`
}

// Status reports engine counters. Never includes credentials.
func (e *Executor) Status() ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExecutorStatus{
		DryRun:           e.dryRun,
		TradesThisHour:   e.tradesThisHour,
		MaxTradesPerHour: e.cfg.MaxTradesPerHour,
		DailyPnL:         roundTo(e.dailyPnL, 4),
	}
}

func result(status types.ExecStatus, opp types.ArbitrageCheck, errMsg string) types.ExecutionResult {
	return types.ExecutionResult{
		Status:      status,
		Opportunity: opp,
		Error:       errMsg,
		Timestamp:   time.Now().UTC(),
	}
}

// priceCents converts a dollar cost to integer cents for the Kalshi order
// body.
func priceCents(usd float64) int {
	return int(math.Round(usd * 100))
}
