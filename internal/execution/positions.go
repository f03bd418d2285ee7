// Package execution owns the trade lifecycle after detection:
//
//   - Executor: the dual-leg order engine with preflight gates and unwind
//   - PositionTracker: in-memory ledger of open positions and arb pairs
//   - LatencyTracker: per-trade timing samples and rolling percentiles
//
// Position truth lives here between persistence commits; the store is a
// write-through collaborator.
package execution

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"btcarb/pkg/types"
)

// PositionTracker maintains the open-position ledger across both venues and
// the arbitrage pairs that link them. Thread-safe; all mutations are atomic
// at the operation level.
type PositionTracker struct {
	log *slog.Logger

	mu        sync.Mutex
	positions map[string]types.Position      // open positions only
	pairs     map[string]*types.ArbitragePair // all pairs, open and settled
	posSeq    int
	pairSeq   int
}

// NewPositionTracker creates an empty in-memory ledger.
func NewPositionTracker(log *slog.Logger) *PositionTracker {
	return &PositionTracker{
		log:       log.With("component", "positions"),
		positions: make(map[string]types.Position),
		pairs:     make(map[string]*types.ArbitragePair),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Position management
// ————————————————————————————————————————————————————————————————————————

// OpenPosition records a new open position and assigns it a POS id.
func (pt *PositionTracker) OpenPosition(venue types.Venue, side types.PositionSide, ticker string, entryPrice float64, size int) types.Position {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.posSeq++
	pos := types.Position{
		ID:         fmt.Sprintf("POS-%06d", pt.posSeq),
		Venue:      venue,
		Side:       side,
		Ticker:     ticker,
		EntryPrice: entryPrice,
		Size:       size,
		CostUSD:    roundTo(entryPrice*float64(size), 6),
		OpenedAt:   time.Now().UTC(),
	}
	pt.positions[pos.ID] = pos

	pt.log.Info("position opened",
		"id", pos.ID,
		"venue", venue,
		"side", side,
		"ticker", ticker,
		"entry", entryPrice,
		"size", size,
		"cost_usd", pos.CostUSD)
	return pos
}

// ClosePosition removes a position from the open ledger. Returns the closed
// position and whether it was found.
func (pt *PositionTracker) ClosePosition(id, reason string) (types.Position, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.closeLocked(id, reason)
}

func (pt *PositionTracker) closeLocked(id, reason string) (types.Position, bool) {
	pos, ok := pt.positions[id]
	if !ok {
		pt.log.Warn("position not found for closing", "id", id)
		return types.Position{}, false
	}
	delete(pt.positions, id)
	pt.log.Info("position closed", "id", id, "reason", reason)
	return pos, true
}

// ————————————————————————————————————————————————————————————————————————
// Arbitrage pair management
// ————————————————————————————————————————————————————————————————————————

// OpenArbitrage pairs a Kalshi and a Polymarket position into one arbitrage,
// cross-linking the two legs in the ledger. Both positions must already be
// open.
func (pt *PositionTracker) OpenArbitrage(kalshi, poly types.Position, expectedProfit float64) types.ArbitragePair {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	kalshi.LinkedID = poly.ID
	poly.LinkedID = kalshi.ID
	if _, ok := pt.positions[kalshi.ID]; ok {
		pt.positions[kalshi.ID] = kalshi
	}
	if _, ok := pt.positions[poly.ID]; ok {
		pt.positions[poly.ID] = poly
	}

	pt.pairSeq++
	pair := types.ArbitragePair{
		ID:             fmt.Sprintf("ARB-%06d", pt.pairSeq),
		Kalshi:         kalshi,
		Poly:           poly,
		TotalCost:      roundTo(kalshi.CostUSD+poly.CostUSD, 6),
		ExpectedPayout: 1.0,
		ExpectedProfit: roundTo(expectedProfit, 6),
		Status:         types.PairOpen,
		OpenedAt:       time.Now().UTC(),
	}
	pt.pairs[pair.ID] = &pair

	pt.log.Info("arbitrage opened",
		"id", pair.ID,
		"cost_usd", pair.TotalCost,
		"expected_profit", pair.ExpectedProfit)
	return pair
}

// SettleArbitrage marks a pair settled and closes both legs. actualPnL of 0
// means unknown, in which case the expected profit is reported instead.
func (pt *PositionTracker) SettleArbitrage(id string, actualPnL float64) (types.ArbitragePair, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pair, ok := pt.pairs[id]
	if !ok {
		pt.log.Warn("arbitrage not found", "id", id)
		return types.ArbitragePair{}, false
	}

	now := time.Now().UTC()
	pair.Status = types.PairSettled
	pair.SettledAt = &now
	pt.closeLocked(pair.Kalshi.ID, "arb_settled")
	pt.closeLocked(pair.Poly.ID, "arb_settled")

	pnl := actualPnL
	if pnl == 0 {
		pnl = pair.ExpectedProfit
	}
	pt.log.Info("arbitrage settled", "id", id, "pnl", pnl)
	return *pair, true
}

// ————————————————————————————————————————————————————————————————————————
// Exposure and reporting
// ————————————————————————————————————————————————————————————————————————

// TotalExposure returns the USD at risk across all open positions.
func (pt *PositionTracker) TotalExposure() float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.exposureLocked("")
}

// VenueExposure returns the USD at risk on one venue.
func (pt *PositionTracker) VenueExposure(v types.Venue) float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.exposureLocked(v)
}

// exposureLocked sums open-position cost, optionally filtered by venue.
func (pt *PositionTracker) exposureLocked(v types.Venue) float64 {
	var sum float64
	for _, p := range pt.positions {
		if v == "" || p.Venue == v {
			sum += p.CostUSD
		}
	}
	return sum
}

// OpenPositions returns all open positions.
func (pt *PositionTracker) OpenPositions() []types.Position {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make([]types.Position, 0, len(pt.positions))
	for _, p := range pt.positions {
		out = append(out, p)
	}
	return out
}

// Arbitrages returns all pairs, open and settled.
func (pt *PositionTracker) Arbitrages() []types.ArbitragePair {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	out := make([]types.ArbitragePair, 0, len(pt.pairs))
	for _, a := range pt.pairs {
		out = append(out, *a)
	}
	return out
}

// PositionSummary is the ledger roll-up exposed on monitoring endpoints.
type PositionSummary struct {
	OpenPositions       int     `json:"open_positions"`
	TotalExposureUSD    float64 `json:"total_exposure_usd"`
	KalshiExposureUSD   float64 `json:"kalshi_exposure_usd"`
	PolyExposureUSD     float64 `json:"polymarket_exposure_usd"`
	OpenArbitrages      int     `json:"open_arbitrages"`
	SettledArbitrages   int     `json:"settled_arbitrages"`
	TotalExpectedProfit float64 `json:"total_expected_profit"`
}

// Summary returns aggregate ledger statistics.
func (pt *PositionTracker) Summary() PositionSummary {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var open, settled int
	var expectedProfit float64
	for _, a := range pt.pairs {
		switch a.Status {
		case types.PairOpen:
			open++
			expectedProfit += a.ExpectedProfit
		case types.PairSettled:
			settled++
		}
	}

	return PositionSummary{
		OpenPositions:       len(pt.positions),
		TotalExposureUSD:    roundTo(pt.exposureLocked(""), 2),
		KalshiExposureUSD:   roundTo(pt.exposureLocked(types.VenueKalshi), 2),
		PolyExposureUSD:     roundTo(pt.exposureLocked(types.VenuePolymarket), 2),
		OpenArbitrages:      open,
		SettledArbitrages:   settled,
		TotalExpectedProfit: roundTo(expectedProfit, 4),
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
