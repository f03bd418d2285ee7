package strategy

import (
	"log/slog"
	"math"
	"sort"

	"btcarb/pkg/types"
)

// defaultRadius is how many strikes on each side of the closest strike the
// detector scans. Only strikes near the reference can cross, so a narrow
// window keeps the per-scan work bounded.
const defaultRadius = 4

// Detector scans the Kalshi strike ladder around the Polymarket reference
// strike and evaluates one or two strategy pairs per strike.
type Detector struct {
	fees   *FeeEngine
	radius int
	log    *slog.Logger
}

// NewDetector creates a detector with the default neighborhood radius.
func NewDetector(fees *FeeEngine, log *slog.Logger) *Detector {
	return &Detector{
		fees:   fees,
		radius: defaultRadius,
		log:    log.With("component", "detector"),
	}
}

// FindOpportunities evaluates every strategy pair in the neighborhood of the
// reference strike. It returns all checks (for observability) and the subset
// that clears the fee-adjusted margin threshold. Both lists are empty when
// the reference strike is unknown or no Kalshi markets are present.
func (d *Detector) FindOpportunities(poly types.PolySnapshot, kalshi types.KalshiSnapshot) (checks, opportunities []types.ArbitrageCheck) {
	refStrike := poly.PriceToBeat
	if refStrike <= 0 {
		d.log.Warn("polymarket reference strike unknown, skipping scan")
		return nil, nil
	}

	upCost := poly.Ask(types.PolyUp)
	downCost := poly.Ask(types.PolyDown)

	markets := make([]types.KalshiMarket, len(kalshi.Markets))
	copy(markets, kalshi.Markets)
	sort.Slice(markets, func(i, j int) bool { return markets[i].Strike < markets[j].Strike })

	for _, km := range selectNearby(markets, refStrike, d.radius) {
		var pair []types.ArbitrageCheck
		switch {
		case refStrike > km.Strike:
			pair = []types.ArbitrageCheck{
				d.buildCheck(poly, km, types.CheckPolyAbove, types.PolyDown, types.KalshiYes, downCost, km.YesAskUSD()),
			}
		case refStrike < km.Strike:
			pair = []types.ArbitrageCheck{
				d.buildCheck(poly, km, types.CheckPolyBelow, types.PolyUp, types.KalshiNo, upCost, km.NoAskUSD()),
			}
		default:
			// Equal strikes, both directions are worth checking.
			pair = []types.ArbitrageCheck{
				d.buildCheck(poly, km, types.CheckEqual, types.PolyDown, types.KalshiYes, downCost, km.YesAskUSD()),
				d.buildCheck(poly, km, types.CheckEqual, types.PolyUp, types.KalshiNo, upCost, km.NoAskUSD()),
			}
		}

		for _, check := range pair {
			checks = append(checks, check)
			if check.IsArbitrage {
				opportunities = append(opportunities, check)
				d.log.Info("arbitrage found",
					"type", string(check.Type),
					"strike", check.KalshiStrike,
					"net_margin", check.NetMargin,
					"fee_adjusted_cost", check.FeeAdjustedCost,
				)
			}
		}
	}

	return checks, opportunities
}

// buildCheck assembles one strategy pair with its fee math.
func (d *Detector) buildCheck(
	poly types.PolySnapshot,
	km types.KalshiMarket,
	typ types.CheckType,
	polyLeg types.PolyLeg,
	kalshiLeg types.KalshiLeg,
	polyCost, kalshiCost float64,
) types.ArbitrageCheck {
	rawTotal := polyCost + kalshiCost

	return types.ArbitrageCheck{
		KalshiStrike:    km.Strike,
		KalshiYes:       km.YesAskUSD(),
		KalshiNo:        km.NoAskUSD(),
		Type:            typ,
		PolyLeg:         polyLeg,
		KalshiLeg:       kalshiLeg,
		PolyCost:        polyCost,
		KalshiCost:      kalshiCost,
		TotalCost:       rawTotal,
		FeeAdjustedCost: d.fees.FeeAdjustedCost(rawTotal),
		IsArbitrage:     d.fees.IsProfitable(rawTotal),
		Margin:          1.00 - rawTotal,
		NetMargin:       d.fees.NetMargin(rawTotal),
		KalshiTicker:    km.Ticker,
		PolyToken:       poly.Token(polyLeg),
	}
}

// selectNearby returns the markets within radius of the strike closest to
// refStrike. Ties break to the lower index. The input must be sorted
// ascending by strike.
func selectNearby(sorted []types.KalshiMarket, refStrike float64, radius int) []types.KalshiMarket {
	if len(sorted) == 0 {
		return nil
	}

	closest := 0
	minDiff := math.Inf(1)
	for i, m := range sorted {
		if diff := math.Abs(m.Strike - refStrike); diff < minDiff {
			minDiff = diff
			closest = i
		}
	}

	start := max(0, closest-radius)
	end := min(len(sorted), closest+radius+1)
	return sorted[start:end]
}
