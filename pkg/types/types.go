// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — venues, legs, market
// snapshots, arbitrage checks, positions, and execution results. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two trading platforms.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PolyLeg is which Polymarket outcome contract to buy. The values match the
// outcome names the Gamma API returns for hourly BTC markets.
type PolyLeg string

const (
	PolyUp   PolyLeg = "Up"
	PolyDown PolyLeg = "Down"
)

// KalshiLeg is which side of a Kalshi binary contract to buy. Capitalised for
// display; the trade client lowercases it for the order body.
type KalshiLeg string

const (
	KalshiYes KalshiLeg = "Yes"
	KalshiNo  KalshiLeg = "No"
)

// CheckType classifies an arbitrage check by how the Polymarket reference
// strike compares to the Kalshi strike.
type CheckType string

const (
	CheckPolyAbove CheckType = "Poly > Kalshi"
	CheckPolyBelow CheckType = "Poly < Kalshi"
	CheckEqual     CheckType = "Equal"
)

// PositionSide is the directional exposure of a single position.
// Buying Yes/Up is long the event; buying No/Down is short.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PairStatus is the lifecycle state of an arbitrage pair.
type PairStatus string

const (
	PairOpen    PairStatus = "open"
	PairSettled PairStatus = "settled"
	PairFailed  PairStatus = "failed"
	PairUnwound PairStatus = "unwound"
)

// ExecStatus is the terminal outcome of one execute-arbitrage call.
type ExecStatus string

const (
	ExecSuccess         ExecStatus = "success"
	ExecDryRun          ExecStatus = "dry_run"
	ExecPreflightFailed ExecStatus = "preflight_failed"
	ExecLeg1Failed      ExecStatus = "leg1_failed"
	ExecLeg2Failed      ExecStatus = "leg2_failed"
	ExecUnwound         ExecStatus = "unwound"
	ExecError           ExecStatus = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// ReferencePrice is the latest underlying price from the reference exchange.
// Only the most recent observation is kept; Price is always > 0 when set.
type ReferencePrice struct {
	Symbol    string    `json:"symbol"` // e.g. "BTCUSDT"
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// KalshiMarket is a single Kalshi binary contract at one strike.
// Bid/ask quotes are integer cents 0–99, as the venue returns them.
type KalshiMarket struct {
	Ticker   string  `json:"ticker"`
	Strike   float64 `json:"strike"` // parsed from the subtitle, USD
	YesBid   int     `json:"yes_bid"`
	YesAsk   int     `json:"yes_ask"`
	NoBid    int     `json:"no_bid"`
	NoAsk    int     `json:"no_ask"`
	Subtitle string  `json:"subtitle"`
}

// YesAskUSD returns the Yes ask converted from cents to dollars.
func (m KalshiMarket) YesAskUSD() float64 { return float64(m.YesAsk) / 100.0 }

// NoAskUSD returns the No ask converted from cents to dollars.
func (m KalshiMarket) NoAskUSD() float64 { return float64(m.NoAsk) / 100.0 }

// KalshiSnapshot is the set of Kalshi markets for the current hourly event,
// sorted ascending by strike.
type KalshiSnapshot struct {
	EventTicker  string         `json:"event_ticker"`
	CurrentPrice float64        `json:"current_price"` // reference spot at fetch time
	Markets      []KalshiMarket `json:"markets"`
}

// PolySnapshot is the normalized Polymarket view of one hourly BTC market.
// PriceToBeat is the underlying's open price for the hour, which acts as the
// market's implicit strike; 0 means it is not yet known and the detector
// must skip the scan.
type PolySnapshot struct {
	PriceToBeat  float64             `json:"price_to_beat"`
	CurrentPrice float64             `json:"current_price"`
	Prices       map[PolyLeg]float64 `json:"prices"` // best ask per outcome
	Slug         string              `json:"slug"`
	TargetTime   time.Time           `json:"target_time_utc"`

	// Tokens maps each outcome to its CLOB token ID so the executor can
	// place the Polymarket leg. Not part of the public snapshot payload.
	Tokens map[PolyLeg]string `json:"-"`
}

// Ask returns the best ask for one outcome, 0 if unknown.
func (s PolySnapshot) Ask(leg PolyLeg) float64 { return s.Prices[leg] }

// Token returns the CLOB token ID for one outcome, "" if unknown.
func (s PolySnapshot) Token(leg PolyLeg) string { return s.Tokens[leg] }

// ————————————————————————————————————————————————————————————————————————
// Arbitrage checks
// ————————————————————————————————————————————————————————————————————————

// ArbitrageCheck is one evaluated strategy pair: buy one Polymarket outcome
// and one Kalshi side so that at most one leg loses. All costs are USD per
// contract against the shared $1.00 payout.
type ArbitrageCheck struct {
	KalshiStrike    float64   `json:"kalshi_strike"`
	KalshiYes       float64   `json:"kalshi_yes"` // Yes ask in dollars
	KalshiNo        float64   `json:"kalshi_no"`  // No ask in dollars
	Type            CheckType `json:"type"`
	PolyLeg         PolyLeg   `json:"poly_leg"`
	KalshiLeg       KalshiLeg `json:"kalshi_leg"`
	PolyCost        float64   `json:"poly_cost"`
	KalshiCost      float64   `json:"kalshi_cost"`
	TotalCost       float64   `json:"total_cost"`        // poly_cost + kalshi_cost
	FeeAdjustedCost float64   `json:"fee_adjusted_cost"` // total_cost + worst-case fees
	IsArbitrage     bool      `json:"is_arbitrage"`
	Margin          float64   `json:"margin"`     // 1.00 - total_cost, before fees
	NetMargin       float64   `json:"net_margin"` // 1.00 - fee_adjusted_cost

	// KalshiTicker and PolyToken identify the exact contracts to trade.
	// Filled by the detector when the snapshots carry them.
	KalshiTicker string `json:"-"`
	PolyToken    string `json:"-"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is a single open position on one venue. Created on fill, closed
// on settle or unwind, never mutated otherwise.
type Position struct {
	ID         string       `json:"id"` // POS-000001
	Venue      Venue        `json:"platform"`
	Side       PositionSide `json:"side"`
	Ticker     string       `json:"ticker"` // market ticker or token ID
	EntryPrice float64      `json:"entry_price"`
	Size       int          `json:"size"`
	CostUSD    float64      `json:"cost_usd"` // entry_price * size
	OpenedAt   time.Time    `json:"opened_at"`
	LinkedID   string       `json:"linked_position_id,omitempty"` // paired leg on the other venue
}

// ArbitragePair links the two legs of one executed arbitrage.
// Both legs reference each other via LinkedID.
type ArbitragePair struct {
	ID             string     `json:"id"` // ARB-000001
	Kalshi         Position   `json:"kalshi_position"`
	Poly           Position   `json:"poly_position"`
	TotalCost      float64    `json:"total_cost"`
	ExpectedPayout float64    `json:"expected_payout"` // $1.00 per contract pair
	ExpectedProfit float64    `json:"expected_profit"`
	Status         PairStatus `json:"status"`
	OpenedAt       time.Time  `json:"opened_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// OrderResult is what a venue trade client returns for one placed order.
type OrderResult struct {
	Venue     Venue     `json:"venue"`
	OrderID   string    `json:"order_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionResult is the terminal outcome of one dual-leg execution attempt.
// Leg1/Leg2 are nil for legs that were never sent.
type ExecutionResult struct {
	Status      ExecStatus     `json:"status"`
	Opportunity ArbitrageCheck `json:"opportunity"`
	Leg1        *OrderResult   `json:"leg1_result,omitempty"`
	Leg2        *OrderResult   `json:"leg2_result,omitempty"`
	PairID      string         `json:"position_id,omitempty"` // ARB id on success
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
