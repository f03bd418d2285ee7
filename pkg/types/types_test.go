package types

import (
	"math"
	"testing"
)

func TestKalshiMarketAskConversion(t *testing.T) {
	t.Parallel()

	m := KalshiMarket{YesAsk: 55, NoAsk: 47}

	if got := m.YesAskUSD(); got != 0.55 {
		t.Errorf("YesAskUSD() = %v, want 0.55", got)
	}
	if got := m.NoAskUSD(); got != 0.47 {
		t.Errorf("NoAskUSD() = %v, want 0.47", got)
	}
}

func TestPolySnapshotAccessors(t *testing.T) {
	t.Parallel()

	s := PolySnapshot{
		Prices: map[PolyLeg]float64{PolyUp: 0.55, PolyDown: 0.45},
		Tokens: map[PolyLeg]string{PolyUp: "tok-up", PolyDown: "tok-down"},
	}

	if got := s.Ask(PolyUp); got != 0.55 {
		t.Errorf("Ask(Up) = %v, want 0.55", got)
	}
	if got := s.Ask(PolyLeg("Sideways")); got != 0 {
		t.Errorf("Ask(unknown) = %v, want 0", got)
	}
	if got := s.Token(PolyDown); got != "tok-down" {
		t.Errorf("Token(Down) = %q, want %q", got, "tok-down")
	}

	var empty PolySnapshot
	if got := empty.Ask(PolyUp); got != 0 {
		t.Errorf("Ask on zero snapshot = %v, want 0", got)
	}
	if got := empty.Token(PolyUp); got != "" {
		t.Errorf("Token on zero snapshot = %q, want empty", got)
	}
}

func TestOrderBookTopOfBook(t *testing.T) {
	t.Parallel()

	book := NewOrderBook("tok",
		[]BookLevel{{Price: 0.40, Size: 10}, {Price: 0.42, Size: 5}},
		[]BookLevel{{Price: 0.47, Size: 8}, {Price: 0.45, Size: 3}},
	)

	if got := book.BestBid(); got != 0.42 {
		t.Errorf("BestBid() = %v, want 0.42", got)
	}
	if got := book.BestAsk(); got != 0.45 {
		t.Errorf("BestAsk() = %v, want 0.45", got)
	}
	if got := book.Spread(); math.Abs(got-0.03) > 1e-12 {
		t.Errorf("Spread() = %v, want 0.03", got)
	}
	if got := book.Mid(); math.Abs(got-0.435) > 1e-12 {
		t.Errorf("Mid() = %v, want 0.435", got)
	}
}

func TestOrderBookEmptySides(t *testing.T) {
	t.Parallel()

	askOnly := NewOrderBook("tok", nil, []BookLevel{{Price: 0.50, Size: 1}})
	if got := askOnly.Spread(); got != 0 {
		t.Errorf("Spread() with one side = %v, want 0", got)
	}
	if got := askOnly.Mid(); got != 0.50 {
		t.Errorf("Mid() with ask only = %v, want 0.50", got)
	}

	empty := NewOrderBook("tok", nil, nil)
	if got := empty.BestBid(); got != 0 {
		t.Errorf("BestBid() empty = %v, want 0", got)
	}
	if got := empty.Mid(); got != 0 {
		t.Errorf("Mid() empty = %v, want 0", got)
	}
}

func TestOrderBookFillableWalk(t *testing.T) {
	t.Parallel()

	book := NewOrderBook("tok", nil, []BookLevel{
		{Price: 0.40, Size: 10},
		{Price: 0.45, Size: 10},
		{Price: 0.60, Size: 100},
	})

	// Limit 0.50 keeps the 0.60 level out; budget covers both cheap levels.
	contracts, cost := book.Fillable(BUY, 0.50, 100.0)
	if math.Abs(contracts-20) > 1e-9 {
		t.Errorf("Fillable contracts = %v, want 20", contracts)
	}
	if math.Abs(cost-8.5) > 1e-9 {
		t.Errorf("Fillable cost = %v, want 8.5", cost)
	}
}

func TestOrderBookFillableBudgetFraction(t *testing.T) {
	t.Parallel()

	book := NewOrderBook("tok", nil, []BookLevel{{Price: 0.50, Size: 100}})

	// $10 at 0.50 buys exactly 20 contracts out of the 100 available.
	contracts, cost := book.Fillable(BUY, 1.0, 10.0)
	if math.Abs(contracts-20) > 1e-9 {
		t.Errorf("Fillable contracts = %v, want 20", contracts)
	}
	if math.Abs(cost-10.0) > 1e-9 {
		t.Errorf("Fillable cost = %v, want 10", cost)
	}
}

func TestOrderBookFillableSellSide(t *testing.T) {
	t.Parallel()

	book := NewOrderBook("tok", []BookLevel{
		{Price: 0.60, Size: 5},
		{Price: 0.55, Size: 5},
		{Price: 0.30, Size: 50},
	}, nil)

	// Selling down to 0.50 touches only the two top bids.
	contracts, cost := book.Fillable(SELL, 0.50, 100.0)
	if math.Abs(contracts-10) > 1e-9 {
		t.Errorf("Fillable contracts = %v, want 10", contracts)
	}
	if math.Abs(cost-5.75) > 1e-9 {
		t.Errorf("Fillable cost = %v, want 5.75", cost)
	}
}

func TestOrderBookLiquidity(t *testing.T) {
	t.Parallel()

	book := NewOrderBook("tok",
		[]BookLevel{{Price: 0.40, Size: 10}, {Price: 0.35, Size: 10}},
		[]BookLevel{{Price: 0.45, Size: 5}, {Price: 0.90, Size: 50}},
	)

	if got := book.AskLiquidity(0.50); got != 5 {
		t.Errorf("AskLiquidity(0.50) = %v, want 5", got)
	}
	if got := book.BidLiquidity(0.38); got != 10 {
		t.Errorf("BidLiquidity(0.38) = %v, want 10", got)
	}
}
