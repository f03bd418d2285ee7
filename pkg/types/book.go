package types

import (
	"sort"
	"time"
)

// BookLevel is a single price level in an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the full depth for one Polymarket token, bids sorted
// descending and asks ascending. Construct via NewOrderBook so the sort
// invariant always holds.
type OrderBook struct {
	TokenID   string      `json:"token_id,omitempty"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewOrderBook sorts the levels into canonical order (best first on both sides).
func NewOrderBook(tokenID string, bids, asks []BookLevel) *OrderBook {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return &OrderBook{
		TokenID:   tokenID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}
}

// BestBid returns the highest bid, 0 if the bid side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, 0 if the ask side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Spread returns ask minus bid, 0 unless both sides are present.
func (b *OrderBook) Spread() float64 {
	if b.BestAsk() > 0 && b.BestBid() > 0 {
		return b.BestAsk() - b.BestBid()
	}
	return 0
}

// Mid returns the midpoint when both sides are present, otherwise whichever
// side exists.
func (b *OrderBook) Mid() float64 {
	ask, bid := b.BestAsk(), b.BestBid()
	if ask > 0 && bid > 0 {
		return (ask + bid) / 2.0
	}
	if ask > 0 {
		return ask
	}
	return bid
}

// Fillable walks the book and reports how many contracts can be filled within
// a price limit and a USD budget. For BUY it walks the asks and stops at the
// first level above maxPrice; for SELL it walks the bids and stops below.
// The last level contributes the fractional amount the remaining budget buys.
func (b *OrderBook) Fillable(side Side, maxPrice, maxUSD float64) (contracts, cost float64) {
	levels := b.Asks
	if side == SELL {
		levels = b.Bids
	}

	for _, lvl := range levels {
		if side == BUY && lvl.Price > maxPrice {
			break
		}
		if side == SELL && lvl.Price < maxPrice {
			break
		}

		remaining := maxUSD - cost
		if remaining <= 0 {
			break
		}

		fill := lvl.Size
		if affordable := remaining / lvl.Price; affordable < fill {
			fill = affordable
		}
		contracts += fill
		cost += fill * lvl.Price
	}
	return contracts, cost
}

// AskLiquidity returns total contracts offered at or below maxPrice.
func (b *OrderBook) AskLiquidity(maxPrice float64) float64 {
	var total float64
	for _, lvl := range b.Asks {
		if lvl.Price <= maxPrice {
			total += lvl.Size
		}
	}
	return total
}

// BidLiquidity returns total contracts bid at or above minPrice.
func (b *OrderBook) BidLiquidity(minPrice float64) float64 {
	var total float64
	for _, lvl := range b.Bids {
		if lvl.Price >= minPrice {
			total += lvl.Size
		}
	}
	return total
}
