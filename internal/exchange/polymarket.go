package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

// gammaEvent is one row of a Gamma /events response.
type gammaEvent struct {
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Markets []gammaMarket `json:"markets"`
}

// gammaMarket carries the CLOB token IDs and outcome labels as JSON-encoded
// strings, a Gamma quirk.
type gammaMarket struct {
	Question     string `json:"question"`
	ClobTokenIds string `json:"clobTokenIds"`
	Outcomes     string `json:"outcomes"`
}

// clobLevel is one price level on the CLOB wire, prices and sizes as strings.
type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// clobBook is the GET /book response.
type clobBook struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []clobLevel `json:"bids"`
	Asks    []clobLevel `json:"asks"`
}

// PolymarketClient fetches market data for the hourly Bitcoin Up/Down
// market. Discovery goes through the Gamma API (slug → CLOB token IDs);
// prices come from the CLOB order books. Both are public, unauthenticated
// endpoints.
type PolymarketClient struct {
	gamma   *resty.Client
	clob    *resty.Client
	limiter *TokenBucket
	binance *BinanceClient
	log     *slog.Logger
}

// NewPolymarketClient creates a market-data client from venue config.
func NewPolymarketClient(cfg config.VenuesConfig, limiter *RateLimiter, binance *BinanceClient, log *slog.Logger) *PolymarketClient {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}
	return &PolymarketClient{
		gamma:   newHTTP(cfg.PolymarketGammaURL),
		clob:    newHTTP(cfg.PolymarketCLOBURL),
		limiter: limiter.PolyBook,
		binance: binance,
		log:     log.With("component", "polymarket"),
	}
}

// FetchBySlug assembles the full snapshot for one hourly market: the binding
// reference strike (the hour's candle open), the live spot price, and the
// best ask for each outcome with its CLOB token ID. hourStart is the UTC
// start of the traded hour.
//
// An outcome with an empty ask side is reported at 0; depth checks before
// execution keep such quotes from being traded.
func (c *PolymarketClient) FetchBySlug(ctx context.Context, slug string, hourStart time.Time) (types.PolySnapshot, error) {
	priceToBeat, err := c.binance.GetOpenPrice(ctx, hourStart)
	if err != nil {
		return types.PolySnapshot{}, fmt.Errorf("price to beat: %w", err)
	}
	currentPrice, err := c.binance.GetCurrentPrice(ctx)
	if err != nil {
		return types.PolySnapshot{}, fmt.Errorf("reference price: %w", err)
	}

	tokens, err := c.resolveTokens(ctx, slug)
	if err != nil {
		return types.PolySnapshot{}, err
	}

	prices := make(map[types.PolyLeg]float64, len(tokens))
	for leg, tokenID := range tokens {
		book, err := c.GetOrderBook(ctx, tokenID)
		if err != nil {
			return types.PolySnapshot{}, fmt.Errorf("book for %s: %w", leg, err)
		}
		prices[leg] = book.BestAsk()
	}

	c.log.Info("polymarket snapshot fetched",
		"slug", slug,
		"price_to_beat", priceToBeat,
		"up_ask", prices[types.PolyUp],
		"down_ask", prices[types.PolyDown])

	return types.PolySnapshot{
		PriceToBeat:  priceToBeat,
		CurrentPrice: currentPrice,
		Prices:       prices,
		Slug:         slug,
		TargetTime:   hourStart.UTC(),
		Tokens:       tokens,
	}, nil
}

// resolveTokens maps the market slug to its two CLOB token IDs via Gamma.
func (c *PolymarketClient) resolveTokens(ctx context.Context, slug string) (map[types.PolyLeg]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var events []gammaEvent
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("fetch event: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch event: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no event for slug %q", slug)
	}
	if len(events[0].Markets) == 0 {
		return nil, fmt.Errorf("event %q has no markets", slug)
	}
	market := events[0].Markets[0]

	// Both fields arrive as JSON arrays encoded inside JSON strings.
	var tokenIDs, outcomes []string
	if err := json.Unmarshal([]byte(market.ClobTokenIds), &tokenIDs); err != nil {
		return nil, fmt.Errorf("decode clobTokenIds: %w", err)
	}
	if err := json.Unmarshal([]byte(market.Outcomes), &outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	if len(tokenIDs) != 2 || len(outcomes) != 2 {
		return nil, fmt.Errorf("expected 2 outcomes, got %d tokens / %d outcomes", len(tokenIDs), len(outcomes))
	}

	tokens := make(map[types.PolyLeg]string, 2)
	for i, outcome := range outcomes {
		switch leg := types.PolyLeg(outcome); leg {
		case types.PolyUp, types.PolyDown:
			tokens[leg] = tokenIDs[i]
		default:
			return nil, fmt.Errorf("unexpected outcome %q for slug %q", outcome, slug)
		}
	}
	return tokens, nil
}

// GetOrderBook fetches the full depth for one token from the CLOB.
func (c *PolymarketClient) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw clobBook
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&raw).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("fetch book: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch book: status %d: %s", resp.StatusCode(), resp.String())
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return nil, fmt.Errorf("book bids: %w", err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return nil, fmt.Errorf("book asks: %w", err)
	}
	return types.NewOrderBook(tokenID, bids, asks), nil
}

// parseLevels converts wire levels (string prices) to numeric book levels.
func parseLevels(raw []clobLevel) ([]types.BookLevel, error) {
	levels := make([]types.BookLevel, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", l.Price, err)
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", l.Size, err)
		}
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}
