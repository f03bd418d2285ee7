// Package exchange implements the REST clients for both trading venues and
// the reference-price exchange:
//
//   - KalshiClient / KalshiTradeClient: market data and RSA-PSS signed
//     order flow against the Kalshi trade API
//   - PolymarketClient / PolymarketTradeClient: Gamma market metadata, CLOB
//     order books and EIP-712 signed order flow
//   - BinanceClient: BTC spot price and 1h candle opens, the settlement
//     reference for both venues' hourly contracts
//
// Every request is rate-limited through per-category TokenBuckets and
// retried on transport errors and 5xx responses. Discovery of the current
// hour's contracts lives in hours.go.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

// strikeRe matches the dollar amount inside a market subtitle,
// e.g. "$96,250 or above" → 96250.
var strikeRe = regexp.MustCompile(`\$([\d,]+)`)

// ParseStrike extracts the strike price from a Kalshi market subtitle.
// Returns 0 when the subtitle carries no dollar amount.
func ParseStrike(subtitle string) float64 {
	m := strikeRe.FindStringSubmatch(subtitle)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// kalshiMarket is the wire shape of one market row. Prices are in cents.
type kalshiMarket struct {
	Ticker   string `json:"ticker"`
	Subtitle string `json:"subtitle"`
	YesBid   int    `json:"yes_bid"`
	YesAsk   int    `json:"yes_ask"`
	NoBid    int    `json:"no_bid"`
	NoAsk    int    `json:"no_ask"`
}

// KalshiClient fetches public market data from the Kalshi trade API:
// the strike ladder for an hourly BTC event, with bid/ask on both sides
// of every market. No authentication is needed for reads.
type KalshiClient struct {
	http    *resty.Client
	limiter *TokenBucket
	binance *BinanceClient
	log     *slog.Logger
}

// NewKalshiClient creates a market-data client from venue config.
func NewKalshiClient(cfg config.VenuesConfig, limiter *RateLimiter, binance *BinanceClient, log *slog.Logger) *KalshiClient {
	return &KalshiClient{
		http: resty.New().
			SetBaseURL(cfg.KalshiAPIURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
		limiter: limiter.Kalshi,
		binance: binance,
		log:     log.With("component", "kalshi"),
	}
}

// FetchByEvent fetches the strike ladder for one hourly event, sorted by
// strike ascending. Markets whose subtitle has no parseable strike are
// skipped. The snapshot also carries the live reference price so callers
// can locate the closest strike.
func (c *KalshiClient) FetchByEvent(ctx context.Context, eventTicker string) (types.KalshiSnapshot, error) {
	currentPrice, err := c.binance.GetCurrentPrice(ctx)
	if err != nil {
		return types.KalshiSnapshot{}, fmt.Errorf("reference price: %w", err)
	}

	raw, err := c.getMarkets(ctx, eventTicker)
	if err != nil {
		return types.KalshiSnapshot{}, err
	}

	markets := c.parseMarkets(raw)
	sort.Slice(markets, func(i, j int) bool { return markets[i].Strike < markets[j].Strike })

	if len(markets) > 0 {
		c.log.Info("kalshi markets fetched",
			"event", eventTicker,
			"markets", len(markets),
			"low_strike", markets[0].Strike,
			"high_strike", markets[len(markets)-1].Strike)
	}

	return types.KalshiSnapshot{
		EventTicker:  eventTicker,
		CurrentPrice: currentPrice,
		Markets:      markets,
	}, nil
}

// getMarkets fetches the raw market list for an event.
func (c *KalshiClient) getMarkets(ctx context.Context, eventTicker string) ([]kalshiMarket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out struct {
		Markets []kalshiMarket `json:"markets"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":        "100",
			"event_ticker": eventTicker,
		}).
		SetResult(&out).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Markets, nil
}

// parseMarkets converts wire rows to domain markets, dropping rows with no
// parseable strike.
func (c *KalshiClient) parseMarkets(raw []kalshiMarket) []types.KalshiMarket {
	markets := make([]types.KalshiMarket, 0, len(raw))
	for _, m := range raw {
		strike := ParseStrike(m.Subtitle)
		if strike <= 0 {
			c.log.Debug("skipping market with unparseable strike",
				"ticker", m.Ticker, "subtitle", m.Subtitle)
			continue
		}
		markets = append(markets, types.KalshiMarket{
			Ticker:   m.Ticker,
			Strike:   strike,
			YesBid:   m.YesBid,
			YesAsk:   m.YesAsk,
			NoBid:    m.NoBid,
			NoAsk:    m.NoAsk,
			Subtitle: m.Subtitle,
		})
	}
	return markets
}
