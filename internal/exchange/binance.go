package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
)

// BinanceClient reads the BTC/USDT reference price from Binance's public
// REST API. Two endpoints are used:
//
//   - ticker/price: the live spot price, fetched on every detection scan
//   - klines: the 1h candle open, which defines the hour's price to beat
//
// No authentication is required; requests only count against the public
// IP weight budget.
type BinanceClient struct {
	http      *resty.Client
	limiter   *TokenBucket
	priceURL  string
	klinesURL string
	symbol    string
	log       *slog.Logger
}

// NewBinanceClient creates a reference-price client from venue config.
func NewBinanceClient(cfg config.VenuesConfig, limiter *RateLimiter, log *slog.Logger) *BinanceClient {
	return &BinanceClient{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
		limiter:   limiter.Binance,
		priceURL:  cfg.BinancePriceURL,
		klinesURL: cfg.BinanceKlinesURL,
		symbol:    cfg.BinanceSymbol,
		log:       log.With("component", "binance"),
	}
}

// GetCurrentPrice fetches the live spot price for the configured symbol.
func (c *BinanceClient) GetCurrentPrice(ctx context.Context) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.symbol).
		SetResult(&out).
		Get(c.priceURL)
	if err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch price: status %d: %s", resp.StatusCode(), resp.String())
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", out.Price, err)
	}
	return price, nil
}

// GetOpenPrice fetches the open of the 1h candle starting at hourStart.
// Both venues' hourly contracts settle against this value, so it anchors
// the "price to beat" shown alongside every opportunity.
//
// Binance publishes the candle as soon as the hour begins; before then the
// query returns no rows and an error is reported.
func (c *BinanceClient) GetOpenPrice(ctx context.Context, hourStart time.Time) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	// Kline rows are heterogeneous arrays: [openTime, "open", "high", ...]
	var out [][]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    c.symbol,
			"interval":  "1h",
			"startTime": strconv.FormatInt(hourStart.UnixMilli(), 10),
			"limit":     "1",
		}).
		SetResult(&out).
		Get(c.klinesURL)
	if err != nil {
		return 0, fmt.Errorf("fetch klines: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(out) == 0 {
		return 0, fmt.Errorf("no %s candle at %s yet", c.symbol, hourStart.UTC().Format(time.RFC3339))
	}
	row := out[0]
	if len(row) < 2 {
		return 0, fmt.Errorf("malformed kline row: %v", row)
	}
	openStr, ok := row[1].(string)
	if !ok {
		return 0, fmt.Errorf("malformed kline open: %v", row[1])
	}

	open, err := strconv.ParseFloat(openStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse open %q: %w", openStr, err)
	}
	return open, nil
}
