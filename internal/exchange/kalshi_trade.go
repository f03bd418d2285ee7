// kalshi_trade.go implements the authenticated Kalshi client.
//
// Kalshi signs requests with RSA-PSS: the message is
// timestampMs + METHOD + path (path includes the /trade-api/v2 prefix),
// hashed with SHA-256 and signed with a maximal salt. The signature rides in
// KALSHI-ACCESS-* headers alongside the API key ID and the timestamp.
//
// Every trade method logs its full intent before anything is sent, and
// respects dry-run mode by returning without touching the venue.
package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

const (
	kalshiOrdersPath    = "/portfolio/orders"
	kalshiBalancePath   = "/portfolio/balance"
	kalshiPositionsPath = "/portfolio/positions"
)

// KalshiPosition is the subset of a venue position row the bot inspects
// when reconciling against its own tracker.
type KalshiPosition struct {
	Ticker         string `json:"ticker"`
	Position       int    `json:"position"` // signed contracts, positive = yes
	MarketExposure int    `json:"market_exposure"`
	RealizedPnl    int    `json:"realized_pnl"`
}

// KalshiOrder is the subset of order fields the bot inspects.
type KalshiOrder struct {
	OrderID string `json:"order_id"`
	Ticker  string `json:"ticker"`
	Status  string `json:"status"`
	Side    string `json:"side"`
	Count   int    `json:"count"`
}

// KalshiTradeClient places and cancels orders against the Kalshi portfolio
// API. The RSA private key is loaded lazily on the first signed request, so
// a data-only deployment never needs the key file to exist.
type KalshiTradeClient struct {
	http       *resty.Client
	limiter    *TokenBucket
	apiKey     string
	keyPath    string
	signPrefix string // path prefix of the API base, part of every signed message
	dryRun     bool
	log        *slog.Logger

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
}

// NewKalshiTradeClient creates a trading client from config. Credentials are
// not validated here; the first signed request surfaces any problem.
func NewKalshiTradeClient(cfg *config.Config, limiter *RateLimiter, log *slog.Logger) *KalshiTradeClient {
	signPrefix := ""
	if u, err := url.Parse(cfg.Venues.KalshiAPIURL); err == nil {
		signPrefix = strings.TrimSuffix(u.Path, "/")
	}

	l := log.With("component", "kalshi-trade")
	if cfg.Creds.KalshiAPIKey == "" {
		l.Warn("kalshi api key not configured, trading calls will fail")
	}

	// No automatic retries here: a timed-out order POST may still have
	// filled on the venue side.
	return &KalshiTradeClient{
		http: resty.New().
			SetBaseURL(cfg.Venues.KalshiAPIURL).
			SetTimeout(15 * time.Second).
			SetHeader("Content-Type", "application/json"),
		limiter:    limiter.Kalshi,
		apiKey:     cfg.Creds.KalshiAPIKey,
		keyPath:    cfg.Creds.KalshiPrivateKeyPath,
		signPrefix: signPrefix,
		dryRun:     cfg.DryRun,
		log:        l,
	}
}

// ————————————————————————————————————————————————————————————————
// Authentication
// ————————————————————————————————————————————————————————————————

// loadPrivateKey reads and caches the RSA key. Both PKCS#8 and PKCS#1 PEM
// encodings are accepted.
func (c *KalshiTradeClient) loadPrivateKey() (*rsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.privateKey != nil {
		return c.privateKey, nil
	}
	if c.keyPath == "" {
		return nil, fmt.Errorf("kalshi private key path not configured")
	}

	pemBytes, err := os.ReadFile(c.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", c.keyPath)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", key)
		}
		c.privateKey = rsaKey
	} else if rsaKey, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
		c.privateKey = rsaKey
	} else {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	c.log.Info("kalshi private key loaded", "path", c.keyPath)
	return c.privateKey, nil
}

// authHeaders signs timestampMs + METHOD + fullPath and builds the
// KALSHI-ACCESS-* header set.
func (c *KalshiTradeClient) authHeaders(method, path string) (map[string]string, error) {
	key, err := c.loadPrivateKey()
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	digest := sha256.Sum256([]byte(timestamp + method + c.signPrefix + path))

	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.apiKey,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
	}, nil
}

// ————————————————————————————————————————————————————————————————
// Account info
// ————————————————————————————————————————————————————————————————

// GetBalance returns the account balance in USD. The venue reports cents.
func (c *KalshiTradeClient) GetBalance(ctx context.Context) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	headers, err := c.authHeaders("GET", kalshiBalancePath)
	if err != nil {
		return 0, err
	}

	var out struct {
		Balance int64 `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&out).
		Get(kalshiBalancePath)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return float64(out.Balance) / 100.0, nil
}

// GetPositions returns the venue's view of open positions.
func (c *KalshiTradeClient) GetPositions(ctx context.Context) ([]KalshiPosition, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.authHeaders("GET", kalshiPositionsPath)
	if err != nil {
		return nil, err
	}

	var out struct {
		MarketPositions []KalshiPosition `json:"market_positions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&out).
		Get(kalshiPositionsPath)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.MarketPositions, nil
}

// ————————————————————————————————————————————————————————————————
// Order management
// ————————————————————————————————————————————————————————————————

// PlaceOrder places a limit order. side is "yes" or "no", action is "buy"
// or "sell", price is in cents (1-99). Intent is logged before anything is
// sent; in dry-run mode the order goes nowhere.
func (c *KalshiTradeClient) PlaceOrder(ctx context.Context, ticker, side, action string, count, priceCents int) (types.OrderResult, error) {
	mode := "live"
	if c.dryRun {
		mode = "dry-run"
	}
	c.log.Info("order intent",
		"mode", mode,
		"ticker", ticker,
		"side", side,
		"action", action,
		"count", count,
		"price_cents", priceCents)

	if c.dryRun {
		c.log.Info("dry-run, order not submitted")
		return types.OrderResult{
			Venue:     types.VenueKalshi,
			Status:    "dry_run",
			DryRun:    true,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}
	headers, err := c.authHeaders("POST", kalshiOrdersPath)
	if err != nil {
		return types.OrderResult{}, err
	}

	body := map[string]any{
		"ticker": ticker,
		"action": action,
		"side":   side,
		"count":  count,
		"type":   "limit",
	}
	if side == "yes" {
		body["yes_price"] = priceCents
	} else {
		body["no_price"] = priceCents
	}

	var out struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&out).
		Post(kalshiOrdersPath)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.log.Info("order placed", "order_id", out.Order.OrderID, "status", out.Order.Status)
	return types.OrderResult{
		Venue:     types.VenueKalshi,
		OrderID:   out.Order.OrderID,
		Status:    out.Order.Status,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PlaceLimitOrder buys the given contract side at the given price.
func (c *KalshiTradeClient) PlaceLimitOrder(ctx context.Context, ticker string, side types.KalshiLeg, count, priceCents int) (types.OrderResult, error) {
	return c.PlaceOrder(ctx, ticker, strings.ToLower(string(side)), "buy", count, priceCents)
}

// CancelOrder cancels a resting order by ID.
func (c *KalshiTradeClient) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.log.Info("dry-run, cancel not submitted", "order_id", orderID)
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	path := kalshiOrdersPath + "/" + orderID
	headers, err := c.authHeaders("DELETE", path)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.log.Info("order cancelled", "order_id", orderID)
	return nil
}

// GetOrder fetches an order's current state by ID.
func (c *KalshiTradeClient) GetOrder(ctx context.Context, orderID string) (KalshiOrder, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return KalshiOrder{}, err
	}
	path := kalshiOrdersPath + "/" + orderID
	headers, err := c.authHeaders("GET", path)
	if err != nil {
		return KalshiOrder{}, err
	}

	var out struct {
		Order KalshiOrder `json:"order"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&out).
		Get(path)
	if err != nil {
		return KalshiOrder{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != 200 {
		return KalshiOrder{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Order, nil
}
