// polymarket_trade.go implements the authenticated Polymarket CLOB client.
//
// Order flow: derive L2 credentials once (L1 EIP-712 signature), then for
// each order build the CTF Exchange payload, sign it under the exchange
// domain, and POST it with L2 HMAC headers. Orders are fill-or-kill: the
// taker leg of an arbitrage either fills completely at the quoted ask or
// costs nothing.
//
// Every trade method logs its full intent before anything is sent, and
// respects dry-run mode by returning without touching the venue.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
	"btcarb/pkg/types"
)

const (
	// orderTypeFOK kills any order that cannot fill completely at once.
	orderTypeFOK = "FOK"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// clobOrder is the signed order payload the CLOB expects. All numeric
// fields are decimal strings; amounts are in 6-decimal USDC units.
type clobOrder struct {
	Salt          string     `json:"salt"`
	Maker         string     `json:"maker"`
	Signer        string     `json:"signer"`
	Taker         string     `json:"taker"`
	TokenID       string     `json:"tokenId"`
	MakerAmount   string     `json:"makerAmount"`
	TakerAmount   string     `json:"takerAmount"`
	Expiration    string     `json:"expiration"`
	Nonce         string     `json:"nonce"`
	FeeRateBps    string     `json:"feeRateBps"`
	Side          types.Side `json:"side"`
	SignatureType int        `json:"signatureType"`
	Signature     string     `json:"signature"`
}

// clobOrderRequest is the POST /order envelope.
type clobOrderRequest struct {
	Order     clobOrder `json:"order"`
	Owner     string    `json:"owner"` // API key ID
	OrderType string    `json:"orderType"`
}

// clobOrderResponse is the POST /order reply.
type clobOrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// PolymarketTradeClient places fill-or-kill orders against the CLOB. Auth
// is initialized lazily on the first live call: the private key is parsed
// and L2 credentials derived then, so a data-only or dry-run deployment
// never needs a key configured.
type PolymarketTradeClient struct {
	http          *resty.Client
	limiter       *RateLimiter
	privateKeyHex string
	dryRun        bool
	log           *slog.Logger

	mu   sync.Mutex
	auth *PolymarketAuth
}

// NewPolymarketTradeClient creates a trading client from config.
// Credentials are not validated here; the first live call surfaces any
// problem.
func NewPolymarketTradeClient(cfg *config.Config, limiter *RateLimiter, log *slog.Logger) *PolymarketTradeClient {
	l := log.With("component", "polymarket-trade")
	if cfg.Creds.PolymarketPrivateKey == "" {
		l.Warn("polymarket private key not configured, trading calls will fail")
	}

	// No automatic retries here: a timed-out order POST may still have
	// filled on the venue side.
	return &PolymarketTradeClient{
		http: resty.New().
			SetBaseURL(cfg.Venues.PolymarketCLOBURL).
			SetTimeout(15 * time.Second).
			SetHeader("Content-Type", "application/json"),
		limiter:       limiter,
		privateKeyHex: cfg.Creds.PolymarketPrivateKey,
		dryRun:        cfg.DryRun,
		log:           l,
	}
}

// ensureAuth parses the private key and derives L2 credentials, once.
func (c *PolymarketTradeClient) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.auth != nil && c.auth.HasCredentials() {
		return nil
	}
	if c.privateKeyHex == "" {
		return fmt.Errorf("polymarket private key not configured")
	}

	if c.auth == nil {
		auth, err := NewPolymarketAuth(c.privateKeyHex)
		if err != nil {
			return err
		}
		c.auth = auth
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return err
	}
	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(creds)
	c.log.Info("polymarket api credentials derived", "address", c.auth.Address().Hex())
	return nil
}

// PlaceOrder places a fill-or-kill order for an outcome token. price is in
// USD per share (0-1), size in shares. Intent is logged before anything is
// sent; in dry-run mode the order goes nowhere.
func (c *PolymarketTradeClient) PlaceOrder(ctx context.Context, tokenID string, side types.Side, price, size float64) (types.OrderResult, error) {
	mode := "live"
	if c.dryRun {
		mode = "dry-run"
	}
	c.log.Info("order intent",
		"mode", mode,
		"token", shortToken(tokenID),
		"side", string(side),
		"price", price,
		"size", size)

	if c.dryRun {
		c.log.Info("dry-run, order not submitted")
		return types.OrderResult{
			Venue:     types.VenuePolymarket,
			Status:    "dry_run",
			DryRun:    true,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	if err := c.ensureAuth(ctx); err != nil {
		return types.OrderResult{}, err
	}

	order := c.buildOrder(tokenID, side, price, size)
	if err := c.auth.signOrder(&order); err != nil {
		return types.OrderResult{}, err
	}

	body, err := json.Marshal(clobOrderRequest{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderTypeFOK,
	})
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}

	if err := c.limiter.PolyOrder.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}
	// The HMAC covers the exact bytes on the wire.
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.OrderResult{}, err
	}

	var out clobOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&out).
		Post("/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !out.Success {
		return types.OrderResult{}, fmt.Errorf("place order rejected: %s", out.ErrorMsg)
	}

	c.log.Info("order placed", "order_id", out.OrderID, "status", out.Status)
	return types.OrderResult{
		Venue:     types.VenuePolymarket,
		OrderID:   out.OrderID,
		Status:    out.Status,
		Timestamp: time.Now().UTC(),
	}, nil
}

// buildOrder assembles an unsigned taker order. The wallet is both maker
// and signer; expiration 0 means good until the FOK match attempt resolves.
func (c *PolymarketTradeClient) buildOrder(tokenID string, side types.Side, price, size float64) clobOrder {
	makerAmt, takerAmt := PriceToAmounts(side, price, size)
	addr := c.auth.Address().Hex()
	return clobOrder{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         addr,
		Signer:        addr,
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: signatureTypeEOA,
	}
}

// CancelOrder cancels a resting order by ID. FOK orders never rest, so this
// only matters for manually placed orders on the same account.
func (c *PolymarketTradeClient) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.log.Info("dry-run, cancel not submitted", "order_id", orderID)
		return nil
	}
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}

	if err := c.limiter.PolyCancel.Wait(ctx); err != nil {
		return err
	}
	headers, err := c.auth.L2Headers("DELETE", "/order", string(body))
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.log.Info("order cancelled", "order_id", orderID)
	return nil
}

// GetBalance returns the USDC collateral balance known to the CLOB, in
// dollars.
func (c *PolymarketTradeClient) GetBalance(ctx context.Context) (float64, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return 0, err
	}
	if err := c.limiter.PolyBook.Wait(ctx); err != nil {
		return 0, err
	}

	// The query string is part of the signed path.
	path := "/balance-allowance?asset_type=COLLATERAL"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, err
	}

	var out struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&out).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(out.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", out.Balance, err)
	}
	return raw / 1e6, nil
}

// SetAllowances would approve the CTF Exchange to move the wallet's USDC
// and outcome tokens. Approvals are on-chain transactions and need a
// Polygon RPC endpoint the bot does not carry, so the one-time setup must
// happen through the venue UI or a wallet.
func (c *PolymarketTradeClient) SetAllowances(ctx context.Context) error {
	if c.dryRun {
		c.log.Info("dry-run, allowances untouched")
		return nil
	}
	return fmt.Errorf("allowances must be set on-chain before live trading (use the Polymarket UI or a wallet)")
}

// shortToken truncates a CLOB token ID for logs.
func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}
