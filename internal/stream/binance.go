// binance.go streams the BTC reference price from the Binance public
// ticker WebSocket. The stream is unauthenticated; sub-second ticks keep
// the detector's reference price fresh between REST snapshots.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcarb/internal/config"
)

const (
	binancePingInterval  = 20 * time.Second
	initialReconnectWait = time.Second
	maxReconnectWait     = 60 * time.Second
	feedReadTimeout      = 90 * time.Second
	feedWriteTimeout     = 10 * time.Second
)

// PriceCallback receives every accepted price tick.
type PriceCallback func(price float64, at time.Time)

// BinanceFeed maintains the ticker WebSocket with automatic reconnection.
type BinanceFeed struct {
	url    string
	symbol string
	log    *slog.Logger

	mu           sync.Mutex
	callbacks    []PriceCallback
	price        float64
	lastUpdate   time.Time
	connected    bool
	messageCount int64
	errorCount   int64
}

func NewBinanceFeed(cfg config.VenuesConfig, log *slog.Logger) *BinanceFeed {
	return &BinanceFeed{
		url:    cfg.BinanceWSURL,
		symbol: cfg.BinanceSymbol,
		log:    log.With("component", "binance-feed"),
	}
}

// OnPrice registers a callback fired on every accepted tick.
func (f *BinanceFeed) OnPrice(cb PriceCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// Symbol returns the traded symbol the feed reports prices for.
func (f *BinanceFeed) Symbol() string { return f.symbol }

// Price returns the latest price, 0 before the first tick.
func (f *BinanceFeed) Price() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price
}

// Connected reports whether the WebSocket is currently up.
func (f *BinanceFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Age returns how old the latest price is, AgeNever before the first tick.
func (f *BinanceFeed) Age() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastUpdate.IsZero() {
		return AgeNever
	}
	return time.Since(f.lastUpdate)
}

// Run connects and maintains the WebSocket until ctx is cancelled,
// reconnecting with exponential backoff (1s doubling to 60s, reset on a
// successful connect).
func (f *BinanceFeed) Run(ctx context.Context) error {
	backoff := initialReconnectWait
	f.log.Info("binance feed starting", "url", f.url)

	for {
		dialed, err := f.connectAndRead(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialed {
			backoff = initialReconnectWait
		}

		f.log.Warn("binance feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *BinanceFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.setConnected(true)
	f.log.Info("binance feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, conn, binancePingInterval)
	// ReadMessage does not observe ctx; closing the conn unblocks it.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.handleMessage(msg)
	}
}

// handleMessage parses a ticker frame. Ticks without a positive last price
// are skipped; frames that fail to parse bump the error counter.
func (f *BinanceFeed) handleMessage(raw []byte) {
	var tick struct {
		LastPrice string `json:"c"`
	}
	if err := json.Unmarshal(raw, &tick); err != nil {
		f.countError()
		f.log.Warn("bad binance message", "error", err)
		return
	}
	if tick.LastPrice == "" {
		return
	}

	price, err := strconv.ParseFloat(tick.LastPrice, 64)
	if err != nil {
		f.countError()
		f.log.Warn("bad binance price", "error", err)
		return
	}
	if price <= 0 {
		return
	}

	now := time.Now()
	f.mu.Lock()
	f.price = price
	f.lastUpdate = now
	f.messageCount++
	cbs := make([]PriceCallback, len(f.callbacks))
	copy(cbs, f.callbacks)
	f.mu.Unlock()

	for _, cb := range cbs {
		safeCall(f.log, func() { cb(price, now) })
	}
}

func (f *BinanceFeed) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func (f *BinanceFeed) countError() {
	f.mu.Lock()
	f.errorCount++
	f.mu.Unlock()
}

// BinanceFeedStatus is the monitoring view of the price feed.
type BinanceFeedStatus struct {
	Connected    bool      `json:"connected"`
	Price        float64   `json:"price"`
	LastUpdate   time.Time `json:"last_update"`
	AgeSeconds   *float64  `json:"age_seconds"`
	MessageCount int64     `json:"message_count"`
	ErrorCount   int64     `json:"error_count"`
	URL          string    `json:"url"`
}

func (f *BinanceFeed) Status() BinanceFeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return BinanceFeedStatus{
		Connected:    f.connected,
		Price:        f.price,
		LastUpdate:   f.lastUpdate,
		AgeSeconds:   ageSeconds(f.lastUpdate),
		MessageCount: f.messageCount,
		ErrorCount:   f.errorCount,
		URL:          f.url,
	}
}

// pingLoop keeps a connection alive with protocol-level pings. It exits when
// a ping fails; the read loop then notices the dead connection via its
// deadline.
func pingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(feedWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// safeCall runs one callback, keeping a panicking subscriber from taking the
// feed down with it.
func safeCall(log *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("feed callback panicked", "panic", r)
		}
	}()
	fn()
}
