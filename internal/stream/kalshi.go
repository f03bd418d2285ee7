// kalshi.go polls the Kalshi REST API for the open hourly BTC markets.
// Kalshi has no public market-data WebSocket, so a short-interval poll
// stands in for one, with the same callback contract as the push feeds.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"btcarb/internal/config"
	"btcarb/internal/exchange"
)

// MarketsCallback receives the raw market-list payload of each poll.
type MarketsCallback func(data map[string]any)

// KalshiFeed polls open markets for the hourly BTC series.
type KalshiFeed struct {
	http     *resty.Client
	limiter  *exchange.TokenBucket
	interval time.Duration
	series   string
	log      *slog.Logger

	mu         sync.Mutex
	latest     map[string]any
	lastPoll   time.Time
	running    bool
	pollCount  int64
	errorCount int64
	callbacks  []MarketsCallback
}

func NewKalshiFeed(cfg config.VenuesConfig, interval time.Duration, limiter *exchange.RateLimiter, log *slog.Logger) *KalshiFeed {
	// No automatic retries: the next poll tick is the retry.
	client := resty.New().
		SetBaseURL(cfg.KalshiAPIURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	return &KalshiFeed{
		http:     client,
		limiter:  limiter.Kalshi,
		interval: interval,
		series:   exchange.KalshiHourlyBTCSeries,
		log:      log.With("component", "kalshi-feed"),
	}
}

// OnMarkets registers a callback fired after every successful poll.
func (f *KalshiFeed) OnMarkets(cb MarketsCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// Latest returns the most recent market-list payload, nil before the first
// successful poll.
func (f *KalshiFeed) Latest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

// Running reports whether the poll loop is active.
func (f *KalshiFeed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Age returns how old the latest successful poll is, AgeNever before the
// first.
func (f *KalshiFeed) Age() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastPoll.IsZero() {
		return AgeNever
	}
	return time.Since(f.lastPoll)
}

// Run polls until ctx is cancelled. The first poll fires immediately.
func (f *KalshiFeed) Run(ctx context.Context) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		f.log.Info("kalshi feed stopped")
	}()

	f.log.Info("kalshi feed starting", "interval", f.interval, "series", f.series)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.poll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *KalshiFeed) poll(ctx context.Context) {
	if err := f.limiter.Wait(ctx); err != nil {
		return
	}

	var data map[string]any
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetQueryParam("series_ticker", f.series).
		SetResult(&data).
		Get("/markets")
	if err != nil {
		f.countError()
		f.log.Warn("kalshi poll failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		f.countError()
		f.log.Warn("kalshi poll rejected", "status", resp.StatusCode())
		return
	}

	f.mu.Lock()
	f.latest = data
	f.lastPoll = time.Now()
	f.pollCount++
	cbs := make([]MarketsCallback, len(f.callbacks))
	copy(cbs, f.callbacks)
	f.mu.Unlock()

	for _, cb := range cbs {
		safeCall(f.log, func() { cb(data) })
	}
}

func (f *KalshiFeed) countError() {
	f.mu.Lock()
	f.errorCount++
	f.mu.Unlock()
}

// KalshiFeedStatus is the monitoring view of the poller.
type KalshiFeedStatus struct {
	Running      bool      `json:"running"`
	PollInterval float64   `json:"poll_interval"`
	LastPoll     time.Time `json:"last_poll"`
	AgeSeconds   *float64  `json:"age_seconds"`
	PollCount    int64     `json:"poll_count"`
	ErrorCount   int64     `json:"error_count"`
	HasData      bool      `json:"has_data"`
}

func (f *KalshiFeed) Status() KalshiFeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return KalshiFeedStatus{
		Running:      f.running,
		PollInterval: f.interval.Seconds(),
		LastPoll:     f.lastPoll,
		AgeSeconds:   ageSeconds(f.lastPoll),
		PollCount:    f.pollCount,
		ErrorCount:   f.errorCount,
		HasData:      f.latest != nil,
	}
}
