// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together all subsystems:
//
//  1. The stream hub runs the three market-data feeds (Binance reference
//     price, Polymarket book, Kalshi market poller).
//  2. A detect loop resolves the contracts covering the current hour, pulls
//     fresh snapshots from both venues, and runs the fee-aware detector.
//  3. Every candidate passes the safety gates in order: kill switch,
//     circuit breaker, risk manager, order book depth.
//  4. Survivors go to the executor, which places both legs and unwinds on a
//     partial fill. Outcomes feed the breaker, the database, metrics, and
//     Telegram alerts.
//  5. A feed listener turns hub traffic into breaker freshness signals and
//     per-feed message counters.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx is cancelled] → Close()
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"btcarb/internal/config"
	"btcarb/internal/exchange"
	"btcarb/internal/execution"
	"btcarb/internal/metrics"
	"btcarb/internal/notify"
	"btcarb/internal/risk"
	"btcarb/internal/store"
	"btcarb/internal/strategy"
	"btcarb/internal/stream"
	"btcarb/pkg/types"
)

// sourceEngine labels hub events emitted by the engine itself, so the feed
// listener can tell them apart from venue traffic.
const sourceEngine = "engine"

// latencyTargetMS is the end-to-end execution budget. Slower executions
// still count but page the operator.
const latencyTargetMS = 500

// Engine owns the runtime composition: venue clients, feeds, detector,
// executor, the safety stack, persistence, and observability. The API
// server and the scheduler reach the shared components through its
// accessors.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	kalshiData *exchange.KalshiClient
	polyData   *exchange.PolymarketClient
	polyTrade  *exchange.PolymarketTradeClient

	hub      *stream.Hub
	detector *strategy.Detector
	executor *execution.Executor
	tracker  *execution.PositionTracker
	latency  *execution.LatencyTracker
	riskMgr  *risk.Manager
	breaker  *risk.Breaker
	kill     *risk.KillSwitch
	db       *store.Store
	metrics  *metrics.Metrics
	alerts   *notify.Alerter

	// mu guards the hourly rotation state and the scan counters.
	mu         sync.Mutex
	hourly     exchange.HourlyMarket
	subscribed []string // Polymarket tokens currently on the book feed
	scans      int64
	lastScanAt time.Time
}

// New creates and wires all engine components. Opening the database is the
// only fallible step; venue clients authenticate lazily on first order.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	limiter := exchange.NewRateLimiter()

	binance := exchange.NewBinanceClient(cfg.Venues, limiter, logger)
	kalshiData := exchange.NewKalshiClient(cfg.Venues, limiter, binance, logger)
	polyData := exchange.NewPolymarketClient(cfg.Venues, limiter, binance, logger)
	kalshiTrade := exchange.NewKalshiTradeClient(&cfg, limiter, logger)
	polyTrade := exchange.NewPolymarketTradeClient(&cfg, limiter, logger)

	binanceFeed := stream.NewBinanceFeed(cfg.Venues, logger)
	polyFeed := stream.NewPolymarketFeed(cfg.Venues, logger)
	kalshiFeed := stream.NewKalshiFeed(cfg.Venues, cfg.Feeds.KalshiPollInterval, limiter, logger)
	hub := stream.NewHub(binanceFeed, polyFeed, kalshiFeed, logger)

	tracker := execution.NewPositionTracker(logger)
	latency := execution.NewLatencyTracker(logger)
	fees := strategy.NewFeeEngine(cfg.Fees, cfg.Trading.MinNetMargin)

	db, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		log:        logger.With("component", "engine"),
		kalshiData: kalshiData,
		polyData:   polyData,
		polyTrade:  polyTrade,
		hub:        hub,
		detector:   strategy.NewDetector(fees, logger),
		executor:   execution.NewExecutor(cfg.Trading, cfg.DryRun, kalshiTrade, polyTrade, tracker, latency, logger),
		tracker:    tracker,
		latency:    latency,
		riskMgr:    risk.NewManager(cfg.Trading, logger),
		breaker:    risk.NewBreaker(cfg.Breaker, logger),
		kill:       risk.NewKillSwitch(cfg.Security, logger),
		db:         db,
		metrics:    metrics.New(),
		alerts:     notify.New(cfg.Telegram, logger),
	}, nil
}

// Run executes the detect loop until ctx is cancelled. The stream hub runs
// separately (the caller owns it) so the API can keep serving events while
// the loop restarts.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"environment", e.cfg.Environment,
		"detect_interval", e.cfg.Feeds.DetectInterval,
		"min_net_margin", e.cfg.Trading.MinNetMargin,
	)
	e.logEvent("startup", map[string]any{
		"dry_run":     e.cfg.DryRun,
		"environment": e.cfg.Environment,
	}, store.SeverityInfo)

	if !e.cfg.DryRun {
		// One-time on-chain approval so live Polymarket orders can settle.
		if err := e.polyTrade.SetAllowances(ctx); err != nil {
			e.log.Warn("usdc allowance setup failed, live orders may reject", "err", err)
		}
	}

	go e.consumeFeedEvents(ctx)

	ticker := time.NewTicker(e.cfg.Feeds.DetectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// Close releases the database. Call after Run has returned.
func (e *Engine) Close() error {
	return e.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Detect loop
// ————————————————————————————————————————————————————————————————————————

// cycle is one pass of the detect loop: refresh gauges, scan both venues,
// and run every flagged opportunity through the gates.
func (e *Engine) cycle(ctx context.Context) {
	e.updateGauges()

	scan := e.Scan(ctx)
	if scan.Polymarket == nil || scan.Kalshi == nil {
		return
	}
	if len(scan.Opportunities) == 0 {
		return
	}

	best := scan.Opportunities[0]
	for _, opp := range scan.Opportunities[1:] {
		if opp.NetMargin > best.NetMargin {
			best = opp
		}
	}
	e.hub.Emit(stream.Event{
		Source:    sourceEngine,
		EventType: "opportunity",
		Data: map[string]any{
			"count":       len(scan.Opportunities),
			"best_margin": best.NetMargin,
			"strike":      best.KalshiStrike,
		},
		Timestamp: scan.Timestamp,
	})

	for _, opp := range scan.Opportunities {
		e.consider(ctx, opp)
	}
}

// ScanResult is one detection pass over both venues. Fetch failures land in
// Errors; detection runs only when both snapshots arrived.
type ScanResult struct {
	Timestamp     time.Time              `json:"timestamp"`
	Polymarket    *types.PolySnapshot    `json:"polymarket"`
	Kalshi        *types.KalshiSnapshot  `json:"kalshi"`
	Checks        []types.ArbitrageCheck `json:"checks"`
	Opportunities []types.ArbitrageCheck `json:"opportunities"`
	Errors        []string               `json:"errors"`
}

// Scan fetches fresh snapshots for the current hourly market and runs the
// detector. Used by the detect loop and served directly on the operator
// API, so a request always reflects live venue state.
func (e *Engine) Scan(ctx context.Context) ScanResult {
	res := ScanResult{Timestamp: time.Now().UTC(), Errors: []string{}}

	hourly, err := exchange.CurrentHourlyMarket(time.Now())
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("resolve hourly market: %v", err))
		return res
	}

	poly, err := e.polyData.FetchBySlug(ctx, hourly.Slug, hourly.HourStart)
	if err != nil {
		e.log.Warn("polymarket fetch failed", "slug", hourly.Slug, "err", err)
		res.Errors = append(res.Errors, fmt.Sprintf("polymarket: %v", err))
	} else {
		res.Polymarket = &poly
		e.rotateHourly(hourly, poly)
	}

	kalshi, err := e.kalshiData.FetchByEvent(ctx, hourly.EventTicker)
	if err != nil {
		e.log.Warn("kalshi fetch failed", "event", hourly.EventTicker, "err", err)
		res.Errors = append(res.Errors, fmt.Sprintf("kalshi: %v", err))
	} else {
		res.Kalshi = &kalshi
	}

	if res.Polymarket != nil && res.Kalshi != nil {
		res.Checks, res.Opportunities = e.detector.FindOpportunities(poly, kalshi)
	}

	e.mu.Lock()
	e.scans++
	e.lastScanAt = res.Timestamp
	e.mu.Unlock()

	return res
}

// rotateHourly moves the Polymarket book feed onto the tokens of the
// current hour's market when the hour rolls over.
func (e *Engine) rotateHourly(hourly exchange.HourlyMarket, poly types.PolySnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hourly.EventTicker == e.hourly.EventTicker {
		return
	}

	next := make([]string, 0, 2)
	for _, leg := range []types.PolyLeg{types.PolyUp, types.PolyDown} {
		if id := poly.Token(leg); id != "" {
			next = append(next, id)
		}
	}

	if len(e.subscribed) > 0 {
		e.hub.Polymarket.Unsubscribe(e.subscribed...)
	}
	if len(next) > 0 {
		e.hub.Polymarket.Subscribe(next...)
	}

	e.log.Info("hourly market rolled",
		"event", hourly.EventTicker,
		"slug", hourly.Slug,
		"settles", hourly.SettleTime.Format(time.RFC3339),
		"tokens", len(next),
	)

	e.hourly = hourly
	e.subscribed = next
}

// ————————————————————————————————————————————————————————————————————————
// Gates and execution
// ————————————————————————————————————————————————————————————————————————

// consider runs one opportunity through the gates and, if it survives,
// hands it to the executor. Every outcome lands in the opportunities table.
func (e *Engine) consider(ctx context.Context, opp types.ArbitrageCheck) {
	if reason := e.gate(ctx, opp); reason != "" {
		e.log.Info("opportunity skipped",
			"strike", opp.KalshiStrike,
			"net_margin", opp.NetMargin,
			"reason", reason,
		)
		e.recordOpportunity(opp, false, reason)
		return
	}
	e.execute(ctx, opp)
}

// gate returns the first blocking reason, "" when the trade may proceed.
// Order mirrors blast radius: kill switch, breaker, risk limits, book depth.
func (e *Engine) gate(ctx context.Context, opp types.ArbitrageCheck) string {
	if e.kill.IsActive() {
		return "kill switch active"
	}
	if !e.breaker.IsTradingAllowed() {
		return fmt.Sprintf("circuit breaker %s", e.breaker.State())
	}
	if ok, reason := e.riskMgr.CheckTrade(opp.NetMargin, opp.TotalCost, e.tracker.TotalExposure()); !ok {
		return reason
	}
	return e.checkDepth(ctx, opp)
}

// checkDepth guards against the zero-ask and thin-book cases the detector
// lets through: the Polymarket leg must be fillable at its quoted price
// plus the slippage buffer.
func (e *Engine) checkDepth(ctx context.Context, opp types.ArbitrageCheck) string {
	if opp.PolyCost <= 0 || opp.KalshiCost <= 0 {
		return "unusable zero ask"
	}
	if opp.PolyToken == "" {
		return "missing polymarket token id"
	}

	book, err := e.polyData.GetOrderBook(ctx, opp.PolyToken)
	if err != nil {
		return fmt.Sprintf("order book unavailable: %v", err)
	}

	maxPrice := opp.PolyCost + e.cfg.Fees.SlippageBuffer
	contracts, _ := book.Fillable(types.BUY, maxPrice, maxPrice)
	if contracts < 1 {
		return fmt.Sprintf("insufficient book depth at $%.2f", maxPrice)
	}
	return ""
}

// execute places the pair and fans the outcome out to the safety stack,
// the database, metrics, and alerts.
func (e *Engine) execute(ctx context.Context, opp types.ArbitrageCheck) {
	wasAllowed := e.breaker.IsTradingAllowed()

	start := time.Now()
	res := e.executor.ExecuteArbitrage(ctx, opp)
	took := time.Since(start)

	switch res.Status {
	case types.ExecSuccess:
		e.onSuccess(opp, res, took)
	case types.ExecDryRun:
		e.onDryRun(opp, res)
	case types.ExecPreflightFailed:
		e.recordOpportunity(opp, false, res.Error)
	default:
		e.onFailure(opp, res, wasAllowed)
	}
}

func (e *Engine) onSuccess(opp types.ArbitrageCheck, res types.ExecutionResult, took time.Duration) {
	// Realized PnL lands at settlement; the trade itself books at zero.
	e.riskMgr.RecordTrade(0, opp.TotalCost)
	e.breaker.RecordSuccess()
	e.metrics.RecordTrade(0, took)

	e.persistTrade(opp, res, "executed", false)
	e.persistPositions(res.PairID)
	e.recordOpportunity(opp, true, "")

	_ = e.alerts.AlertTrade(
		res.PairID,
		"kalshi+polymarket",
		fmt.Sprintf("%s/%s", opp.KalshiLeg, opp.PolyLeg),
		opp.TotalCost,
		opp.NetMargin,
		false,
	)
	if ms := float64(took.Milliseconds()); ms > latencyTargetMS {
		_ = e.alerts.AlertHighLatency(ms, latencyTargetMS)
	}
}

func (e *Engine) onDryRun(opp types.ArbitrageCheck, res types.ExecutionResult) {
	e.persistTrade(opp, res, "dry_run", true)
	e.recordOpportunity(opp, false, "dry_run")

	_ = e.alerts.AlertTrade(
		"DRY-"+time.Now().UTC().Format("150405"),
		"kalshi+polymarket",
		fmt.Sprintf("%s/%s", opp.KalshiLeg, opp.PolyLeg),
		opp.TotalCost,
		opp.NetMargin,
		true,
	)
}

func (e *Engine) onFailure(opp types.ArbitrageCheck, res types.ExecutionResult, wasAllowed bool) {
	e.breaker.RecordFailure(string(res.Status))
	e.metrics.RecordTradeError()

	e.persistTrade(opp, res, string(res.Status), false)
	e.recordOpportunity(opp, false, res.Error)

	if res.Status == types.ExecLeg2Failed {
		// Unwind failed: a naked Kalshi leg is resting on the venue.
		e.logEvent("execution", map[string]any{
			"status": string(res.Status),
			"error":  res.Error,
		}, store.SeverityCritical)
	}

	if wasAllowed && !e.breaker.IsTradingAllowed() {
		state := string(e.breaker.State())
		_ = e.alerts.AlertCircuitBreaker(state, res.Error)
		e.logEvent("circuit_breaker", map[string]any{
			"state":  state,
			"reason": "repeated execution failures",
		}, store.SeverityWarning)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Persistence and observability
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) persistTrade(opp types.ArbitrageCheck, res types.ExecutionResult, status string, dryRun bool) {
	t := &store.Trade{
		PolyLeg:         string(opp.PolyLeg),
		KalshiLeg:       string(opp.KalshiLeg),
		KalshiStrike:    opp.KalshiStrike,
		PolyCost:        opp.PolyCost,
		KalshiCost:      opp.KalshiCost,
		TotalCost:       opp.TotalCost,
		FeeAdjustedCost: opp.FeeAdjustedCost,
		NetMargin:       opp.NetMargin,
		SizeContracts:   1,
		Status:          status,
		ErrorMessage:    res.Error,
		DryRun:          dryRun,
	}
	if _, err := e.db.RecordTrade(t); err != nil {
		e.log.Error("persist trade failed", "status", status, "err", err)
	}
}

// persistPositions mirrors both legs of a freshly opened pair from the
// in-memory tracker into the database.
func (e *Engine) persistPositions(pairID string) {
	for _, pair := range e.tracker.Arbitrages() {
		if pair.ID != pairID {
			continue
		}
		for _, leg := range []types.Position{pair.Kalshi, pair.Poly} {
			row := &store.Position{
				PositionID:     leg.ID,
				Platform:       string(leg.Venue),
				Side:           string(leg.Side),
				Ticker:         leg.Ticker,
				EntryPrice:     leg.EntryPrice,
				Size:           leg.Size,
				CostUSD:        leg.CostUSD,
				LinkedPosition: leg.LinkedID,
				ArbID:          pair.ID,
			}
			if err := e.db.RecordPosition(row); err != nil {
				e.log.Error("persist position failed", "position", leg.ID, "err", err)
			}
		}
		return
	}
	e.log.Warn("executed pair missing from tracker", "pair_id", pairID)
}

func (e *Engine) recordOpportunity(opp types.ArbitrageCheck, executed bool, skipReason string) {
	o := &store.Opportunity{
		KalshiStrike: opp.KalshiStrike,
		PolyLeg:      string(opp.PolyLeg),
		KalshiLeg:    string(opp.KalshiLeg),
		PolyCost:     opp.PolyCost,
		KalshiCost:   opp.KalshiCost,
		TotalCost:    opp.TotalCost,
		NetMargin:    opp.NetMargin,
		WasExecuted:  executed,
		SkipReason:   skipReason,
	}
	if _, err := e.db.RecordOpportunity(o); err != nil {
		e.log.Error("persist opportunity failed", "err", err)
	}
}

// logEvent writes a bot event with JSON details. Callers keep credentials
// and tokens out of the payload.
func (e *Engine) logEvent(eventType string, details map[string]any, severity string) {
	payload, err := json.Marshal(details)
	if err != nil {
		e.log.Error("marshal event details failed", "event_type", eventType, "err", err)
		return
	}
	if _, err := e.db.LogEvent(eventType, string(payload), severity); err != nil {
		e.log.Warn("persist event failed", "event_type", eventType, "err", err)
	}
}

// consumeFeedEvents turns hub traffic into breaker freshness signals and
// feed message counters. Engine-sourced events are not data updates.
func (e *Engine) consumeFeedEvents(ctx context.Context) {
	id, ch := e.hub.Subscribe()
	defer e.hub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Source == sourceEngine {
				continue
			}
			e.breaker.RecordDataUpdate()
			e.metrics.CountFeedMessage(evt.Source)
		}
	}
}

// updateGauges refreshes the slow-moving metrics once per cycle and runs
// the daily-loss breaker check at the same cadence.
func (e *Engine) updateGauges() {
	e.metrics.SetFeedConnected(stream.SourceBinance, e.hub.Binance.Connected())
	e.metrics.SetFeedConnected(stream.SourcePolymarket, e.hub.Polymarket.Connected())
	e.metrics.SetFeedConnected(stream.SourceKalshi, e.hub.Kalshi.Running())
	e.metrics.SetBreakerState(string(e.breaker.State()))
	e.metrics.SetKillSwitch(e.kill.IsActive())
	e.metrics.SetExposure(len(e.tracker.OpenPositions()), e.tracker.TotalExposure(), e.riskMgr.DailyPnL())

	e.breaker.CheckDailyLoss(e.riskMgr.DailyPnL(), e.cfg.Trading.MaxDailyLossUSD)
}

// ————————————————————————————————————————————————————————————————————————
// Component access
// ————————————————————————————————————————————————————————————————————————

// ScanCount reports loop progress for the status endpoints.
func (e *Engine) ScanCount() (scans int64, lastScanAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scans, e.lastScanAt
}

// GetHub returns the stream hub for API access.
func (e *Engine) GetHub() *stream.Hub { return e.hub }

// GetStore returns the database for API access.
func (e *Engine) GetStore() *store.Store { return e.db }

// GetMetrics returns the metrics registry for API access.
func (e *Engine) GetMetrics() *metrics.Metrics { return e.metrics }

// GetAlerts returns the Telegram alerter for API access.
func (e *Engine) GetAlerts() *notify.Alerter { return e.alerts }

// GetExecutor returns the order engine for API and scheduler access.
func (e *Engine) GetExecutor() *execution.Executor { return e.executor }

// GetLatencyTracker returns the latency tracker for API access.
func (e *Engine) GetLatencyTracker() *execution.LatencyTracker { return e.latency }

// GetPositionTracker returns the in-memory position ledger.
func (e *Engine) GetPositionTracker() *execution.PositionTracker { return e.tracker }

// GetRiskManager returns the risk manager for API and scheduler access.
func (e *Engine) GetRiskManager() *risk.Manager { return e.riskMgr }

// GetBreaker returns the circuit breaker for API and scheduler access.
func (e *Engine) GetBreaker() *risk.Breaker { return e.breaker }

// GetKillSwitch returns the kill switch for API access.
func (e *Engine) GetKillSwitch() *risk.KillSwitch { return e.kill }
