package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"btcarb/internal/config"
	"btcarb/internal/exchange"
	"btcarb/internal/execution"
	"btcarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKalshi struct{}

func (fakeKalshi) PlaceLimitOrder(ctx context.Context, ticker string, side types.KalshiLeg, count, priceCents int) (types.OrderResult, error) {
	return types.OrderResult{Venue: types.VenueKalshi, OrderID: "ord-k", Status: "filled"}, nil
}

func (fakeKalshi) CancelOrder(ctx context.Context, orderID string) error { return nil }

type fakePoly struct{}

func (fakePoly) PlaceOrder(ctx context.Context, tokenID string, side types.Side, price, size float64) (types.OrderResult, error) {
	return types.OrderResult{Venue: types.VenuePolymarket, OrderID: "ord-p", Status: "matched"}, nil
}

type rejectingKalshi struct{}

func (rejectingKalshi) PlaceLimitOrder(ctx context.Context, ticker string, side types.KalshiLeg, count, priceCents int) (types.OrderResult, error) {
	return types.OrderResult{}, errors.New("insufficient balance")
}

func (rejectingKalshi) CancelOrder(ctx context.Context, orderID string) error { return nil }

// venueFixture drives the shared fake that stands in for all four venue
// HTTP surfaces. Base URLs are carved out of one listener by path prefix.
type venueFixture struct {
	mu         sync.Mutex
	gammaJSON  string
	kalshiJSON string
	books      map[string]string
	gammaDown  bool
	kalshiDown bool
}

func (fx *venueFixture) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.mu.Lock()
		defer fx.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/klines"):
			w.Write([]byte(`[[1756137600000,"109235.50","109500.00","109000.00","109400.00","12.5",1756141199999,"0","100","0","0","0"]]`))
		case strings.HasPrefix(r.URL.Path, "/ticker/price"):
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"109411.20"}`))
		case strings.HasPrefix(r.URL.Path, "/events"):
			if fx.gammaDown {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.Write([]byte(fx.gammaJSON))
		case strings.HasPrefix(r.URL.Path, "/kalshi/markets"):
			if fx.kalshiDown {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			w.Write([]byte(fx.kalshiJSON))
		case strings.HasPrefix(r.URL.Path, "/clob/book"):
			body, ok := fx.books[r.URL.Query().Get("token_id")]
			if !ok {
				http.Error(w, "unknown token", http.StatusNotFound)
				return
			}
			w.Write([]byte(body))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

// workingFixture quotes a clean opportunity: down ask 0.45 on Polymarket,
// yes ask 48c on the strike below the candle open. Total 0.93, worst-case
// fees 0.04, net margin just under 0.03.
func workingFixture() *venueFixture {
	return &venueFixture{
		gammaJSON: `[{"slug":"s","title":"Bitcoin Up or Down","markets":[
			{"clobTokenIds":"[\"tok-up\",\"tok-down\"]","outcomes":"[\"Up\",\"Down\"]"}]}]`,
		kalshiJSON: `{"markets":[
			{"ticker":"KXBTCD-TEST-T109000","subtitle":"$109,000 or above","yes_bid":45,"yes_ask":48,"no_bid":52,"no_ask":55},
			{"ticker":"KXBTCD-TEST-T110000","subtitle":"$110,000 or above","yes_bid":20,"yes_ask":90,"no_bid":10,"no_ask":95}]}`,
		books: map[string]string{
			"tok-up":   `{"asks":[{"price":"0.57","size":"100"}],"bids":[{"price":"0.55","size":"50"}]}`,
			"tok-down": `{"asks":[{"price":"0.45","size":"100"}],"bids":[{"price":"0.43","size":"50"}]}`,
		},
	}
}

func newTestEngine(t *testing.T, fx *venueFixture) *Engine {
	t.Helper()

	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Config{
		DryRun:      true,
		Environment: "test",
		Venues: config.VenuesConfig{
			PolymarketGammaURL: srv.URL + "/events",
			PolymarketCLOBURL:  srv.URL + "/clob",
			KalshiAPIURL:       srv.URL + "/kalshi",
			BinancePriceURL:    srv.URL + "/ticker/price",
			BinanceKlinesURL:   srv.URL + "/klines",
			BinanceSymbol:      "BTCUSDT",
		},
		Trading: config.TradingConfig{
			MaxSingleTradeUSD:   10,
			MaxTotalExposureUSD: 100,
			MaxDailyLossUSD:     50,
			MaxTradesPerHour:    5,
			MinNetMargin:        0.01,
		},
		Fees: config.FeesConfig{
			KalshiFeePerContract: 0.035,
			PolymarketGasCost:    0.02,
			SlippageBuffer:       0.005,
		},
		Breaker: config.BreakerConfig{
			MaxConsecutiveFailures: 3,
			ErrorRateThreshold:     0.5,
			ErrorRateWindow:        time.Minute,
			Cooldown:               time.Minute,
			StalenessThreshold:     time.Minute,
		},
		Security: config.SecurityConfig{
			KillFilePath: filepath.Join(t.TempDir(), "KILL_SWITCH_ACTIVE"),
		},
		Feeds: config.FeedsConfig{
			KalshiPollInterval: time.Second,
			DetectInterval:     10 * time.Millisecond,
			PingInterval:       time.Second,
		},
		Store: config.StoreConfig{
			DBPath: filepath.Join(t.TempDir(), "arb.db"),
		},
	}

	eng, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func testOpportunity() types.ArbitrageCheck {
	return types.ArbitrageCheck{
		KalshiStrike:    109000,
		Type:            types.CheckPolyAbove,
		PolyLeg:         types.PolyDown,
		KalshiLeg:       types.KalshiYes,
		PolyCost:        0.45,
		KalshiCost:      0.48,
		TotalCost:       0.93,
		FeeAdjustedCost: 0.97,
		IsArbitrage:     true,
		Margin:          0.07,
		NetMargin:       0.03,
		KalshiTicker:    "KXBTCD-TEST-T109000",
		PolyToken:       "tok-down",
	}
}

func TestScanFindsOpportunity(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())
	scan := eng.Scan(context.Background())

	if len(scan.Errors) != 0 {
		t.Fatalf("scan errors: %v", scan.Errors)
	}
	if scan.Polymarket == nil || scan.Kalshi == nil {
		t.Fatal("expected both snapshots")
	}
	if scan.Polymarket.PriceToBeat != 109235.50 {
		t.Errorf("PriceToBeat = %v, want 109235.50", scan.Polymarket.PriceToBeat)
	}
	if len(scan.Checks) == 0 {
		t.Fatal("expected checks for nearby strikes")
	}
	if len(scan.Opportunities) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(scan.Opportunities))
	}

	opp := scan.Opportunities[0]
	if opp.PolyLeg != types.PolyDown || opp.KalshiLeg != types.KalshiYes {
		t.Errorf("legs = %s/%s, want Down/yes", opp.PolyLeg, opp.KalshiLeg)
	}
	if opp.PolyToken != "tok-down" {
		t.Errorf("PolyToken = %q, want tok-down", opp.PolyToken)
	}
	if math.Abs(opp.NetMargin-0.03) > 1e-9 {
		t.Errorf("NetMargin = %v, want 0.03", opp.NetMargin)
	}

	scans, last := eng.ScanCount()
	if scans != 1 {
		t.Errorf("scans = %d, want 1", scans)
	}
	if last.IsZero() {
		t.Error("lastScanAt not stamped")
	}
}

func TestScanCollectsVenueErrors(t *testing.T) {
	t.Parallel()

	fx := workingFixture()
	fx.gammaDown = true
	fx.kalshiDown = true
	eng := newTestEngine(t, fx)

	scan := eng.Scan(context.Background())

	if len(scan.Errors) != 2 {
		t.Fatalf("errors = %v, want one per venue", scan.Errors)
	}
	if scan.Polymarket != nil || scan.Kalshi != nil {
		t.Error("snapshots should be nil when fetches fail")
	}
	if len(scan.Checks) != 0 || len(scan.Opportunities) != 0 {
		t.Error("detection must not run on partial data")
	}
	for _, e := range scan.Errors {
		if !strings.HasPrefix(e, "polymarket:") && !strings.HasPrefix(e, "kalshi:") {
			t.Errorf("error %q missing venue prefix", e)
		}
	}
}

func TestGateOrdering(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())
	ctx := context.Background()
	opp := testOpportunity()

	eng.kill.Activate("test")
	if got := eng.gate(ctx, opp); got != "kill switch active" {
		t.Errorf("gate = %q, want kill switch active", got)
	}
	eng.kill.Deactivate("test")

	eng.breaker.Trip("test trip")
	if got := eng.gate(ctx, opp); !strings.Contains(got, "circuit breaker") {
		t.Errorf("gate = %q, want circuit breaker reason", got)
	}
	eng.breaker.Reset()

	thin := opp
	thin.NetMargin = 0.001
	if got := eng.gate(ctx, thin); !strings.Contains(got, "net margin") {
		t.Errorf("gate = %q, want margin rejection", got)
	}

	if got := eng.gate(ctx, opp); got != "" {
		t.Errorf("gate = %q, want pass", got)
	}
}

func TestCheckDepth(t *testing.T) {
	t.Parallel()

	fx := workingFixture()
	fx.books["tok-thin"] = `{"asks":[{"price":"0.45","size":"0.4"}],"bids":[]}`
	eng := newTestEngine(t, fx)
	ctx := context.Background()

	if got := eng.checkDepth(ctx, testOpportunity()); got != "" {
		t.Errorf("checkDepth = %q, want pass", got)
	}

	zero := testOpportunity()
	zero.PolyCost = 0
	if got := eng.checkDepth(ctx, zero); got != "unusable zero ask" {
		t.Errorf("checkDepth = %q, want zero-ask rejection", got)
	}

	noToken := testOpportunity()
	noToken.PolyToken = ""
	if got := eng.checkDepth(ctx, noToken); got != "missing polymarket token id" {
		t.Errorf("checkDepth = %q", got)
	}

	thin := testOpportunity()
	thin.PolyToken = "tok-thin"
	if got := eng.checkDepth(ctx, thin); !strings.Contains(got, "insufficient book depth") {
		t.Errorf("checkDepth = %q, want depth rejection", got)
	}

	gone := testOpportunity()
	gone.PolyToken = "tok-unknown"
	if got := eng.checkDepth(ctx, gone); !strings.Contains(got, "order book unavailable") {
		t.Errorf("checkDepth = %q, want fetch failure", got)
	}
}

func TestExecuteSuccessFanout(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())
	eng.executor = execution.NewExecutor(
		eng.cfg.Trading, false, fakeKalshi{}, fakePoly{}, eng.tracker, eng.latency, testLogger())

	opp := testOpportunity()
	eng.execute(context.Background(), opp)

	if got := eng.riskMgr.TotalExposure(); math.Abs(got-opp.TotalCost) > 1e-9 {
		t.Errorf("risk exposure = %v, want %v", got, opp.TotalCost)
	}
	if !eng.breaker.IsTradingAllowed() {
		t.Error("breaker should stay closed after success")
	}
	if got := eng.metrics.Status().TradesTotal; got != 1 {
		t.Errorf("metric trades = %v, want 1", got)
	}

	trades, err := eng.db.TradesToday()
	if err != nil {
		t.Fatalf("TradesToday: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != "executed" || trades[0].DryRun {
		t.Fatalf("trade rows = %+v, want one live executed row", trades)
	}

	positions, err := eng.db.OpenPositions()
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want both legs", len(positions))
	}
	for _, p := range positions {
		if p.ArbID != "ARB-000001" {
			t.Errorf("position %s ArbID = %q, want ARB-000001", p.PositionID, p.ArbID)
		}
	}

	stats, err := eng.db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.OpportunitiesToday != 1 {
		t.Errorf("opportunities = %d, want 1", stats.OpportunitiesToday)
	}
}

func TestExecuteFailureFanout(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())
	eng.executor = execution.NewExecutor(
		eng.cfg.Trading, false, rejectingKalshi{}, fakePoly{}, eng.tracker, eng.latency, testLogger())

	eng.execute(context.Background(), testOpportunity())

	if got := eng.breaker.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("consecutive failures = %d, want 1", got)
	}
	if got := eng.riskMgr.TotalExposure(); got != 0 {
		t.Errorf("risk exposure = %v, want 0 after failure", got)
	}

	trades, err := eng.db.TradesToday()
	if err != nil {
		t.Fatalf("TradesToday: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != string(types.ExecLeg1Failed) {
		t.Fatalf("trade rows = %+v, want one leg1_failed row", trades)
	}
	if trades[0].ErrorMessage == "" {
		t.Error("failed trade should carry the error message")
	}
}

func TestExecuteDryRun(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())

	eng.execute(context.Background(), testOpportunity())

	if got := eng.metrics.Status().TradesTotal; got != 0 {
		t.Errorf("metric trades = %v, want 0 in dry run", got)
	}
	if got := eng.riskMgr.TotalExposure(); got != 0 {
		t.Errorf("risk exposure = %v, want 0 in dry run", got)
	}

	trades, err := eng.db.TradesToday()
	if err != nil {
		t.Fatalf("TradesToday: %v", err)
	}
	if len(trades) != 1 || trades[0].Status != "dry_run" || !trades[0].DryRun {
		t.Fatalf("trade rows = %+v, want one dry_run row", trades)
	}
}

func TestRotateHourly(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())

	h1 := exchange.HourlyMarket{
		EventTicker: "KXBTCD-25AUG2517",
		Slug:        "bitcoin-up-or-down-august-25-5pm-et",
		HourStart:   time.Date(2025, 8, 25, 20, 0, 0, 0, time.UTC),
		SettleTime:  time.Date(2025, 8, 25, 21, 0, 0, 0, time.UTC),
	}
	snap1 := types.PolySnapshot{Tokens: map[types.PolyLeg]string{
		types.PolyUp:   "tok-a",
		types.PolyDown: "tok-b",
	}}
	eng.rotateHourly(h1, snap1)

	if got := eng.hub.Polymarket.Status().SubscribedMarkets; got != 2 {
		t.Fatalf("subscribed = %d, want 2", got)
	}

	// Same hour again is a no-op.
	eng.rotateHourly(h1, types.PolySnapshot{Tokens: map[types.PolyLeg]string{
		types.PolyUp: "tok-x",
	}})
	if got := eng.hub.Polymarket.Status().SubscribedMarkets; got != 2 {
		t.Fatalf("subscribed after repeat = %d, want 2", got)
	}

	h2 := h1
	h2.EventTicker = "KXBTCD-25AUG2518"
	snap2 := types.PolySnapshot{Tokens: map[types.PolyLeg]string{
		types.PolyUp:   "tok-c",
		types.PolyDown: "tok-d",
	}}
	eng.rotateHourly(h2, snap2)

	if got := eng.hub.Polymarket.Status().SubscribedMarkets; got != 2 {
		t.Fatalf("subscribed after roll = %d, want 2", got)
	}
	eng.mu.Lock()
	rotated := append([]string(nil), eng.subscribed...)
	eng.mu.Unlock()
	if len(rotated) != 2 || rotated[0] != "tok-c" || rotated[1] != "tok-d" {
		t.Errorf("subscribed tokens = %v, want [tok-c tok-d]", rotated)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, workingFixture())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	events, err := eng.db.RecentEvents(5, "startup")
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("startup events = %d, want 1", len(events))
	}
}
