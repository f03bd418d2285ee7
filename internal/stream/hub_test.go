package stream

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"btcarb/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testVenues() config.VenuesConfig {
	return config.VenuesConfig{
		BinanceWSURL:    "ws://127.0.0.1:0/ws",
		BinanceSymbol:   "BTCUSDT",
		PolymarketWSURL: "ws://127.0.0.1:0/ws/market",
		KalshiAPIURL:    "http://127.0.0.1:0",
	}
}

// newTestHub builds a hub whose feeds are never started; events are injected
// by calling the feed message handlers directly.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := testLogger()
	return NewHub(
		NewBinanceFeed(testVenues(), log),
		NewPolymarketFeed(testVenues(), log),
		NewKalshiFeed(testVenues(), time.Hour, newTestLimiter(), log),
		log,
	)
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)

	id, ch := h.Subscribe()
	if id == "" {
		t.Fatal("empty subscriber id")
	}
	if got := h.Status().Subscribers; got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}

	h.Unsubscribe(id)
	if got := h.Status().Subscribers; got != 0 {
		t.Errorf("subscribers after unsubscribe = %d, want 0", got)
	}

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Unknown id is a no-op.
	h.Unsubscribe("nope")
}

func TestHubEmitFanout(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	_, ch1 := h.Subscribe()
	_, ch2 := h.Subscribe()

	h.Emit(Event{Source: SourceBinance, EventType: EventPrice, Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Source != SourceBinance || evt.EventType != EventPrice {
				t.Errorf("subscriber %d got %+v", i, evt)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}

	if got := h.Status().TotalEvents; got != 1 {
		t.Errorf("TotalEvents = %d, want 1", got)
	}
}

func TestHubEvictsFullSubscriber(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	_, ch := h.Subscribe()

	for i := 0; i < subscriberBuffer+1; i++ {
		h.Emit(Event{Source: SourceKalshi, EventType: EventMarketData})
	}

	if got := h.Status().Subscribers; got != 0 {
		t.Fatalf("subscribers = %d, want 0 after eviction", got)
	}

	// The buffered events are still readable, then the channel closes.
	var received int
	for range ch {
		received++
	}
	if received != subscriberBuffer {
		t.Errorf("drained %d events, want %d", received, subscriberBuffer)
	}
}

func TestHubBinancePriceEvent(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	_, ch := h.Subscribe()

	h.Binance.handleMessage([]byte(`{"c":"95123.45"}`))

	select {
	case evt := <-ch:
		if evt.Source != SourceBinance || evt.EventType != EventPrice {
			t.Fatalf("event = %+v", evt)
		}
		if got := evt.Data["price"]; got != 95123.45 {
			t.Errorf("price = %v, want 95123.45", got)
		}
		if got := evt.Data["symbol"]; got != "BTCUSDT" {
			t.Errorf("symbol = %v, want BTCUSDT", got)
		}
	default:
		t.Fatal("no event emitted for price tick")
	}
}

func TestHubPolymarketBookEvent(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	_, ch := h.Subscribe()

	h.Polymarket.handleMessage([]byte(`{"type":"book","asset_id":"tok-1","bids":[{"price":"0.55","size":"10"}],"asks":["0.57"]}`))

	select {
	case evt := <-ch:
		if evt.Source != SourcePolymarket || evt.EventType != EventBookUpdate {
			t.Fatalf("event = %+v", evt)
		}
		if got := evt.Data["token_id"]; got != "tok-1" {
			t.Errorf("token_id = %v", got)
		}
		if got := evt.Data["best_bid"]; got != 0.55 {
			t.Errorf("best_bid = %v, want 0.55", got)
		}
		if got := evt.Data["best_ask"]; got != 0.57 {
			t.Errorf("best_ask = %v, want 0.57", got)
		}
	default:
		t.Fatal("no event emitted for book update")
	}

	if got := h.Status().Polymarket.BooksCached; got != 1 {
		t.Errorf("BooksCached = %d, want 1", got)
	}
}

func TestHubStatusAggregates(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)

	st := h.Status()
	if st.Running {
		t.Error("Running = true before Run")
	}
	if st.Binance.Connected || st.Polymarket.Connected || st.Kalshi.Running {
		t.Error("feeds report live before Run")
	}
	if h.AllConnected() {
		t.Error("AllConnected = true before Run")
	}
	if st.Kalshi.PollInterval != 3600 {
		t.Errorf("PollInterval = %v, want 3600", st.Kalshi.PollInterval)
	}
}
