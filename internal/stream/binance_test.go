package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"btcarb/internal/config"
)

func newBinanceForTest(url string) *BinanceFeed {
	cfg := config.VenuesConfig{BinanceWSURL: url, BinanceSymbol: "BTCUSDT"}
	return NewBinanceFeed(cfg, testLogger())
}

func TestBinanceHandleMessage(t *testing.T) {
	t.Parallel()

	f := newBinanceForTest("ws://unused")

	var calls []float64
	f.OnPrice(func(price float64, at time.Time) {
		calls = append(calls, price)
	})

	f.handleMessage([]byte(`{"c":"95000.50"}`))
	if got := f.Price(); got != 95000.50 {
		t.Errorf("Price = %v, want 95000.50", got)
	}
	if len(calls) != 1 || calls[0] != 95000.50 {
		t.Errorf("callback calls = %v", calls)
	}

	// Non-positive and absent prices are skipped without counting errors.
	f.handleMessage([]byte(`{"c":"0"}`))
	f.handleMessage([]byte(`{"c":"-1"}`))
	f.handleMessage([]byte(`{"e":"24hrTicker"}`))
	if got := f.Price(); got != 95000.50 {
		t.Errorf("Price after bad ticks = %v, want 95000.50", got)
	}
	if len(calls) != 1 {
		t.Errorf("callbacks after bad ticks = %d, want 1", len(calls))
	}

	st := f.Status()
	if st.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", st.MessageCount)
	}
	if st.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", st.ErrorCount)
	}

	// Unparseable frames are counted.
	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"c":"abc"}`))
	if got := f.Status().ErrorCount; got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}
}

func TestBinanceCallbackPanicIsolated(t *testing.T) {
	t.Parallel()

	f := newBinanceForTest("ws://unused")

	var secondRan bool
	f.OnPrice(func(price float64, at time.Time) { panic("boom") })
	f.OnPrice(func(price float64, at time.Time) { secondRan = true })

	f.handleMessage([]byte(`{"c":"100.0"}`))

	if !secondRan {
		t.Error("second callback did not run after first panicked")
	}
	if got := f.Price(); got != 100.0 {
		t.Errorf("Price = %v, want 100.0", got)
	}
}

func TestBinanceAge(t *testing.T) {
	t.Parallel()

	f := newBinanceForTest("ws://unused")
	if got := f.Age(); got != AgeNever {
		t.Errorf("Age before first tick = %v, want AgeNever", got)
	}

	f.handleMessage([]byte(`{"c":"100.0"}`))
	if got := f.Age(); got >= time.Second {
		t.Errorf("Age after tick = %v, want < 1s", got)
	}
}

// TestBinanceRunReconnects drives the feed against a local WebSocket server
// that drops the first connection, checking ticks flow again after the
// automatic reconnect.
func TestBinanceRunReconnects(t *testing.T) {
	t.Parallel()

	var upgrader websocket.Upgrader
	var connects atomic.Int32
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		switch connects.Add(1) {
		case 1:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"c":"95000.00"}`))
			// Returning closes the connection and forces a reconnect.
		default:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"c":"96000.00"}`))
			<-done
		}
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := newBinanceForTest(wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for f.Price() != 96000.00 {
		select {
		case <-deadline:
			t.Fatalf("price = %v after reconnect window, want 96000.00", f.Price())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if got := connects.Load(); got < 2 {
		t.Errorf("connects = %d, want at least 2", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
