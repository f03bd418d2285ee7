// Package stream runs the real-time data feeds: the Binance reference-price
// WebSocket, the Polymarket order-book WebSocket, and the Kalshi market
// poller. The Hub owns all three and fans their events out to subscribers
// (the SSE endpoint, the engine) without letting a slow consumer stall a
// feed: a subscriber whose buffer fills up is evicted.
package stream

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Event sources and types as they appear on the wire.
const (
	SourceBinance    = "binance"
	SourcePolymarket = "polymarket"
	SourceKalshi     = "kalshi"

	EventPrice      = "price"
	EventBookUpdate = "book_update"
	EventMarketData = "market_data"
)

// subscriberBuffer is the per-subscriber event queue depth.
const subscriberBuffer = 100

// AgeNever is the Age result for a feed that has not received data yet.
const AgeNever = time.Duration(math.MaxInt64)

// Event is one unified message from any feed.
type Event struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub aggregates the three feeds into a single event stream.
type Hub struct {
	Binance    *BinanceFeed
	Polymarket *PolymarketFeed
	Kalshi     *KalshiFeed

	log *slog.Logger

	mu          sync.Mutex
	subscribers map[string]chan Event
	eventCount  int64
	running     bool
}

// NewHub wires the feed callbacks into the fan-out. The feeds themselves
// start when Run is called.
func NewHub(binance *BinanceFeed, polymarket *PolymarketFeed, kalshi *KalshiFeed, log *slog.Logger) *Hub {
	h := &Hub{
		Binance:     binance,
		Polymarket:  polymarket,
		Kalshi:      kalshi,
		log:         log.With("component", "stream-hub"),
		subscribers: make(map[string]chan Event),
	}

	binance.OnPrice(func(price float64, at time.Time) {
		h.Emit(Event{
			Source:    SourceBinance,
			EventType: EventPrice,
			Data:      map[string]any{"price": price, "symbol": binance.Symbol()},
			Timestamp: at,
		})
	})

	polymarket.OnBook(func(tokenID string, top BookTop) {
		h.Emit(Event{
			Source:    SourcePolymarket,
			EventType: EventBookUpdate,
			Data: map[string]any{
				"token_id": tokenID,
				"best_bid": top.BestBid,
				"best_ask": top.BestAsk,
				"raw_type": top.RawType,
			},
			Timestamp: top.UpdatedAt,
		})
	})

	kalshi.OnMarkets(func(data map[string]any) {
		h.Emit(Event{
			Source:    SourceKalshi,
			EventType: EventMarketData,
			Data:      data,
			Timestamp: time.Now(),
		})
	})

	return h
}

// Run starts all feeds and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		h.log.Info("stream hub stopped")
	}()

	h.log.Info("stream hub starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Binance.Run(ctx) })
	g.Go(func() error { return h.Polymarket.Run(ctx) })
	g.Go(func() error { return h.Kalshi.Run(ctx) })
	return g.Wait()
}

// Subscribe registers a new event consumer. The channel is closed when the
// subscriber is removed, whether by Unsubscribe or by eviction.
func (h *Hub) Subscribe() (string, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)
	h.subscribers[id] = ch
	h.log.Info("stream subscriber added", "id", id, "total", len(h.subscribers))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(ch)
	h.log.Info("stream subscriber removed", "id", id, "total", len(h.subscribers))
}

// Emit fans an event out to every subscriber without blocking. A subscriber
// whose queue is full is evicted; SSE clients reconnect on their own.
func (h *Hub) Emit(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.eventCount++

	for id, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
			delete(h.subscribers, id)
			close(ch)
			h.log.Warn("stream subscriber queue full, evicting", "id", id)
		}
	}
}

// AllConnected reports whether every feed is live.
func (h *Hub) AllConnected() bool {
	return h.Binance.Connected() && h.Polymarket.Connected() && h.Kalshi.Running()
}

// HubStatus aggregates per-feed status for the operator surface.
type HubStatus struct {
	Running     bool                 `json:"running"`
	Subscribers int                  `json:"subscribers"`
	TotalEvents int64                `json:"total_events"`
	Binance     BinanceFeedStatus    `json:"binance"`
	Polymarket  PolymarketFeedStatus `json:"polymarket"`
	Kalshi      KalshiFeedStatus     `json:"kalshi"`
}

// Status returns the hub and feed state. No credentials appear anywhere in
// the returned block.
func (h *Hub) Status() HubStatus {
	h.mu.Lock()
	running := h.running
	subscribers := len(h.subscribers)
	events := h.eventCount
	h.mu.Unlock()

	return HubStatus{
		Running:     running,
		Subscribers: subscribers,
		TotalEvents: events,
		Binance:     h.Binance.Status(),
		Polymarket:  h.Polymarket.Status(),
		Kalshi:      h.Kalshi.Status(),
	}
}

// ageSeconds renders a last-update time as rounded seconds for status
// blocks, nil when there has been no update at all.
func ageSeconds(last time.Time) *float64 {
	if last.IsZero() {
		return nil
	}
	s := math.Round(time.Since(last).Seconds()*10) / 10
	return &s
}
