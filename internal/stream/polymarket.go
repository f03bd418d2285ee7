// polymarket.go streams order-book tops from the Polymarket CLOB market
// WebSocket. Tokens can be subscribed at any time; the live set is
// re-subscribed after every reconnect, which is how the hourly token
// rotation survives connection drops.
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

const polymarketPingInterval = 30 * time.Second

// BookTop is the latest top-of-book for one token. A missing side is 0.
type BookTop struct {
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	UpdatedAt time.Time `json:"updated_at"`
	RawType   string    `json:"raw_type"`
}

// BookCallback receives every book update.
type BookCallback func(tokenID string, top BookTop)

// PolymarketFeed maintains the market-channel WebSocket and an in-memory
// top-of-book per subscribed token.
type PolymarketFeed struct {
	url string
	log *slog.Logger

	connMu sync.Mutex // guards conn writes
	conn   *websocket.Conn

	mu           sync.Mutex
	subscribed   map[string]bool
	books        map[string]BookTop
	callbacks    []BookCallback
	connected    bool
	lastUpdate   time.Time
	messageCount int64
	errorCount   int64
}

func NewPolymarketFeed(cfg config.VenuesConfig, log *slog.Logger) *PolymarketFeed {
	return &PolymarketFeed{
		url:        cfg.PolymarketWSURL,
		log:        log.With("component", "polymarket-feed"),
		subscribed: make(map[string]bool),
		books:      make(map[string]BookTop),
	}
}

// OnBook registers a callback fired on every book update.
func (f *PolymarketFeed) OnBook(cb BookCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// Subscribe adds token IDs to the tracked set. When the connection is up the
// subscription is sent immediately; otherwise it is sent on the next
// (re)connect.
func (f *PolymarketFeed) Subscribe(tokenIDs ...string) {
	f.mu.Lock()
	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" || f.subscribed[id] {
			continue
		}
		f.subscribed[id] = true
		added = append(added, id)
	}
	f.mu.Unlock()

	for _, id := range added {
		if err := f.sendSubscribe(id); err != nil {
			f.log.Warn("subscribe deferred to next connect", "error", err)
			return
		}
	}
}

// Unsubscribe drops token IDs from the tracked set and the book cache. The
// server keeps streaming until reconnect; stale tokens are simply ignored.
func (f *PolymarketFeed) Unsubscribe(tokenIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		delete(f.subscribed, id)
		delete(f.books, id)
	}
}

// Book returns the latest top-of-book for a token.
func (f *PolymarketFeed) Book(tokenID string) (BookTop, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	top, ok := f.books[tokenID]
	return top, ok
}

// BestAsk returns the latest best ask for a token, 0 when unknown.
func (f *PolymarketFeed) BestAsk(tokenID string) float64 {
	top, _ := f.Book(tokenID)
	return top.BestAsk
}

// BestBid returns the latest best bid for a token, 0 when unknown.
func (f *PolymarketFeed) BestBid(tokenID string) float64 {
	top, _ := f.Book(tokenID)
	return top.BestBid
}

// Connected reports whether the WebSocket is currently up.
func (f *PolymarketFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Age returns how old the latest book update is, AgeNever before the first.
func (f *PolymarketFeed) Age() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastUpdate.IsZero() {
		return AgeNever
	}
	return time.Since(f.lastUpdate)
}

// Run connects and maintains the WebSocket until ctx is cancelled, with the
// same backoff contract as the Binance feed.
func (f *PolymarketFeed) Run(ctx context.Context) error {
	backoff := initialReconnectWait
	f.log.Info("polymarket feed starting", "url", f.url)

	for {
		dialed, err := f.connectAndRead(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialed {
			backoff = initialReconnectWait
		}

		f.log.Warn("polymarket feed disconnected, reconnecting",
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

func (f *PolymarketFeed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.setConnected(true)
	f.log.Info("polymarket feed connected")

	if err := f.resubscribe(); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)
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

func (f *PolymarketFeed) resubscribe() error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		if err := f.sendSubscribe(id); err != nil {
			return err
		}
	}
	return nil
}

func (f *PolymarketFeed) sendSubscribe(tokenID string) error {
	msg := struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		Market  string `json:"market"`
	}{Type: "subscribe", Channel: "book", Market: tokenID}

	if err := f.writeJSON(msg); err != nil {
		return err
	}
	f.log.Info("subscribed to polymarket book", "token", shortID(tokenID))
	return nil
}

// handleMessage processes one frame. Book messages arrive as
// book_snapshot, book_update, or bare book; levels come either as
// {price, size} objects or as flat scalars. Anything else is ignored.
func (f *PolymarketFeed) handleMessage(raw []byte) {
	var msg struct {
		Type    string            `json:"type"`
		Market  string            `json:"market"`
		AssetID string            `json:"asset_id"`
		Bids    []json.RawMessage `json:"bids"`
		Asks    []json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.mu.Lock()
		f.errorCount++
		f.mu.Unlock()
		f.log.Warn("bad polymarket message", "error", err)
		return
	}

	switch msg.Type {
	case "book_snapshot", "book_update", "book":
	default:
		return
	}

	tokenID := msg.Market
	if tokenID == "" {
		tokenID = msg.AssetID
	}
	if tokenID == "" {
		return
	}

	top := BookTop{
		BestBid:   bestLevel(msg.Bids),
		BestAsk:   bestLevel(msg.Asks),
		UpdatedAt: time.Now(),
		RawType:   msg.Type,
	}

	f.mu.Lock()
	f.books[tokenID] = top
	f.lastUpdate = top.UpdatedAt
	f.messageCount++
	cbs := make([]BookCallback, len(f.callbacks))
	copy(cbs, f.callbacks)
	f.mu.Unlock()

	for _, cb := range cbs {
		safeCall(f.log, func() { cb(tokenID, top) })
	}
}

// bestLevel extracts the price of the first level. Bids arrive sorted
// descending and asks ascending, so the first entry is the best on both
// sides.
func bestLevel(levels []json.RawMessage) float64 {
	if len(levels) == 0 {
		return 0
	}

	var obj struct {
		Price any `json:"price"`
	}
	if err := json.Unmarshal(levels[0], &obj); err == nil && obj.Price != nil {
		return toPrice(obj.Price)
	}

	var scalar any
	if err := json.Unmarshal(levels[0], &scalar); err == nil {
		return toPrice(scalar)
	}
	return 0
}

func toPrice(v any) float64 {
	switch x := v.(type) {
	case string:
		p, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return p
	case float64:
		return x
	}
	return 0
}

// pingLoop sends the literal PING text the CLOB endpoint expects.
func (f *PolymarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(polymarketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.log.Warn("polymarket ping failed", "error", err)
				return
			}
		}
	}
}

func (f *PolymarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *PolymarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func (f *PolymarketFeed) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// PolymarketFeedStatus is the monitoring view of the book feed.
type PolymarketFeedStatus struct {
	Connected         bool      `json:"connected"`
	SubscribedMarkets int       `json:"subscribed_markets"`
	BooksCached       int       `json:"books_cached"`
	LastUpdate        time.Time `json:"last_update"`
	AgeSeconds        *float64  `json:"age_seconds"`
	MessageCount      int64     `json:"message_count"`
	ErrorCount        int64     `json:"error_count"`
}

func (f *PolymarketFeed) Status() PolymarketFeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return PolymarketFeedStatus{
		Connected:         f.connected,
		SubscribedMarkets: len(f.subscribed),
		BooksCached:       len(f.books),
		LastUpdate:        f.lastUpdate,
		AgeSeconds:        ageSeconds(f.lastUpdate),
		MessageCount:      f.messageCount,
		ErrorCount:        f.errorCount,
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
