// Package notify sends operator alerts to Telegram.
//
// Alerts cover executed trades, circuit breaker transitions, kill switch
// changes, daily summaries, and high execution latency. With no bot token
// or chat id configured the alerter runs disabled and every method is a
// no-op, so callers never need to branch.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"btcarb/internal/config"
)

// minSendInterval spaces outgoing messages; Telegram allows roughly one
// message per second per chat before throttling.
const minSendInterval = time.Second

// ErrSendFailed is returned instead of the transport error. tgbotapi errors
// can embed the request URL, which contains the bot token, so they must
// never propagate or be logged.
var ErrSendFailed = errors.New("telegram send failed")

// Alerter sends formatted alerts to a single Telegram chat.
type Alerter struct {
	api         *tgbotapi.BotAPI
	chatID      int64
	log         *slog.Logger
	minInterval time.Duration

	mu         sync.Mutex
	lastSend   time.Time
	sendCount  int
	errorCount int
}

// New builds an Alerter from config. Missing or invalid settings disable
// alerts rather than failing startup.
func New(cfg config.TelegramConfig, log *slog.Logger) *Alerter {
	a := &Alerter{
		log:         log.With("component", "telegram"),
		minInterval: minSendInterval,
	}

	if cfg.BotToken == "" || cfg.ChatID == "" {
		a.log.Info("telegram alerts disabled (no bot_token/chat_id)")
		return a
	}

	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		a.log.Warn("telegram chat_id is not numeric, alerts disabled")
		return a
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		// The error may contain the token-bearing URL. Do not log it.
		a.log.Warn("telegram connect failed, alerts disabled")
		return a
	}

	a.api = api
	a.chatID = chatID
	a.log.Info("telegram alerts enabled", "chat_id", maskChatID(cfg.ChatID))
	return a
}

// Enabled reports whether alerts will actually be sent.
func (a *Alerter) Enabled() bool {
	return a.api != nil
}

func (a *Alerter) send(text string) error {
	if !a.Enabled() {
		a.log.Debug("telegram disabled, alert dropped")
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if wait := a.minInterval - time.Since(a.lastSend); wait > 0 {
		time.Sleep(wait)
	}

	msg := tgbotapi.NewMessage(a.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := a.api.Send(msg); err != nil {
		a.errorCount++
		a.log.Warn("telegram send failed")
		return ErrSendFailed
	}

	a.sendCount++
	a.lastSend = time.Now()
	return nil
}

// AlertTrade reports an executed trade.
func (a *Alerter) AlertTrade(tradeID, platform, side string, costUSD, pnl float64, dryRun bool) error {
	mode := "🔴 LIVE"
	if dryRun {
		mode = "🧪 DRY-RUN"
	}
	text := fmt.Sprintf(
		"%s / Trade Executed\n"+
			"───────────────\n"+
			"📋 <b>ID:</b> %s\n"+
			"🏦 <b>Platform:</b> %s\n"+
			"📊 <b>Side:</b> %s\n"+
			"💵 <b>Cost:</b> $%.2f\n"+
			"%s <b>P&amp;L:</b> $%+.4f\n",
		mode, tradeID, platform, side, costUSD, pnlEmoji(pnl), pnl,
	)
	return a.send(text)
}

// AlertCircuitBreaker reports a breaker state change.
func (a *Alerter) AlertCircuitBreaker(state, reason string) error {
	emoji := "🟢"
	switch state {
	case "open":
		emoji = "🔴"
	case "half_open":
		emoji = "🟡"
	}
	text := fmt.Sprintf(
		"⚡ Circuit Breaker / %s\n"+
			"───────────────\n"+
			"%s <b>State:</b> %s\n"+
			"📝 <b>Reason:</b> %s\n",
		strings.ToUpper(state), emoji, state, reason,
	)
	return a.send(text)
}

// AlertKillSwitch reports a kill switch change.
func (a *Alerter) AlertKillSwitch(active bool, reason string) error {
	status := "▶️ DEACTIVATED"
	if active {
		status = "🛑 ACTIVATED"
	}
	text := fmt.Sprintf(
		"🚨 Kill Switch / %s\n"+
			"───────────────\n"+
			"📝 <b>Reason:</b> %s\n",
		status, reason,
	)
	return a.send(text)
}

// AlertDailySummary reports the end-of-day rollup.
func (a *Alerter) AlertDailySummary(dailyPnL float64, trades int, exposure float64, opportunities int) error {
	text := fmt.Sprintf(
		"📊 Daily Summary\n"+
			"═══════════════\n"+
			"%s <b>P&amp;L:</b> $%+.4f\n"+
			"📈 <b>Trades:</b> %d\n"+
			"💼 <b>Exposure:</b> $%.2f\n"+
			"🔍 <b>Opportunities:</b> %d\n",
		pnlEmoji(dailyPnL), dailyPnL, trades, exposure, opportunities,
	)
	return a.send(text)
}

// AlertHighLatency warns when execution latency exceeds the target.
func (a *Alerter) AlertHighLatency(latencyMS, targetMS float64) error {
	text := fmt.Sprintf(
		"⏱ High Latency Warning\n"+
			"───────────────\n"+
			"🐌 <b>Measured:</b> %.0fms\n"+
			"🎯 <b>Target:</b> %.0fms\n",
		latencyMS, targetMS,
	)
	return a.send(text)
}

// Status is the alerter block of the composite status endpoint. The token
// and chat id are deliberately absent.
type Status struct {
	Enabled      bool       `json:"enabled"`
	MessagesSent int        `json:"messages_sent"`
	Errors       int        `json:"errors"`
	LastSend     *time.Time `json:"last_send"`
}

func (a *Alerter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		Enabled:      a.Enabled(),
		MessagesSent: a.sendCount,
		Errors:       a.errorCount,
	}
	if !a.lastSend.IsZero() {
		t := a.lastSend
		st.LastSend = &t
	}
	return st
}

func pnlEmoji(pnl float64) string {
	switch {
	case pnl > 0:
		return "💰"
	case pnl < 0:
		return "📉"
	default:
		return "➡️"
	}
}

func maskChatID(id string) string {
	if len(id) > 4 {
		return id[:4] + "***"
	}
	return "***"
}
