// Package risk implements the safety stack that gates every live trade:
//
//   - Manager:    six ordered gates (halt, margin, single trade, exposure,
//     daily loss, hourly rate) applied to every trade candidate
//   - Breaker:    circuit breaker over failure streams and data freshness
//   - KillSwitch: file-and-API-activated global halt with a constant-time
//     token check
//
// The manager, breaker, and kill switch are singleton collaborators shared
// by the order engine, the scheduler, and the HTTP layer; every mutating
// operation is atomic under the component's own lock.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"btcarb/internal/config"
)

// rateWindow is the trailing window for the trades-per-hour gate.
const rateWindow = time.Hour

// Manager enforces the trading limits. Every live trade must pass all six
// gates before the order engine proceeds; the first failing gate decides
// the rejection reason.
type Manager struct {
	cfg config.TradingConfig
	log *slog.Logger

	mu            sync.Mutex
	tradeTimes    []time.Time // for the trailing-hour rate gate
	dailyPnL      float64
	totalExposure float64
	tradesToday   int
	halted        bool
	haltReason    string
}

// NewManager creates a risk manager with zeroed counters.
func NewManager(cfg config.TradingConfig, log *slog.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		log: log.With("component", "risk"),
	}
}

// CheckTrade runs the six gates in order and returns (allowed, reason).
// A rejection is an expected outcome, not an error; the reason string is
// human-readable and safe to log or persist.
func (m *Manager) CheckTrade(netMargin, tradeCostUSD, currentExposure float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		reason := fmt.Sprintf("trading halted: %s", m.haltReason)
		m.log.Warn("risk gate failed", "gate", "halt", "reason", reason)
		return false, reason
	}

	if netMargin < m.cfg.MinNetMargin {
		reason := fmt.Sprintf("net margin $%.4f < min $%.4f", netMargin, m.cfg.MinNetMargin)
		m.log.Info("risk gate failed", "gate", "margin", "reason", reason)
		return false, reason
	}

	if tradeCostUSD > m.cfg.MaxSingleTradeUSD {
		reason := fmt.Sprintf("trade $%.2f > max $%.2f", tradeCostUSD, m.cfg.MaxSingleTradeUSD)
		m.log.Info("risk gate failed", "gate", "single_trade", "reason", reason)
		return false, reason
	}

	if projected := currentExposure + tradeCostUSD; projected > m.cfg.MaxTotalExposureUSD {
		reason := fmt.Sprintf("exposure $%.2f + $%.2f = $%.2f > max $%.2f",
			currentExposure, tradeCostUSD, projected, m.cfg.MaxTotalExposureUSD)
		m.log.Info("risk gate failed", "gate", "exposure", "reason", reason)
		return false, reason
	}

	if m.dailyPnL <= -m.cfg.MaxDailyLossUSD {
		reason := fmt.Sprintf("daily loss $%.2f >= max $%.2f", -m.dailyPnL, m.cfg.MaxDailyLossUSD)
		m.log.Warn("risk gate failed", "gate", "daily_loss", "reason", reason)
		return false, reason
	}

	m.cleanOldTradesLocked()
	if len(m.tradeTimes) >= m.cfg.MaxTradesPerHour {
		reason := fmt.Sprintf("rate limit: %d/%d trades in the last hour",
			len(m.tradeTimes), m.cfg.MaxTradesPerHour)
		m.log.Warn("risk gate failed", "gate", "rate", "reason", reason)
		return false, reason
	}

	return true, "approved"
}

// RecordTrade registers a completed trade: stamps the rate window, adjusts
// daily PnL and exposure, increments today's counter.
func (m *Manager) RecordTrade(pnl, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tradeTimes = append(m.tradeTimes, time.Now())
	m.dailyPnL += pnl
	m.totalExposure += costUSD
	m.tradesToday++

	m.log.Info("trade recorded",
		"pnl", pnl,
		"daily_pnl", m.dailyPnL,
		"exposure", m.totalExposure,
		"trades_today", m.tradesToday,
	)
}

// ClosePosition reduces exposure when a position settles, floored at zero.
func (m *Manager) ClosePosition(costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalExposure -= costUSD
	if m.totalExposure < 0 {
		m.totalExposure = 0
	}
}

// RecordSettlement books realized PnL for a settled pair and releases its
// exposure. The rate window and trade counters are untouched.
func (m *Manager) RecordSettlement(pnl, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL += pnl
	m.totalExposure -= costUSD
	if m.totalExposure < 0 {
		m.totalExposure = 0
	}

	m.log.Info("settlement recorded",
		"pnl", pnl,
		"daily_pnl", m.dailyPnL,
		"exposure", m.totalExposure,
	)
}

// Halt blocks all trading. Called by the circuit breaker or kill switch.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.halted = true
	m.haltReason = reason
	m.log.Error("trading halted", "reason", reason)
}

// Resume lifts a halt.
func (m *Manager) Resume(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.halted = false
	m.haltReason = ""
	m.log.Info("trading resumed", "reason", reason)
}

// IsHalted reports whether trading is blocked.
func (m *Manager) IsHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// DailyPnL returns the running realized PnL for the current UTC day.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// TotalExposure returns the risk manager's view of open exposure.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalExposure
}

// TradesThisHour counts trades within the trailing hour.
func (m *Manager) TradesThisHour() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanOldTradesLocked()
	return len(m.tradeTimes)
}

// ResetDaily clears the daily PnL and today's trade counter. Called by the
// scheduler at UTC midnight.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL = 0
	m.tradesToday = 0
	m.log.Info("daily risk counters reset")
}

// ManagerStatus is the monitoring view of the risk manager. It carries
// scalars and the limits block only, never credentials.
type ManagerStatus struct {
	IsHalted       bool    `json:"is_halted"`
	HaltReason     string  `json:"halt_reason,omitempty"`
	DailyPnL       float64 `json:"daily_pnl"`
	TotalExposure  float64 `json:"total_exposure"`
	TradesToday    int     `json:"trades_today"`
	TradesThisHour int     `json:"trades_this_hour"`
	Limits         Limits  `json:"limits"`
}

// Limits echoes the configured trading limits.
type Limits struct {
	MaxSingleTrade   float64 `json:"max_single_trade"`
	MaxExposure      float64 `json:"max_exposure"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxTradesPerHour int     `json:"max_trades_per_hour"`
	MinNetMargin     float64 `json:"min_net_margin"`
}

// Status returns the current risk state for the operator surface.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanOldTradesLocked()

	var haltReason string
	if m.halted {
		haltReason = m.haltReason
	}

	return ManagerStatus{
		IsHalted:       m.halted,
		HaltReason:     haltReason,
		DailyPnL:       roundTo(m.dailyPnL, 4),
		TotalExposure:  roundTo(m.totalExposure, 2),
		TradesToday:    m.tradesToday,
		TradesThisHour: len(m.tradeTimes),
		Limits: Limits{
			MaxSingleTrade:   m.cfg.MaxSingleTradeUSD,
			MaxExposure:      m.cfg.MaxTotalExposureUSD,
			MaxDailyLoss:     m.cfg.MaxDailyLossUSD,
			MaxTradesPerHour: m.cfg.MaxTradesPerHour,
			MinNetMargin:     m.cfg.MinNetMargin,
		},
	}
}

func (m *Manager) cleanOldTradesLocked() {
	cutoff := time.Now().Add(-rateWindow)
	kept := m.tradeTimes[:0]
	for _, ts := range m.tradeTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.tradeTimes = kept
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
