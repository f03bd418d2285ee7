// Package metrics exposes the bot's Prometheus instruments.
//
// Everything lives on a private registry so the /metrics endpoint serves
// only bot metrics and tests can build isolated instances. Names follow
// the arb_ prefix convention used by the ops dashboards.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker states as exported by arb_circuit_breaker_state.
const (
	breakerClosed   = 0
	breakerOpen     = 1
	breakerHalfOpen = 2
)

// Metrics holds every instrument the bot publishes.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	TradesTotal      prometheus.Counter
	TradesPnL        prometheus.Gauge
	TradeErrors      prometheus.Counter
	ExecutionLatency prometheus.Histogram

	OpenPositions prometheus.Gauge
	TotalExposure prometheus.Gauge
	DailyPnL      prometheus.Gauge

	FeedConnected *prometheus.GaugeVec
	FeedMessages  *prometheus.CounterVec

	BreakerState     prometheus.Gauge
	KillSwitchActive prometheus.Gauge

	// Shadow values for the /status summary; the prometheus client has no
	// cheap read-back path.
	mu            sync.Mutex
	trades        float64
	dailyPnL      float64
	openPositions float64
	exposure      float64
}

// New builds a Metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		start:    time.Now(),

		TradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_trades_total",
			Help: "Total trades executed",
		}),
		// Realized P&L is signed, so this is a gauge even though it only
		// accumulates.
		TradesPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_trades_pnl_usd",
			Help: "Cumulative realized P&L in USD",
		}),
		TradeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_trade_errors_total",
			Help: "Total trade execution errors",
		}),
		ExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_execution_latency_ms",
			Help:    "Trade execution latency in milliseconds",
			Buckets: []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
		}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_open_positions",
			Help: "Number of open positions",
		}),
		TotalExposure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_total_exposure_usd",
			Help: "Total open exposure in USD",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_daily_pnl_usd",
			Help: "Daily P&L in USD",
		}),

		FeedConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arb_feed_connected",
			Help: "Data feed connection status (1=connected, 0=disconnected)",
		}, []string{"feed"}),
		FeedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_feed_messages_total",
			Help: "Total messages received from data feeds",
		}, []string{"feed"}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}),
		KillSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arb_kill_switch_active",
			Help: "Kill switch status (1=active, 0=inactive)",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "arb_uptime_seconds",
		Help: "Bot uptime in seconds",
	}, func() float64 {
		return time.Since(m.start).Seconds()
	})

	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrade counts one executed trade and its realized P&L.
func (m *Metrics) RecordTrade(pnlUSD float64, latency time.Duration) {
	m.TradesTotal.Inc()
	m.TradesPnL.Add(pnlUSD)
	m.ExecutionLatency.Observe(float64(latency.Milliseconds()))

	m.mu.Lock()
	m.trades++
	m.mu.Unlock()
}

// RecordTradeError counts one failed execution.
func (m *Metrics) RecordTradeError() {
	m.TradeErrors.Inc()
}

// SetExposure publishes the position snapshot.
func (m *Metrics) SetExposure(openPositions int, totalExposureUSD, dailyPnLUSD float64) {
	m.OpenPositions.Set(float64(openPositions))
	m.TotalExposure.Set(totalExposureUSD)
	m.DailyPnL.Set(dailyPnLUSD)

	m.mu.Lock()
	m.openPositions = float64(openPositions)
	m.exposure = totalExposureUSD
	m.dailyPnL = dailyPnLUSD
	m.mu.Unlock()
}

// SetFeedConnected publishes a feed's connection state.
func (m *Metrics) SetFeedConnected(feed string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.FeedConnected.WithLabelValues(feed).Set(v)
}

// CountFeedMessage counts one message from a data feed.
func (m *Metrics) CountFeedMessage(feed string) {
	m.FeedMessages.WithLabelValues(feed).Inc()
}

// SetBreakerState publishes the circuit breaker state by name.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "open":
		m.BreakerState.Set(breakerOpen)
	case "half_open":
		m.BreakerState.Set(breakerHalfOpen)
	default:
		m.BreakerState.Set(breakerClosed)
	}
}

// SetKillSwitch publishes the kill switch state.
func (m *Metrics) SetKillSwitch(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.KillSwitchActive.Set(v)
}

// Status is the metrics block of the composite status endpoint.
type Status struct {
	TradesTotal   float64 `json:"trades_total"`
	DailyPnL      float64 `json:"daily_pnl"`
	OpenPositions float64 `json:"open_positions"`
	TotalExposure float64 `json:"total_exposure"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (m *Metrics) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		TradesTotal:   m.trades,
		DailyPnL:      m.dailyPnL,
		OpenPositions: m.openPositions,
		TotalExposure: m.exposure,
		UptimeSeconds: float64(int(time.Since(m.start).Seconds()*10)) / 10,
	}
}
