package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"btcarb/internal/config"
)

// BreakerState is the circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // normal, trades allowed
	BreakerOpen     BreakerState = "open"      // halted, cooldown running
	BreakerHalfOpen BreakerState = "half_open" // one probe trade allowed
)

// outcome is one trade or API call result inside the sliding error window.
type outcome struct {
	at      time.Time
	success bool
}

// errorRateMinSamples is how many outcomes the sliding window must hold
// before the error-rate trigger is considered.
const errorRateMinSamples = 5

// Breaker halts trading on anomalies: consecutive failures, a high error
// rate over a sliding window, stale market data, a breached daily loss, or
// an explicit trip. When Open, reading the state after the cooldown elapses
// transitions to HalfOpen on demand; no timer goroutine is needed.
type Breaker struct {
	cfg config.BreakerConfig
	log *slog.Logger

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastTransition      time.Time
	tripReason          string
	outcomes            []outcome
	lastDataUpdate      time.Time
}

// NewBreaker creates a closed breaker that considers data fresh as of now.
func NewBreaker(cfg config.BreakerConfig, log *slog.Logger) *Breaker {
	return &Breaker{
		cfg:            cfg,
		log:            log.With("component", "breaker"),
		state:          BreakerClosed,
		lastTransition: time.Now(),
		lastDataUpdate: time.Now(),
	}
}

// State returns the current state, transitioning Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// IsTradingAllowed reports whether the state permits trading.
func (b *Breaker) IsTradingAllowed() bool {
	s := b.State()
	return s == BreakerClosed || s == BreakerHalfOpen
}

// RecordSuccess registers a successful trade or API call. A success while
// HalfOpen resolves the probe and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outcomes = append(b.outcomes, outcome{at: time.Now(), success: true})
	b.cleanOutcomesLocked()

	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerClosed, "half-open probe succeeded")
	}
	b.consecutiveFailures = 0
}

// RecordFailure registers a failed trade or API call and evaluates the
// failure triggers. Any failure while HalfOpen re-opens immediately.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outcomes = append(b.outcomes, outcome{at: time.Now(), success: false})
	b.cleanOutcomesLocked()
	b.consecutiveFailures++

	b.log.Warn("breaker failure recorded",
		"count", b.consecutiveFailures,
		"max", b.cfg.MaxConsecutiveFailures,
		"reason", reason,
	)

	if b.state == BreakerHalfOpen {
		b.tripLocked("half-open probe failed: " + reason)
		return
	}

	if b.consecutiveFailures >= b.cfg.MaxConsecutiveFailures {
		b.tripLocked(fmt.Sprintf("%d consecutive failures: %s", b.consecutiveFailures, reason))
		return
	}

	if rate := b.errorRateLocked(); rate > b.cfg.ErrorRateThreshold && len(b.outcomes) >= errorRateMinSamples {
		b.tripLocked(fmt.Sprintf("error rate %.0f%% > %.0f%%", rate*100, b.cfg.ErrorRateThreshold*100))
	}
}

// RecordDataUpdate marks that fresh market data arrived.
func (b *Breaker) RecordDataUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastDataUpdate = time.Now()
}

// CheckDataStaleness trips the breaker when data is older than the
// threshold. Returns true while data is fresh.
func (b *Breaker) CheckDataStaleness() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	age := time.Since(b.lastDataUpdate)
	if age > b.cfg.StalenessThreshold {
		b.tripLocked(fmt.Sprintf("data stale for %.0fs (threshold %.0fs)",
			age.Seconds(), b.cfg.StalenessThreshold.Seconds()))
		return false
	}
	return true
}

// CheckDailyLoss trips the breaker when the daily loss limit is breached.
// Returns true while within limits.
func (b *Breaker) CheckDailyLoss(dailyPnL, maxLossUSD float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dailyPnL <= -maxLossUSD {
		b.tripLocked(fmt.Sprintf("daily loss $%.2f >= max $%.2f", -dailyPnL, maxLossUSD))
		return false
	}
	return true
}

// Trip opens the circuit immediately.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(reason)
}

// Reset closes the circuit and clears the failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(BreakerClosed, "manual reset")
	b.consecutiveFailures = 0
	b.tripReason = ""
}

// BreakerStatus is the monitoring view of the breaker.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	IsTradingAllowed    bool         `json:"is_trading_allowed"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	MaxFailures         int          `json:"max_consecutive_failures"`
	ErrorRate           float64      `json:"error_rate"`
	ErrorRateThreshold  float64      `json:"error_rate_threshold"`
	TripReason          string       `json:"trip_reason,omitempty"` // empty while Closed
	TimeInStateSec      float64      `json:"time_in_state_sec"`
	CooldownSec         float64      `json:"cooldown_sec"`
	DataAgeSec          float64      `json:"data_age_sec"`
}

// Status returns the breaker state for the operator surface.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()

	var tripReason string
	if state != BreakerClosed {
		tripReason = b.tripReason
	}

	return BreakerStatus{
		State:               state,
		IsTradingAllowed:    state == BreakerClosed || state == BreakerHalfOpen,
		ConsecutiveFailures: b.consecutiveFailures,
		MaxFailures:         b.cfg.MaxConsecutiveFailures,
		ErrorRate:           roundTo(b.errorRateLocked(), 3),
		ErrorRateThreshold:  b.cfg.ErrorRateThreshold,
		TripReason:          tripReason,
		TimeInStateSec:      roundTo(time.Since(b.lastTransition).Seconds(), 1),
		CooldownSec:         b.cfg.Cooldown.Seconds(),
		DataAgeSec:          roundTo(time.Since(b.lastDataUpdate).Seconds(), 1),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Internal
// ————————————————————————————————————————————————————————————————————————

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastTransition) >= b.cfg.Cooldown {
		b.transitionLocked(BreakerHalfOpen, "cooldown elapsed")
	}
	return b.state
}

func (b *Breaker) tripLocked(reason string) {
	b.tripReason = reason
	b.transitionLocked(BreakerOpen, reason)
	// Start the next streak fresh so one more failure after the cooldown
	// does not immediately re-trip.
	b.consecutiveFailures = 0
}

func (b *Breaker) transitionLocked(next BreakerState, reason string) {
	prev := b.state
	b.state = next
	b.lastTransition = time.Now()

	switch next {
	case BreakerOpen:
		b.log.Error("circuit breaker opened", "from", string(prev), "reason", reason)
	case BreakerHalfOpen:
		b.log.Warn("circuit breaker half-open", "from", string(prev), "reason", reason)
	default:
		b.log.Info("circuit breaker closed", "from", string(prev), "reason", reason)
	}
}

func (b *Breaker) errorRateLocked() float64 {
	b.cleanOutcomesLocked()
	if len(b.outcomes) == 0 {
		return 0
	}
	var failures int
	for _, o := range b.outcomes {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.outcomes))
}

func (b *Breaker) cleanOutcomesLocked() {
	cutoff := time.Now().Add(-b.cfg.ErrorRateWindow)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.outcomes = kept
}
