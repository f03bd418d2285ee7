// Package schedule runs the bot's time-based housekeeping: the hourly
// settlement-and-reset pass, the UTC-midnight daily rollover, and the market
// data staleness probe.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"btcarb/internal/execution"
	"btcarb/internal/notify"
	"btcarb/internal/risk"
	"btcarb/internal/store"
)

// Scheduler fires the reset and probe callbacks on aligned boundaries.
// Boundary waits are computed from the clock each cycle rather than from
// fixed tickers, so a long GC pause or suspend cannot drift them.
type Scheduler struct {
	executor *execution.Executor
	riskMgr  *risk.Manager
	breaker  *risk.Breaker
	db       *store.Store
	alerts   *notify.Alerter
	probe    time.Duration
	log      *slog.Logger

	now func() time.Time

	// dataWasFresh dedups staleness alerts: the breaker re-trips on every
	// stale probe, but the operator only needs the transition.
	dataWasFresh bool
}

// New wires the scheduler. probeInterval controls the staleness probe
// cadence and normally matches the Kalshi poll interval.
func New(
	executor *execution.Executor,
	riskMgr *risk.Manager,
	breaker *risk.Breaker,
	db *store.Store,
	alerts *notify.Alerter,
	probeInterval time.Duration,
	log *slog.Logger,
) *Scheduler {
	if probeInterval <= 0 {
		probeInterval = 2 * time.Second
	}
	return &Scheduler{
		executor:     executor,
		riskMgr:      riskMgr,
		breaker:      breaker,
		db:           db,
		alerts:       alerts,
		probe:        probeInterval,
		log:          log.With("component", "scheduler"),
		now:          time.Now,
		dataWasFresh: true,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"staleness_probe", s.probe.String(),
		"next_hourly_reset", s.untilNextHour().Round(time.Second).String(),
		"next_daily_reset", s.untilNextMidnightUTC().Round(time.Second).String())

	probeTicker := time.NewTicker(s.probe)
	defer probeTicker.Stop()

	hourTimer := time.NewTimer(s.untilNextHour())
	defer hourTimer.Stop()
	dayTimer := time.NewTimer(s.untilNextMidnightUTC())
	defer dayTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-probeTicker.C:
			s.probeStaleness()
		case <-hourTimer.C:
			s.onHour()
			hourTimer.Reset(s.untilNextHour())
		case <-dayTimer.C:
			s.onMidnight()
			dayTimer.Reset(s.untilNextMidnightUTC())
		}
	}
}

// onHour settles pairs whose contracts expired at the boundary, then resets
// the trailing-hour trade counter.
func (s *Scheduler) onHour() {
	s.settleExpired()
	s.executor.ResetHourlyCounter()
}

// settleExpired books each pair from a previous hour at its expected profit
// and mirrors the close into the risk totals and store rows.
func (s *Scheduler) settleExpired() {
	cutoff := s.now().Truncate(time.Hour)
	for _, pair := range s.executor.SettleExpiredPairs(cutoff) {
		s.riskMgr.RecordSettlement(pair.ExpectedProfit, pair.TotalCost)

		for _, legID := range []string{pair.Kalshi.ID, pair.Poly.ID} {
			if err := s.db.ClosePosition(legID, "settled"); err != nil {
				s.log.Warn("position close failed", "position", legID, "err", err)
			}
		}
		details := fmt.Sprintf(`{"arb_id":%q,"pnl":%.6f,"total_cost":%.6f}`,
			pair.ID, pair.ExpectedProfit, pair.TotalCost)
		if _, err := s.db.LogEvent("settlement", details, store.SeverityInfo); err != nil {
			s.log.Warn("event log failed", "err", err)
		}
		s.log.Info("pair settled at expiry", "arb_id", pair.ID, "pnl", pair.ExpectedProfit)
	}
}

// onMidnight sends the daily summary for the day that just ended, then
// zeroes the daily counters.
func (s *Scheduler) onMidnight() {
	if stats, err := s.db.Stats(); err != nil {
		s.log.Warn("daily summary stats unavailable", "err", err)
	} else {
		_ = s.alerts.AlertDailySummary(
			stats.DailyPnL,
			int(stats.TradesToday),
			stats.TotalOpenExposure,
			int(stats.OpportunitiesToday),
		)
	}

	s.executor.ResetDailyLoss()
	s.riskMgr.ResetDaily()
	s.log.Info("daily rollover complete")
}

// probeStaleness asks the breaker to check data age. Alert and event only on
// the fresh-to-stale transition.
func (s *Scheduler) probeStaleness() {
	fresh := s.breaker.CheckDataStaleness()
	if !fresh && s.dataWasFresh {
		_ = s.alerts.AlertCircuitBreaker("open", "market data stale")
		if _, err := s.db.LogEvent("circuit_breaker", "tripped: market data stale", store.SeverityWarning); err != nil {
			s.log.Warn("event log failed", "err", err)
		}
	}
	s.dataWasFresh = fresh
}

func (s *Scheduler) untilNextHour() time.Duration {
	now := s.now()
	d := now.Truncate(time.Hour).Add(time.Hour).Sub(now)
	if d <= 0 {
		d += time.Hour
	}
	return d
}

func (s *Scheduler) untilNextMidnightUTC() time.Duration {
	now := s.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	d := next.Sub(now)
	if d <= 0 {
		d += 24 * time.Hour
	}
	return d
}
