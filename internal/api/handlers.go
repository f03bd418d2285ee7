package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"btcarb/internal/config"
	"btcarb/internal/engine"
	"btcarb/internal/store"
)

const version = "2.0.0"

// secretKeyPattern matches config keys that must never leave the process,
// whatever casing or nesting they arrive in.
var secretKeyPattern = regexp.MustCompile(`(?i)(key|secret|token|password|private)`)

// Handlers reads engine components through its accessors; it owns no state
// of its own.
type Handlers struct {
	eng *engine.Engine
	cfg config.Config
	log *slog.Logger
}

// NewHandlers creates the handler set for one engine.
func NewHandlers(eng *engine.Engine, cfg config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{
		eng: eng,
		cfg: cfg,
		log: logger.With("component", "api"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("response encode failed", "err", err)
	}
}

// requireBearer guards the kill-switch routes. A missing or malformed header
// is 401; a token that fails validation is 403 with the same body whether the
// token is wrong or none is configured.
func (h *Handlers) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if !h.eng.GetKillSwitch().ValidateToken(token) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Read endpoints
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version,
		DryRun:    h.cfg.DryRun,
	})
}

// handleConfig serves the whitelisted operating parameters. The payload is
// scrubbed before encoding so a future addition with a secret-looking name
// cannot leak.
func (h *Handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"dry_run":                 h.cfg.DryRun,
		"max_single_trade_usd":    h.cfg.Trading.MaxSingleTradeUSD,
		"max_total_exposure_usd":  h.cfg.Trading.MaxTotalExposureUSD,
		"max_daily_loss_usd":      h.cfg.Trading.MaxDailyLossUSD,
		"max_trades_per_hour":     h.cfg.Trading.MaxTradesPerHour,
		"min_net_margin":          h.cfg.Trading.MinNetMargin,
		"kalshi_fee_per_contract": h.cfg.Fees.KalshiFeePerContract,
		"polymarket_gas_cost":     h.cfg.Fees.PolymarketGasCost,
		"slippage_buffer":         h.cfg.Fees.SlippageBuffer,
		"polling_interval_sec":    h.cfg.Feeds.DetectInterval.Seconds(),
	}
	h.writeJSON(w, http.StatusOK, scrubSecrets(payload))
}

// scrubSecrets drops every key matching the secret pattern, recursing into
// nested maps and slices.
func scrubSecrets(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if secretKeyPattern.MatchString(k) {
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return scrubSecrets(vv)
	case []any:
		scrubbed := make([]any, len(vv))
		for i, el := range vv {
			scrubbed[i] = scrubValue(el)
		}
		return scrubbed
	default:
		return v
	}
}

func (h *Handlers) handleArbitrage(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.eng.Scan(r.Context()))
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.eng.GetStore().Stats()
	if err != nil {
		h.log.Error("database stats failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, statusResponse{
		Timestamp:      time.Now().UTC(),
		DryRun:         h.cfg.DryRun,
		RiskManager:    h.eng.GetRiskManager().Status(),
		CircuitBreaker: h.eng.GetBreaker().Status(),
		KillSwitch:     h.eng.GetKillSwitch().Status(),
		Database:       stats,
		Executor:       h.eng.GetExecutor().Status(),
	})
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.eng.GetStore().OpenPositions()
	if err != nil {
		h.log.Error("open positions query failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	exposure, err := h.eng.GetStore().TotalOpenExposure()
	if err != nil {
		h.log.Error("exposure query failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, positionsResponse{
		Timestamp:     time.Now().UTC(),
		OpenPositions: positions,
		TotalExposure: exposure,
	})
}

func (h *Handlers) handleLatency(w http.ResponseWriter, r *http.Request) {
	lt := h.eng.GetLatencyTracker()
	h.writeJSON(w, http.StatusOK, latencyResponse{
		Timestamp:     time.Now().UTC(),
		LatencyStatus: lt.Status(),
		Recent:        lt.Recent(5),
	})
}

func (h *Handlers) handleStreams(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, streamsResponse{
		Timestamp: time.Now().UTC(),
		HubStatus: h.eng.GetHub().Status(),
	})
}

func (h *Handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, alertsResponse{
		Timestamp: time.Now().UTC(),
		Status:    h.eng.GetAlerts().Status(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Kill switch
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	reason := "API kill switch activated"

	h.eng.GetKillSwitch().Activate(reason)
	h.eng.GetRiskManager().Halt(reason)
	h.eng.GetBreaker().Trip(reason)
	h.eng.GetMetrics().SetKillSwitch(true)
	h.recordEvent("kill_switch", reason, store.SeverityCritical)
	_ = h.eng.GetAlerts().AlertKillSwitch(true, reason)

	h.log.Error("kill switch activated via API")
	h.writeJSON(w, http.StatusOK, killResponse{
		Status:    "activated",
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	h.eng.GetKillSwitch().Deactivate("API deactivation")
	h.eng.GetRiskManager().Resume("kill switch deactivated")
	h.eng.GetBreaker().Reset()
	h.eng.GetMetrics().SetKillSwitch(false)
	h.recordEvent("kill_switch", "deactivated via API", store.SeverityInfo)
	_ = h.eng.GetAlerts().AlertKillSwitch(false, "API deactivation")

	h.log.Info("kill switch deactivated via API")
	h.writeJSON(w, http.StatusOK, killResponse{
		Status:    "deactivated",
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) recordEvent(eventType, details, severity string) {
	if _, err := h.eng.GetStore().LogEvent(eventType, details, severity); err != nil {
		h.log.Error("event log failed", "event_type", eventType, "err", err)
	}
}
