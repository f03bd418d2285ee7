package api

import (
	"time"

	"btcarb/internal/execution"
	"btcarb/internal/notify"
	"btcarb/internal/risk"
	"btcarb/internal/store"
	"btcarb/internal/stream"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	DryRun    bool      `json:"dry_run"`
}

// statusResponse is the full safety-stack view served on /status.
type statusResponse struct {
	Timestamp      time.Time                `json:"timestamp"`
	DryRun         bool                     `json:"dry_run"`
	RiskManager    risk.ManagerStatus       `json:"risk_manager"`
	CircuitBreaker risk.BreakerStatus       `json:"circuit_breaker"`
	KillSwitch     risk.KillStatus          `json:"kill_switch"`
	Database       store.Stats              `json:"database"`
	Executor       execution.ExecutorStatus `json:"executor"`
}

type positionsResponse struct {
	Timestamp     time.Time        `json:"timestamp"`
	OpenPositions []store.Position `json:"open_positions"`
	TotalExposure float64          `json:"total_exposure"`
}

// latencyResponse flattens the tracker status next to the timestamp and the
// most recent samples.
type latencyResponse struct {
	Timestamp time.Time `json:"timestamp"`
	execution.LatencyStatus
	Recent []execution.Sample `json:"recent"`
}

type streamsResponse struct {
	Timestamp time.Time `json:"timestamp"`
	stream.HubStatus
}

type alertsResponse struct {
	Timestamp time.Time `json:"timestamp"`
	notify.Status
}

type killResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
