// Package store persists trades, positions, opportunities, and bot events
// to SQLite.
//
// Four tables carry the audit trail: trades (every executed or attempted
// arbitrage), positions (per-venue legs, open and closed), opportunities
// (every detection, executed or skipped), and bot_events (breaker trips,
// kill-switch activity, errors). A schema_version table guards migrations.
//
// The database holds no credentials, keys, or tokens; callers keep secrets
// out of event details. WAL mode allows the API's read endpoints to run
// alongside the engine's writes.
package store

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// schemaVersion is bumped whenever the model set changes shape.
const schemaVersion = 1

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Trade is one arbitrage attempt, dry-run or live.
type Trade struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp       time.Time `gorm:"index;autoCreateTime" json:"timestamp"`
	PolyLeg         string    `gorm:"not null" json:"poly_leg"`
	KalshiLeg       string    `gorm:"not null" json:"kalshi_leg"`
	KalshiStrike    float64   `gorm:"not null" json:"kalshi_strike"`
	PolyCost        float64   `gorm:"not null" json:"poly_cost"`
	KalshiCost      float64   `gorm:"not null" json:"kalshi_cost"`
	TotalCost       float64   `gorm:"not null" json:"total_cost"`
	FeeAdjustedCost float64   `json:"fee_adjusted_cost"`
	NetMargin       float64   `json:"net_margin"`
	SizeContracts   int       `gorm:"default:1" json:"size_contracts"`
	PolyFillPrice   *float64  `json:"poly_fill_price"`
	KalshiFillPrice *float64  `json:"kalshi_fill_price"`
	ActualPnl       *float64  `json:"actual_pnl"`
	Status          string    `gorm:"index;default:pending" json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DryRun          bool      `gorm:"default:true" json:"dry_run"`
}

// Position is a single venue leg of an arbitrage pair.
type Position struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	PositionID     string     `gorm:"uniqueIndex;not null" json:"position_id"`
	Platform       string     `gorm:"index;not null" json:"platform"`
	Side           string     `gorm:"not null" json:"side"`
	Ticker         string     `gorm:"not null" json:"ticker"`
	EntryPrice     float64    `gorm:"not null" json:"entry_price"`
	Size           int        `gorm:"not null" json:"size"`
	CostUSD        float64    `gorm:"not null" json:"cost_usd"`
	Status         string     `gorm:"index;default:open" json:"status"`
	LinkedPosition string     `json:"linked_position,omitempty"`
	ArbID          string     `json:"arb_id,omitempty"`
	OpenedAt       time.Time  `gorm:"autoCreateTime" json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at"`
}

// Opportunity is one detection, whether or not it was executed.
type Opportunity struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp    time.Time `gorm:"index;autoCreateTime" json:"timestamp"`
	KalshiStrike float64   `gorm:"not null" json:"kalshi_strike"`
	PolyLeg      string    `gorm:"not null" json:"poly_leg"`
	KalshiLeg    string    `gorm:"not null" json:"kalshi_leg"`
	PolyCost     float64   `json:"poly_cost"`
	KalshiCost   float64   `json:"kalshi_cost"`
	TotalCost    float64   `json:"total_cost"`
	NetMargin    float64   `json:"net_margin"`
	WasExecuted  bool      `json:"was_executed"`
	SkipReason   string    `json:"skip_reason,omitempty"`
}

// BotEvent is an operational event: breaker trips, kill-switch activity,
// errors, startup notices.
type BotEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time `gorm:"index;autoCreateTime" json:"timestamp"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Severity  string    `gorm:"default:info" json:"severity"`
	Details   string    `gorm:"not null" json:"details"`
}

// SchemaVersion records which schema revisions have been applied.
type SchemaVersion struct {
	Version   int       `gorm:"not null"`
	AppliedAt time.Time `gorm:"autoCreateTime"`
}

func (SchemaVersion) TableName() string { return "schema_version" }

// Store wraps the SQLite database.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open creates the database file (and its directory) if needed, migrates the
// schema, and records the schema version.
func Open(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, log: log.With("component", "store")}

	if err := db.AutoMigrate(&Trade{}, &Position{}, &Opportunity{}, &BotEvent{}, &SchemaVersion{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensureSchemaVersion(); err != nil {
		return nil, fmt.Errorf("schema version: %w", err)
	}

	s.log.Info("database initialized", "path", path, "schema_version", schemaVersion)
	return s, nil
}

func (s *Store) ensureSchemaVersion() error {
	var current int
	err := s.db.Model(&SchemaVersion{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error
	if err != nil {
		return err
	}
	if current < schemaVersion {
		return s.db.Create(&SchemaVersion{Version: schemaVersion}).Error
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// RecordTrade inserts a trade attempt and returns its id.
func (s *Store) RecordTrade(t *Trade) (uint, error) {
	if err := s.db.Create(t).Error; err != nil {
		return 0, fmt.Errorf("record trade: %w", err)
	}
	s.log.Debug("trade recorded", "id", t.ID, "status", t.Status)
	return t.ID, nil
}

// UpdateTradeStatus sets a trade's status and error message.
func (s *Store) UpdateTradeStatus(id uint, status, errorMessage string) error {
	return s.db.Model(&Trade{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_message": errorMessage}).Error
}

// TradesToday returns today's trades (UTC day), newest first.
func (s *Store) TradesToday() ([]Trade, error) {
	var out []Trade
	err := s.db.Where("timestamp >= ?", startOfDayUTC()).
		Order("timestamp DESC").
		Find(&out).Error
	return out, err
}

// DailyPnL sums actual_pnl over today's trades.
func (s *Store) DailyPnL() (float64, error) {
	var total float64
	err := s.db.Model(&Trade{}).
		Where("timestamp >= ? AND actual_pnl IS NOT NULL", startOfDayUTC()).
		Select("COALESCE(SUM(actual_pnl), 0)").
		Scan(&total).Error
	return total, err
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// RecordPosition inserts a new open position.
func (s *Store) RecordPosition(p *Position) error {
	if err := s.db.Create(p).Error; err != nil {
		return fmt.Errorf("record position: %w", err)
	}
	return nil
}

// ClosePosition marks a position settled or unwound and stamps closed_at.
func (s *Store) ClosePosition(positionID, status string) error {
	now := time.Now().UTC()
	return s.db.Model(&Position{}).Where("position_id = ?", positionID).
		Updates(map[string]any{"status": status, "closed_at": now}).Error
}

// OpenPositions returns all open positions, newest first.
func (s *Store) OpenPositions() ([]Position, error) {
	var out []Position
	err := s.db.Where("status = ?", "open").
		Order("opened_at DESC").
		Find(&out).Error
	return out, err
}

// TotalOpenExposure sums cost_usd over open positions.
func (s *Store) TotalOpenExposure() (float64, error) {
	var total float64
	err := s.db.Model(&Position{}).
		Where("status = ?", "open").
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// RecordOpportunity inserts a detection and returns its id.
func (s *Store) RecordOpportunity(o *Opportunity) (uint, error) {
	if err := s.db.Create(o).Error; err != nil {
		return 0, fmt.Errorf("record opportunity: %w", err)
	}
	return o.ID, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bot events
// ————————————————————————————————————————————————————————————————————————

// LogEvent appends an operational event. Callers must keep credentials and
// tokens out of details.
func (s *Store) LogEvent(eventType, details, severity string) (uint, error) {
	evt := BotEvent{EventType: eventType, Severity: severity, Details: details}
	if err := s.db.Create(&evt).Error; err != nil {
		return 0, fmt.Errorf("log event: %w", err)
	}
	return evt.ID, nil
}

// RecentEvents returns the newest events first, optionally filtered by type.
func (s *Store) RecentEvents(limit int, eventType string) ([]BotEvent, error) {
	q := s.db.Order("timestamp DESC").Limit(limit)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	var out []BotEvent
	err := q.Find(&out).Error
	return out, err
}

// Events returns events oldest first, optionally filtered by type and
// restricted to the last N days (0 means all time).
func (s *Store) Events(eventType string, days int) ([]BotEvent, error) {
	q := s.db.Order("timestamp ASC")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if days > 0 {
		q = q.Where("timestamp >= ?", startOfDayUTC().AddDate(0, 0, -days))
	}
	var out []BotEvent
	err := q.Find(&out).Error
	return out, err
}

// ————————————————————————————————————————————————————————————————————————
// Stats
// ————————————————————————————————————————————————————————————————————————

// Stats is the aggregate view for monitoring: counts and sums only, never
// row data.
type Stats struct {
	TradesTotal        int64   `json:"trades_total"`
	TradesToday        int64   `json:"trades_today"`
	OpenPositions      int64   `json:"open_positions"`
	TotalOpenExposure  float64 `json:"total_open_exposure"`
	OpportunitiesToday int64   `json:"opportunities_today"`
	DailyPnL           float64 `json:"daily_pnl"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats

	if err := s.db.Model(&Trade{}).Count(&st.TradesTotal).Error; err != nil {
		return st, err
	}
	if err := s.db.Model(&Trade{}).
		Where("timestamp >= ?", startOfDayUTC()).
		Count(&st.TradesToday).Error; err != nil {
		return st, err
	}
	if err := s.db.Model(&Position{}).
		Where("status = ?", "open").
		Count(&st.OpenPositions).Error; err != nil {
		return st, err
	}
	if err := s.db.Model(&Opportunity{}).
		Where("timestamp >= ?", startOfDayUTC()).
		Count(&st.OpportunitiesToday).Error; err != nil {
		return st, err
	}

	exposure, err := s.TotalOpenExposure()
	if err != nil {
		return st, err
	}
	pnl, err := s.DailyPnL()
	if err != nil {
		return st, err
	}

	st.TotalOpenExposure = roundTo(exposure, 2)
	st.DailyPnL = roundTo(pnl, 4)
	return st, nil
}

func startOfDayUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
