package execution

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// defaultMaxHistory bounds the measurement window for percentiles.
	defaultMaxHistory = 500

	// latencyTargetMs is the detection-to-completion budget per trade.
	latencyTargetMs = 500.0
)

// Measurement is the timing record for one execution cycle. Marks are
// punched as the engine progresses; a zero time means the stage was never
// reached.
type Measurement struct {
	TradeID      string
	DetectedAt   time.Time
	Leg1SentAt   time.Time
	Leg1FilledAt time.Time
	Leg2SentAt   time.Time
	Leg2FilledAt time.Time
	CompletedAt  time.Time
}

func (m *Measurement) MarkDetected()   { m.DetectedAt = time.Now() }
func (m *Measurement) MarkLeg1Sent()   { m.Leg1SentAt = time.Now() }
func (m *Measurement) MarkLeg1Filled() { m.Leg1FilledAt = time.Now() }
func (m *Measurement) MarkLeg2Sent()   { m.Leg2SentAt = time.Now() }
func (m *Measurement) MarkLeg2Filled() { m.Leg2FilledAt = time.Now() }
func (m *Measurement) MarkCompleted()  { m.CompletedAt = time.Now() }

// TotalMs is the detection-to-completion span. ok is false when either mark
// is missing.
func (m *Measurement) TotalMs() (float64, bool) {
	return spanMs(m.DetectedAt, m.CompletedAt)
}

func spanMs(from, to time.Time) (float64, bool) {
	if from.IsZero() || to.IsZero() {
		return 0, false
	}
	return float64(to.Sub(from)) / float64(time.Millisecond), true
}

// Sample is the wire form of one measurement. Nil spans mean the
// corresponding marks were never punched.
type Sample struct {
	TradeID           string   `json:"trade_id"`
	DetectionToLeg1Ms *float64 `json:"detection_to_leg1_ms"`
	Leg1FillMs        *float64 `json:"leg1_fill_ms"`
	Leg1ToLeg2Ms      *float64 `json:"leg1_to_leg2_ms"`
	Leg2FillMs        *float64 `json:"leg2_fill_ms"`
	TotalMs           *float64 `json:"total_ms"`
}

// Sample converts the measurement to its wire form, spans rounded to 2
// decimal places.
func (m *Measurement) Sample() Sample {
	return Sample{
		TradeID:           m.TradeID,
		DetectionToLeg1Ms: roundedSpan(m.DetectedAt, m.Leg1SentAt),
		Leg1FillMs:        roundedSpan(m.Leg1SentAt, m.Leg1FilledAt),
		Leg1ToLeg2Ms:      roundedSpan(m.Leg1SentAt, m.Leg2SentAt),
		Leg2FillMs:        roundedSpan(m.Leg2SentAt, m.Leg2FilledAt),
		TotalMs:           roundedSpan(m.DetectedAt, m.CompletedAt),
	}
}

func roundedSpan(from, to time.Time) *float64 {
	ms, ok := spanMs(from, to)
	if !ok {
		return nil
	}
	r := roundTo(ms, 2)
	return &r
}

// LatencyTracker keeps a bounded FIFO of completed measurements and computes
// rolling percentiles on demand. Thread-safe.
type LatencyTracker struct {
	log *slog.Logger

	mu         sync.Mutex
	history    []*Measurement
	maxHistory int
	total      int
}

// NewLatencyTracker creates a tracker with the default window size.
func NewLatencyTracker(log *slog.Logger) *LatencyTracker {
	return &LatencyTracker{
		log:        log.With("component", "latency"),
		maxHistory: defaultMaxHistory,
	}
}

// StartMeasurement begins a new measurement and punches the detection mark.
// An empty tradeID gets a generated one.
func (t *LatencyTracker) StartMeasurement(tradeID string) *Measurement {
	t.mu.Lock()
	if tradeID == "" {
		tradeID = fmt.Sprintf("trade-%d", t.total+1)
	}
	t.mu.Unlock()

	m := &Measurement{TradeID: tradeID}
	m.MarkDetected()
	return m
}

// CompleteMeasurement punches the completion mark and adds the measurement
// to the rolling window.
func (t *LatencyTracker) CompleteMeasurement(m *Measurement) {
	m.MarkCompleted()

	t.mu.Lock()
	if len(t.history) == t.maxHistory {
		t.history = append(t.history[1:], m)
	} else {
		t.history = append(t.history, m)
	}
	t.total++
	t.mu.Unlock()

	total, ok := m.TotalMs()
	if !ok {
		return
	}
	detect1, _ := spanMs(m.DetectedAt, m.Leg1SentAt)
	leg12, _ := spanMs(m.Leg1SentAt, m.Leg2SentAt)
	fields := []any{
		"total_ms", roundTo(total, 0),
		"detect_to_leg1_ms", roundTo(detect1, 0),
		"leg1_to_leg2_ms", roundTo(leg12, 0),
		"trade", m.TradeID,
	}
	if total < latencyTargetMs {
		t.log.Info("execution latency", fields...)
	} else {
		t.log.Warn("execution latency over target", fields...)
	}
}

// Percentiles is the rolling latency distribution over the current window.
// Nil values mean no completed samples yet.
type Percentiles struct {
	P50Ms *float64 `json:"p50_ms"`
	P95Ms *float64 `json:"p95_ms"`
	P99Ms *float64 `json:"p99_ms"`
	Count int      `json:"count"`
	MinMs *float64 `json:"min_ms,omitempty"`
	MaxMs *float64 `json:"max_ms,omitempty"`
	AvgMs *float64 `json:"avg_ms,omitempty"`
}

// Percentiles computes P50/P95/P99 over the window's total-ms values with
// linear interpolation between adjacent samples.
func (t *LatencyTracker) Percentiles() Percentiles {
	totals := t.sortedTotals()
	if len(totals) == 0 {
		return Percentiles{}
	}

	var sum float64
	for _, v := range totals {
		sum += v
	}
	return Percentiles{
		P50Ms: roundPtr(percentile(totals, 50), 1),
		P95Ms: roundPtr(percentile(totals, 95), 1),
		P99Ms: roundPtr(percentile(totals, 99), 1),
		Count: len(totals),
		MinMs: roundPtr(totals[0], 1),
		MaxMs: roundPtr(totals[len(totals)-1], 1),
		AvgMs: roundPtr(sum/float64(len(totals)), 1),
	}
}

// Recent returns the wire form of the n most recent measurements.
func (t *LatencyTracker) Recent(n int) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := len(t.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]Sample, 0, len(t.history)-start)
	for _, m := range t.history[start:] {
		out = append(out, m.Sample())
	}
	return out
}

// LatencyStatus is the tracker roll-up for monitoring endpoints.
type LatencyStatus struct {
	TotalTradesMeasured int         `json:"total_trades_measured"`
	Percentiles         Percentiles `json:"percentiles"`
	TargetMs            float64     `json:"target_ms"`
	MeetsTarget         *bool       `json:"meets_target"` // nil until a P95 exists
}

// Status reports the window distribution against the latency target.
func (t *LatencyTracker) Status() LatencyStatus {
	p := t.Percentiles()

	var meets *bool
	if p.P95Ms != nil {
		v := *p.P95Ms < latencyTargetMs
		meets = &v
	}

	t.mu.Lock()
	total := t.total
	t.mu.Unlock()

	return LatencyStatus{
		TotalTradesMeasured: total,
		Percentiles:         p,
		TargetMs:            latencyTargetMs,
		MeetsTarget:         meets,
	}
}

func (t *LatencyTracker) sortedTotals() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := make([]float64, 0, len(t.history))
	for _, m := range t.history {
		if v, ok := m.TotalMs(); ok {
			totals = append(totals, v)
		}
	}
	sort.Float64s(totals)
	return totals
}

// percentile interpolates linearly at index (n-1)*p/100 of a sorted slice.
func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := float64(len(sorted)-1) * pct / 100
	f := int(k)
	c := f + 1
	if c >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[f]*(float64(c)-k) + sorted[c]*(k-float64(f))
}

func roundPtr(v float64, places int) *float64 {
	r := roundTo(v, places)
	return &r
}
