package execution

import (
	"testing"
	"time"
)

// stubMeasurement builds a completed measurement with a known total span.
func stubMeasurement(totalMs float64) *Measurement {
	base := time.Now()
	return &Measurement{
		TradeID:     "stub",
		DetectedAt:  base,
		CompletedAt: base.Add(time.Duration(totalMs * float64(time.Millisecond))),
	}
}

// seed injects completed measurements without re-punching their marks.
func seed(lt *LatencyTracker, totals ...float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, ms := range totals {
		lt.history = append(lt.history, stubMeasurement(ms))
		lt.total++
	}
}

func TestMeasurementSpans(t *testing.T) {
	t.Parallel()
	base := time.Now()
	m := &Measurement{
		TradeID:      "trade-1",
		DetectedAt:   base,
		Leg1SentAt:   base.Add(20 * time.Millisecond),
		Leg1FilledAt: base.Add(120 * time.Millisecond),
		Leg2SentAt:   base.Add(130 * time.Millisecond),
		Leg2FilledAt: base.Add(280 * time.Millisecond),
		CompletedAt:  base.Add(300 * time.Millisecond),
	}

	total, ok := m.TotalMs()
	if !ok || total != 300 {
		t.Errorf("TotalMs() = %v, %v, want 300, true", total, ok)
	}

	s := m.Sample()
	if s.DetectionToLeg1Ms == nil || *s.DetectionToLeg1Ms != 20 {
		t.Errorf("DetectionToLeg1Ms = %v, want 20", s.DetectionToLeg1Ms)
	}
	if s.Leg1FillMs == nil || *s.Leg1FillMs != 100 {
		t.Errorf("Leg1FillMs = %v, want 100", s.Leg1FillMs)
	}
	if s.Leg1ToLeg2Ms == nil || *s.Leg1ToLeg2Ms != 110 {
		t.Errorf("Leg1ToLeg2Ms = %v, want 110", s.Leg1ToLeg2Ms)
	}
	if s.TotalMs == nil || *s.TotalMs != 300 {
		t.Errorf("TotalMs = %v, want 300", s.TotalMs)
	}
}

func TestMeasurementMissingMarks(t *testing.T) {
	t.Parallel()
	m := &Measurement{TradeID: "trade-1", DetectedAt: time.Now()}

	if _, ok := m.TotalMs(); ok {
		t.Error("TotalMs() ok without a completion mark")
	}
	s := m.Sample()
	if s.Leg1FillMs != nil || s.TotalMs != nil {
		t.Errorf("sample has spans without marks: %+v", s)
	}
}

func TestPercentilesEmpty(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())

	p := lt.Percentiles()
	if p.Count != 0 {
		t.Errorf("Count = %d, want 0", p.Count)
	}
	if p.P50Ms != nil || p.P95Ms != nil || p.P99Ms != nil {
		t.Errorf("percentiles non-nil on empty window: %+v", p)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())
	seed(lt, 100, 200, 300, 400, 500, 600, 700, 800, 900, 1000)

	p := lt.Percentiles()
	if p.Count != 10 {
		t.Fatalf("Count = %d, want 10", p.Count)
	}
	// (n-1)*p/100: k=4.5 → 550, k=8.55 → 955, k=8.91 → 991.
	if *p.P50Ms != 550 {
		t.Errorf("P50Ms = %v, want 550", *p.P50Ms)
	}
	if *p.P95Ms != 955 {
		t.Errorf("P95Ms = %v, want 955", *p.P95Ms)
	}
	if *p.P99Ms != 991 {
		t.Errorf("P99Ms = %v, want 991", *p.P99Ms)
	}
	if *p.MinMs != 100 || *p.MaxMs != 1000 || *p.AvgMs != 550 {
		t.Errorf("min/max/avg = %v/%v/%v, want 100/1000/550", *p.MinMs, *p.MaxMs, *p.AvgMs)
	}
}

func TestPercentileSingleSample(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())
	seed(lt, 250)

	p := lt.Percentiles()
	if *p.P50Ms != 250 || *p.P95Ms != 250 || *p.P99Ms != 250 {
		t.Errorf("percentiles = %v/%v/%v, want all 250", *p.P50Ms, *p.P95Ms, *p.P99Ms)
	}
}

func TestHistoryWindowBounded(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())
	lt.maxHistory = 3

	for i := 0; i < 5; i++ {
		m := lt.StartMeasurement("")
		lt.CompleteMeasurement(m)
	}

	lt.mu.Lock()
	n := len(lt.history)
	total := lt.total
	lt.mu.Unlock()
	if n != 3 {
		t.Errorf("history length = %d, want 3", n)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
}

func TestStartMeasurementGeneratesID(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())

	m := lt.StartMeasurement("")
	if m.TradeID != "trade-1" {
		t.Errorf("TradeID = %q, want trade-1", m.TradeID)
	}
	if m.DetectedAt.IsZero() {
		t.Error("DetectedAt not punched by StartMeasurement")
	}

	named := lt.StartMeasurement("ARB-000007")
	if named.TradeID != "ARB-000007" {
		t.Errorf("TradeID = %q, want ARB-000007", named.TradeID)
	}
}

func TestRecentReturnsLastN(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())
	seed(lt, 100, 200, 300)

	recent := lt.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) length = %d, want 2", len(recent))
	}
	if *recent[0].TotalMs != 200 || *recent[1].TotalMs != 300 {
		t.Errorf("Recent(2) totals = %v, %v, want 200, 300", *recent[0].TotalMs, *recent[1].TotalMs)
	}

	if got := len(lt.Recent(10)); got != 3 {
		t.Errorf("Recent(10) length = %d, want 3", got)
	}
}

func TestStatusMeetsTarget(t *testing.T) {
	t.Parallel()
	lt := NewLatencyTracker(testLogger())

	st := lt.Status()
	if st.MeetsTarget != nil {
		t.Errorf("MeetsTarget = %v on empty window, want nil", *st.MeetsTarget)
	}

	seed(lt, 100, 150, 200)
	st = lt.Status()
	if st.MeetsTarget == nil || !*st.MeetsTarget {
		t.Error("MeetsTarget false with all samples under target")
	}
	if st.TotalTradesMeasured != 3 {
		t.Errorf("TotalTradesMeasured = %d, want 3", st.TotalTradesMeasured)
	}

	seed(lt, 900, 950, 980, 990, 1000)
	st = lt.Status()
	if st.MeetsTarget == nil || *st.MeetsTarget {
		t.Error("MeetsTarget true with P95 over target")
	}
}
