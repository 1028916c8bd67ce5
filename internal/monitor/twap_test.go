package monitor

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTWAP_EmptyHasNoValue(t *testing.T) {
	w := NewTWAP(20 * time.Second)
	if _, ok := w.Value(time.Now()); ok {
		t.Error("expected no value for empty window")
	}
}

func TestTWAP_SingleSample(t *testing.T) {
	w := NewTWAP(20 * time.Second)
	now := time.Now()
	w.Update(60100, now)

	got, ok := w.Value(now)
	if !ok || got != 60100 {
		t.Errorf("Value = %v, %v; want 60100, true", got, ok)
	}
}

func TestTWAP_MeanOfSamplesWithinWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	w := NewTWAP(20 * time.Second)

	w.Update(100, base)
	w.Update(200, base.Add(5*time.Second))
	w.Update(300, base.Add(10*time.Second))

	got, ok := w.Value(base.Add(10 * time.Second))
	if !ok || !approxEqual(got, 200) {
		t.Errorf("Value = %v, want 200", got)
	}

	// First sample is 21s old at the query time and no longer contributes.
	got, ok = w.Value(base.Add(21 * time.Second))
	if !ok || !approxEqual(got, 250) {
		t.Errorf("Value at +21s = %v, want 250", got)
	}

	// Everything expired.
	if _, ok := w.Value(base.Add(31 * time.Second)); ok {
		t.Error("expected no value once every sample expired")
	}
}

func TestTWAP_WindowBoundaryIsInclusive(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	w := NewTWAP(20 * time.Second)
	w.Update(100, base)
	w.Update(300, base.Add(20*time.Second))

	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (sample exactly at window edge is retained)", w.Len())
	}
	got, _ := w.Value(base.Add(20 * time.Second))
	if !approxEqual(got, 200) {
		t.Errorf("Value = %v, want 200", got)
	}
}

func TestTWAP_UpdateEvicts(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	w := NewTWAP(2 * time.Second)
	for i := 0; i < 10; i++ {
		w.Update(float64(i), base.Add(time.Duration(i)*time.Second))
	}
	if w.Len() != 3 {
		t.Errorf("Len = %d, want 3", w.Len())
	}
	got, _ := w.Value(base.Add(9 * time.Second))
	if !approxEqual(got, 8) {
		t.Errorf("Value = %v, want mean(7,8,9)=8", got)
	}
}

func TestSmoother_IndependentInstruments(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSmoother(20 * time.Second)

	s.Update("BTCUSDT", 60000, now)
	s.Update("ETHUSDT", 4000, now)
	s.Update("BTCUSDT", 60200, now.Add(time.Second))

	btc, ok := s.CurrentSmoothedValue("BTCUSDT", now.Add(time.Second))
	if !ok || !approxEqual(btc, 60100) {
		t.Errorf("BTCUSDT = %v, want 60100", btc)
	}
	eth, ok := s.CurrentSmoothedValue("ETHUSDT", now.Add(time.Second))
	if !ok || eth != 4000 {
		t.Errorf("ETHUSDT = %v, want 4000", eth)
	}
	if _, ok := s.CurrentSmoothedValue("SOLUSDT", now); ok {
		t.Error("expected no value for unknown instrument")
	}
}
