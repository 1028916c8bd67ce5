package monitor

import (
	"sync"
	"time"

	"github.com/rewired-gh/athwatch/internal/models"
)

// TWAP is a trailing time window of raw prices for one instrument.
// Every sample counts once regardless of trade size.
type TWAP struct {
	window  time.Duration
	samples []models.PriceSample
}

// NewTWAP returns an empty window of the given duration.
func NewTWAP(window time.Duration) *TWAP {
	return &TWAP{window: window}
}

// Update records a sample and evicts samples older than the window relative to at.
func (w *TWAP) Update(price float64, at time.Time) {
	w.samples = append(w.samples, models.PriceSample{Price: price, ObservedAt: at})

	keep := w.samples[:0]
	for _, s := range w.samples {
		if at.Sub(s.ObservedAt) <= w.window {
			keep = append(keep, s)
		}
	}
	clear(w.samples[len(keep):])
	w.samples = keep
}

// Value returns the mean of samples within the window of at.
// ok is false when no sample qualifies.
func (w *TWAP) Value(at time.Time) (value float64, ok bool) {
	var sum float64
	var n int
	for _, s := range w.samples {
		if at.Sub(s.ObservedAt) <= w.window {
			sum += s.Price
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Len returns the number of retained samples.
func (w *TWAP) Len() int {
	return len(w.samples)
}

// Smoother keeps one TWAP window per instrument.
type Smoother struct {
	window time.Duration

	mu      sync.Mutex
	windows map[string]*TWAP
}

// NewSmoother returns a smoother whose windows span window.
func NewSmoother(window time.Duration) *Smoother {
	return &Smoother{
		window:  window,
		windows: make(map[string]*TWAP),
	}
}

// Update records price for instrument observed at timestamp.
func (s *Smoother) Update(instrument string, price float64, timestamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[instrument]
	if !ok {
		w = NewTWAP(s.window)
		s.windows[instrument] = w
	}
	w.Update(price, timestamp)
}

// CurrentSmoothedValue returns the time-weighted average for instrument at the query time.
func (s *Smoother) CurrentSmoothedValue(instrument string, at time.Time) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[instrument]
	if !ok {
		return 0, false
	}
	return w.Value(at)
}
