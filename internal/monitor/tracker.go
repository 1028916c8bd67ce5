package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/rewired-gh/athwatch/internal/models"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// Policy holds the suppression parameters of the ATH state machine.
type Policy struct {
	// ThresholdPct is a percentage: 0.1 means the smoothed value must exceed ATH by 0.1%.
	ThresholdPct float64
	Cooldown     time.Duration
	MaxPerHour   int
	RateWindow   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ThresholdPct: 0.1,
		Cooldown:     10 * time.Second,
		MaxPerHour:   3,
		RateWindow:   time.Hour,
	}
}

// Outcome is the result of evaluating one smoothed value.
type Outcome int

const (
	OutcomeBelowThreshold Outcome = iota
	OutcomeCooldown
	OutcomeRateLimited
	OutcomeAccepted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBelowThreshold:
		return "below_threshold"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Decide applies the ATH policy to state for a new smoothed value at now.
// It has no side effects; callers persist and notify on OutcomeAccepted.
func Decide(state models.InstrumentState, value float64, now time.Time, p Policy) (models.InstrumentState, Outcome) {
	if value <= state.ATH*(1+p.ThresholdPct/100) {
		state.State = models.StateBelowATH
		return state, OutcomeBelowThreshold
	}

	if !state.LastNotifiedAt.IsZero() && now.Sub(state.LastNotifiedAt) <= p.Cooldown {
		state.State = models.StatePendingCooldown
		return state, OutcomeCooldown
	}

	if state.BudgetWindowStart.IsZero() || now.Sub(state.BudgetWindowStart) > p.RateWindow {
		state.BudgetCount = 0
		state.BudgetWindowStart = now
	}

	if state.BudgetCount >= p.MaxPerHour {
		state.State = models.StatePendingCooldown
		return state, OutcomeRateLimited
	}

	state.ATH = value
	state.LastNotifiedAt = now
	state.BudgetCount++
	state.State = models.StateConfirmed
	return state, OutcomeAccepted
}

// ATHStore is the durable instrument → ATH map.
type ATHStore interface {
	LoadATHs() (map[string]float64, error)
	SaveATH(symbol string, value float64) error
}

type trackedInstrument struct {
	mu    sync.Mutex
	state models.InstrumentState
}

// Tracker owns the decision state of every configured instrument.
// The instrument set is fixed at construction.
type Tracker struct {
	store       ATHStore
	policy      Policy
	instruments []string
	states      map[string]*trackedInstrument
}

// NewTracker loads persisted ATH values and builds one state per instrument.
// Instruments without a persisted record start at zero; duplicates are ignored.
func NewTracker(store ATHStore, policy Policy, instruments []string) (*Tracker, error) {
	persisted, err := store.LoadATHs()
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		store:  store,
		policy: policy,
		states: make(map[string]*trackedInstrument, len(instruments)),
	}
	for _, symbol := range instruments {
		if _, dup := t.states[symbol]; dup {
			continue
		}
		t.instruments = append(t.instruments, symbol)
		t.states[symbol] = &trackedInstrument{
			state: models.InstrumentState{
				Symbol: symbol,
				State:  models.StateBelowATH,
				ATH:    persisted[symbol],
			},
		}
		logger.Info("Loaded ATH for %s: %.2f", symbol, persisted[symbol])
	}
	return t, nil
}

// Evaluate runs the state machine for symbol. On acceptance the new ATH is
// persisted; a failed write is logged and the in-memory record stays advanced.
func (t *Tracker) Evaluate(symbol string, value float64, now time.Time) (Outcome, models.Alert, error) {
	ti, ok := t.states[symbol]
	if !ok {
		return OutcomeBelowThreshold, models.Alert{}, ErrUnknownInstrument
	}

	ti.mu.Lock()
	previous := ti.state.ATH
	next, outcome := Decide(ti.state, value, now, t.policy)
	ti.state = next
	ti.mu.Unlock()

	if outcome != OutcomeAccepted {
		return outcome, models.Alert{}, nil
	}

	if err := t.store.SaveATH(symbol, value); err != nil {
		logger.Error("Failed to persist ATH for %s (%.2f): %v", symbol, value, err)
	}
	return outcome, models.NewAlert(symbol, value, previous, now), nil
}

// Snapshot returns a copy of the state of symbol.
func (t *Tracker) Snapshot(symbol string) (models.InstrumentState, bool) {
	ti, ok := t.states[symbol]
	if !ok {
		return models.InstrumentState{}, false
	}
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.state, true
}

// ATHs returns the current in-memory ATH of every instrument.
func (t *Tracker) ATHs() map[string]float64 {
	out := make(map[string]float64, len(t.states))
	for symbol := range t.states {
		s, _ := t.Snapshot(symbol)
		out[symbol] = s.ATH
	}
	return out
}

// Instruments returns the configured instruments in configuration order.
func (t *Tracker) Instruments() []string {
	return append([]string(nil), t.instruments...)
}
