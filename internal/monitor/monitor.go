package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/rewired-gh/athwatch/internal/models"
	"github.com/rewired-gh/athwatch/internal/notify"
)

type Config struct {
	Instruments      []string
	Window           time.Duration
	Policy           Policy
	QueueSize        int
	BroadcastTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Instruments:      []string{"BTCUSDT", "ETHUSDT"},
		Window:           20 * time.Second,
		Policy:           DefaultPolicy(),
		QueueSize:        1024,
		BroadcastTimeout: 2 * time.Minute,
	}
}

// Notifier broadcasts an accepted ATH.
type Notifier interface {
	Broadcast(ctx context.Context, symbol string, value float64) (notify.Report, error)
}

// AlertLog records accepted alerts for auditing.
type AlertLog interface {
	AddAlert(alert *models.Alert) error
}

// Monitor smooths trade events on a single router goroutine and hands the
// resulting values to one decision worker per instrument. The router never
// waits on a worker: when an instrument's queue is full its oldest pending
// value is dropped, so a slow broadcast cannot stall other instruments.
type Monitor struct {
	config   Config
	smoother *Smoother
	tracker  *Tracker
	notifier Notifier
	alertLog AlertLog
}

// New builds a monitor over store. A nil notifier logs accepted ATHs only.
func New(store ATHStore, notifier Notifier, config Config) (*Monitor, error) {
	tracker, err := NewTracker(store, config.Policy, config.Instruments)
	if err != nil {
		return nil, err
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	return &Monitor{
		config:   config,
		smoother: NewSmoother(config.Window),
		tracker:  tracker,
		notifier: notifier,
	}, nil
}

// SetAlertLog enables the alert audit trail.
func (m *Monitor) SetAlertLog(l AlertLog) {
	m.alertLog = l
}

// Tracker exposes the decision state.
func (m *Monitor) Tracker() *Tracker {
	return m.tracker
}

// decision is a smoothed value waiting for the ATH decision.
type decision struct {
	symbol string
	value  float64
	at     time.Time
}

// Run consumes events until ctx is cancelled or events is closed. It waits
// for in-flight broadcasts before returning.
func (m *Monitor) Run(ctx context.Context, events <-chan models.TradeEvent) error {
	instruments := m.tracker.Instruments()
	queues := make(map[string]chan decision, len(instruments))
	var wg sync.WaitGroup
	for _, symbol := range instruments {
		q := make(chan decision, m.config.QueueSize)
		queues[symbol] = q
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx, q)
		}()
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		logger.Info("Monitor stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			q, known := queues[ev.Symbol]
			if !known {
				logger.Debug("Ignoring trade for unconfigured instrument %s", ev.Symbol)
				continue
			}
			if d, ok := m.smooth(ev); ok {
				enqueue(q, d)
			}
		}
	}
}

// enqueue never blocks. The router is the only sender, so after dropping
// the oldest value there is room for d.
func enqueue(q chan decision, d decision) {
	select {
	case q <- d:
		return
	default:
	}
	select {
	case stale := <-q:
		logger.Warn("Decision queue for %s full, dropping stale value %.2f", stale.symbol, stale.value)
	default:
	}
	select {
	case q <- d:
	default:
		logger.Warn("Decision queue for %s full, dropping value %.2f", d.symbol, d.value)
	}
}

func (m *Monitor) worker(ctx context.Context, q <-chan decision) {
	for d := range q {
		if ctx.Err() != nil {
			continue
		}
		m.decide(ctx, d)
	}
}

// Process runs one event through smoothing, the ATH decision and, on
// acceptance, the broadcast. Callers must not process the same instrument
// concurrently.
func (m *Monitor) Process(ctx context.Context, ev models.TradeEvent) Outcome {
	d, ok := m.smooth(ev)
	if !ok {
		return OutcomeBelowThreshold
	}
	return m.decide(ctx, d)
}

// smooth adds ev to its instrument's window and returns the TWAP at the
// event's receive time.
func (m *Monitor) smooth(ev models.TradeEvent) (decision, bool) {
	m.smoother.Update(ev.Symbol, ev.Price.InexactFloat64(), ev.ReceivedAt)
	twap, ok := m.smoother.CurrentSmoothedValue(ev.Symbol, ev.ReceivedAt)
	if !ok {
		return decision{}, false
	}
	return decision{symbol: ev.Symbol, value: twap, at: ev.ReceivedAt}, true
}

func (m *Monitor) decide(ctx context.Context, d decision) Outcome {
	outcome, alert, err := m.tracker.Evaluate(d.symbol, d.value, d.at)
	if err != nil {
		logger.Warn("Failed to evaluate %s: %v", d.symbol, err)
		return outcome
	}

	switch outcome {
	case OutcomeAccepted:
		logger.Info("New ATH for %s at $%.2f (previous $%.2f), sending message",
			alert.Symbol, alert.Value, alert.Previous)
		m.broadcast(ctx, &alert)
	case OutcomeCooldown, OutcomeRateLimited:
		logger.Debug("Suppressed %s ATH candidate %.2f: %s", d.symbol, d.value, outcome)
	}
	return outcome
}

// broadcast runs detached from shutdown so an in-flight send completes,
// bounded by BroadcastTimeout.
func (m *Monitor) broadcast(ctx context.Context, alert *models.Alert) {
	if m.notifier != nil {
		bctx := context.WithoutCancel(ctx)
		if m.config.BroadcastTimeout > 0 {
			var cancel context.CancelFunc
			bctx, cancel = context.WithTimeout(bctx, m.config.BroadcastTimeout)
			defer cancel()
		}
		report, err := m.notifier.Broadcast(bctx, alert.Symbol, alert.Value)
		if err != nil {
			logger.Error("Failed to broadcast %s ATH: %v", alert.Symbol, err)
		}
		alert.Delivered = report.Delivered
		alert.Failed = report.Failed
	} else {
		logger.Debug("ATH detected but notifications disabled")
	}

	if m.alertLog != nil {
		if err := m.alertLog.AddAlert(alert); err != nil {
			logger.Warn("Failed to record alert %s: %v", alert.ID, err)
		}
	}
}
