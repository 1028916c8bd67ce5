package models

import (
	"time"

	"github.com/google/uuid"
)

// ATHState is the position of an instrument in the ATH state machine.
type ATHState string

const (
	StateBelowATH        ATHState = "BELOW_ATH"
	StatePendingCooldown ATHState = "PENDING_COOLDOWN"
	StateConfirmed       ATHState = "CONFIRMED"
)

// InstrumentState is the in-memory decision state of one instrument.
// Budget and cooldown fields are not persisted and reset on restart.
type InstrumentState struct {
	Symbol string
	State  ATHState

	ATH float64

	LastNotifiedAt time.Time

	BudgetCount       int
	BudgetWindowStart time.Time
}

// Alert is an accepted new all-time high.
type Alert struct {
	ID         string
	Symbol     string
	Value      float64
	Previous   float64
	DetectedAt time.Time

	Delivered int
	Failed    int
}

// NewAlert builds an alert with a fresh identifier.
func NewAlert(symbol string, value, previous float64, detectedAt time.Time) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Value:      value,
		Previous:   previous,
		DetectedAt: detectedAt,
	}
}
