// Package models defines the core domain entities: trade events, price samples and ATH alerts.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is a single decoded trade from the market-data feed.
type TradeEvent struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	EventTime  time.Time       `json:"event_time"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Validate checks trade event constraints.
func (e *TradeEvent) Validate() error {
	if e.Symbol == "" {
		return errors.New("trade symbol must not be empty")
	}
	if e.Symbol != strings.ToUpper(e.Symbol) {
		return errors.New("trade symbol must be upper case")
	}
	if !e.Price.IsPositive() {
		return errors.New("trade price must be positive")
	}
	if e.ReceivedAt.IsZero() {
		return errors.New("trade received at must be set")
	}
	return nil
}

// PriceSample is one raw price retained by the smoothing window.
type PriceSample struct {
	Price      float64
	ObservedAt time.Time
}
