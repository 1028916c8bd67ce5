package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTradeEventValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		event   TradeEvent
		wantErr bool
	}{
		{
			name: "valid trade",
			event: TradeEvent{
				Symbol:     "BTCUSDT",
				Price:      decimal.RequireFromString("60100.01"),
				EventTime:  now,
				ReceivedAt: now,
			},
			wantErr: false,
		},
		{
			name: "empty symbol",
			event: TradeEvent{
				Price:      decimal.RequireFromString("1"),
				ReceivedAt: now,
			},
			wantErr: true,
		},
		{
			name: "lower case symbol",
			event: TradeEvent{
				Symbol:     "btcusdt",
				Price:      decimal.RequireFromString("1"),
				ReceivedAt: now,
			},
			wantErr: true,
		},
		{
			name: "zero price",
			event: TradeEvent{
				Symbol:     "BTCUSDT",
				Price:      decimal.Zero,
				ReceivedAt: now,
			},
			wantErr: true,
		},
		{
			name: "negative price",
			event: TradeEvent{
				Symbol:     "BTCUSDT",
				Price:      decimal.RequireFromString("-3"),
				ReceivedAt: now,
			},
			wantErr: true,
		},
		{
			name: "missing receive time",
			event: TradeEvent{
				Symbol: "BTCUSDT",
				Price:  decimal.RequireFromString("1"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("TradeEvent.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewAlert_UniqueIDs(t *testing.T) {
	now := time.Now()
	a := NewAlert("BTCUSDT", 60100, 60000, now)
	b := NewAlert("BTCUSDT", 60200, 60100, now)

	if a.ID == "" || b.ID == "" {
		t.Fatal("expected non-empty alert IDs")
	}
	if a.ID == b.ID {
		t.Errorf("expected unique alert IDs, both %s", a.ID)
	}
	if a.Previous != 60000 || a.Value != 60100 {
		t.Errorf("unexpected alert values: %+v", a)
	}
}
