// Package notify fans an accepted ATH out to every subscribed recipient.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/shopspring/decimal"
)

// Directory supplies the ordered recipient list. It is read before every broadcast.
type Directory interface {
	Recipients(ctx context.Context) ([]int64, error)
}

// Transport delivers one message to one recipient.
type Transport interface {
	Deliver(ctx context.Context, recipient int64, text string, silent bool) error
}

// Config controls message formatting and delivery pacing.
type Config struct {
	Silent      bool
	Pacing      time.Duration
	QuoteAssets []string
}

func DefaultConfig() Config {
	return Config{
		Silent:      true,
		Pacing:      100 * time.Millisecond,
		QuoteAssets: []string{"USDT", "USDC", "BUSD", "FDUSD"},
	}
}

// Report summarizes one broadcast.
type Report struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Broadcaster sends ATH notifications to every recipient independently.
type Broadcaster struct {
	directory Directory
	transport Transport
	config    Config
}

func NewBroadcaster(directory Directory, transport Transport, config Config) *Broadcaster {
	return &Broadcaster{
		directory: directory,
		transport: transport,
		config:    config,
	}
}

// Broadcast notifies all recipients of a new ATH for symbol.
// Only a directory failure is returned; delivery failures are logged and counted.
func (b *Broadcaster) Broadcast(ctx context.Context, symbol string, value float64) (Report, error) {
	recipients, err := b.directory.Recipients(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read recipients: %w", err)
	}

	report := Report{Recipients: len(recipients)}
	if len(recipients) == 0 {
		logger.Debug("No recipients for %s ATH broadcast", symbol)
		return report, nil
	}

	text := FormatATHMessage(BaseAsset(symbol, b.config.QuoteAssets), value)
	for i, recipient := range recipients {
		if i > 0 && b.config.Pacing > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.config.Pacing):
			}
		}
		if err := b.transport.Deliver(ctx, recipient, text, b.config.Silent); err != nil {
			report.Failed++
			logger.Error("Error sending ATH message to chat %d: %v", recipient, err)
			continue
		}
		report.Delivered++
	}

	logger.Info("Broadcast %s ATH to %d/%d recipients", symbol, report.Delivered, report.Recipients)
	return report, nil
}

// FormatATHMessage renders the notification text for base at value.
func FormatATHMessage(base string, value float64) string {
	return fmt.Sprintf("🎉 New All-Time High for %s: $%s!", base, decimal.NewFromFloat(value).StringFixed(2))
}

// BaseAsset strips the first matching quote asset suffix from symbol.
func BaseAsset(symbol string, quoteAssets []string) string {
	for _, q := range quoteAssets {
		if q != "" && len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return symbol
}
