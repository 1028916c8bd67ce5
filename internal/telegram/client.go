// Package telegram delivers ATH notifications and serves subscription commands via the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/shopspring/decimal"
)

// Subscriptions is the writable recipient directory.
type Subscriptions interface {
	Subscribe(chatID int64) (bool, error)
	Unsubscribe(chatID int64) (bool, error)
}

// ATHReader exposes the current ATH per instrument.
type ATHReader interface {
	ATHs() map[string]float64
}

// Client handles Telegram delivery and bot commands.
type Client struct {
	bot            *tgbotapi.BotAPI
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client. An empty endpoint selects the
// public Bot API.
func NewClient(botToken, endpoint string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	if botToken == "" {
		return nil, errors.New("bot token must not be empty")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Username returns the bot account name.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// Deliver sends an HTML message to one chat with linear-backoff retry.
// Permanent rejections (blocked bot, unknown chat) are not retried.
func (c *Client) Deliver(ctx context.Context, chatID int64, text string, silent bool) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableNotification = silent

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		delay := c.retryDelayBase * time.Duration(i+1)
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden {
				return fmt.Errorf("chat %d rejected message: %w", chatID, err)
			}
			if apiErr.RetryAfter > 0 {
				delay = time.Duration(apiErr.RetryAfter) * time.Second
			}
		}
		if i == c.maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("delivery to %d interrupted: %w", chatID, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// ListenForCommands polls for updates and answers bot commands until ctx is
// cancelled.
func (c *Client) ListenForCommands(ctx context.Context, subs Subscriptions, aths ATHReader) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)
	logger.Info("Listening for commands as @%s", c.Username())

	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil && update.Message.IsCommand() {
				c.handleCommand(update.Message, subs, aths)
			}
		}
	}
}

func (c *Client) handleCommand(msg *tgbotapi.Message, subs Subscriptions, aths ATHReader) {
	chatID := msg.Chat.ID
	text, ok := commandReply(msg.Command(), chatID, subs, aths)
	if !ok {
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Warn("Failed to reply to /%s in chat %d: %v", msg.Command(), chatID, err)
	}

	// Keep group chats free of command noise.
	if (msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()) && msg.Command() == "start" {
		if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, msg.MessageID)); err != nil {
			logger.Debug("Failed to delete /start in chat %d: %v", chatID, err)
		}
	}
}

const helpText = `Available commands:
/start - receive new all-time high notifications
/stop - stop receiving notifications
/ath - show the current all-time highs
/help - show this message`

// commandReply computes the reply for a command. ok is false for commands
// the bot ignores.
func commandReply(command string, chatID int64, subs Subscriptions, aths ATHReader) (string, bool) {
	switch command {
	case "start":
		added, err := subs.Subscribe(chatID)
		if err != nil {
			logger.Error("Failed to subscribe chat %d: %v", chatID, err)
			return "Subscription failed, please try again later.", true
		}
		if !added {
			return "You are already subscribed.", true
		}
		logger.Info("Chat %d subscribed", chatID)
		return "You have been subscribed to new all-time high notifications.", true
	case "stop":
		removed, err := subs.Unsubscribe(chatID)
		if err != nil {
			logger.Error("Failed to unsubscribe chat %d: %v", chatID, err)
			return "Unsubscribe failed, please try again later.", true
		}
		if !removed {
			return "You are not subscribed.", true
		}
		logger.Info("Chat %d unsubscribed", chatID)
		return "You have been unsubscribed from new all-time high notifications.", true
	case "ath":
		return formatATHs(aths.ATHs()), true
	case "help":
		return helpText, true
	case "ping":
		return "Pong", true
	default:
		return "", false
	}
}

func formatATHs(values map[string]float64) string {
	if len(values) == 0 {
		return "No instruments tracked."
	}
	symbols := make([]string, 0, len(values))
	for symbol := range values {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var b strings.Builder
	b.WriteString("Current all-time highs:")
	for _, symbol := range symbols {
		v := values[symbol]
		if v <= 0 {
			fmt.Fprintf(&b, "\n%s: none yet", symbol)
			continue
		}
		fmt.Fprintf(&b, "\n%s: $%s", symbol, decimal.NewFromFloat(v).StringFixed(2))
	}
	return b.String()
}
