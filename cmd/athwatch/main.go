package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/athwatch/internal/binance"
	"github.com/rewired-gh/athwatch/internal/config"
	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/rewired-gh/athwatch/internal/models"
	"github.com/rewired-gh/athwatch/internal/monitor"
	"github.com/rewired-gh/athwatch/internal/notify"
	"github.com/rewired-gh/athwatch/internal/storage"
	"github.com/rewired-gh/athwatch/internal/telegram"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

// backend is the persistence surface shared by the sqlite and json stores.
type backend interface {
	monitor.ATHStore
	notify.Directory
	telegram.Subscriptions
	Close() error
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var rotation *logger.Rotation
	if cfg.Logging.File != "" {
		rotation = &logger.Rotation{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, rotation); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	if err := run(cfg); err != nil {
		logger.Fatal("Service failed: %v", err)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config) error {
	store, alertLog, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var telegramClient *telegram.Client
	var notifier monitor.Notifier
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.APIEndpoint,
			cfg.Telegram.Timeout,
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelay,
		)
		if err != nil {
			return err
		}
		logger.Info("Telegram client initialized as @%s", telegramClient.Username())
		notifier = notify.NewBroadcaster(store, telegramClient, notify.Config{
			Silent:      cfg.Notify.Silent,
			Pacing:      cfg.Notify.Pacing,
			QuoteAssets: cfg.Notify.QuoteAssets,
		})
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	mon, err := monitor.New(store, notifier, monitor.Config{
		Instruments: cfg.Feed.Instruments,
		Window:      cfg.Monitor.Window,
		Policy: monitor.Policy{
			ThresholdPct: cfg.Monitor.ThresholdPct,
			Cooldown:     cfg.Monitor.Cooldown,
			MaxPerHour:   cfg.Monitor.MaxPerHour,
			RateWindow:   cfg.Monitor.RateWindow,
		},
		QueueSize:        cfg.Monitor.QueueSize,
		BroadcastTimeout: cfg.Monitor.BroadcastTimeout,
	})
	if err != nil {
		return err
	}
	if alertLog != nil {
		mon.SetAlertLog(alertLog)
	}

	stream, err := binance.NewStream(binance.Config{
		URL:               cfg.Feed.URL,
		Instruments:       cfg.Feed.Instruments,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		ReconnectMaxDelay: cfg.Feed.ReconnectMaxDelay,
		ReadTimeout:       cfg.Feed.ReadTimeout,
		HandshakeTimeout:  cfg.Feed.HandshakeTimeout,
		WriteTimeout:      binance.DefaultConfig().WriteTimeout,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("Starting ATH monitor (instruments: %v, window: %v, threshold: %.2f%%, cooldown: %v, max/hour: %d)",
		cfg.Feed.Instruments,
		cfg.Monitor.Window,
		cfg.Monitor.ThresholdPct,
		cfg.Monitor.Cooldown,
		cfg.Monitor.MaxPerHour,
	)

	events := make(chan models.TradeEvent, cfg.Monitor.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx, events) })
	g.Go(func() error { return mon.Run(gctx, events) })
	if telegramClient != nil && cfg.Telegram.Commands {
		g.Go(func() error { return telegramClient.ListenForCommands(gctx, store, mon.Tracker()) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openBackend returns the configured store. The alert log is only
// available with sqlite.
func openBackend(cfg config.StorageConfig) (backend, monitor.AlertLog, error) {
	switch cfg.Backend {
	case config.BackendJSON:
		fs, err := storage.NewFileStore(cfg.ATHFile, cfg.SubscribersFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using JSON storage (%s, %s)", cfg.ATHFile, cfg.SubscribersFile)
		return fs, nil, nil
	default:
		db, err := storage.New(cfg.MaxAlerts, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite storage at %s", cfg.DBPath)
		if recent, err := db.GetRecentAlerts(1); err == nil && len(recent) > 0 {
			last := recent[0]
			logger.Info("Last alert: %s at $%.2f on %s", last.Symbol, last.Value, last.DetectedAt.Format("2006-01-02 15:04:05"))
		}
		return db, db, nil
	}
}
