// Package storage provides SQLite-backed persistence for ATH records, subscribers and alerts.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/athwatch/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/athwatch/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "athwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ath_records (
			symbol      TEXT PRIMARY KEY,
			value       REAL NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id     INTEGER NOT NULL UNIQUE,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ath_alerts (
			id          TEXT PRIMARY KEY,
			symbol      TEXT NOT NULL,
			value       REAL NOT NULL,
			previous    REAL NOT NULL,
			delivered   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ath_alerts_detected_at ON ath_alerts(detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadATHs returns every persisted ATH record keyed by symbol.
func (s *Storage) LoadATHs() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT symbol, value FROM ath_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ath records: %w", err)
	}
	defer rows.Close()

	athValues := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var value float64
		if err := rows.Scan(&symbol, &value); err != nil {
			return nil, fmt.Errorf("failed to scan ath record: %w", err)
		}
		athValues[symbol] = value
	}
	return athValues, rows.Err()
}

// SaveATH writes the ATH record for symbol. Last write wins.
func (s *Storage) SaveATH(symbol string, value float64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ath_records (symbol, value, updated_at)
		VALUES (?,?,?)`,
		symbol, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save ath record: %w", err)
	}
	return nil
}

// Subscribe adds chatID to the recipient directory.
// It reports false when the chat was already subscribed.
func (s *Storage) Subscribe(chatID int64) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO subscribers (chat_id, created_at) VALUES (?,?)`,
		chatID, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to add subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Unsubscribe removes chatID from the recipient directory.
// It reports false when the chat was not subscribed.
func (s *Storage) Unsubscribe(chatID int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM subscribers WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to remove subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Recipients returns subscribed chat ids in subscription order.
func (s *Storage) Recipients(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscribers ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	recipients := []int64{}
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		recipients = append(recipients, chatID)
	}
	return recipients, rows.Err()
}

// AddAlert records an accepted ATH alert and enforces the retention cap.
func (s *Storage) AddAlert(alert *models.Alert) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO ath_alerts
			(id, symbol, value, previous, delivered, failed, detected_at)
		VALUES (?,?,?,?,?,?,?)`,
		alert.ID, alert.Symbol, alert.Value, alert.Previous,
		alert.Delivered, alert.Failed, alert.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if s.maxAlerts > 0 {
		if _, err = tx.Exec(`
			DELETE FROM ath_alerts WHERE id NOT IN (
				SELECT id FROM ath_alerts ORDER BY detected_at DESC LIMIT ?
			)`, s.maxAlerts); err != nil {
			return fmt.Errorf("failed to enforce alert cap: %w", err)
		}
	}

	return tx.Commit()
}

// GetRecentAlerts returns up to k alerts, newest first.
func (s *Storage) GetRecentAlerts(k int) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, value, previous, delivered, failed, detected_at
		FROM ath_alerts ORDER BY detected_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var detectedAtNano int64

		err := rows.Scan(&a.ID, &a.Symbol, &a.Value, &a.Previous, &a.Delivered, &a.Failed, &detectedAtNano)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.DetectedAt = time.Unix(0, detectedAtNano)
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}
