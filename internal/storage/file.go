package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FileStore keeps ATH records and subscribers in two JSON files:
// {"BTCUSDT": 60000.5} and {"subscribers": [123, 456]}.
// Every write rewrites the whole file through a temp file and rename.
type FileStore struct {
	athPath         string
	subscribersPath string

	mu        sync.Mutex
	athValues map[string]float64
	loaded    bool
}

type subscribersFile struct {
	Subscribers []int64 `json:"subscribers"`
}

// NewFileStore returns a store over athPath and subscribersPath.
// Missing files are treated as empty.
func NewFileStore(athPath, subscribersPath string) (*FileStore, error) {
	if athPath == "" {
		return nil, errors.New("ath file path is required")
	}
	if subscribersPath == "" {
		return nil, errors.New("subscribers file path is required")
	}
	for _, p := range []string{athPath, subscribersPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &FileStore{
		athPath:         athPath,
		subscribersPath: subscribersPath,
		athValues:       make(map[string]float64),
	}, nil
}

// Close is a no-op; every write is already flushed.
func (f *FileStore) Close() error {
	return nil
}

// LoadATHs reads the whole ATH file. A missing file yields an empty map.
func (f *FileStore) LoadATHs() (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	athValues := make(map[string]float64)
	if err := readJSON(f.athPath, &athValues); err != nil {
		return nil, fmt.Errorf("failed to load ath values: %w", err)
	}
	f.athValues = make(map[string]float64, len(athValues))
	for k, v := range athValues {
		f.athValues[k] = v
	}
	f.loaded = true
	return athValues, nil
}

// SaveATH updates symbol and rewrites the full ATH file.
func (f *FileStore) SaveATH(symbol string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.loaded {
		if err := readJSON(f.athPath, &f.athValues); err != nil {
			return fmt.Errorf("failed to load ath values: %w", err)
		}
		if f.athValues == nil {
			f.athValues = make(map[string]float64)
		}
		f.loaded = true
	}
	f.athValues[symbol] = value
	if err := writeJSON(f.athPath, f.athValues); err != nil {
		return fmt.Errorf("failed to save ath values: %w", err)
	}
	return nil
}

// Subscribe appends chatID to the subscribers file.
func (f *FileStore) Subscribe(chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sf subscribersFile
	if err := readJSON(f.subscribersPath, &sf); err != nil {
		return false, fmt.Errorf("failed to load subscribers: %w", err)
	}
	if slices.Contains(sf.Subscribers, chatID) {
		return false, nil
	}
	sf.Subscribers = append(sf.Subscribers, chatID)
	if err := writeJSON(f.subscribersPath, sf); err != nil {
		return false, fmt.Errorf("failed to save subscribers: %w", err)
	}
	return true, nil
}

// Unsubscribe removes chatID from the subscribers file.
func (f *FileStore) Unsubscribe(chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sf subscribersFile
	if err := readJSON(f.subscribersPath, &sf); err != nil {
		return false, fmt.Errorf("failed to load subscribers: %w", err)
	}
	i := slices.Index(sf.Subscribers, chatID)
	if i < 0 {
		return false, nil
	}
	sf.Subscribers = slices.Delete(sf.Subscribers, i, i+1)
	if err := writeJSON(f.subscribersPath, sf); err != nil {
		return false, fmt.Errorf("failed to save subscribers: %w", err)
	}
	return true, nil
}

// Recipients reads the subscribers file fresh, in file order.
func (f *FileStore) Recipients(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var sf subscribersFile
	if err := readJSON(f.subscribersPath, &sf); err != nil {
		return nil, fmt.Errorf("failed to load subscribers: %w", err)
	}
	if sf.Subscribers == nil {
		return []int64{}, nil
	}
	return sf.Subscribers, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
