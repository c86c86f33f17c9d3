// Package storage persists request-id high-water marks across restarts.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// JSONStorage keeps high-water marks in a JSON file, written atomically
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *Data
}

// Data is the on-disk document
type Data struct {
	Clients     map[string]ClientMark `json:"clients"`
	LastUpdated time.Time             `json:"last_updated"`
}

// ClientMark is the highest id issued for one client id
type ClientMark struct {
	LastID    int64     `json:"last_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJSONStorage opens or creates the store at path
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &Data{Clients: make(map[string]ClientMark)},
	}

	// Load existing data if file exists
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading id store: %w", err)
		}
	}

	return s, nil
}

// Load replaces the in-memory marks with the file contents
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath) // #nosec G304 -- path comes from configuration
	if err != nil {
		return err
	}

	data := &Data{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decoding %s: %w", s.filepath, err)
	}
	if data.Clients == nil {
		data.Clients = make(map[string]ClientMark)
	}
	s.data = data
	return nil
}

// Save writes the marks to disk
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// HighWater returns the highest id recorded for clientID, or 0
func (s *JSONStorage) HighWater(clientID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clients[clientKey(clientID)].LastID
}

// Record raises the mark of clientID to lastID and persists it. Lower ids
// leave the mark unchanged and skip the write.
func (s *JSONStorage) Record(clientID, lastID int64) error {
	if err := validateMark(clientID, lastID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientKey(clientID)
	if lastID <= s.data.Clients[key].LastID {
		return nil
	}
	s.data.Clients[key] = ClientMark{LastID: lastID, UpdatedAt: time.Now().UTC()}
	return s.saveLocked()
}

func clientKey(clientID int64) string {
	return strconv.FormatInt(clientID, 10)
}

func validateMark(clientID, lastID int64) error {
	if clientID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidClientID, clientID)
	}
	if lastID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRequestID, lastID)
	}
	return nil
}

// MemoryStorage keeps marks for the life of the process
type MemoryStorage struct {
	mu    sync.RWMutex
	marks map[int64]int64

	saveCallCount int
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{marks: make(map[int64]int64)}
}

// HighWater returns the highest id recorded for clientID, or 0
func (m *MemoryStorage) HighWater(clientID int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[clientID]
}

// Record raises the mark of clientID to lastID
func (m *MemoryStorage) Record(clientID, lastID int64) error {
	if err := validateMark(clientID, lastID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lastID > m.marks[clientID] {
		m.marks[clientID] = lastID
		m.saveCallCount++
	}
	return nil
}

// Save is a no-op
func (m *MemoryStorage) Save() error { return nil }

// Load is a no-op
func (m *MemoryStorage) Load() error { return nil }
