package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func mustTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

func TestNewJSONStorage(t *testing.T) {
	dir := mustTempDir(t)
	path := filepath.Join(dir, "ids.json")

	storage, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if storage == nil {
		t.Fatal("Expected non-nil storage")
	}
	if got := storage.HighWater(1); got != 0 {
		t.Errorf("Expected empty mark, got %d", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no file before the first record, stat err: %v", err)
	}
}

func TestJSONStorage_RecordPersists(t *testing.T) {
	dir := mustTempDir(t)
	path := filepath.Join(dir, "nested", "ids.json")

	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if err := s.Record(1, 1500); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(2, 20); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	reopened, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := reopened.HighWater(1); got != 1500 {
		t.Errorf("client 1: expected 1500, got %d", got)
	}
	if got := reopened.HighWater(2); got != 20 {
		t.Errorf("client 2: expected 20, got %d", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should be renamed away, stat err: %v", err)
	}
}

func TestJSONStorage_RecordNeverLowersMark(t *testing.T) {
	s, err := NewJSONStorage(filepath.Join(mustTempDir(t), "ids.json"))
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if err := s.Record(7, 900); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Record(7, 100); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := s.HighWater(7); got != 900 {
		t.Errorf("Expected 900, got %d", got)
	}
}

func TestJSONStorage_RejectsNegativeValues(t *testing.T) {
	s, err := NewJSONStorage(filepath.Join(mustTempDir(t), "ids.json"))
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	if err := s.Record(-1, 5); !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("Expected ErrInvalidClientID, got %v", err)
	}
	if err := s.Record(1, -5); !errors.Is(err, ErrInvalidRequestID) {
		t.Errorf("Expected ErrInvalidRequestID, got %v", err)
	}
}

func TestJSONStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(mustTempDir(t), "ids.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, err := NewJSONStorage(path)
	if err == nil || !strings.Contains(err.Error(), "loading id store") {
		t.Fatalf("Expected load error, got %v", err)
	}
}

func TestJSONStorage_ConcurrentRecords(t *testing.T) {
	s, err := NewJSONStorage(filepath.Join(mustTempDir(t), "ids.json"))
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Record(3, id*10); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := s.HighWater(3); got != 200 {
		t.Errorf("Expected 200, got %d", got)
	}
}

func TestNewStorage(t *testing.T) {
	mem, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	if _, ok := mem.(*MemoryStorage); !ok {
		t.Errorf("Expected MemoryStorage for empty path, got %T", mem)
	}

	file, err := NewStorage(filepath.Join(mustTempDir(t), "ids.json"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	if _, ok := file.(*JSONStorage); !ok {
		t.Errorf("Expected JSONStorage for a path, got %T", file)
	}
}

func TestMemoryStorage(t *testing.T) {
	m := NewMemoryStorage()
	if err := m.Record(1, 10); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Record(1, 5); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := m.HighWater(1); got != 10 {
		t.Errorf("Expected 10, got %d", got)
	}
	if m.saveCallCount != 1 {
		t.Errorf("Expected one effective write, got %d", m.saveCallCount)
	}
	if err := m.Record(-2, 1); !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("Expected ErrInvalidClientID, got %v", err)
	}
	if m.Save() != nil || m.Load() != nil {
		t.Error("Save and Load are no-ops")
	}
}
