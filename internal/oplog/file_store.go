package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrStoreClosed is returned by stores after Close
var ErrStoreClosed = errors.New("operation log store is closed")

const lockRetryDelay = 20 * time.Millisecond

// FileStore keeps the most recent records in a JSON file.
// Writes are atomic (temporary file plus rename) and serialized across
// processes with an advisory lock next to the file.
type FileStore struct {
	path       string
	maxEntries int

	mu     sync.Mutex
	lock   *flock.Flock
	closed bool
}

// NewFileStore creates a store writing to path and keeping at most maxEntries records
func NewFileStore(path string, maxEntries int) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("operation log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create operation log directory: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	return &FileStore{
		path:       path,
		maxEntries: maxEntries,
		lock:       flock.New(path + ".lock"),
	}, nil
}

// Append implements Store
func (s *FileStore) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock operation log: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock operation log %s", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	existing, err := s.load()
	if err != nil {
		return err
	}

	for _, rec := range records {
		existing = append(existing, rec.withDefaults())
	}
	if len(existing) > s.maxEntries {
		existing = existing[len(existing)-s.maxEntries:]
	}

	return s.save(existing)
}

// List implements Store
func (s *FileStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	locked, err := s.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock operation log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock operation log %s", s.path)
	}
	defer func() { _ = s.lock.Unlock() }()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	return filter.Apply(records), nil
}

// Close implements Store
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.lock.Close()
}

// load reads all records. A missing file is an empty log.
func (s *FileStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation log: %w", err)
	}
	return records, nil
}

func (s *FileStore) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal operation log: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary operation log: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename operation log: %w", err)
	}
	return nil
}
