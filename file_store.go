package txcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileRecordStore persists CoordinatorRecords as JSON files on disk,
// one file per transaction id. It survives process restart, which is
// what makes 2PC crash recovery possible.
type FileRecordStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileRecordStore creates a file-backed store rooted at basePath.
func NewFileRecordStore(basePath string) (*FileRecordStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileRecordStore{basePath: basePath}, nil
}

// Create implements the RecordStore interface.
func (f *FileRecordStore) Create(ctx context.Context, record *CoordinatorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(record.TxID)
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTx, record.TxID)
	}

	cp := record.clone()
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	return f.write(filename, cp)
}

// Save implements the RecordStore interface.
func (f *FileRecordStore) Save(ctx context.Context, record *CoordinatorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := record.clone()
	cp.UpdatedAt = time.Now()
	return f.write(f.filename(record.TxID), cp)
}

// Load implements the RecordStore interface.
func (f *FileRecordStore) Load(ctx context.Context, txID TxID) (*CoordinatorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(txID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
		}
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var record CoordinatorRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// Delete implements the RecordStore interface.
func (f *FileRecordStore) Delete(ctx context.Context, txID TxID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(txID)); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// write marshals and syncs one record to disk.
func (f *FileRecordStore) write(filename string, record *CoordinatorRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	return nil
}

// filename returns the full path for a transaction's record file.
func (f *FileRecordStore) filename(txID TxID) string {
	return filepath.Join(f.basePath, string(txID)+".json")
}
