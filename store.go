package txcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Phase is the durable phase of a two-phase commit transaction.
type Phase string

const (
	PhasePreparing  Phase = "PREPARING"
	PhasePrepared   Phase = "PREPARED"
	PhaseCommitting Phase = "COMMITTING"
	PhaseAborting   Phase = "ABORTING"
	PhaseDone       Phase = "DONE"
)

// CoordinatorRecord is the per-transaction durable record of a 2PC
// coordinator. It is written before participants are contacted for the
// next phase, so a restarted coordinator can inspect the last recorded
// phase and resume deterministically instead of re-deciding
// unilaterally.
type CoordinatorRecord struct {
	TxID         TxID            `json:"tx_id"`
	Phase        Phase           `json:"phase"`
	Participants []string        `json:"participants"`
	Votes        map[string]Vote `json:"votes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// clone returns a deep copy so stored records cannot be mutated from
// outside.
func (r *CoordinatorRecord) clone() *CoordinatorRecord {
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	cp.Votes = make(map[string]Vote, len(r.Votes))
	for k, v := range r.Votes {
		cp.Votes[k] = v
	}
	return &cp
}

// Sentinel errors for record stores.
var (
	// ErrTxNotFound is returned when no record exists for a
	// transaction id.
	ErrTxNotFound = errors.New("transaction record not found")

	// ErrDuplicateTx is returned by Create when a record already
	// exists: ownership of a transaction id is exclusive from Begin
	// until Done.
	ErrDuplicateTx = errors.New("transaction record already exists")
)

// RecordStore persists CoordinatorRecords. Implementations must make
// Save durable before returning; the resume rules of Recover are only
// correct if the recorded phase never lags the coordinator's actual
// progress.
type RecordStore interface {
	// Create persists a new record, failing with ErrDuplicateTx if one
	// exists for the same transaction id.
	Create(ctx context.Context, record *CoordinatorRecord) error

	// Save overwrites the record for record.TxID.
	Save(ctx context.Context, record *CoordinatorRecord) error

	// Load retrieves a record by transaction id, failing with
	// ErrTxNotFound if absent.
	Load(ctx context.Context, txID TxID) (*CoordinatorRecord, error)

	// Delete removes a record once the transaction is Done and no
	// longer needs recovery.
	Delete(ctx context.Context, txID TxID) error
}

// MemoryRecordStore is an in-memory RecordStore for tests and
// scenarios where durability across restarts is not required.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[TxID]*CoordinatorRecord
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[TxID]*CoordinatorRecord)}
}

// Create implements the RecordStore interface.
func (m *MemoryRecordStore) Create(_ context.Context, record *CoordinatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.TxID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTx, record.TxID)
	}
	cp := record.clone()
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[record.TxID] = cp
	return nil
}

// Save implements the RecordStore interface.
func (m *MemoryRecordStore) Save(_ context.Context, record *CoordinatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := record.clone()
	cp.UpdatedAt = time.Now()
	m.records[record.TxID] = cp
	return nil
}

// Load implements the RecordStore interface.
func (m *MemoryRecordStore) Load(_ context.Context, txID TxID) (*CoordinatorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, exists := m.records[txID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return record.clone(), nil
}

// Delete implements the RecordStore interface.
func (m *MemoryRecordStore) Delete(_ context.Context, txID TxID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, txID)
	return nil
}
