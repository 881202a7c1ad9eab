package txcoord

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// Version is the optimistic-locking token carried by a versioned
// entity. A write must present the version it last read; a mismatch is
// a conflict, never a generic transient failure.
type Version int64

// ConflictError reports an optimistic version mismatch on one entity.
type ConflictError struct {
	Key      string
	Expected Version
	Current  Version
}

// Error implements the error interface for ConflictError.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: expected %d, current %d",
		e.Key, e.Expected, e.Current)
}

// VersionSource supplies the current version for an entity key. The
// coordinator holds no cross-transaction locks; consistency between
// concurrent transactions touching the same entity rests entirely on
// this check.
type VersionSource interface {
	Current(ctx context.Context, key string) (Version, error)
}

// CheckVersion verifies that an entity still carries the version a
// step last read. It returns nil when the versions match and a
// *ConflictError when they do not.
func CheckVersion(ctx context.Context, src VersionSource, key string, expected Version) error {
	current, err := src.Current(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read version for %q: %w", key, err)
	}
	if current != expected {
		return &ConflictError{Key: key, Expected: expected, Current: current}
	}
	return nil
}

// VersionStore is an in-memory VersionSource for tests and in-process
// resources. Entities that were never written report version 0.
type VersionStore struct {
	versions *xsync.MapOf[string, Version]
}

// NewVersionStore creates an empty VersionStore.
func NewVersionStore() *VersionStore {
	return &VersionStore{versions: xsync.NewMapOf[string, Version]()}
}

// Current implements the VersionSource interface.
func (s *VersionStore) Current(_ context.Context, key string) (Version, error) {
	v, _ := s.versions.Load(key)
	return v, nil
}

// Set records a version for an entity.
func (s *VersionStore) Set(key string, v Version) {
	s.versions.Store(key, v)
}

// Bump increments an entity's version, as a committed write would, and
// returns the new version.
func (s *VersionStore) Bump(key string) Version {
	next, _ := s.versions.Compute(key, func(old Version, _ bool) (Version, bool) {
		return old + 1, false
	})
	return next
}

// VersionedRead names one versioned entity a step touches along with
// the version the step last observed.
type VersionedRead struct {
	Key     string
	Version Version
}

// ReadSet is the ordered set of versioned reads a step presents before
// writing. Kept ordered by key so conflict checks and re-reads walk
// entities deterministically.
type ReadSet struct {
	entries *btree.Map[string, Version]
}

// NewReadSet builds a ReadSet from a step's declared reads. Later
// entries for the same key overwrite earlier ones.
func NewReadSet(reads []VersionedRead) *ReadSet {
	rs := &ReadSet{entries: btree.NewMap[string, Version](8)}
	for _, r := range reads {
		rs.entries.Set(r.Key, r.Version)
	}
	return rs
}

// Len returns the number of entities in the set.
func (rs *ReadSet) Len() int {
	return rs.entries.Len()
}

// Check verifies every entity in the set against src and returns the
// first conflict found, in key order.
func (rs *ReadSet) Check(ctx context.Context, src VersionSource) error {
	var checkErr error
	rs.entries.Scan(func(key string, expected Version) bool {
		if err := CheckVersion(ctx, src, key, expected); err != nil {
			checkErr = err
			return false
		}
		return true
	})
	return checkErr
}

// Refresh re-reads the current version of every entity in the set.
// Called after a conflict so the retried step writes against current
// state instead of silently overwriting.
func (rs *ReadSet) Refresh(ctx context.Context, src VersionSource) error {
	keys := make([]string, 0, rs.entries.Len())
	rs.entries.Scan(func(key string, _ Version) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		current, err := src.Current(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to refresh version for %q: %w", key, err)
		}
		rs.entries.Set(key, current)
	}
	return nil
}

// Snapshot returns the set's current contents in key order.
func (rs *ReadSet) Snapshot() []VersionedRead {
	out := make([]VersionedRead, 0, rs.entries.Len())
	rs.entries.Scan(func(key string, v Version) bool {
		out = append(out, VersionedRead{Key: key, Version: v})
		return true
	})
	return out
}
