package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRecordStore is an in-process RecordStore. It serves single-node
// deployments and tests; durability comes from the Postgres-backed store.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]RecoveryRecord
}

// NewMemoryRecordStore returns an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]RecoveryRecord)}
}

// Insert registers a record, rejecting duplicate gids.
func (s *MemoryRecordStore) Insert(_ context.Context, record RecoveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.GID]; exists {
		return fmt.Errorf("recovery record for %q already exists", record.GID)
	}
	s.records[record.GID] = record
	return nil
}

// ScanByGroup returns the group's records in gid order.
func (s *MemoryRecordStore) ScanByGroup(_ context.Context, groupID int32) ([]RecoveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecoveryRecord
	for _, record := range s.records {
		if record.GroupID == groupID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GID < out[j].GID })
	return out, nil
}

// Delete removes one record by gid.
func (s *MemoryRecordStore) Delete(_ context.Context, gid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[gid]; !exists {
		return false, nil
	}
	delete(s.records, gid)
	return true, nil
}

// DeleteByGroup removes every record of the group.
func (s *MemoryRecordStore) DeleteByGroup(_ context.Context, groupID int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for gid, record := range s.records {
		if record.GroupID == groupID {
			delete(s.records, gid)
			removed++
		}
	}
	return removed, nil
}
