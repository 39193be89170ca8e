// Package sharedstore implementa el store compartido entre instancias:
// Redis en producción y un store en memoria para tests y modo single-instance.
package sharedstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

var validKinds = map[domain.RecordKind]bool{
	domain.RecordState:       true,
	domain.RecordOpenTrade:   true,
	domain.RecordClosedTrade: true,
	domain.RecordActivity:    true,
	domain.RecordCategory:    true,
	domain.RecordBlacklist:   true,
}

func validate(r domain.ReconciliationRecord) error {
	if r.InstanceID == "" || r.Key == "" || !validKinds[r.Kind] {
		return fmt.Errorf("%w: record %q/%q/%q", domain.ErrInvalidInput, r.InstanceID, r.Kind, r.Key)
	}
	return nil
}

// MemoryStore implements ports.SharedStore with in-memory maps.
// Not suitable for multi-process deployments (no sharing, no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[domain.RecordKind]map[string]domain.ReconciliationRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[domain.RecordKind]map[string]domain.ReconciliationRecord),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, records ...domain.ReconciliationRecord) error {
	for _, r := range records {
		if err := validate(r); err != nil {
			return fmt.Errorf("sharedstore.Upsert: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		kinds, ok := s.data[r.InstanceID]
		if !ok {
			kinds = make(map[domain.RecordKind]map[string]domain.ReconciliationRecord)
			s.data[r.InstanceID] = kinds
		}
		rows, ok := kinds[r.Kind]
		if !ok {
			rows = make(map[string]domain.ReconciliationRecord)
			kinds[r.Kind] = rows
		}
		rows[r.Key] = cloneRecord(r)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, instanceID string, kind domain.RecordKind, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.data[instanceID][kind]
	for _, k := range keys {
		delete(rows, k)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, instanceID string, kind domain.RecordKind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.data[instanceID][kind]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) ListInstances(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Load(_ context.Context, instanceID string) ([]domain.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReconciliationRecord
	for _, rows := range s.data[instanceID] {
		for _, r := range rows {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(r domain.ReconciliationRecord) domain.ReconciliationRecord {
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

func sortRecords(recs []domain.ReconciliationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Kind != recs[j].Kind {
			return recs[i].Kind < recs[j].Kind
		}
		return recs[i].Key < recs[j].Key
	})
}
