package storage

import (
	"context"
	"sync"

	"github.com/blued-org/blued/pkg/bthost"
)

// MemoryStore implements Store in process memory. Used by tests and by the
// daemon's -simulate mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[bthost.Address]*bthost.DeviceRecord

	// FailNext makes the next mutating call fail, for exercising the
	// registry's storage-unavailable path.
	FailNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[bthost.Address]*bthost.DeviceRecord)}
}

func (s *MemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *MemoryStore) LoadBondedDevices(ctx context.Context) ([]*bthost.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*bthost.DeviceRecord
	for _, rec := range s.records {
		clone := rec.Clone()
		clone.Persisted = true
		records = append(records, clone)
	}
	return records, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *bthost.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	// Persist durable fields only; connection state and RSSI are transient.
	s.records[rec.Address] = &bthost.DeviceRecord{
		Address:   rec.Address,
		Name:      rec.Name,
		BondState: rec.BondState,
		Profiles:  append([]bthost.Profile(nil), rec.Profiles...),
		Persisted: true,
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, addr bthost.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	delete(s.records, addr)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of persisted records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
