package activation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "deviceauth/internal/errors"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	// ready indexes the ready record ID by key
	ready map[Key]string
	seq   int64
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory activation store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		ready:   make(map[Key]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Insert creates a new record
func (s *MemoryStore) Insert(ctx context.Context, rec NewRecord) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := recordKeys(rec.SerialNumber, rec.FactoryDataID)
	if rec.Ready {
		for _, k := range keys {
			if _, exists := s.ready[k]; exists {
				return nil, fmt.Errorf("%w: %s", apperrors.ErrAlreadyReady, k)
			}
		}
	}

	s.seq++
	record := &Record{
		ID:            uuid.NewString(),
		Seq:           s.seq,
		SerialNumber:  rec.SerialNumber,
		FactoryDataID: rec.FactoryDataID,
		State:         StateInactive,
		InitiatedBy:   rec.InitiatedBy,
		InitiatedAt:   s.now(),
	}
	if rec.Ready {
		record.State = StateReady
		for _, k := range keys {
			s.ready[k] = record.ID
		}
	}

	s.records[record.ID] = record

	// Return a copy to prevent external modification
	recordCopy := *record
	return &recordCopy, nil
}

// CanBeActivated reports whether a ready record exists for key
func (s *MemoryStore) CanBeActivated(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.ready[key]
	return exists, nil
}

// Claim atomically moves the ready record for key to claimed
func (s *MemoryStore) Claim(ctx context.Context, key Key, actor string) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.ready[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotEligible, key)
	}

	record := s.records[id]
	s.unindexLocked(record)
	record.State = StateClaimed
	record.ClaimedBy = actor
	record.ClaimedAt = s.now()

	recordCopy := *record
	return &recordCopy, nil
}

// Disable moves a ready record to disabled
func (s *MemoryStore) Disable(ctx context.Context, id string, actor string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRecordNotFound, id)
	}

	if record.State == StateReady {
		s.disableLocked(record, actor)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// DisableByKey disables the ready record for key
func (s *MemoryStore) DisableByKey(ctx context.Context, key Key, actor string) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.ready[key]
	if !exists {
		return 0, nil
	}

	s.disableLocked(s.records[id], actor)
	return 1, nil
}

// Get retrieves a record by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRecordNotFound, id)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// ListByKey returns the records for key ordered by sequence
func (s *MemoryStore) ListByKey(ctx context.Context, key Key) ([]*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, record := range s.records {
		if !record.Matches(key) {
			continue
		}
		recordCopy := *record
		result = append(result, &recordCopy)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) disableLocked(record *Record, actor string) {
	s.unindexLocked(record)
	record.State = StateDisabled
	record.DisabledBy = actor
	record.DisabledAt = s.now()
}

func (s *MemoryStore) unindexLocked(record *Record) {
	for _, k := range recordKeys(record.SerialNumber, record.FactoryDataID) {
		if s.ready[k] == record.ID {
			delete(s.ready, k)
		}
	}
}

func recordKeys(serialNumber, factoryDataID string) []Key {
	keys := make([]Key, 0, 2)
	if serialNumber != "" {
		keys = append(keys, SerialKey(serialNumber))
	}
	if factoryDataID != "" {
		keys = append(keys, FactoryDataKey(factoryDataID))
	}
	return keys
}
