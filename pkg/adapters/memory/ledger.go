package memory

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// LedgerStore implements ports.LedgerStore in memory.
// Safe for concurrent use.
type LedgerStore struct {
	mu      sync.RWMutex
	records map[string]*domain.ExecutionRecord // execution_id -> record
	slots   map[string]string                  // tenant\x00fingerprint -> execution_id
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		records: make(map[string]*domain.ExecutionRecord),
		slots:   make(map[string]string),
	}
}

func slotKey(tenantID, fingerprint string) string {
	return tenantID + "\x00" + fingerprint
}

func copyRecord(rec *domain.ExecutionRecord) *domain.ExecutionRecord {
	cp := *rec
	cp.ArtifactIDs = append([]string(nil), rec.ArtifactIDs...)
	return &cp
}

// Claim atomically inserts the record if its (tenant, fingerprint) slot is free.
func (s *LedgerStore) Claim(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey(rec.TenantID, rec.Fingerprint)
	if holder, ok := s.slots[key]; ok {
		if existing, ok := s.records[holder]; ok {
			return copyRecord(existing), false, nil
		}
		// Dangling slot (holder record gone): treat as free.
	}

	s.slots[key] = rec.ExecutionID
	s.records[rec.ExecutionID] = copyRecord(rec)
	return nil, true, nil
}

// Get retrieves a record by execution ID.
func (s *LedgerStore) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[executionID]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return copyRecord(rec), nil
}

// FindByFingerprint returns the record holding the (tenant, fingerprint) slot.
func (s *LedgerStore) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holder, ok := s.slots[slotKey(tenantID, fingerprint)]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	rec, ok := s.records[holder]
	if !ok {
		return nil, domain.ErrExecutionNotFound
	}
	return copyRecord(rec), nil
}

// Update rewrites an existing record.
func (s *LedgerStore) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ExecutionID]; !ok {
		return domain.ErrExecutionNotFound
	}
	s.records[rec.ExecutionID] = copyRecord(rec)
	return nil
}

// Release frees the (tenant, fingerprint) slot if rec still holds it.
func (s *LedgerStore) Release(ctx context.Context, rec *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey(rec.TenantID, rec.Fingerprint)
	if holder, ok := s.slots[key]; ok && holder == rec.ExecutionID {
		delete(s.slots, key)
	}
	return nil
}

// ListPendingBefore returns pending records started before the cutoff.
func (s *LedgerStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*domain.ExecutionRecord
	for _, rec := range s.records {
		if rec.Status == domain.ExecutionPending && rec.StartedAt.Before(cutoff) {
			stale = append(stale, copyRecord(rec))
		}
	}
	return stale, nil
}
