package memory

import (
	"context"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// JourneyStore implements ports.JourneyStore in memory.
// Safe for concurrent use.
type JourneyStore struct {
	mu       sync.RWMutex
	journeys map[string]*domain.Journey
	pending  map[string]*domain.PendingJourney // artifact_key -> pending journey
}

// NewJourneyStore creates a new in-memory journey store.
func NewJourneyStore() *JourneyStore {
	return &JourneyStore{
		journeys: make(map[string]*domain.Journey),
		pending:  make(map[string]*domain.PendingJourney),
	}
}

func copyJourney(j *domain.Journey) *domain.Journey {
	cp := *j
	cp.Steps = append([]domain.JourneyStep(nil), j.Steps...)
	cp.ExecutionIDs = append([]string(nil), j.ExecutionIDs...)
	return &cp
}

func copyPending(p *domain.PendingJourney) *domain.PendingJourney {
	cp := *p
	cp.Context = make(map[string]any, len(p.Context))
	for k, v := range p.Context {
		cp.Context[k] = v
	}
	return &cp
}

// SaveJourney persists the journey.
func (s *JourneyStore) SaveJourney(ctx context.Context, j *domain.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeys[j.JourneyID] = copyJourney(j)
	return nil
}

// GetJourney retrieves a journey by ID.
func (s *JourneyStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.journeys[journeyID]
	if !ok {
		return nil, domain.ErrJourneyNotFound
	}
	return copyJourney(j), nil
}

// SavePending persists a pending journey keyed by its artifact.
// Last write wins for duplicate keys.
func (s *JourneyStore) SavePending(ctx context.Context, p *domain.PendingJourney) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Status == domain.PendingJourneyPending {
		s.pending[p.ArtifactKey] = copyPending(p)
		return nil
	}

	// Terminal status: only overwrite if the stored entry is the same journey,
	// so completing an old pending journey can't clobber a newer one.
	if current, ok := s.pending[p.ArtifactKey]; ok && current.JourneyID == p.JourneyID {
		s.pending[p.ArtifactKey] = copyPending(p)
	}
	return nil
}

// PendingByArtifact returns the pending journey for an artifact key.
func (s *JourneyStore) PendingByArtifact(ctx context.Context, artifactKey string) (*domain.PendingJourney, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[artifactKey]
	if !ok {
		return nil, domain.ErrJourneyNotFound
	}
	return copyPending(p), nil
}

// ListPending returns artifact keys that still have a pending journey.
func (s *JourneyStore) ListPending(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.pending))
	for key, p := range s.pending {
		if p.Status == domain.PendingJourneyPending {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
