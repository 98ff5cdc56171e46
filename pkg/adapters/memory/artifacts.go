package memory

import (
	"context"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// ArtifactStore implements ports.ArtifactStore in memory.
// Safe for concurrent use.
type ArtifactStore struct {
	mu       sync.RWMutex
	data     map[string]*domain.Artifact
	children map[string][]string // parent_id -> child ids
}

// NewArtifactStore creates a new in-memory artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		data:     make(map[string]*domain.Artifact),
		children: make(map[string][]string),
	}
}

// Save persists the artifact and maintains the child index.
func (s *ArtifactStore) Save(ctx context.Context, artifact *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.data[artifact.ArtifactID]
	s.data[artifact.ArtifactID] = artifact.Clone()

	// Parents are immutable after registration, so the index only needs
	// appending on first insert.
	if !existed {
		for _, parent := range artifact.Parents {
			s.children[parent] = append(s.children[parent], artifact.ArtifactID)
		}
	}
	return nil
}

// Get retrieves an artifact by ID.
func (s *ArtifactStore) Get(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.data[artifactID]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	// Copy on read so callers can't mutate store state by pointer.
	return artifact.Clone(), nil
}

// Children returns IDs of artifacts naming artifactID as a parent.
func (s *ArtifactStore) Children(ctx context.Context, artifactID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.children[artifactID]...), nil
}

// List returns all artifact IDs.
func (s *ArtifactStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}
