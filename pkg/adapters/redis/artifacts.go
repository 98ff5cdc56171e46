package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// ArtifactStore implements ports.ArtifactStore using Redis.
//
// Layout:
//   - <prefix>artifact:<id>        JSON record
//   - <prefix>children:<id>        SET of child artifact ids
//   - <prefix>artifacts            SET of all artifact ids
type ArtifactStore struct {
	client *backend.Client
	prefix string
}

// ArtifactOption configures the store.
type ArtifactOption func(*ArtifactStore)

// WithArtifactPrefix sets the key prefix (default "espalier:").
func WithArtifactPrefix(prefix string) ArtifactOption {
	return func(s *ArtifactStore) {
		s.prefix = prefix
	}
}

// NewArtifactStore creates an artifact store from an existing client.
func NewArtifactStore(client *backend.Client, opts ...ArtifactOption) *ArtifactStore {
	s := &ArtifactStore{
		client: client,
		prefix: "espalier:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ArtifactStore) artifactKey(id string) string {
	return s.prefix + "artifact:" + id
}

func (s *ArtifactStore) childrenKey(id string) string {
	return s.prefix + "children:" + id
}

func (s *ArtifactStore) indexKey() string {
	return s.prefix + "artifacts"
}

// Save persists the artifact and maintains the child index.
func (s *ArtifactStore) Save(ctx context.Context, artifact *domain.Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	exists, err := s.client.SIsMember(ctx, s.indexKey(), artifact.ArtifactID).Result()
	if err != nil {
		return fmt.Errorf("failed to check artifact index: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.artifactKey(artifact.ArtifactID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), artifact.ArtifactID)

	// Parents are immutable after registration; index only on first insert.
	if !exists {
		for _, parent := range artifact.Parents {
			pipe.SAdd(ctx, s.childrenKey(parent), artifact.ArtifactID)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// Get retrieves an artifact by ID.
func (s *ArtifactStore) Get(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	val, err := s.client.Get(ctx, s.artifactKey(artifactID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	var artifact domain.Artifact
	if err := json.Unmarshal([]byte(val), &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}

// Children returns IDs of artifacts naming artifactID as a parent.
func (s *ArtifactStore) Children(ctx context.Context, artifactID string) ([]string, error) {
	children, err := s.client.SMembers(ctx, s.childrenKey(artifactID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return children, nil
}

// List returns all artifact IDs.
func (s *ArtifactStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return ids, nil
}
