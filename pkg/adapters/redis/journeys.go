package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// JourneyStore implements ports.JourneyStore using Redis.
//
// Layout:
//   - <prefix>journey:<id>           JSON journey
//   - <prefix>resume:<artifact_key>  JSON pending journey (last write wins)
//   - <prefix>resume_index           SET of artifact keys with a pending journey
type JourneyStore struct {
	client *backend.Client
	prefix string
}

// JourneyOption configures the store.
type JourneyOption func(*JourneyStore)

// WithJourneyPrefix sets the key prefix (default "espalier:").
func WithJourneyPrefix(prefix string) JourneyOption {
	return func(s *JourneyStore) {
		s.prefix = prefix
	}
}

// NewJourneyStore creates a journey store from an existing client.
func NewJourneyStore(client *backend.Client, opts ...JourneyOption) *JourneyStore {
	s := &JourneyStore{
		client: client,
		prefix: "espalier:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *JourneyStore) journeyKey(id string) string {
	return s.prefix + "journey:" + id
}

func (s *JourneyStore) resumeKey(artifactKey string) string {
	return s.prefix + "resume:" + artifactKey
}

func (s *JourneyStore) resumeIndexKey() string {
	return s.prefix + "resume_index"
}

// SaveJourney persists the journey.
func (s *JourneyStore) SaveJourney(ctx context.Context, j *domain.Journey) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal journey: %w", err)
	}
	if err := s.client.Set(ctx, s.journeyKey(j.JourneyID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save journey: %w", err)
	}
	return nil
}

// GetJourney retrieves a journey by ID.
func (s *JourneyStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	val, err := s.client.Get(ctx, s.journeyKey(journeyID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrJourneyNotFound
		}
		return nil, fmt.Errorf("failed to get journey: %w", err)
	}

	var j domain.Journey
	if err := json.Unmarshal([]byte(val), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journey: %w", err)
	}
	return &j, nil
}

// SavePending persists a pending journey keyed by its artifact.
// A pending write always wins (last-write-wins); a terminal write only lands
// if the stored entry belongs to the same journey, so completing an old
// pending journey can't clobber a newer one.
func (s *JourneyStore) SavePending(ctx context.Context, p *domain.PendingJourney) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending journey: %w", err)
	}

	if p.Status != domain.PendingJourneyPending {
		current, err := s.PendingByArtifact(ctx, p.ArtifactKey)
		if err != nil {
			if errors.Is(err, domain.ErrJourneyNotFound) {
				return nil
			}
			return err
		}
		if current.JourneyID != p.JourneyID {
			return nil
		}

		pipe := s.client.Pipeline()
		pipe.Set(ctx, s.resumeKey(p.ArtifactKey), data, 0)
		pipe.SRem(ctx, s.resumeIndexKey(), p.ArtifactKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to finalize pending journey: %w", err)
		}
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.resumeKey(p.ArtifactKey), data, 0)
	pipe.SAdd(ctx, s.resumeIndexKey(), p.ArtifactKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save pending journey: %w", err)
	}
	return nil
}

// PendingByArtifact returns the pending journey for an artifact key.
func (s *JourneyStore) PendingByArtifact(ctx context.Context, artifactKey string) (*domain.PendingJourney, error) {
	val, err := s.client.Get(ctx, s.resumeKey(artifactKey)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrJourneyNotFound
		}
		return nil, fmt.Errorf("failed to get pending journey: %w", err)
	}

	var p domain.PendingJourney
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending journey: %w", err)
	}
	return &p, nil
}

// ListPending returns artifact keys that still have a pending journey.
func (s *JourneyStore) ListPending(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.resumeIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending journeys: %w", err)
	}
	return keys, nil
}
