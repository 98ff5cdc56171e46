package ports

import (
	"context"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
)

// LedgerStore persists execution records.
//
// The store is deliberately dumb: all lifecycle rules (pending before work,
// idempotent completion, retryability) live in the runtime ledger service.
// The one piece of cleverness it must provide is Claim: an atomic
// insert-if-absent on the (tenant, fingerprint) pair, so two simultaneous
// submissions with an identical fingerprint race exactly once.
type LedgerStore interface {
	// Claim atomically inserts rec if no record exists for its
	// (TenantID, Fingerprint) pair. If a record already holds the slot,
	// Claim returns it with claimed=false and does not write.
	Claim(ctx context.Context, rec *domain.ExecutionRecord) (existing *domain.ExecutionRecord, claimed bool, err error)

	// Get retrieves a record by execution ID.
	// Returns domain.ErrExecutionNotFound if unknown.
	Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)

	// FindByFingerprint returns the record holding the (tenant, fingerprint)
	// slot, or domain.ErrExecutionNotFound.
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error)

	// Update rewrites an existing record.
	Update(ctx context.Context, rec *domain.ExecutionRecord) error

	// Release frees the (tenant, fingerprint) slot held by executionID so a
	// resubmission may claim it again. The record itself is kept.
	Release(ctx context.Context, rec *domain.ExecutionRecord) error

	// ListPendingBefore returns pending records that started before the
	// cutoff. Used by the recovery sweep.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.ExecutionRecord, error)
}

// ArtifactStore persists artifact records.
type ArtifactStore interface {
	// Save writes the artifact (insert or full rewrite).
	Save(ctx context.Context, artifact *domain.Artifact) error

	// Get retrieves an artifact by ID.
	// Returns domain.ErrArtifactNotFound if unknown.
	Get(ctx context.Context, artifactID string) (*domain.Artifact, error)

	// Children returns the IDs of artifacts that name artifactID as a parent.
	Children(ctx context.Context, artifactID string) ([]string, error)

	// List returns all artifact IDs.
	List(ctx context.Context) ([]string, error)
}

// JourneyStore persists journey instances and pending journeys.
type JourneyStore interface {
	// SaveJourney writes the journey (insert or full rewrite).
	SaveJourney(ctx context.Context, j *domain.Journey) error

	// GetJourney retrieves a journey by ID.
	// Returns domain.ErrJourneyNotFound if unknown.
	GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error)

	// SavePending writes a pending journey keyed by its artifact.
	// A second pending journey for the same artifact key overwrites the
	// first (last-write-wins).
	SavePending(ctx context.Context, p *domain.PendingJourney) error

	// PendingByArtifact returns the pending journey keyed by the artifact,
	// or domain.ErrJourneyNotFound if none is pending.
	PendingByArtifact(ctx context.Context, artifactKey string) (*domain.PendingJourney, error)

	// ListPending returns the artifact keys with a pending journey.
	ListPending(ctx context.Context) ([]string, error)
}
