package runtime

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/locking"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
)

// ArtifactRegistry is the authoritative service for artifact identity,
// lifecycle and lineage. Handlers never touch the store directly; every
// mutation flows through the registry, serialized per artifact ID.
type ArtifactRegistry struct {
	store  ports.ArtifactStore
	locks  *locking.Manager
	clock  func() time.Time
	logger *slog.Logger
	hooks  domain.LifecycleHooks
}

// ArtifactRegistryOption configures the registry.
type ArtifactRegistryOption func(*ArtifactRegistry)

// WithArtifactClock overrides the time source (test seam).
func WithArtifactClock(clock func() time.Time) ArtifactRegistryOption {
	return func(r *ArtifactRegistry) {
		r.clock = clock
	}
}

// WithArtifactLogger configures the logger.
func WithArtifactLogger(logger *slog.Logger) ArtifactRegistryOption {
	return func(r *ArtifactRegistry) {
		r.logger = logger
	}
}

// WithArtifactHooks registers observability hooks.
func WithArtifactHooks(hooks domain.LifecycleHooks) ArtifactRegistryOption {
	return func(r *ArtifactRegistry) {
		r.hooks = hooks
	}
}

// WithArtifactLocks shares a keyed lock manager (e.g. one backed by a
// distributed locker) instead of the registry's own.
func WithArtifactLocks(locks *locking.Manager) ArtifactRegistryOption {
	return func(r *ArtifactRegistry) {
		r.locks = locks
	}
}

// NewArtifactRegistry creates the registry service over a store.
func NewArtifactRegistry(store ports.ArtifactStore, opts ...ArtifactRegistryOption) *ArtifactRegistry {
	r := &ArtifactRegistry{
		store:  store,
		locks:  locking.NewManager(),
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a new artifact from a spec.
//
// Every parent must already resolve, and artifact IDs are freshly generated,
// so the parent relation cannot form a cycle: an artifact can only point at
// artifacts that existed before it.
func (r *ArtifactRegistry) Register(ctx context.Context, owner, fingerprint string, spec domain.ArtifactSpec) (*domain.Artifact, error) {
	if spec.Type == "" {
		return nil, &domain.ValidationError{Field: "artifact_type", Reason: "must not be empty"}
	}

	initial := spec.Initial
	if initial == "" {
		initial = domain.LifecyclePending
	}
	if !domain.ValidLifecycle(initial) {
		return nil, &domain.ValidationError{Field: "initial_state", Reason: fmt.Sprintf("unknown lifecycle state %q", initial)}
	}

	for _, parent := range spec.Parents {
		if _, err := r.store.Get(ctx, parent); err != nil {
			return nil, fmt.Errorf("parent %s: %w", parent, err)
		}
	}

	now := r.clock()
	artifact := &domain.Artifact{
		ArtifactID:       uuid.NewString(),
		Type:             spec.Type,
		Lifecycle:        initial,
		Parents:          append([]string(nil), spec.Parents...),
		Materializations: append([]string(nil), spec.Materializations...),
		Fingerprint:      fingerprint,
		Owner:            owner,
		Purpose:          spec.Purpose,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if spec.Owner != "" {
		artifact.Owner = spec.Owner
	}

	if err := r.store.Save(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to register artifact: %w", err)
	}

	r.logger.Debug("artifact registered",
		"artifact_id", artifact.ArtifactID,
		"artifact_type", artifact.Type,
		"parents", len(artifact.Parents),
	)

	if r.hooks.OnArtifactRegister != nil {
		r.hooks.OnArtifactRegister(ctx, &domain.ArtifactEvent{
			EventBase: domain.EventBase{
				Timestamp: now,
				Type:      domain.EventArtifactRegister,
				TenantID:  owner,
			},
			ArtifactID:   artifact.ArtifactID,
			ArtifactType: artifact.Type,
		})
	}

	return artifact.Clone(), nil
}

// AddMaterialization appends a storage location without changing identity.
func (r *ArtifactRegistry) AddMaterialization(ctx context.Context, artifactID, location string) error {
	if location == "" {
		return &domain.ValidationError{Field: "location", Reason: "must not be empty"}
	}

	return r.locks.WithLock(ctx, artifactID, func(ctx context.Context) error {
		artifact, err := r.store.Get(ctx, artifactID)
		if err != nil {
			return err
		}
		artifact.Materializations = append(artifact.Materializations, location)
		artifact.UpdatedAt = r.clock()
		return r.store.Save(ctx, artifact)
	})
}

// Transition advances an artifact's lifecycle state. The order is forward
// only: a backward or skip transition fails with a TransitionError and
// leaves the state unchanged.
func (r *ArtifactRegistry) Transition(ctx context.Context, artifactID string, next domain.LifecycleState) error {
	return r.locks.WithLock(ctx, artifactID, func(ctx context.Context) error {
		artifact, err := r.store.Get(ctx, artifactID)
		if err != nil {
			return err
		}

		if !domain.CanTransition(artifact.Lifecycle, next) {
			return &domain.TransitionError{
				ArtifactID: artifactID,
				From:       artifact.Lifecycle,
				To:         next,
			}
		}

		artifact.Lifecycle = next
		artifact.UpdatedAt = r.clock()
		return r.store.Save(ctx, artifact)
	})
}

// Resolve returns an artifact by ID.
func (r *ArtifactRegistry) Resolve(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	return r.store.Get(ctx, artifactID)
}

// Lineage returns the ancestry subgraph of an artifact: all transitive
// parents and all transitive children. The visited set guards the walk, so
// even a corrupted store cannot loop it.
func (r *ArtifactRegistry) Lineage(ctx context.Context, artifactID string) (*domain.Lineage, error) {
	root, err := r.store.Get(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	lineage := &domain.Lineage{ArtifactID: artifactID}

	// Ancestors: walk parent edges breadth-first.
	visited := map[string]bool{artifactID: true}
	queue := append([]string(nil), root.Parents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		ancestor, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lineage walk at %s: %w", id, err)
		}
		lineage.Ancestors = append(lineage.Ancestors, ancestor)
		queue = append(queue, ancestor.Parents...)
	}

	// Descendants: walk the child index breadth-first.
	visited = map[string]bool{artifactID: true}
	children, err := r.store.Children(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	queue = children
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		descendant, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lineage walk at %s: %w", id, err)
		}
		lineage.Descendants = append(lineage.Descendants, descendant)

		next, err := r.store.Children(ctx, id)
		if err != nil {
			return nil, err
		}
		queue = append(queue, next...)
	}

	return lineage, nil
}
