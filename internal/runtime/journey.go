package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/locking"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Orchestrator composes ordered intents into journeys and manages resumable
// pending journeys. Steps within one journey instance execute strictly in
// caller-issued order; independent instances run fully concurrently,
// serialized per journey ID by the lock manager.
type Orchestrator struct {
	store      ports.JourneyStore
	dispatcher *Dispatcher
	locks      *locking.Manager
	clock      func() time.Time
	logger     *slog.Logger
	hooks      domain.LifecycleHooks
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithJourneyClock overrides the time source (test seam).
func WithJourneyClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithJourneyLogger configures the logger.
func WithJourneyLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithJourneyHooks registers observability hooks.
func WithJourneyHooks(hooks domain.LifecycleHooks) OrchestratorOption {
	return func(o *Orchestrator) {
		o.hooks = hooks
	}
}

// WithJourneyLocks shares a keyed lock manager.
func WithJourneyLocks(locks *locking.Manager) OrchestratorOption {
	return func(o *Orchestrator) {
		o.locks = locks
	}
}

// NewOrchestrator wires the orchestrator to its store and dispatcher.
func NewOrchestrator(store ports.JourneyStore, dispatcher *Dispatcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		locks:      locking.NewManager(),
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Journey returns a journey by ID.
func (o *Orchestrator) Journey(ctx context.Context, journeyID string) (*domain.Journey, error) {
	return o.store.GetJourney(ctx, journeyID)
}

// Run executes a new journey instance to completion, the first failure, or a
// pending-resume pause.
func (o *Orchestrator) Run(ctx context.Context, tenantID, sessionID string, steps []domain.JourneyStep) (*domain.Journey, error) {
	if len(steps) == 0 {
		return nil, &domain.ValidationError{Field: "steps", Reason: "journey needs at least one step"}
	}

	now := o.clock()
	journey := &domain.Journey{
		JourneyID: uuid.NewString(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Status:    domain.JourneyCreated,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.SaveJourney(ctx, journey); err != nil {
		return nil, fmt.Errorf("failed to create journey: %w", err)
	}

	return o.advance(ctx, journey.JourneyID)
}

// Retry re-enters a failed journey at its failed step. The step's intent is
// unchanged, so its fingerprint is unchanged: the retry is idempotent, and
// completed earlier steps are never re-invoked.
func (o *Orchestrator) Retry(ctx context.Context, journeyID string) (*domain.Journey, error) {
	var check *domain.Journey
	err := o.locks.WithLock(ctx, journeyID, func(ctx context.Context) error {
		j, err := o.store.GetJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		if j.Status != domain.JourneyFailed {
			return &domain.ValidationError{Field: "journey_id", Reason: fmt.Sprintf("journey is %s, only failed journeys can be retried", j.Status)}
		}
		j.Step = j.FailedStep
		j.Error = ""
		j.ErrorClass = ""
		j.Status = domain.JourneyInProgress
		j.UpdatedAt = o.clock()
		check = j
		return o.store.SaveJourney(ctx, j)
	})
	if err != nil {
		return check, err
	}
	return o.advance(ctx, journeyID)
}

// advance executes steps sequentially from the journey's cursor under the
// instance lock: one step in flight at a time per journey.
func (o *Orchestrator) advance(ctx context.Context, journeyID string) (*domain.Journey, error) {
	var journey *domain.Journey
	var stepErr error

	err := o.locks.WithLock(ctx, journeyID, func(ctx context.Context) error {
		j, err := o.store.GetJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		journey = j

		j.Status = domain.JourneyInProgress
		j.UpdatedAt = o.clock()
		if err := o.store.SaveJourney(ctx, j); err != nil {
			return err
		}

		for j.Step < len(j.Steps) {
			step := j.Steps[j.Step]
			res, err := o.dispatcher.Dispatch(ctx, step.Intent)
			if err != nil {
				j.Status = domain.JourneyFailed
				j.FailedStep = j.Step
				j.Error = err.Error()
				j.ErrorClass = domain.Classify(err)
				j.UpdatedAt = o.clock()
				o.fireStep(ctx, j)
				if saveErr := o.store.SaveJourney(ctx, j); saveErr != nil {
					return saveErr
				}

				// Artifacts of earlier steps stay valid; compensation fires
				// only for steps that declared a compensating intent.
				o.compensate(ctx, j)
				stepErr = err
				return nil
			}

			j.ExecutionIDs = append(j.ExecutionIDs, res.Record.ExecutionID)
			j.Step++
			j.UpdatedAt = o.clock()
			o.fireStep(ctx, j)

			if res.Pending != nil {
				// The handler paused the journey: bind the pending journey to
				// this instance and stop advancing.
				res.Pending.JourneyID = j.JourneyID
				if err := o.store.SavePending(ctx, res.Pending); err != nil {
					return err
				}
				j.Status = domain.JourneyPendingResume
				return o.store.SaveJourney(ctx, j)
			}

			if err := o.store.SaveJourney(ctx, j); err != nil {
				return err
			}
		}

		j.Status = domain.JourneyCompleted
		j.UpdatedAt = o.clock()
		return o.store.SaveJourney(ctx, j)
	})
	if err != nil {
		return journey, err
	}
	return journey, stepErr
}

// compensate dispatches the compensating intents of completed steps in
// reverse order. Compensation failures are logged, never retried.
func (o *Orchestrator) compensate(ctx context.Context, j *domain.Journey) {
	for i := j.FailedStep - 1; i >= 0; i-- {
		comp := j.Steps[i].Compensate
		if comp == nil {
			continue
		}
		if _, err := o.dispatcher.Dispatch(ctx, *comp); err != nil {
			o.logger.Warn("compensating intent failed",
				"journey_id", j.JourneyID,
				"step", i,
				"intent_type", comp.Type,
				"err", err,
			)
		}
	}
}

// DispatchResolved is the single-intent entry point that honors pending
// journeys: if the intent names an artifact (via the artifact_ref parameter)
// owning a pending journey for the same intent type, the stored context is
// merged under the caller's parameters, the merged intent is dispatched, and
// the pending journey is marked completed. Explicit caller parameters always
// win over stored context.
func (o *Orchestrator) DispatchResolved(ctx context.Context, intent domain.Intent) (*DispatchResult, error) {
	pending, merged, err := o.resolvePending(ctx, intent)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return o.dispatcher.Dispatch(ctx, intent)
	}

	pending.Status = domain.PendingJourneyResumed
	if err := o.store.SavePending(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to mark pending journey resumed: %w", err)
	}

	res, dispatchErr := o.dispatcher.Dispatch(ctx, merged)
	if dispatchErr != nil {
		// Leave the pending journey consumable: the caller may retry.
		pending.Status = domain.PendingJourneyPending
		if saveErr := o.store.SavePending(ctx, pending); saveErr != nil {
			o.logger.Error("failed to restore pending journey after dispatch failure",
				"journey_id", pending.JourneyID,
				"err", saveErr,
			)
		}
		return res, dispatchErr
	}

	pending.Status = domain.PendingJourneyCompleted
	if err := o.store.SavePending(ctx, pending); err != nil {
		o.logger.Error("failed to mark pending journey completed",
			"journey_id", pending.JourneyID,
			"err", err,
		)
	}

	// If the pending journey belonged to a paused multi-step instance,
	// move that instance forward as well.
	if j, err := o.store.GetJourney(ctx, pending.JourneyID); err == nil && j.Status == domain.JourneyPendingResume {
		if _, err := o.advance(ctx, j.JourneyID); err != nil {
			o.logger.Warn("failed to advance journey after resume",
				"journey_id", j.JourneyID,
				"err", err,
			)
		}
	}

	return res, nil
}

// resolvePending finds a consumable pending journey for the intent. Returns
// (nil, intent, nil) when there is nothing to resume.
func (o *Orchestrator) resolvePending(ctx context.Context, intent domain.Intent) (*domain.PendingJourney, domain.Intent, error) {
	artifactRef := intent.StringParam(domain.KeyArtifactRef)
	if artifactRef == "" {
		return nil, intent, nil
	}

	pending, err := o.store.PendingByArtifact(ctx, artifactRef)
	if err != nil {
		if errors.Is(err, domain.ErrJourneyNotFound) {
			return nil, intent, nil
		}
		return nil, intent, err
	}
	if pending.Status != domain.PendingJourneyPending || pending.NextIntentType != intent.Type {
		return nil, intent, nil
	}

	merged := intent
	merged.Parameters = make(map[string]any, len(pending.Context)+len(intent.Parameters))
	for k, v := range pending.Context {
		merged.Parameters[k] = v
	}
	for k, v := range intent.Parameters {
		merged.Parameters[k] = v
	}
	return pending, merged, nil
}

func (o *Orchestrator) fireStep(ctx context.Context, j *domain.Journey) {
	if o.hooks.OnJourneyStep == nil {
		return
	}
	o.hooks.OnJourneyStep(ctx, &domain.JourneyEvent{
		EventBase: domain.EventBase{
			Timestamp: o.clock(),
			Type:      domain.EventJourneyStep,
			TenantID:  j.TenantID,
		},
		JourneyID: j.JourneyID,
		Step:      j.Step,
		Status:    j.Status,
	})
}

// DecodeResumeContext decodes a pending journey's stored context into a
// typed resume variant, so resuming code pattern-matches on struct fields
// instead of duck-typing a map.
func DecodeResumeContext(p *domain.PendingJourney, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to build resume context decoder: %w", err)
	}
	if err := dec.Decode(p.Context); err != nil {
		return fmt.Errorf("failed to decode resume context: %w", err)
	}
	return nil
}
