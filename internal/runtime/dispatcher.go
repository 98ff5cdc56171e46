package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/google/uuid"
)

// DispatchResult is the outcome of a dispatched intent.
type DispatchResult struct {
	Record    *domain.ExecutionRecord
	Artifacts []*domain.Artifact
	Pending   *domain.PendingJourney
	Events    []string

	// Replayed is true when the result was answered from a prior COMPLETED
	// record without invoking the handler.
	Replayed bool
}

// Dispatcher routes an intent to its registered handler, wrapping the call
// with policy check, idempotency resolution, ledger bookkeeping and result
// capture. It never touches storage or network directly; all durable effects
// flow through the Ledger, the ArtifactRegistry and the journey store.
type Dispatcher struct {
	ledger    *Ledger
	artifacts *ArtifactRegistry
	handlers  *registry.Registry
	journeys  ports.JourneyStore
	policy    ports.PolicyChecker
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	timeout   time.Duration
	clock     func() time.Time
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPolicy sets the authorization collaborator (default: allow all).
func WithPolicy(policy ports.PolicyChecker) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithHooks registers observability hooks.
func WithHooks(hooks domain.LifecycleHooks) DispatcherOption {
	return func(d *Dispatcher) {
		d.hooks = hooks
	}
}

// WithDispatchLogger configures the logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithHandlerTimeout bounds each handler invocation (0 = no timeout).
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithDispatchClock overrides the time source (test seam).
func WithDispatchClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(ledger *Ledger, artifacts *ArtifactRegistry, handlers *registry.Registry, journeys ports.JourneyStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ledger:    ledger,
		artifacts: artifacts,
		handlers:  handlers,
		journeys:  journeys,
		policy:    ports.AllowAll(),
		logger:    logging.NewNop(),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ledger exposes the execution ledger (status polling, recovery sweep).
func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

// Artifacts exposes the artifact registry.
func (d *Dispatcher) Artifacts() *ArtifactRegistry { return d.artifacts }

func validate(intent domain.Intent) error {
	if intent.Type == "" {
		return &domain.ValidationError{Field: "intent_type", Reason: "must not be empty"}
	}
	if intent.TenantID == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	return nil
}

// Dispatch executes one intent synchronously, at most once per fingerprint.
//
// Order: validate, policy check, fingerprint, idempotency resolution, ledger
// begin, handler invocation, artifact + pending-journey persistence, ledger
// finalize. Validation and policy failures return before any ledger entry
// exists.
func (d *Dispatcher) Dispatch(ctx context.Context, intent domain.Intent) (*DispatchResult, error) {
	if err := validate(intent); err != nil {
		return nil, err
	}

	reg, err := d.handlers.Lookup(intent.Type)
	if err != nil {
		return nil, &domain.ValidationError{Field: "intent_type", Reason: fmt.Sprintf("unknown intent type %q", intent.Type)}
	}

	subject := ports.PolicySubject{
		TenantID:   intent.TenantID,
		SessionID:  intent.SessionID,
		IntentType: intent.Type,
	}
	if err := d.policy.Check(ctx, subject, "execute", intent.Type); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}

	fingerprint, err := Fingerprint(intent, reg.FingerprintFields)
	if err != nil {
		return nil, err
	}

	rec, claimed, err := d.ledger.Begin(ctx, intent, fingerprint)
	if err != nil {
		if errors.Is(err, domain.ErrInFlight) && rec != nil {
			// Concurrent duplicate: surface the in-flight execution so the
			// caller can poll it instead of resubmitting.
			return &DispatchResult{Record: rec}, domain.ErrInFlight
		}
		return nil, err
	}

	if !claimed {
		// Prior terminal record answers the request without handler work.
		d.fireIdempotentHit(ctx, rec)
		if rec.Status == domain.ExecutionFailed {
			return &DispatchResult{Record: rec, Replayed: true}, &domain.HandlerError{
				Class: rec.ErrorClass,
				Err:   errors.New(rec.Error),
			}
		}
		return d.replay(ctx, rec)
	}

	return d.execute(ctx, intent, reg, rec)
}

// replay reconstructs a DispatchResult from a stored COMPLETED record.
func (d *Dispatcher) replay(ctx context.Context, rec *domain.ExecutionRecord) (*DispatchResult, error) {
	res := &DispatchResult{Record: rec, Replayed: true}
	for _, id := range rec.ArtifactIDs {
		artifact, err := d.artifacts.Resolve(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrArtifactNotFound) {
				continue
			}
			return nil, err
		}
		res.Artifacts = append(res.Artifacts, artifact)
	}
	return res, nil
}

type handlerOutcome struct {
	result *registry.Result
	err    error
}

// execute runs the handler for a freshly claimed PENDING record and
// finalizes the ledger entry.
func (d *Dispatcher) execute(ctx context.Context, intent domain.Intent, reg registry.Registration, rec *domain.ExecutionRecord) (*DispatchResult, error) {
	ec := registry.ExecContext{
		ExecutionID: rec.ExecutionID,
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		IntentType:  intent.Type,
		Logger:      d.logger.With("execution_id", rec.ExecutionID, "intent_type", intent.Type),
	}

	d.fireExecution(ctx, domain.EventDispatch, rec, 0)
	started := d.clock()

	hctx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	// The handler runs in its own goroutine so an expired deadline fails the
	// ledger entry even if the handler ignores cancellation. A late result
	// from such a handler is discarded (best effort, never applied).
	outcome := make(chan handlerOutcome, 1)
	go func() {
		result, err := reg.Handler.Execute(hctx, ec, intent.Parameters)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	var out handlerOutcome
	select {
	case out = <-outcome:
	case <-hctx.Done():
		out = handlerOutcome{err: hctx.Err()}
	}

	duration := d.clock().Sub(started)

	if out.err != nil {
		if failErr := d.ledger.Fail(ctx, rec.ExecutionID, out.err); failErr != nil {
			d.logger.Error("failed to record execution failure",
				"execution_id", rec.ExecutionID,
				"err", failErr,
			)
		}
		failed, err := d.ledger.Get(ctx, rec.ExecutionID)
		if err != nil {
			failed = rec
		}
		d.fireExecution(ctx, domain.EventFail, failed, duration)
		return &DispatchResult{Record: failed}, classifyDispatchError(out.err)
	}

	result := out.result
	if result == nil {
		result = &registry.Result{}
	}

	// Persist side effects through the registry before finalizing the
	// ledger entry: a crash here leaves a PENDING record for the recovery
	// sweep, never a COMPLETED record with missing artifacts.
	artifacts := make([]*domain.Artifact, 0, len(result.Artifacts))
	artifactIDs := make([]string, 0, len(result.Artifacts))
	for _, spec := range result.Artifacts {
		artifact, err := d.artifacts.Register(ctx, intent.TenantID, rec.Fingerprint, spec)
		if err != nil {
			wrapped := domain.Transient(fmt.Errorf("failed to persist artifact: %w", err))
			if failErr := d.ledger.Fail(ctx, rec.ExecutionID, wrapped); failErr != nil {
				d.logger.Error("failed to record execution failure", "execution_id", rec.ExecutionID, "err", failErr)
			}
			return nil, wrapped
		}
		artifacts = append(artifacts, artifact)
		artifactIDs = append(artifactIDs, artifact.ArtifactID)
	}

	pending := result.Pending
	if pending != nil {
		if pending.ArtifactKey == "" && len(artifactIDs) > 0 {
			pending.ArtifactKey = artifactIDs[0]
		}
		if pending.ArtifactKey == "" {
			return nil, &domain.ValidationError{Field: "pending_journey", Reason: "no artifact to key the pending journey by"}
		}
		if pending.JourneyID == "" {
			pending.JourneyID = uuid.NewString()
		}
		pending.Status = domain.PendingJourneyPending
		pending.CreatedAt = d.clock()
		if err := d.journeys.SavePending(ctx, pending); err != nil {
			wrapped := domain.Transient(fmt.Errorf("failed to persist pending journey: %w", err))
			if failErr := d.ledger.Fail(ctx, rec.ExecutionID, wrapped); failErr != nil {
				d.logger.Error("failed to record execution failure", "execution_id", rec.ExecutionID, "err", failErr)
			}
			return nil, wrapped
		}
	}

	if err := d.ledger.Complete(ctx, rec.ExecutionID, result.Output, artifactIDs); err != nil {
		return nil, fmt.Errorf("ledger complete failed: %w", err)
	}

	completed, err := d.ledger.Get(ctx, rec.ExecutionID)
	if err != nil {
		return nil, err
	}

	d.fireExecution(ctx, domain.EventComplete, completed, duration)
	d.logger.Info("intent completed",
		"execution_id", rec.ExecutionID,
		"intent_type", intent.Type,
		"artifacts", len(artifactIDs),
		"duration", duration,
	)

	return &DispatchResult{
		Record:    completed,
		Artifacts: artifacts,
		Pending:   pending,
		Events:    result.Events,
	}, nil
}

// classifyDispatchError normalizes handler and context errors into the
// classified taxonomy surfaced to callers.
func classifyDispatchError(err error) error {
	var he *domain.HandlerError
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.HandlerError{Class: domain.ErrorClassTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.HandlerError{Class: domain.ErrorClassTransient, Err: err}
	}
	return &domain.HandlerError{Class: domain.ErrorClassPermanent, Err: err}
}

func (d *Dispatcher) fireExecution(ctx context.Context, kind domain.EventType, rec *domain.ExecutionRecord, duration time.Duration) {
	var hook func(context.Context, *domain.ExecutionEvent)
	switch kind {
	case domain.EventDispatch:
		hook = d.hooks.OnDispatch
	case domain.EventComplete:
		hook = d.hooks.OnComplete
	case domain.EventFail:
		hook = d.hooks.OnFail
	}
	if hook == nil {
		return
	}
	hook(ctx, &domain.ExecutionEvent{
		EventBase: domain.EventBase{
			Timestamp: d.clock(),
			Type:      kind,
			TenantID:  rec.TenantID,
		},
		ExecutionID: rec.ExecutionID,
		IntentType:  rec.IntentType,
		Fingerprint: rec.Fingerprint,
		Duration:    duration,
		ErrorClass:  rec.ErrorClass,
	})
}

func (d *Dispatcher) fireIdempotentHit(ctx context.Context, rec *domain.ExecutionRecord) {
	if d.hooks.OnIdempotentHit == nil {
		return
	}
	d.hooks.OnIdempotentHit(ctx, &domain.ExecutionEvent{
		EventBase: domain.EventBase{
			Timestamp: d.clock(),
			Type:      domain.EventIdempotentHit,
			TenantID:  rec.TenantID,
		},
		ExecutionID: rec.ExecutionID,
		IntentType:  rec.IntentType,
		Fingerprint: rec.Fingerprint,
	})
}
