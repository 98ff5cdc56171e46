package espalier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/locking"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
)

// Engine is the high-level entry point for the Espalier library.
// It wraps the internal runtime and provides a simplified API for consumers.
type Engine struct {
	ledgerStore   ports.LedgerStore
	artifactStore ports.ArtifactStore
	journeyStore  ports.JourneyStore
	policy        ports.PolicyChecker
	locker        ports.DistributedLocker
	hooks         domain.LifecycleHooks
	logger        *slog.Logger
	clock         func() time.Time

	handlerTimeout   time.Duration
	recoveryInterval time.Duration
	recoveryMaxAge   time.Duration

	handlers     *registry.Registry
	ledger       *runtime.Ledger
	artifacts    *runtime.ArtifactRegistry
	dispatcher   *runtime.Dispatcher
	orchestrator *runtime.Orchestrator

	closeOnce sync.Once
	done      chan struct{}
	sweeper   sync.WaitGroup
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLedgerStore injects a custom execution ledger backend (default: memory).
func WithLedgerStore(s ports.LedgerStore) Option {
	return func(e *Engine) {
		e.ledgerStore = s
	}
}

// WithArtifactStore injects a custom artifact backend (default: memory).
func WithArtifactStore(s ports.ArtifactStore) Option {
	return func(e *Engine) {
		e.artifactStore = s
	}
}

// WithJourneyStore injects a custom journey backend (default: memory).
func WithJourneyStore(s ports.JourneyStore) Option {
	return func(e *Engine) {
		e.journeyStore = s
	}
}

// WithPolicy sets the authorization checker consulted before every dispatch.
func WithPolicy(p ports.PolicyChecker) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLocker adds a distributed lock provider so multiple engine instances
// can share one backend.
func WithLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHandlerTimeout bounds each handler invocation (default: none).
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.handlerTimeout = d
	}
}

// WithRecoveryInterval enables the background sweep that fails abandoned
// PENDING executions. maxAge is how long an execution may sit before the
// sweep declares it abandoned.
func WithRecoveryInterval(interval, maxAge time.Duration) Option {
	return func(e *Engine) {
		e.recoveryInterval = interval
		e.recoveryMaxAge = maxAge
	}
}

// WithClock overrides the time source (test seam).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// New initializes an Engine. With no options everything runs in memory.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		handlers: registry.New(),
		clock:    func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.ledgerStore == nil {
		e.ledgerStore = memory.NewLedgerStore()
	}
	if e.artifactStore == nil {
		e.artifactStore = memory.NewArtifactStore()
	}
	if e.journeyStore == nil {
		e.journeyStore = memory.NewJourneyStore()
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}

	lockOpts := []locking.Option{locking.WithLogger(e.logger)}
	if e.locker != nil {
		lockOpts = append(lockOpts, locking.WithLocker(e.locker))
	}
	locks := locking.NewManager(lockOpts...)

	e.ledger = runtime.NewLedger(e.ledgerStore,
		runtime.WithLedgerClock(e.clock),
		runtime.WithLedgerLogger(e.logger),
	)
	e.artifacts = runtime.NewArtifactRegistry(e.artifactStore,
		runtime.WithArtifactClock(e.clock),
		runtime.WithArtifactLogger(e.logger),
		runtime.WithArtifactHooks(e.hooks),
		runtime.WithArtifactLocks(locks),
	)

	dispatchOpts := []runtime.DispatcherOption{
		runtime.WithHooks(e.hooks),
		runtime.WithDispatchLogger(e.logger),
		runtime.WithDispatchClock(e.clock),
		runtime.WithHandlerTimeout(e.handlerTimeout),
	}
	if e.policy != nil {
		dispatchOpts = append(dispatchOpts, runtime.WithPolicy(e.policy))
	}
	e.dispatcher = runtime.NewDispatcher(e.ledger, e.artifacts, e.handlers, e.journeyStore, dispatchOpts...)

	e.orchestrator = runtime.NewOrchestrator(e.journeyStore, e.dispatcher,
		runtime.WithJourneyClock(e.clock),
		runtime.WithJourneyLogger(e.logger),
		runtime.WithJourneyHooks(e.hooks),
		runtime.WithJourneyLocks(locks),
	)

	if e.recoveryInterval > 0 {
		e.sweeper.Add(1)
		go e.runSweep()
	}

	return e, nil
}

// Register binds a handler to an intent type. Call during startup, before
// intents for that type arrive.
func (e *Engine) Register(intentType string, reg registry.Registration) {
	e.handlers.Register(intentType, reg)
}

/// Submit executes one intent, honoring idempotency and pending journeys: if
// the intent references an artifact with a stored pending journey for the
// same type, the stored context is merged in before dispatch.
func (e *Engine) Submit(ctx context.Context, intent domain.Intent) (*runtime.DispatchResult, error) {
	return e.orchestrator.DispatchResolved(ctx, intent)
}

// Dispatch executes one intent without pending-journey resolution.
func (e *Engine) Dispatch(ctx context.Context, intent domain.Intent) (*runtime.DispatchResult, error) {
	return e.dispatcher.Dispatch(ctx, intent)
}

// ExecutionStatus returns the ledger record for an execution.
func (e *Engine) ExecutionStatus(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return e.ledger.Get(ctx, executionID)
}

// Artifact returns an artifact by ID.
func (e *Engine) Artifact(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	return e.artifacts.Resolve(ctx, artifactID)
}

// Lineage returns the ancestry subgraph of an artifact.
func (e *Engine) Lineage(ctx context.Context, artifactID string) (*domain.Lineage, error) {
	return e.artifacts.Lineage(ctx, artifactID)
}

// TransitionArtifact advances an artifact to the next lifecycle stage.
func (e *Engine) TransitionArtifact(ctx context.Context, artifactID string, next domain.LifecycleState) error {
	return e.artifacts.Transition(ctx, artifactID, next)
}

// AddMaterialization records an additional storage location for an artifact.
func (e *Engine) AddMaterialization(ctx context.Context, artifactID, location string) error {
	return e.artifacts.AddMaterialization(ctx, artifactID, location)
}

// RunJourney executes an ordered sequence of intents as one journey instance.
func (e *Engine) RunJourney(ctx context.Context, tenantID, sessionID string, steps []domain.JourneyStep) (*domain.Journey, error) {
	return e.orchestrator.Run(ctx, tenantID, sessionID, steps)
}

// RetryJourney re-enters a failed journey at its failed step.
func (e *Engine) RetryJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	return e.orchestrator.Retry(ctx, journeyID)
}

// Journey returns a journey by ID.
func (e *Engine) Journey(ctx context.Context, journeyID string) (*domain.Journey, error) {
	return e.orchestrator.Journey(ctx, journeyID)
}

// Sweep reconciles abandoned PENDING executions once, returning how many
// were failed. The background sweep calls this on a timer when enabled.
func (e *Engine) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	return e.ledger.Sweep(ctx, maxAge)
}

// Close stops the background sweep. The engine stays usable for dispatch;
// Close only releases background resources.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.sweeper.Wait()
	return nil
}

func (e *Engine) runSweep() {
	defer e.sweeper.Done()

	ticker := time.NewTicker(e.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.recoveryInterval)
			n, err := e.ledger.Sweep(ctx, e.recoveryMaxAge)
			cancel()
			if err != nil {
				e.logger.Error("recovery sweep failed", "err", err)
				continue
			}
			if n > 0 {
				e.logger.Info("recovery sweep reconciled abandoned executions", "count", n)
			}
		}
	}
}
