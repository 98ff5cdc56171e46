package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/espalier/pkg/domain"
)

// ExecContext carries execution metadata into a handler invocation.
// Handlers receive it instead of raw engine internals so they can log and
// tag their effects without reaching into the ledger.
type ExecContext struct {
	ExecutionID string
	TenantID    string
	SessionID   string
	IntentType  string
	Logger      *slog.Logger
}

// Result is what a successful handler invocation returns.
type Result struct {
	// Output is the caller-visible result, stored in the ledger so duplicate
	// submissions can be answered without re-invoking the handler.
	Output any

	// Artifacts are registered by the dispatcher on the handler's behalf
	// after the handler returns.
	Artifacts []domain.ArtifactSpec

	// Pending, if set, pauses the journey: the dispatcher persists it keyed
	// by the first registered artifact (or Pending.ArtifactKey if set).
	Pending *domain.PendingJourney

	// Events are free-form notifications surfaced to the caller.
	Events []string
}

// Handler is the single capability interface implemented once per intent
// type. Errors should be classified with domain.Transient / domain.Permanent;
// unclassified errors are treated as permanent.
type Handler interface {
	Execute(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, ec ExecContext, params map[string]any) (*Result, error) {
	return f(ctx, ec, params)
}

// Registration binds an intent type to its handler and declares which
// parameters participate in the idempotency fingerprint.
type Registration struct {
	Handler Handler

	// FingerprintFields is the semantically-relevant parameter subset for
	// this intent type. Parameters outside the subset (e.g. timestamps)
	// never affect the fingerprint. Empty means all parameters participate.
	FingerprintFields []string
}

// Registry manages the available intent handlers.
// Handlers are registered once per intent type at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// New creates a new empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Registration),
	}
}

// Register adds a handler for an intent type.
// If a handler for the same type exists, it is overwritten.
func (r *Registry) Register(intentType string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[intentType] = reg
}

// Lookup returns the registration for an intent type.
// Returns domain.ErrHandlerNotFound if the type is unknown.
func (r *Registry) Lookup(intentType string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.handlers[intentType]
	r.mu.RUnlock()

	if !ok {
		return Registration{}, domain.ErrHandlerNotFound
	}
	return reg, nil
}

// DecodeParams decodes raw intent parameters into a typed struct, so
// handlers validate a shape instead of duck-typing the map.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to build params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// Types returns the registered intent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
