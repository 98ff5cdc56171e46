package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/espalier/pkg/domain"
)

// Metrics holds the engine's Prometheus collectors. Create one per process
// with NewMetrics and wire it in through Hooks().
type Metrics struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	idempotentHits   *prometheus.CounterVec
	artifacts        *prometheus.CounterVec
	journeySteps     *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with the given
// registerer (pass prometheus.DefaultRegisterer for the usual setup).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_dispatch_total",
				Help: "Total dispatched intents by type and outcome",
			},
			[]string{"intent_type", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "espalier_dispatch_duration_seconds",
				Help: "Handler execution duration",
			},
			[]string{"intent_type"},
		),
		idempotentHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_idempotent_hits_total",
				Help: "Duplicate submissions answered from the ledger",
			},
			[]string{"intent_type"},
		),
		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_artifacts_registered_total",
				Help: "Artifacts registered by type",
			},
			[]string{"artifact_type"},
		),
		journeySteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "espalier_journey_steps_total",
				Help: "Journey step transitions by resulting status",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.dispatches, m.dispatchDuration, m.idempotentHits, m.artifacts, m.journeySteps)
	return m
}

// Hooks returns lifecycle hooks that feed the collectors. Combine with other
// hooks via Merge when logging and metrics should both observe the engine.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnComplete: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.dispatches.WithLabelValues(e.IntentType, "completed").Inc()
			m.dispatchDuration.WithLabelValues(e.IntentType).Observe(e.Duration.Seconds())
		},
		OnFail: func(ctx context.Context, e *domain.ExecutionEvent) {
			outcome := "failed"
			if e.ErrorClass != "" {
				outcome = "failed_" + string(e.ErrorClass)
			}
			m.dispatches.WithLabelValues(e.IntentType, outcome).Inc()
			m.dispatchDuration.WithLabelValues(e.IntentType).Observe(e.Duration.Seconds())
		},
		OnIdempotentHit: func(ctx context.Context, e *domain.ExecutionEvent) {
			m.idempotentHits.WithLabelValues(e.IntentType).Inc()
		},
		OnArtifactRegister: func(ctx context.Context, e *domain.ArtifactEvent) {
			m.artifacts.WithLabelValues(e.ArtifactType).Inc()
		},
		OnJourneyStep: func(ctx context.Context, e *domain.JourneyEvent) {
			m.journeySteps.WithLabelValues(string(e.Status)).Inc()
		},
	}
}

// Merge composes hook sets: every non-nil callback from each argument fires
// in order. Later hooks never shadow earlier ones.
func Merge(sets ...domain.LifecycleHooks) domain.LifecycleHooks {
	var out domain.LifecycleHooks
	for _, h := range sets {
		out.OnDispatch = chainExec(out.OnDispatch, h.OnDispatch)
		out.OnComplete = chainExec(out.OnComplete, h.OnComplete)
		out.OnFail = chainExec(out.OnFail, h.OnFail)
		out.OnIdempotentHit = chainExec(out.OnIdempotentHit, h.OnIdempotentHit)
		out.OnArtifactRegister = chainArtifact(out.OnArtifactRegister, h.OnArtifactRegister)
		out.OnJourneyStep = chainJourney(out.OnJourneyStep, h.OnJourneyStep)
	}
	return out
}

func chainExec(a, b func(context.Context, *domain.ExecutionEvent)) func(context.Context, *domain.ExecutionEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e *domain.ExecutionEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}

func chainArtifact(a, b func(context.Context, *domain.ArtifactEvent)) func(context.Context, *domain.ArtifactEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e *domain.ArtifactEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}

func chainJourney(a, b func(context.Context, *domain.JourneyEvent)) func(context.Context, *domain.JourneyEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, e *domain.JourneyEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}
