package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventDispatch         EventType = "dispatch"
	EventComplete         EventType = "complete"
	EventFail             EventType = "fail"
	EventIdempotentHit    EventType = "idempotent_hit"
	EventArtifactRegister EventType = "artifact_register"
	EventJourneyStep      EventType = "journey_step"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id"`
}

// ExecutionEvent surrounds a handler invocation.
type ExecutionEvent struct {
	EventBase
	ExecutionID string        `json:"execution_id"`
	IntentType  string        `json:"intent_type"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	ErrorClass  ErrorClass    `json:"error_class,omitempty"`
}

// ArtifactEvent records an artifact registration.
type ArtifactEvent struct {
	EventBase
	ArtifactID   string `json:"artifact_id"`
	ArtifactType string `json:"artifact_type"`
}

// JourneyEvent records a journey step completing or failing.
type JourneyEvent struct {
	EventBase
	JourneyID string        `json:"journey_id"`
	Step      int           `json:"step"`
	Status    JourneyStatus `json:"status"`
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnDispatch         func(context.Context, *ExecutionEvent)
	OnComplete         func(context.Context, *ExecutionEvent)
	OnFail             func(context.Context, *ExecutionEvent)
	OnIdempotentHit    func(context.Context, *ExecutionEvent)
	OnArtifactRegister func(context.Context, *ArtifactEvent)
	OnJourneyStep      func(context.Context, *JourneyEvent)
}
