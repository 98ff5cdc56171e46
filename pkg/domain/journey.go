package domain

import "time"

// JourneyStatus defines the state machine of a journey instance:
// created -> in_progress -> {completed | failed | pending_resume}.
type JourneyStatus string

const (
	JourneyCreated       JourneyStatus = "created"
	JourneyInProgress    JourneyStatus = "in_progress"
	JourneyCompleted     JourneyStatus = "completed"
	JourneyFailed        JourneyStatus = "failed"
	JourneyPendingResume JourneyStatus = "pending_resume"
)

// JourneyStep is one ordered step of a journey: the intent to dispatch and an
// optional compensating intent fired if a later step fails.
type JourneyStep struct {
	Intent     Intent  `json:"intent"`
	Compensate *Intent `json:"compensate,omitempty"`
}

// Journey is a persisted journey instance. Steps within one instance execute
// strictly in caller-issued order; independent instances run concurrently.
type Journey struct {
	JourneyID string        `json:"journey_id"`
	TenantID  string        `json:"tenant_id"`
	SessionID string        `json:"session_id,omitempty"`
	Status    JourneyStatus `json:"status"`

	Steps []JourneyStep `json:"steps"`

	// Step is the index of the next step to execute.
	Step int `json:"step"`

	// FailedStep is the index of the step that failed (valid when Status is
	// failed), kept so a retry re-enters at the right place.
	FailedStep int `json:"failed_step,omitempty"`

	// ExecutionIDs records the ledger entry of each completed step.
	ExecutionIDs []string `json:"execution_ids,omitempty"`

	Error      string     `json:"error,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingJourneyStatus tracks the consumption of a pending journey.
type PendingJourneyStatus string

const (
	PendingJourneyPending   PendingJourneyStatus = "pending"
	PendingJourneyResumed   PendingJourneyStatus = "resumed"
	PendingJourneyCompleted PendingJourneyStatus = "completed"
)

// PendingJourney is a journey paused after one step. It is created by a
// handler, keyed by the artifact the step produced, and consumed by the
// orchestrator when a later call names that artifact. Context must contain
// everything required to execute NextIntentType without the resuming caller
// re-supplying it.
type PendingJourney struct {
	JourneyID      string               `json:"journey_id"`
	ArtifactKey    string               `json:"artifact_key"`
	NextIntentType string               `json:"next_intent_type"`
	Context        map[string]any       `json:"context,omitempty"`
	Status         PendingJourneyStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}
