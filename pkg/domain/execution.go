package domain

import "time"

// ExecutionStatus defines the current state of an execution attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"   // Claimed in the ledger, handler work in flight
	ExecutionCompleted ExecutionStatus = "completed" // Handler succeeded, side effects applied
	ExecutionFailed    ExecutionStatus = "failed"    // Handler (or the runtime) failed
)

// ExecutionRecord tracks one attempted invocation of an intent's handler.
// Records are owned exclusively by the execution ledger; a PENDING record is
// durably written before any side-effecting work starts.
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	Fingerprint string          `json:"fingerprint"`
	TenantID    string          `json:"tenant_id"`
	IntentType  string          `json:"intent_type"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`

	// Result is the handler's output, stored so duplicate submissions can be
	// answered without re-invoking the handler.
	Result any `json:"result,omitempty"`

	// ArtifactIDs lists the artifacts registered by this execution.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`

	Error      string     `json:"error,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
}

// Terminal reports whether the record reached a final status.
func (r *ExecutionRecord) Terminal() bool {
	return r.Status == ExecutionCompleted || r.Status == ExecutionFailed
}

// Retryable reports whether resubmitting the same fingerprint may re-invoke
// the handler. Completed records short-circuit, pending records conflict, and
// permanent failures are pinned until the parameters (and thus the
// fingerprint) change.
func (r *ExecutionRecord) Retryable() bool {
	return r.Status == ExecutionFailed && r.ErrorClass != ErrorClassPermanent
}
