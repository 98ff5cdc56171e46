package domain

import "time"

// LifecycleState is the forward-only maturity stage of an artifact.
type LifecycleState string

const (
	LifecyclePending  LifecycleState = "pending"  // Registered, not yet usable
	LifecycleReady    LifecycleState = "ready"    // Materialized and consumable
	LifecycleArchived LifecycleState = "archived" // Retired; kept for lineage
)

// lifecycleOrder fixes the total order of maturity stages.
var lifecycleOrder = map[LifecycleState]int{
	LifecyclePending:  0,
	LifecycleReady:    1,
	LifecycleArchived: 2,
}

// ValidLifecycle reports whether s is a known lifecycle state.
func ValidLifecycle(s LifecycleState) bool {
	_, ok := lifecycleOrder[s]
	return ok
}

// CanTransition reports whether an artifact may move from one lifecycle state
// to another. Only the immediate successor is allowed: states never regress,
// and stages are never skipped.
func CanTransition(from, to LifecycleState) bool {
	a, okA := lifecycleOrder[from]
	b, okB := lifecycleOrder[to]
	return okA && okB && b == a+1
}

// NextLifecycle returns the successor of a state, or "" for the final stage.
func NextLifecycle(s LifecycleState) LifecycleState {
	switch s {
	case LifecyclePending:
		return LifecycleReady
	case LifecycleReady:
		return LifecycleArchived
	default:
		return ""
	}
}

// Artifact is the authoritative record of something the system produced.
// It is owned exclusively by the artifact registry and mutated only through
// registry operations. Parents form a DAG: an artifact never (transitively)
// names itself as a parent.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	Type       string         `json:"artifact_type"`
	Lifecycle  LifecycleState `json:"lifecycle_state"`

	// Parents lists the artifact IDs this one was derived from.
	Parents []string `json:"parent_artifacts,omitempty"`

	// Materializations lists storage locations holding the artifact's bytes.
	// Appending a location never changes identity.
	Materializations []string `json:"materializations,omitempty"`

	// Fingerprint links the artifact to the execution that produced it.
	Fingerprint string `json:"fingerprint,omitempty"`

	Owner   string `json:"owner,omitempty"`
	Purpose string `json:"purpose,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate registry state by pointer.
func (a *Artifact) Clone() *Artifact {
	cp := *a
	cp.Parents = append([]string(nil), a.Parents...)
	cp.Materializations = append([]string(nil), a.Materializations...)
	return &cp
}

// ArtifactSpec describes an artifact a handler asks the registry to create.
type ArtifactSpec struct {
	Type             string         `json:"artifact_type" mapstructure:"artifact_type"`
	Parents          []string       `json:"parent_artifacts,omitempty" mapstructure:"parent_artifacts"`
	Materializations []string       `json:"materializations,omitempty" mapstructure:"materializations"`
	Initial          LifecycleState `json:"initial_state,omitempty" mapstructure:"initial_state"`
	Owner            string         `json:"owner,omitempty" mapstructure:"owner"`
	Purpose          string         `json:"purpose,omitempty" mapstructure:"purpose"`
}

// Lineage is the ancestry subgraph of a single artifact.
type Lineage struct {
	ArtifactID  string      `json:"artifact_id"`
	Ancestors   []*Artifact `json:"ancestors,omitempty"`
	Descendants []*Artifact `json:"descendants,omitempty"`
}
