package domain

// Intent represents a single named unit of requested work.
// It is immutable once submitted; the engine never mutates Parameters.
type Intent struct {
	Type       string         `json:"intent_type" yaml:"intent_type" mapstructure:"intent_type"`
	TenantID   string         `json:"tenant_id" yaml:"tenant_id" mapstructure:"tenant_id"`
	SessionID  string         `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" mapstructure:"parameters"`
}

// Param returns a parameter value and whether it is present.
func (i Intent) Param(key string) (any, bool) {
	v, ok := i.Parameters[key]
	return v, ok
}

// StringParam returns a parameter as a string, or "" if absent or not a string.
func (i Intent) StringParam(key string) string {
	if v, ok := i.Parameters[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Standard parameter keys understood by the engine itself.
const (
	// KeyArtifactRef names an existing artifact the intent operates on.
	// It is the key the orchestrator consults when resolving pending journeys.
	KeyArtifactRef = "artifact_ref"
)
