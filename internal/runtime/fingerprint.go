package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
)

// fingerprintEnvelope is the canonical shape hashed into a fingerprint.
// encoding/json marshals map keys in sorted order, which makes the encoding
// stable across submissions carrying the same values.
type fingerprintEnvelope struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	Parameters map[string]any `json:"parameters"`
}

// Fingerprint computes the stable idempotency hash of an intent.
//
// Only the declared semantically-relevant parameter subset participates; a
// parameter outside the subset (e.g. a client timestamp) never changes the
// hash. An empty subset means all parameters participate.
func Fingerprint(intent domain.Intent, fields []string) (string, error) {
	params := intent.Parameters
	if len(fields) > 0 {
		subset := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := intent.Parameters[f]; ok {
				subset[f] = v
			}
		}
		params = subset
	}
	if params == nil {
		params = map[string]any{}
	}

	data, err := json.Marshal(fingerprintEnvelope{
		IntentType: intent.Type,
		TenantID:   intent.TenantID,
		SessionID:  intent.SessionID,
		Parameters: params,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode intent for fingerprinting: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
