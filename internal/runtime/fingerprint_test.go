package runtime

import (
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
)

func TestFingerprint_Stable(t *testing.T) {
	a := domain.Intent{
		Type:      "write_file",
		TenantID:  "t1",
		SessionID: "s1",
		Parameters: map[string]any{
			"path":    "/tmp/x",
			"content": "hello",
		},
	}
	b := domain.Intent{
		Type:      "write_file",
		TenantID:  "t1",
		SessionID: "s1",
		Parameters: map[string]any{
			"content": "hello",
			"path":    "/tmp/x",
		},
	}

	fa, err := Fingerprint(a, nil)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	fb, err := Fingerprint(b, nil)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}

	if fa != fb {
		t.Errorf("Parameter order changed the fingerprint: %s != %s", fa, fb)
	}
}

func TestFingerprint_SubsetExcludesIrrelevantParams(t *testing.T) {
	fields := []string{"path", "content"}

	first := domain.Intent{
		Type:     "write_file",
		TenantID: "t1",
		Parameters: map[string]any{
			"path":         "/tmp/x",
			"content":      "hello",
			"submitted_at": "2024-01-01T10:00:00Z",
		},
	}
	second := domain.Intent{
		Type:     "write_file",
		TenantID: "t1",
		Parameters: map[string]any{
			"path":         "/tmp/x",
			"content":      "hello",
			"submitted_at": "2024-01-02T17:30:00Z",
		},
	}

	f1, _ := Fingerprint(first, fields)
	f2, _ := Fingerprint(second, fields)
	if f1 != f2 {
		t.Errorf("Undeclared parameter changed the fingerprint")
	}

	third := second
	third.Parameters = map[string]any{
		"path":         "/tmp/x",
		"content":      "changed",
		"submitted_at": "2024-01-02T17:30:00Z",
	}
	f3, _ := Fingerprint(third, fields)
	if f3 == f1 {
		t.Errorf("Declared parameter change did not change the fingerprint")
	}
}

func TestFingerprint_DiscriminatesIdentity(t *testing.T) {
	base := domain.Intent{Type: "create_record", TenantID: "t1", SessionID: "s1"}

	fBase, _ := Fingerprint(base, nil)

	otherTenant := base
	otherTenant.TenantID = "t2"
	fTenant, _ := Fingerprint(otherTenant, nil)
	if fBase == fTenant {
		t.Errorf("Tenant must participate in the fingerprint")
	}

	otherType := base
	otherType.Type = "delete_record"
	fType, _ := Fingerprint(otherType, nil)
	if fBase == fType {
		t.Errorf("Intent type must participate in the fingerprint")
	}

	otherSession := base
	otherSession.SessionID = "s2"
	fSession, _ := Fingerprint(otherSession, nil)
	if fBase == fSession {
		t.Errorf("Session must participate in the fingerprint")
	}
}
