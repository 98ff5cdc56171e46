package ports

import "context"

// PolicySubject carries the identity attributes the policy collaborator
// decides on.
type PolicySubject struct {
	TenantID   string
	SessionID  string
	IntentType string
}

// PolicyChecker is the external authorization collaborator consulted by the
// dispatcher before handler execution. A nil error allows; a deny must return
// domain.ErrPermissionDenied (wrapped errors are fine, checked via errors.Is).
// A deny short-circuits before any ledger entry is written.
type PolicyChecker interface {
	Check(ctx context.Context, subject PolicySubject, action, resource string) error
}

// PolicyFunc adapts a function to the PolicyChecker interface.
type PolicyFunc func(ctx context.Context, subject PolicySubject, action, resource string) error

func (f PolicyFunc) Check(ctx context.Context, subject PolicySubject, action, resource string) error {
	return f(ctx, subject, action, resource)
}

// AllowAll is the default policy: every intent is permitted.
func AllowAll() PolicyChecker {
	return PolicyFunc(func(context.Context, PolicySubject, string, string) error {
		return nil
	})
}
