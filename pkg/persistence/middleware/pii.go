package middleware

import (
	"context"
	"regexp"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

type piiMiddleware struct {
	next     ports.LedgerStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks stored result values whose
// keys match the patterns. Records are masked before they reach the backend;
// the in-memory result the caller received stays intact.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.LedgerStore) ports.LedgerStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}
}

func (m *piiMiddleware) Claim(ctx context.Context, rec *domain.ExecutionRecord) (*domain.ExecutionRecord, bool, error) {
	return m.next.Claim(ctx, m.mask(rec))
}

func (m *piiMiddleware) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return m.next.Get(ctx, executionID)
}

func (m *piiMiddleware) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error) {
	return m.next.FindByFingerprint(ctx, tenantID, fingerprint)
}

func (m *piiMiddleware) Update(ctx context.Context, rec *domain.ExecutionRecord) error {
	return m.next.Update(ctx, m.mask(rec))
}

func (m *piiMiddleware) Release(ctx context.Context, rec *domain.ExecutionRecord) error {
	return m.next.Release(ctx, rec)
}

func (m *piiMiddleware) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*domain.ExecutionRecord, error) {
	return m.next.ListPendingBefore(ctx, cutoff)
}

// mask returns a copy with matching result keys replaced. The input record is
// never mutated: the runtime still holds it.
func (m *piiMiddleware) mask(rec *domain.ExecutionRecord) *domain.ExecutionRecord {
	result, ok := rec.Result.(map[string]any)
	if !ok {
		return rec
	}
	masked := *rec
	masked.Result = maskMap(deepCopyMap(result), m.patterns)
	return &masked
}

// Helpers

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		// Handle nested maps
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v // shallow copy of value
		}
	}
	return out
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) map[string]any {
	for k, v := range m {
		// Check key against patterns
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = "***"
				break
			}
		}

		// Recurse if map
		if subMap, ok := v.(map[string]any); ok {
			maskMap(subMap, patterns)
		}
	}
	return m
}
