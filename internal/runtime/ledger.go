package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/google/uuid"
)

// Ledger is the execution ledger service: a durable append-then-finalize log
// of every execution attempt. All status transitions of ExecutionRecords flow
// through it; no bypass path exists.
type Ledger struct {
	store  ports.LedgerStore
	clock  func() time.Time
	logger *slog.Logger
}

// LedgerOption configures the Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source (test seam).
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithLedgerLogger configures the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// NewLedger creates the ledger service over a store.
func NewLedger(store ports.LedgerStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin durably writes a PENDING record before any side-effecting work.
//
// Outcomes:
//   - claimed=true: rec is a fresh PENDING record, the caller owns the slot
//     and must finish with Complete or Fail.
//   - claimed=false, err=nil: rec is a prior terminal record for the same
//     fingerprint (completed, or pinned by a permanent failure); the caller
//     short-circuits with it.
//   - claimed=false, err=ErrInFlight: a concurrent duplicate holds the slot;
//     the caller should poll rec.ExecutionID.
func (l *Ledger) Begin(ctx context.Context, intent domain.Intent, fingerprint string) (rec *domain.ExecutionRecord, claimed bool, err error) {
	// A retryable failure releases its slot on Fail, but a crash between
	// Update and Release can leave it held. Two attempts cover that seam.
	for attempt := 0; attempt < 2; attempt++ {
		fresh := &domain.ExecutionRecord{
			ExecutionID: uuid.NewString(),
			Fingerprint: fingerprint,
			TenantID:    intent.TenantID,
			IntentType:  intent.Type,
			Status:      domain.ExecutionPending,
			StartedAt:   l.clock(),
		}

		existing, ok, err := l.store.Claim(ctx, fresh)
		if err != nil {
			// A ledger write failure is itself an execution failure; no
			// handler work may start.
			return nil, false, fmt.Errorf("ledger begin failed: %w", err)
		}
		if ok {
			l.logger.Debug("execution claimed",
				"execution_id", fresh.ExecutionID,
				"intent_type", intent.Type,
				"fingerprint", fingerprint,
			)
			return fresh, true, nil
		}

		switch {
		case existing.Status == domain.ExecutionPending:
			return existing, false, domain.ErrInFlight
		case existing.Retryable():
			if err := l.store.Release(ctx, existing); err != nil {
				return nil, false, fmt.Errorf("ledger release failed: %w", err)
			}
			continue
		default:
			// Completed, or pinned by a permanent failure.
			return existing, false, nil
		}
	}
	return nil, false, domain.ErrInFlight
}

// Resolve returns the record holding the fingerprint slot, if any.
func (l *Ledger) Resolve(ctx context.Context, tenantID, fingerprint string) (*domain.ExecutionRecord, error) {
	return l.store.FindByFingerprint(ctx, tenantID, fingerprint)
}

// Get returns a record by execution ID.
func (l *Ledger) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return l.store.Get(ctx, executionID)
}

// Complete finalizes a PENDING record as COMPLETED.
// Completing an already-completed record is a no-op, so replayed completions
// are harmless.
func (l *Ledger) Complete(ctx context.Context, executionID string, result any, artifactIDs []string) error {
	rec, err := l.store.Get(ctx, executionID)
	if err != nil {
		return err
	}

	if rec.Status == domain.ExecutionCompleted {
		return nil
	}
	if rec.Status != domain.ExecutionPending {
		return fmt.Errorf("cannot complete execution %s in status %s", executionID, rec.Status)
	}

	rec.Status = domain.ExecutionCompleted
	rec.Result = result
	rec.ArtifactIDs = artifactIDs
	rec.CompletedAt = l.clock()
	return l.store.Update(ctx, rec)
}

// Fail finalizes a PENDING record as FAILED with a classification.
// Transient and timeout failures release the fingerprint slot so an
// identical resubmission may retry; permanent failures keep it pinned.
func (l *Ledger) Fail(ctx context.Context, executionID string, cause error) error {
	rec, err := l.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil
	}

	rec.Status = domain.ExecutionFailed
	rec.Error = cause.Error()
	rec.ErrorClass = domain.Classify(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		rec.ErrorClass = domain.ErrorClassTimeout
	}
	rec.CompletedAt = l.clock()

	if err := l.store.Update(ctx, rec); err != nil {
		return err
	}

	if rec.Retryable() {
		if err := l.store.Release(ctx, rec); err != nil {
			return fmt.Errorf("failed to release fingerprint after failure: %w", err)
		}
	}
	return nil
}

// Sweep marks PENDING records older than maxAge as FAILED (transient) and
// releases their slots so callers may retry. It is the recovery path for
// crashes between Begin and Complete. Returns the number of records swept.
func (l *Ledger) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.clock().Add(-maxAge)
	stale, err := l.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovery sweep failed: %w", err)
	}

	swept := 0
	for _, rec := range stale {
		err := l.Fail(ctx, rec.ExecutionID, domain.Transient(fmt.Errorf("execution abandoned: pending since %s", rec.StartedAt.Format(time.RFC3339))))
		if err != nil {
			l.logger.Warn("failed to sweep stale execution",
				"execution_id", rec.ExecutionID,
				"err", err,
			)
			continue
		}
		swept++
	}

	if swept > 0 {
		l.logger.Info("recovery sweep finished", "swept", swept)
	}
	return swept, nil
}
