package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/registry"
)

// testStack wires a full dispatcher over in-memory stores.
type testStack struct {
	dispatcher *Dispatcher
	handlers   *registry.Registry
	journeys   ports.JourneyStore
}

func newTestStack(t *testing.T, opts ...DispatcherOption) *testStack {
	t.Helper()

	handlers := registry.New()
	journeys := memory.NewJourneyStore()
	ledger := NewLedger(memory.NewLedgerStore())
	artifacts := NewArtifactRegistry(memory.NewArtifactStore())

	return &testStack{
		dispatcher: NewDispatcher(ledger, artifacts, handlers, journeys, opts...),
		handlers:   handlers,
		journeys:   journeys,
	}
}

func countingHandler(invocations *atomic.Int64, result *registry.Result, err error) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
		invocations.Add(1)
		return result, err
	})
}

func TestDispatcher_HappyPath(t *testing.T) {
	stack := newTestStack(t)
	var calls atomic.Int64
	stack.handlers.Register("create_record", registry.Registration{
		Handler: countingHandler(&calls, &registry.Result{
			Output:    "created",
			Artifacts: []domain.ArtifactSpec{{Type: "record"}},
		}, nil),
	})

	res, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{
		Type:       "create_record",
		TenantID:   "t1",
		SessionID:  "s1",
		Parameters: map[string]any{"name": "x"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if res.Record.Status != domain.ExecutionCompleted {
		t.Errorf("Expected completed, got %s", res.Record.Status)
	}
	if res.Record.Result != "created" {
		t.Errorf("Expected stored result, got %v", res.Record.Result)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Lifecycle != domain.LifecyclePending {
		t.Fatalf("Expected one pending artifact, got %+v", res.Artifacts)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one handler invocation, got %d", calls.Load())
	}
}

func TestDispatcher_SequentialIdempotency(t *testing.T) {
	stack := newTestStack(t)
	var calls atomic.Int64
	stack.handlers.Register("create_record", registry.Registration{
		Handler: countingHandler(&calls, &registry.Result{
			Output:    "created",
			Artifacts: []domain.ArtifactSpec{{Type: "record"}},
		}, nil),
	})

	intent := domain.Intent{
		Type:       "create_record",
		TenantID:   "t1",
		Parameters: map[string]any{"name": "x"},
	}

	first, err := stack.dispatcher.Dispatch(context.Background(), intent)
	if err != nil {
		t.Fatalf("First dispatch failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := stack.dispatcher.Dispatch(context.Background(), intent)
		if err != nil {
			t.Fatalf("Duplicate dispatch %d failed: %v", i, err)
		}
		if !res.Replayed {
			t.Errorf("Duplicate %d should be answered from the ledger", i)
		}
		if res.Record.ExecutionID != first.Record.ExecutionID {
			t.Errorf("All callers must observe the same execution")
		}
		if res.Record.Result != "created" {
			t.Errorf("All callers must observe the same result, got %v", res.Record.Result)
		}
	}

	if calls.Load() != 1 {
		t.Errorf("Expected exactly one handler invocation, got %d", calls.Load())
	}
}

func TestDispatcher_ConcurrentIdempotency(t *testing.T) {
	stack := newTestStack(t)
	var calls atomic.Int64
	release := make(chan struct{})
	stack.handlers.Register("slow", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			calls.Add(1)
			<-release
			return &registry.Result{Output: "done"}, nil
		}),
	})

	intent := domain.Intent{Type: "slow", TenantID: "t1", Parameters: map[string]any{"k": "v"}}

	const submitters = 8
	var wg sync.WaitGroup
	var invoked, conflicted, replayed atomic.Int64

	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := stack.dispatcher.Dispatch(context.Background(), intent)
			switch {
			case errors.Is(err, domain.ErrInFlight):
				conflicted.Add(1)
				if res == nil || res.Record == nil {
					t.Error("In-flight conflict must carry the pending execution")
				}
			case err == nil && res.Replayed:
				replayed.Add(1)
			case err == nil:
				invoked.Add(1)
			default:
				t.Errorf("Unexpected dispatch error: %v", err)
			}
		}()
	}

	// Give the racers time to pile up on the claim, then let the winner run.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("Exactly one handler invocation expected, got %d", calls.Load())
	}
	if invoked.Load() != 1 {
		t.Errorf("Exactly one caller should win the claim, got %d", invoked.Load())
	}
	if conflicted.Load()+replayed.Load() != submitters-1 {
		t.Errorf("Losers must be told to poll or be replayed: conflicted=%d replayed=%d",
			conflicted.Load(), replayed.Load())
	}
}

func TestDispatcher_TransientRetryYieldsOneArtifact(t *testing.T) {
	stack := newTestStack(t)
	var calls atomic.Int64
	stack.handlers.Register("write_file", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			if calls.Add(1) == 1 {
				return nil, domain.Transient(errors.New("disk busy"))
			}
			return &registry.Result{
				Output:    "written",
				Artifacts: []domain.ArtifactSpec{{Type: "file"}},
			}, nil
		}),
	})

	intent := domain.Intent{Type: "write_file", TenantID: "t1", Parameters: map[string]any{"path": "/tmp/x"}}
	ctx := context.Background()

	_, err := stack.dispatcher.Dispatch(ctx, intent)
	var he *domain.HandlerError
	if !errors.As(err, &he) || he.Class != domain.ErrorClassTransient {
		t.Fatalf("Expected transient handler failure, got %v", err)
	}

	// Identical resubmission re-enters the dispatcher and re-invokes the
	// handler (no prior COMPLETED record exists).
	res, err := stack.dispatcher.Dispatch(ctx, intent)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("Expected exactly one artifact after retry, got %d", len(res.Artifacts))
	}

	// A third submission replays; still exactly one artifact ever.
	res3, err := stack.dispatcher.Dispatch(ctx, intent)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !res3.Replayed || len(res3.Artifacts) != 1 {
		t.Errorf("Expected replay with the single artifact, got replayed=%v artifacts=%d",
			res3.Replayed, len(res3.Artifacts))
	}
	if calls.Load() != 2 {
		t.Errorf("Expected two handler invocations (fail + success), got %d", calls.Load())
	}
}

func TestDispatcher_PermanentFailurePinsFingerprint(t *testing.T) {
	stack := newTestStack(t)
	var calls atomic.Int64
	stack.handlers.Register("parse", registry.Registration{
		Handler: countingHandler(&calls, nil, domain.Permanent(errors.New("malformed input"))),
	})

	intent := domain.Intent{Type: "parse", TenantID: "t1", Parameters: map[string]any{"doc": "d1"}}
	ctx := context.Background()

	_, err := stack.dispatcher.Dispatch(ctx, intent)
	var he *domain.HandlerError
	if !errors.As(err, &he) || he.Class != domain.ErrorClassPermanent {
		t.Fatalf("Expected permanent failure, got %v", err)
	}

	// Resubmission must NOT re-invoke the handler.
	res, err := stack.dispatcher.Dispatch(ctx, intent)
	if !errors.As(err, &he) || he.Class != domain.ErrorClassPermanent {
		t.Fatalf("Expected stored permanent failure, got %v", err)
	}
	if res == nil || !res.Replayed {
		t.Error("Permanent failure must replay from the ledger")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected one handler invocation, got %d", calls.Load())
	}

	// Changed parameters change the fingerprint and re-invoke.
	intent.Parameters = map[string]any{"doc": "d2"}
	_, _ = stack.dispatcher.Dispatch(ctx, intent)
	if calls.Load() != 2 {
		t.Errorf("New fingerprint must re-invoke, got %d invocations", calls.Load())
	}
}

func TestDispatcher_ValidationLeavesNoLedgerEntry(t *testing.T) {
	stack := newTestStack(t)

	_, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{TenantID: "t1"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}

	_, err = stack.dispatcher.Dispatch(context.Background(), domain.Intent{Type: "unregistered", TenantID: "t1"})
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for unknown type, got %v", err)
	}
}

func TestDispatcher_PolicyDenialShortCircuits(t *testing.T) {
	deny := ports.PolicyFunc(func(ctx context.Context, subject ports.PolicySubject, action, resource string) error {
		if subject.TenantID == "blocked" {
			return domain.ErrPermissionDenied
		}
		return nil
	})

	stack := newTestStack(t, WithPolicy(deny))
	var calls atomic.Int64
	stack.handlers.Register("create_record", registry.Registration{
		Handler: countingHandler(&calls, &registry.Result{Output: "ok"}, nil),
	})

	_, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{Type: "create_record", TenantID: "blocked"})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("Denied intent must not reach the handler")
	}

	// A denial must not leave a ledger claim behind: the allowed tenant's
	// identical parameters execute normally, and so would the blocked tenant
	// after a policy change.
	if _, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{Type: "create_record", TenantID: "t1"}); err != nil {
		t.Fatalf("Allowed dispatch failed: %v", err)
	}
}

func TestDispatcher_TimeoutFailsLedgerEntry(t *testing.T) {
	stack := newTestStack(t, WithHandlerTimeout(30*time.Millisecond))
	stack.handlers.Register("hang", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return &registry.Result{Output: "too late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})

	res, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{Type: "hang", TenantID: "t1"})
	var he *domain.HandlerError
	if !errors.As(err, &he) || he.Class != domain.ErrorClassTimeout {
		t.Fatalf("Expected timeout classification, got %v", err)
	}

	stored, getErr := stack.dispatcher.Ledger().Get(context.Background(), res.Record.ExecutionID)
	if getErr != nil {
		t.Fatalf("Ledger lookup failed: %v", getErr)
	}
	if stored.Status != domain.ExecutionFailed || stored.ErrorClass != domain.ErrorClassTimeout {
		t.Errorf("Expected a durable timeout failure for diagnosis, got %+v", stored)
	}
}

func TestDispatcher_PersistsPendingJourney(t *testing.T) {
	stack := newTestStack(t)
	stack.handlers.Register("save_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Output:    "saved",
				Artifacts: []domain.ArtifactSpec{{Type: "draft"}},
				Pending: &domain.PendingJourney{
					NextIntentType: "render_draft",
					Context:        map[string]any{"mode": params["mode"]},
				},
			}, nil
		}),
		FingerprintFields: []string{"doc", "mode"},
	})

	res, err := stack.dispatcher.Dispatch(context.Background(), domain.Intent{
		Type:       "save_draft",
		TenantID:   "t1",
		Parameters: map[string]any{"doc": "d1", "mode": "pdf"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Pending == nil {
		t.Fatal("Expected a pending journey in the result")
	}

	// Keyed by the produced artifact.
	stored, err := stack.journeys.PendingByArtifact(context.Background(), res.Artifacts[0].ArtifactID)
	if err != nil {
		t.Fatalf("Pending journey not persisted: %v", err)
	}
	if stored.NextIntentType != "render_draft" || stored.Context["mode"] != "pdf" {
		t.Errorf("Unexpected pending journey: %+v", stored)
	}
	if stored.Status != domain.PendingJourneyPending {
		t.Errorf("Expected pending status, got %s", stored.Status)
	}
}
