package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/registry"
)

type journeyStack struct {
	orchestrator *Orchestrator
	dispatcher   *Dispatcher
	handlers     *registry.Registry
}

func newJourneyStack(t *testing.T) *journeyStack {
	t.Helper()

	handlers := registry.New()
	journeys := memory.NewJourneyStore()
	ledger := NewLedger(memory.NewLedgerStore())
	artifacts := NewArtifactRegistry(memory.NewArtifactStore())
	dispatcher := NewDispatcher(ledger, artifacts, handlers, journeys)

	return &journeyStack{
		orchestrator: NewOrchestrator(journeys, dispatcher),
		dispatcher:   dispatcher,
		handlers:     handlers,
	}
}

func (s *journeyStack) registerEcho(intentType string, calls *atomic.Int64) {
	s.handlers.Register(intentType, registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			calls.Add(1)
			return &registry.Result{
				Output:    intentType + " done",
				Artifacts: []domain.ArtifactSpec{{Type: intentType}},
			}, nil
		}),
	})
}

func step(intentType, tenant string, params map[string]any) domain.JourneyStep {
	return domain.JourneyStep{
		Intent: domain.Intent{Type: intentType, TenantID: tenant, Parameters: params},
	}
}

func TestOrchestrator_RunCompletes(t *testing.T) {
	stack := newJourneyStack(t)
	var a, b, c atomic.Int64
	stack.registerEcho("extract", &a)
	stack.registerEcho("transform", &b)
	stack.registerEcho("load", &c)

	steps := []domain.JourneyStep{
		step("extract", "t1", map[string]any{"src": "s"}),
		step("transform", "t1", map[string]any{"src": "s"}),
		step("load", "t1", map[string]any{"src": "s"}),
	}

	j, err := stack.orchestrator.Run(context.Background(), "t1", "sess", steps)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if j.Status != domain.JourneyCompleted {
		t.Errorf("Expected completed journey, got %s", j.Status)
	}
	if len(j.ExecutionIDs) != 3 {
		t.Errorf("Expected three execution IDs, got %d", len(j.ExecutionIDs))
	}
	if a.Load() != 1 || b.Load() != 1 || c.Load() != 1 {
		t.Errorf("Each step must run once, got %d/%d/%d", a.Load(), b.Load(), c.Load())
	}
}

func TestOrchestrator_PartialFailureIsolation(t *testing.T) {
	stack := newJourneyStack(t)
	var first, third atomic.Int64
	stack.registerEcho("extract", &first)
	stack.registerEcho("load", &third)

	var transformAttempts atomic.Int64
	stack.handlers.Register("transform", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			if transformAttempts.Add(1) == 1 {
				return nil, domain.Transient(errors.New("downstream unavailable"))
			}
			return &registry.Result{Output: "transformed"}, nil
		}),
	})

	steps := []domain.JourneyStep{
		step("extract", "t1", map[string]any{"src": "s"}),
		step("transform", "t1", map[string]any{"src": "s"}),
		step("load", "t1", map[string]any{"src": "s"}),
	}

	ctx := context.Background()
	j, err := stack.orchestrator.Run(ctx, "t1", "sess", steps)
	if err == nil {
		t.Fatal("Expected the journey to fail at step 2")
	}
	if j.Status != domain.JourneyFailed || j.FailedStep != 1 {
		t.Fatalf("Expected failure at step index 1, got status=%s failedStep=%d", j.Status, j.FailedStep)
	}
	if third.Load() != 0 {
		t.Error("Steps after the failure must not run")
	}

	// Step 1's artifact survives the failure untouched.
	rec, err := stack.dispatcher.Ledger().Get(ctx, j.ExecutionIDs[0])
	if err != nil {
		t.Fatalf("Step 1 execution missing: %v", err)
	}
	artifact, err := stack.dispatcher.Artifacts().Resolve(ctx, rec.ArtifactIDs[0])
	if err != nil {
		t.Fatalf("Step 1 artifact missing: %v", err)
	}
	if artifact.Lifecycle != domain.LifecyclePending {
		t.Errorf("Step 1 artifact must be unchanged, got %s", artifact.Lifecycle)
	}

	// Retry advances from the failed step without re-invoking step 1.
	retried, err := stack.orchestrator.Retry(ctx, j.JourneyID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != domain.JourneyCompleted {
		t.Errorf("Expected completed after retry, got %s", retried.Status)
	}
	if first.Load() != 1 {
		t.Errorf("Completed steps must never be re-invoked, extract ran %d times", first.Load())
	}
	if transformAttempts.Load() != 2 || third.Load() != 1 {
		t.Errorf("Expected transform=2 load=1, got %d/%d", transformAttempts.Load(), third.Load())
	}
}

func TestOrchestrator_RetryRequiresFailedJourney(t *testing.T) {
	stack := newJourneyStack(t)
	var calls atomic.Int64
	stack.registerEcho("extract", &calls)

	j, err := stack.orchestrator.Run(context.Background(), "t1", "", []domain.JourneyStep{
		step("extract", "t1", nil),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := stack.orchestrator.Retry(context.Background(), j.JourneyID); err == nil {
		t.Error("Retrying a completed journey must fail")
	}
	var ve *domain.ValidationError
	if _, err := stack.orchestrator.Retry(context.Background(), j.JourneyID); !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestOrchestrator_CompensationRunsInReverse(t *testing.T) {
	stack := newJourneyStack(t)
	var order []string
	record := func(name string) registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			order = append(order, name)
			return &registry.Result{Output: name}, nil
		})
	}
	stack.handlers.Register("reserve", registry.Registration{Handler: record("reserve")})
	stack.handlers.Register("charge", registry.Registration{Handler: record("charge")})
	stack.handlers.Register("undo_reserve", registry.Registration{Handler: record("undo_reserve")})
	stack.handlers.Register("undo_charge", registry.Registration{Handler: record("undo_charge")})
	stack.handlers.Register("ship", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return nil, domain.Permanent(errors.New("carrier rejected"))
		}),
	})

	undoReserve := domain.Intent{Type: "undo_reserve", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}
	undoCharge := domain.Intent{Type: "undo_charge", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}

	steps := []domain.JourneyStep{
		{Intent: domain.Intent{Type: "reserve", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}, Compensate: &undoReserve},
		{Intent: domain.Intent{Type: "charge", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}, Compensate: &undoCharge},
		{Intent: domain.Intent{Type: "ship", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}},
	}

	j, err := stack.orchestrator.Run(context.Background(), "t1", "", steps)
	if err == nil {
		t.Fatal("Expected the journey to fail at ship")
	}
	if j.Status != domain.JourneyFailed {
		t.Fatalf("Expected failed journey, got %s", j.Status)
	}

	want := []string{"reserve", "charge", "undo_charge", "undo_reserve"}
	if len(order) != len(want) {
		t.Fatalf("Expected invocations %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Compensation order wrong: expected %v, got %v", want, order)
		}
	}
}

func TestOrchestrator_CompensationSkipsUndeclaredSteps(t *testing.T) {
	stack := newJourneyStack(t)
	var order []string
	record := func(name string) registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			order = append(order, name)
			return &registry.Result{Output: name}, nil
		})
	}
	stack.handlers.Register("log_event", registry.Registration{Handler: record("log_event")})
	stack.handlers.Register("charge", registry.Registration{Handler: record("charge")})
	stack.handlers.Register("undo_charge", registry.Registration{Handler: record("undo_charge")})
	stack.handlers.Register("ship", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return nil, domain.Permanent(errors.New("carrier rejected"))
		}),
	})

	undoCharge := domain.Intent{Type: "undo_charge", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}
	steps := []domain.JourneyStep{
		step("log_event", "t1", map[string]any{"order": "o1"}),
		{Intent: domain.Intent{Type: "charge", TenantID: "t1", Parameters: map[string]any{"order": "o1"}}, Compensate: &undoCharge},
		step("ship", "t1", map[string]any{"order": "o1"}),
	}

	if _, err := stack.orchestrator.Run(context.Background(), "t1", "", steps); err == nil {
		t.Fatal("Expected the journey to fail")
	}

	want := []string{"log_event", "charge", "undo_charge"}
	if len(order) != len(want) {
		t.Fatalf("Expected invocations %v, got %v", want, order)
	}
}

func TestOrchestrator_ResumeMergesStoredContext(t *testing.T) {
	stack := newJourneyStack(t)

	stack.handlers.Register("save_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Output:    "saved",
				Artifacts: []domain.ArtifactSpec{{Type: "draft"}},
				Pending: &domain.PendingJourney{
					NextIntentType: "render_draft",
					Context:        map[string]any{"mode": params["mode"], "dpi": 300},
				},
			}, nil
		}),
		FingerprintFields: []string{"doc", "mode"},
	})

	var seen map[string]any
	stack.handlers.Register("render_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			seen = params
			return &registry.Result{Output: "rendered"}, nil
		}),
	})

	ctx := context.Background()
	saved, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "save_draft",
		TenantID:   "t1",
		Parameters: map[string]any{"doc": "d1", "mode": "pdf"},
	})
	if err != nil {
		t.Fatalf("save_draft failed: %v", err)
	}
	artifactID := saved.Artifacts[0].ArtifactID

	// The caller supplies only the artifact reference; mode comes from the
	// stored context.
	res, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "render_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: artifactID},
	})
	if err != nil {
		t.Fatalf("render_draft failed: %v", err)
	}
	if res.Record.Status != domain.ExecutionCompleted {
		t.Errorf("Expected completed resume, got %s", res.Record.Status)
	}
	if seen["mode"] != "pdf" {
		t.Errorf("Stored context must flow into the resumed intent, got %v", seen["mode"])
	}

	// Equivalence: a fresh intent with mode passed explicitly fingerprints
	// the same as the resumed one, so replay answers it without a second
	// handler invocation.
	seen = nil
	res2, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "render_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: artifactID, "mode": "pdf", "dpi": 300},
	})
	if err != nil {
		t.Fatalf("Equivalent dispatch failed: %v", err)
	}
	if !res2.Replayed {
		t.Error("Equivalent explicit intent must be answered from the ledger")
	}
	if seen != nil {
		t.Error("Equivalent explicit intent must not re-invoke the handler")
	}
}

func TestOrchestrator_CallerParametersWinOverStoredContext(t *testing.T) {
	stack := newJourneyStack(t)

	stack.handlers.Register("save_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Artifacts: []domain.ArtifactSpec{{Type: "draft"}},
				Pending: &domain.PendingJourney{
					NextIntentType: "render_draft",
					Context:        map[string]any{"mode": "pdf"},
				},
			}, nil
		}),
	})

	var seen map[string]any
	stack.handlers.Register("render_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			seen = params
			return &registry.Result{Output: "rendered"}, nil
		}),
	})

	ctx := context.Background()
	saved, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "save_draft",
		TenantID:   "t1",
		Parameters: map[string]any{"doc": "d1"},
	})
	if err != nil {
		t.Fatalf("save_draft failed: %v", err)
	}

	_, err = stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "render_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: saved.Artifacts[0].ArtifactID, "mode": "html"},
	})
	if err != nil {
		t.Fatalf("render_draft failed: %v", err)
	}
	if seen["mode"] != "html" {
		t.Errorf("Explicit caller parameter must win, got %v", seen["mode"])
	}
}

func TestOrchestrator_PendingJourneyConsumedOnce(t *testing.T) {
	stack := newJourneyStack(t)

	stack.handlers.Register("save_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Artifacts: []domain.ArtifactSpec{{Type: "draft"}},
				Pending: &domain.PendingJourney{
					NextIntentType: "render_draft",
					Context:        map[string]any{"mode": "pdf"},
				},
			}, nil
		}),
	})

	var calls atomic.Int64
	var lastParams map[string]any
	stack.handlers.Register("render_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			calls.Add(1)
			lastParams = params
			return &registry.Result{Output: "rendered"}, nil
		}),
		FingerprintFields: []string{domain.KeyArtifactRef, "mode", "nonce"},
	})

	ctx := context.Background()
	saved, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "save_draft",
		TenantID:   "t1",
		Parameters: map[string]any{"doc": "d1"},
	})
	if err != nil {
		t.Fatalf("save_draft failed: %v", err)
	}
	ref := saved.Artifacts[0].ArtifactID

	if _, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "render_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: ref, "nonce": "1"},
	}); err != nil {
		t.Fatalf("First resume failed: %v", err)
	}
	if lastParams["mode"] != "pdf" {
		t.Fatalf("First resume must see stored context, got %v", lastParams["mode"])
	}

	// A completed pending journey no longer injects context: a second fresh
	// intent against the same artifact dispatches as-is.
	if _, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "render_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: ref, "nonce": "2"},
	}); err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}
	if _, ok := lastParams["mode"]; ok {
		t.Error("Consumed pending journey must not inject context again")
	}
	if calls.Load() != 2 {
		t.Errorf("Expected two render invocations, got %d", calls.Load())
	}
}

func TestOrchestrator_ResumeAdvancesPausedJourney(t *testing.T) {
	stack := newJourneyStack(t)

	stack.handlers.Register("save_draft", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{
				Artifacts: []domain.ArtifactSpec{{Type: "draft"}},
				Pending: &domain.PendingJourney{
					NextIntentType: "approve_draft",
					Context:        map[string]any{"reviewer": "ops"},
				},
			}, nil
		}),
	})
	var approved, published atomic.Int64
	stack.registerEcho("approve_draft", &approved)
	stack.registerEcho("publish", &published)

	ctx := context.Background()
	j, err := stack.orchestrator.Run(ctx, "t1", "sess", []domain.JourneyStep{
		step("save_draft", "t1", map[string]any{"doc": "d1"}),
		step("publish", "t1", map[string]any{"doc": "d1"}),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if j.Status != domain.JourneyPendingResume {
		t.Fatalf("Expected the journey to pause, got %s", j.Status)
	}
	if published.Load() != 0 {
		t.Fatal("Steps after the pause must not run yet")
	}

	saveRec, err := stack.dispatcher.Ledger().Get(ctx, j.ExecutionIDs[0])
	if err != nil {
		t.Fatalf("save_draft execution missing: %v", err)
	}

	// The out-of-band approval resolves the pause and the journey finishes.
	if _, err := stack.orchestrator.DispatchResolved(ctx, domain.Intent{
		Type:       "approve_draft",
		TenantID:   "t1",
		Parameters: map[string]any{domain.KeyArtifactRef: saveRec.ArtifactIDs[0]},
	}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	final, err := stack.orchestrator.Journey(ctx, j.JourneyID)
	if err != nil {
		t.Fatalf("Journey lookup failed: %v", err)
	}
	if final.Status != domain.JourneyCompleted {
		t.Errorf("Expected completed journey after resume, got %s", final.Status)
	}
	if approved.Load() != 1 || published.Load() != 1 {
		t.Errorf("Expected approve=1 publish=1, got %d/%d", approved.Load(), published.Load())
	}
}

func TestDecodeResumeContext(t *testing.T) {
	type renderContext struct {
		Mode string `mapstructure:"mode"`
		DPI  int    `mapstructure:"dpi"`
	}

	pending := &domain.PendingJourney{
		Context: map[string]any{"mode": "pdf", "dpi": 300},
	}

	var rc renderContext
	if err := DecodeResumeContext(pending, &rc); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rc.Mode != "pdf" || rc.DPI != 300 {
		t.Errorf("Unexpected decode: %+v", rc)
	}
}
