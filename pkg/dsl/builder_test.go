package dsl

import (
	"errors"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
)

func TestBuilder_BuildsOrderedSteps(t *testing.T) {
	steps, err := NewJourney("acme").
		Session("sess-1").
		Step("extract").Param("src", "s3://in").
		Step("transform").With(map[string]any{"format": "parquet"}).
		Step("load").Param("dst", "warehouse").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(steps))
	}
	for i, want := range []string{"extract", "transform", "load"} {
		if steps[i].Intent.Type != want {
			t.Errorf("Step %d: expected %s, got %s", i, want, steps[i].Intent.Type)
		}
		if steps[i].Intent.TenantID != "acme" || steps[i].Intent.SessionID != "sess-1" {
			t.Errorf("Step %d: identity not applied: %+v", i, steps[i].Intent)
		}
	}
	if steps[1].Intent.Parameters["format"] != "parquet" {
		t.Errorf("Unexpected transform params: %v", steps[1].Intent.Parameters)
	}
}

func TestBuilder_CompensationInheritsIdentity(t *testing.T) {
	steps, err := NewJourney("acme").
		Step("reserve_stock").Param("sku", "A-1").
		Undo("release_stock", map[string]any{"sku": "A-1"}).
		Step("ship_order").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	comp := steps[0].Compensate
	if comp == nil {
		t.Fatal("Expected a compensating intent on the first step")
	}
	if comp.Type != "release_stock" || comp.TenantID != "acme" {
		t.Errorf("Unexpected compensation: %+v", comp)
	}
	if steps[1].Compensate != nil {
		t.Error("Steps without Undo must have no compensation")
	}
}

func TestBuilder_EmptyJourneyFails(t *testing.T) {
	_, err := NewJourney("acme").Build()
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}
