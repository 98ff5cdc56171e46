/*
Package espalier is an intent execution engine with exactly-once semantics,
artifact lineage tracking and resumable multi-step journeys.

Callers express side effects as declarative intents. The engine fingerprints
each intent, consults an execution ledger so duplicates are answered without
re-invoking the handler, records every produced artifact with its full
ancestry, and composes intents into journeys that survive failures and
out-of-band pauses.

# Concept

An intent names what should happen (a type plus parameters); a handler is the
single implementation of that effect. Between them sits the runtime: the
ledger claims one execution slot per (tenant, fingerprint), the artifact
registry owns every produced artifact and its forward-only lifecycle, and the
journey orchestrator sequences steps, compensates on failure and resumes
paused instances when the awaited intent arrives. This hexagonal layout keeps
the runtime free of storage and transport: swap the memory adapters for redis
ones and nothing above the ports changes.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/espalier"
		"github.com/aretw0/espalier/pkg/domain"
		"github.com/aretw0/espalier/pkg/registry"
	)

	func main() {
		eng, err := espalier.New()
		if err != nil {
			log.Fatal(err)
		}
		defer eng.Close()

		eng.Register("create_record", registry.Registration{
			Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
				return &registry.Result{
					Output:    "created",
					Artifacts: []domain.ArtifactSpec{{Type: "record"}},
				}, nil
			}),
			FingerprintFields: []string{"name"},
		})

		res, err := eng.Submit(context.Background(), domain.Intent{
			Type:       "create_record",
			TenantID:   "acme",
			Parameters: map[string]any{"name": "invoice-1"},
		})
		if err != nil {
			log.Fatal(err)
		}

		// Submitting the same intent again is answered from the ledger.
		log.Println(res.Record.ExecutionID, res.Record.Status)
	}
*/
package espalier
