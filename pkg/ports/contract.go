package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunLedgerStoreContract runs a suite of tests to verify that a LedgerStore
// implementation adheres to the defined interface contract.
func RunLedgerStoreContract(t *testing.T, store LedgerStore) {
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405")

	rec := func(id, tenant, fp string) *domain.ExecutionRecord {
		return &domain.ExecutionRecord{
			ExecutionID: id + "-" + suffix,
			Fingerprint: fp,
			TenantID:    tenant,
			IntentType:  "contract_test",
			Status:      domain.ExecutionPending,
			StartedAt:   time.Now().UTC(),
		}
	}

	t.Run("Claim and Get", func(t *testing.T) {
		r := rec("exec-1", "t1", "fp-claim-"+suffix)
		existing, claimed, err := store.Claim(ctx, r)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Nil(t, existing)

		loaded, err := store.Get(ctx, r.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, r.Fingerprint, loaded.Fingerprint)
		assert.Equal(t, domain.ExecutionPending, loaded.Status)
	})

	t.Run("Claim Loses To Existing Slot", func(t *testing.T) {
		fp := "fp-race-" + suffix
		first := rec("exec-first", "t1", fp)
		_, claimed, err := store.Claim(ctx, first)
		require.NoError(t, err)
		require.True(t, claimed)

		second := rec("exec-second", "t1", fp)
		existing, claimed, err := store.Claim(ctx, second)
		require.NoError(t, err)
		assert.False(t, claimed)
		require.NotNil(t, existing)
		assert.Equal(t, first.ExecutionID, existing.ExecutionID)

		// The loser's record must not have been written.
		_, err = store.Get(ctx, second.ExecutionID)
		assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	})

	t.Run("Fingerprint Is Tenant Scoped", func(t *testing.T) {
		fp := "fp-tenant-" + suffix
		_, claimed, err := store.Claim(ctx, rec("exec-t1", "tenant-a", fp))
		require.NoError(t, err)
		require.True(t, claimed)

		_, claimed, err = store.Claim(ctx, rec("exec-t2", "tenant-b", fp))
		require.NoError(t, err)
		assert.True(t, claimed, "same fingerprint under another tenant must claim its own slot")
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-"+suffix)
		assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	})

	t.Run("FindByFingerprint", func(t *testing.T) {
		fp := "fp-find-" + suffix
		r := rec("exec-find", "t1", fp)
		_, _, err := store.Claim(ctx, r)
		require.NoError(t, err)

		found, err := store.FindByFingerprint(ctx, "t1", fp)
		require.NoError(t, err)
		assert.Equal(t, r.ExecutionID, found.ExecutionID)

		_, err = store.FindByFingerprint(ctx, "t1", "fp-unknown-"+suffix)
		assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		r := rec("exec-upd", "t1", "fp-upd-"+suffix)
		_, _, err := store.Claim(ctx, r)
		require.NoError(t, err)

		r.Status = domain.ExecutionCompleted
		r.Result = "done"
		r.CompletedAt = time.Now().UTC()
		require.NoError(t, store.Update(ctx, r))

		loaded, err := store.Get(ctx, r.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionCompleted, loaded.Status)
		assert.Equal(t, "done", loaded.Result)
	})

	t.Run("Release Frees Slot", func(t *testing.T) {
		fp := "fp-release-" + suffix
		r := rec("exec-rel", "t1", fp)
		_, _, err := store.Claim(ctx, r)
		require.NoError(t, err)

		r.Status = domain.ExecutionFailed
		r.ErrorClass = domain.ErrorClassTransient
		require.NoError(t, store.Update(ctx, r))
		require.NoError(t, store.Release(ctx, r))

		// The record survives, but the slot is claimable again.
		_, err = store.Get(ctx, r.ExecutionID)
		require.NoError(t, err)

		retry := rec("exec-rel-retry", "t1", fp)
		_, claimed, err := store.Claim(ctx, retry)
		require.NoError(t, err)
		assert.True(t, claimed, "released slot must be claimable")
	})

	t.Run("ListPendingBefore", func(t *testing.T) {
		old := rec("exec-old", "t1", "fp-old-"+suffix)
		old.StartedAt = time.Now().UTC().Add(-time.Hour)
		_, _, err := store.Claim(ctx, old)
		require.NoError(t, err)

		fresh := rec("exec-fresh", "t1", "fp-fresh-"+suffix)
		_, _, err = store.Claim(ctx, fresh)
		require.NoError(t, err)

		stale, err := store.ListPendingBefore(ctx, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, err)

		ids := make([]string, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ExecutionID)
		}
		assert.Contains(t, ids, old.ExecutionID)
		assert.NotContains(t, ids, fresh.ExecutionID)
	})
}

// RunArtifactStoreContract verifies an ArtifactStore implementation.
func RunArtifactStoreContract(t *testing.T, store ArtifactStore) {
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405")

	art := func(id string, parents ...string) *domain.Artifact {
		return &domain.Artifact{
			ArtifactID: id + "-" + suffix,
			Type:       "document",
			Lifecycle:  domain.LifecyclePending,
			Parents:    parents,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
	}

	t.Run("Save and Get", func(t *testing.T) {
		a := art("a1")
		a.Materializations = []string{"s3://bucket/a1"}
		require.NoError(t, store.Save(ctx, a))

		loaded, err := store.Get(ctx, a.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, a.Type, loaded.Type)
		assert.Equal(t, domain.LifecyclePending, loaded.Lifecycle)
		assert.Equal(t, []string{"s3://bucket/a1"}, loaded.Materializations)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-"+suffix)
		assert.ErrorIs(t, err, domain.ErrArtifactNotFound)
	})

	t.Run("Children Index", func(t *testing.T) {
		parent := art("parent")
		require.NoError(t, store.Save(ctx, parent))

		child := art("child", parent.ArtifactID)
		require.NoError(t, store.Save(ctx, child))

		children, err := store.Children(ctx, parent.ArtifactID)
		require.NoError(t, err)
		assert.Contains(t, children, child.ArtifactID)

		none, err := store.Children(ctx, child.ArtifactID)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Rewrite Preserves Identity", func(t *testing.T) {
		a := art("rewrite")
		require.NoError(t, store.Save(ctx, a))

		a.Lifecycle = domain.LifecycleReady
		a.Materializations = append(a.Materializations, "file:///tmp/rewrite")
		require.NoError(t, store.Save(ctx, a))

		loaded, err := store.Get(ctx, a.ArtifactID)
		require.NoError(t, err)
		assert.Equal(t, domain.LifecycleReady, loaded.Lifecycle)
		assert.Len(t, loaded.Materializations, 1)
	})

	t.Run("List", func(t *testing.T) {
		a := art("list")
		require.NoError(t, store.Save(ctx, a))

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, a.ArtifactID)
	})
}

// RunJourneyStoreContract verifies a JourneyStore implementation.
func RunJourneyStoreContract(t *testing.T, store JourneyStore) {
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405")

	t.Run("Save and Get Journey", func(t *testing.T) {
		j := &domain.Journey{
			JourneyID: "j1-" + suffix,
			TenantID:  "t1",
			Status:    domain.JourneyCreated,
			Steps: []domain.JourneyStep{
				{Intent: domain.Intent{Type: "step_one", TenantID: "t1"}},
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.SaveJourney(ctx, j))

		loaded, err := store.GetJourney(ctx, j.JourneyID)
		require.NoError(t, err)
		assert.Equal(t, domain.JourneyCreated, loaded.Status)
		require.Len(t, loaded.Steps, 1)
		assert.Equal(t, "step_one", loaded.Steps[0].Intent.Type)
	})

	t.Run("Get Non-Existent Journey", func(t *testing.T) {
		_, err := store.GetJourney(ctx, "non-existent-"+suffix)
		assert.ErrorIs(t, err, domain.ErrJourneyNotFound)
	})

	t.Run("Pending Last-Write-Wins", func(t *testing.T) {
		key := "artifact-" + suffix
		first := &domain.PendingJourney{
			JourneyID:      "p1-" + suffix,
			ArtifactKey:    key,
			NextIntentType: "render_draft",
			Context:        map[string]any{"mode": "pdf"},
			Status:         domain.PendingJourneyPending,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, store.SavePending(ctx, first))

		second := &domain.PendingJourney{
			JourneyID:      "p2-" + suffix,
			ArtifactKey:    key,
			NextIntentType: "render_draft",
			Context:        map[string]any{"mode": "html"},
			Status:         domain.PendingJourneyPending,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, store.SavePending(ctx, second))

		loaded, err := store.PendingByArtifact(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "p2-"+suffix, loaded.JourneyID)
		assert.Equal(t, "html", loaded.Context["mode"])
	})

	t.Run("Pending Non-Existent", func(t *testing.T) {
		_, err := store.PendingByArtifact(ctx, "no-pending-"+suffix)
		assert.ErrorIs(t, err, domain.ErrJourneyNotFound)
	})

	t.Run("ListPending", func(t *testing.T) {
		key := "artifact-listed-" + suffix
		p := &domain.PendingJourney{
			JourneyID:      "p3-" + suffix,
			ArtifactKey:    key,
			NextIntentType: "render_draft",
			Status:         domain.PendingJourneyPending,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, store.SavePending(ctx, p))

		keys, err := store.ListPending(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, key)
	})
}
