package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/models"
)

// newTestStore connects to TEST_POSTGRES_DSN or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func TestUpsertAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	session := "sess-" + uuid.NewString()
	job := models.Job{
		ID:        "single-generation_" + uuid.NewString(),
		Type:      models.TypeSingleGeneration,
		Status:    models.StatusInProgress,
		Progress:  models.Progress{Percentage: 10, Message: "Generating", Stage: models.StageGenerating},
		Metadata:  map[string]any{models.MetaSessionID: session, models.MetaOrder: 3},
		CreatedAt: now,
		StartedAt: &now,
		UpdatedAt: now,
	}
	require.NoError(t, st.UpsertJob(ctx, job))

	done := now.Add(time.Second)
	job.Status = models.StatusCompleted
	job.Result = &models.Result{Content: "text", TokensUsed: 4}
	job.CompletedAt = &done
	job.UpdatedAt = done
	require.NoError(t, st.UpsertJob(ctx, job))

	// An older snapshot never overwrites a newer one.
	stale := job
	stale.Status = models.StatusInProgress
	stale.UpdatedAt = now
	require.NoError(t, st.UpsertJob(ctx, stale))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "text", got.Result.Content)
	assert.EqualValues(t, 3, got.Metadata[models.MetaOrder])
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	list, err := st.ListBySession(ctx, session)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = st.GetJob(ctx, "missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAuditTrail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := "job-" + uuid.NewString()

	require.NoError(t, st.AppendAudit(ctx, id, "pending", "Queued"))
	require.NoError(t, st.AppendAudit(ctx, id, "failed", ""))

	entries, err := st.Audit(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pending", entries[0].Event)
	assert.Equal(t, "Queued", entries[0].Detail)
	assert.Empty(t, entries[1].Detail)
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_generation_jobs.sql", "0002_job_audit.sql"}, names)
}

func TestRunMigrationsIsRepeatable(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.RunMigrations(context.Background()))

	var applied int
	require.NoError(t, st.pool.QueryRow(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&applied))
	assert.GreaterOrEqual(t, applied, 2)
}
