package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimeworks/chime/errors"
	chimetest "github.com/chimeworks/chime/internal/testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(chimetest.CreateTestDB(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func mustNewJob(t *testing.T, owner, name string) *Job {
	t.Helper()
	j, err := New(owner, name, "", json.RawMessage(`{"k":"v"}`), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := mustNewJob(t, "alice", "report.build")
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "report.build", got.Name)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
	assert.Equal(t, DefaultMaxAttempts, got.MaxAttempts)
}

func TestGetJobNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "no-such-job")
	assert.True(t, errors.IsNotFound(err))
}

func TestNullColumnsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No description, payload, result, or error
	j, err := New("bob", "demo.echo", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Description)
	assert.Empty(t, got.Payload)
	assert.Empty(t, got.Result)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.ExecutionHandle)
}

func TestUpdateJobAppliesMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := mustNewJob(t, "alice", "report.build")
	require.NoError(t, store.CreateJob(ctx, j))

	eta := time.Now().Add(30 * time.Minute).UTC()
	updated, err := store.UpdateJob(ctx, j.ID, func(j *Job) error {
		return j.MarkScheduled("handle-42", eta)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, updated.Status)
	assert.Equal(t, "handle-42", updated.ExecutionHandle)

	// Re-read to confirm persistence
	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, "handle-42", got.ExecutionHandle)
	assert.WithinDuration(t, eta, got.ScheduledTime, time.Second)
}

func TestUpdateJobMutationErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j := mustNewJob(t, "alice", "report.build")
	require.NoError(t, store.CreateJob(ctx, j))

	_, err := store.UpdateJob(ctx, j.ID, func(j *Job) error {
		return j.MarkCompleted(nil) // illegal from Pending
	})
	assert.Error(t, err)

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "rolled-back mutation must not persist")
}

func TestUpdateJobNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpdateJob(context.Background(), "missing", func(j *Job) error { return nil })
	assert.True(t, errors.IsNotFound(err))
}

func TestListByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := mustNewJob(t, "alice", "report.build")
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateJob(ctx, j))
	}
	require.NoError(t, store.CreateJob(ctx, mustNewJob(t, "bob", "demo.echo")))

	jobs, err := store.ListByOwner(ctx, "alice", nil, 50)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, "alice", j.Owner)
	}

	// Newest first
	for i := 1; i < len(jobs); i++ {
		assert.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt))
	}
}

func TestListByOwnerStatusFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j1 := mustNewJob(t, "alice", "report.build")
	require.NoError(t, store.CreateJob(ctx, j1))
	_, err := store.UpdateJob(ctx, j1.ID, func(j *Job) error {
		return j.MarkCancelled("cancelled by user")
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateJob(ctx, mustNewJob(t, "alice", "report.build")))

	cancelled := StatusCancelled
	jobs, err := store.ListByOwner(ctx, "alice", &cancelled, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, j1.ID, jobs[0].ID)
}

func TestListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, mustNewJob(t, "alice", "report.build")))
	require.NoError(t, store.CreateJob(ctx, mustNewJob(t, "bob", "demo.echo")))

	jobs, err := store.ListByStatus(ctx, StatusPending, 100)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.ListByStatus(ctx, StatusRunning, 100)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	j1 := mustNewJob(t, "alice", "report.build")
	require.NoError(t, store.CreateJob(ctx, j1))
	_, err := store.UpdateJob(ctx, j1.ID, func(j *Job) error {
		return j.MarkCancelled("cancelled by user")
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(ctx, mustNewJob(t, "alice", "report.build")))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCancelled])
}
