package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimeworks/chime/errors"
)

func TestNewJobDefaults(t *testing.T) {
	eta := time.Now().Add(time.Hour)
	j, err := New("alice", "report.build", "monthly report", json.RawMessage(`{"month":"07"}`), eta)
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, 0, j.AttemptCount)
	assert.Equal(t, eta, j.ScheduledTime)
	assert.Empty(t, j.ExecutionHandle)
	assert.False(t, j.CreatedAt.IsZero())
}

func TestNewJobValidation(t *testing.T) {
	eta := time.Now().Add(time.Hour)

	_, err := New("alice", "", "", nil, eta)
	assert.True(t, errors.IsInvalidRequest(err), "empty name must be invalid")

	_, err = New("", "report.build", "", nil, eta)
	assert.True(t, errors.IsInvalidRequest(err), "empty owner must be invalid")

	_, err = New("alice", "report.build", "", nil, time.Time{})
	assert.Error(t, err, "zero scheduled time must be rejected")
}

func TestJobLifecycleHappyPath(t *testing.T) {
	j, err := New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	eta := time.Now().Add(time.Minute)
	require.NoError(t, j.MarkScheduled("handle-1", eta))
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Equal(t, "handle-1", j.ExecutionHandle)
	assert.Equal(t, eta, j.ScheduledTime)

	require.NoError(t, j.MarkRunning())
	assert.Equal(t, StatusRunning, j.Status)

	require.NoError(t, j.MarkCompleted(json.RawMessage(`{"rows":42}`)))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.JSONEq(t, `{"rows":42}`, string(j.Result))
	assert.Empty(t, j.Error)
	assert.Empty(t, j.ExecutionHandle)
}

func TestJobFailureAndRetry(t *testing.T) {
	j, err := New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, j.MarkScheduled("h1", time.Now()))
	require.NoError(t, j.MarkRunning())

	require.NoError(t, j.MarkFailed("connection refused"))
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "connection refused", j.Error)
	assert.Nil(t, j.Result)

	// Failed -> Scheduled clears the stale error and records the new placement
	retryETA := time.Now().Add(2 * time.Minute)
	require.NoError(t, j.MarkRetryScheduled("h2", retryETA))
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Empty(t, j.Error)
	assert.Equal(t, "h2", j.ExecutionHandle)
	assert.Equal(t, retryETA, j.ScheduledTime)
}

func TestJobCancellation(t *testing.T) {
	j, err := New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, j.MarkCancelled("cancelled by user"))
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, "cancelled by user", j.Error)

	// Terminal: nothing moves a cancelled job
	assert.Error(t, j.MarkRunning())
	assert.Error(t, j.MarkScheduled("h", time.Now()))
	assert.Error(t, j.MarkCompleted(nil))
}

func TestIllegalTransitionsRejected(t *testing.T) {
	j, err := New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	// Pending cannot run or complete directly
	assert.Error(t, j.MarkRunning())
	assert.Error(t, j.MarkCompleted(nil))
	assert.Equal(t, StatusPending, j.Status, "failed transition must not change status")
}

func TestUpdatedAtAdvancesOnTransition(t *testing.T) {
	j, err := New("alice", "report.build", "", nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	before := j.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, j.MarkScheduled("h", time.Now()))
	assert.True(t, j.UpdatedAt.After(before))
}
