package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_Transitions(t *testing.T) {
	tests := []struct {
		from JobState
		to   JobState
		ok   bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobFailed, true},
		{JobPending, JobCompleted, true},
		{JobRunning, JobRunning, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobPending, false},
		{JobCompleted, JobRunning, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobPending, false},
		{JobFailed, JobRunning, false},
		{JobFailed, JobCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestJob_ProgressIsMonotonicWithinAttempt(t *testing.T) {
	job := &Job{State: JobPending}

	require.NoError(t, job.SetProgress(1, 10))
	assert.Equal(t, JobRunning, job.State)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, job.SetProgress(1, 80))
	require.NoError(t, job.SetProgress(1, 20))
	assert.Equal(t, 80, job.Progress)

	require.NoError(t, job.SetProgress(1, 150))
	assert.Equal(t, 100, job.Progress)
}

func TestJob_NewAttemptRestartsProgress(t *testing.T) {
	job := &Job{State: JobPending}
	require.NoError(t, job.SetProgress(1, 80))

	require.NoError(t, job.Retry(1))
	assert.Equal(t, JobRunning, job.State)
	assert.Equal(t, 0, job.Progress)
	assert.Empty(t, job.Error)

	require.NoError(t, job.SetProgress(2, 10))
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 10, job.Progress)
}

func TestJob_TerminalStatesAreSticky(t *testing.T) {
	job := &Job{State: JobRunning, Attempts: 1}
	require.NoError(t, job.Complete(&Result{Stdout: "ok"}))
	assert.Equal(t, 100, job.Progress)

	var ite *ErrInvalidTransition
	assert.ErrorAs(t, job.Fail(1, "late failure"), &ite)
	assert.ErrorAs(t, job.SetProgress(2, 10), &ite)
	assert.ErrorAs(t, job.Retry(2), &ite)
	assert.Equal(t, JobCompleted, job.State)
	assert.Empty(t, job.Error)

	failed := &Job{State: JobRunning}
	require.NoError(t, failed.Fail(3, "boom"))
	assert.Equal(t, 3, failed.Attempts)
	assert.ErrorAs(t, failed.Complete(nil), &ite)
	assert.Equal(t, JobFailed, failed.State)
}

func TestJob_ReclaimedAttemptKeepsProgress(t *testing.T) {
	job := &Job{State: JobPending}
	require.NoError(t, job.Start(1))
	require.NoError(t, job.SetProgress(1, 80))

	// Same attempt picked up again after its lease expired.
	require.NoError(t, job.Start(1))
	assert.Equal(t, 80, job.Progress)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, job.SetProgress(1, 10))
	assert.Equal(t, 80, job.Progress)

	require.NoError(t, job.Start(2))
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 2, job.Attempts)
}

func TestJob_StartClearsError(t *testing.T) {
	job := &Job{State: JobRunning, Attempts: 1, Error: "left over"}
	require.NoError(t, job.Start(2))
	assert.Empty(t, job.Error)
}
