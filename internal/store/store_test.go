package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/apperrors"
	"storf/internal/models"
	"storf/internal/options"
	"storf/internal/testutil"
)

func newJob() *models.Job {
	return &models.Job{
		ID:       uuid.NewString(),
		Filename: "genome.fasta",
		Input:    models.InputRef{Kind: models.InputEmbedded, Content: []byte(">a\nACGT\n"), Size: 8},
		Options:  options.Defaults(),
	}
}

func TestStore_CreateGet(t *testing.T) {
	s := New(testutil.NewDB(t))
	ctx := context.Background()

	job := newJob()
	job.Options.MinLen = 42
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.State)
	assert.Equal(t, 42, got.Options.MinLen)
	assert.Equal(t, []byte(">a\nACGT\n"), got.Input.Content)
	assert.Nil(t, got.Result)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func TestStore_GetUnknown(t *testing.T) {
	s := New(testutil.NewDB(t))

	_, err := s.Get(context.Background(), uuid.NewString())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_UpdateAppliesMutation(t *testing.T) {
	s := New(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob()
	require.NoError(t, s.Create(ctx, job))

	updated, err := s.Update(ctx, job.ID, func(j *models.Job) error {
		return j.Complete(&models.Result{
			Stdout:  "done",
			Outputs: map[string]models.Output{"primary-annotation": {Filename: "a.gff"}},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, updated.State)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "a.gff", got.Result.Outputs["primary-annotation"].Filename)
}

func TestStore_UpdateRejectedMutationWritesNothing(t *testing.T) {
	s := New(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob()
	require.NoError(t, s.Create(ctx, job))

	_, err := s.Update(ctx, job.ID, func(j *models.Job) error { return j.Fail(1, "boom") })
	require.NoError(t, err)

	_, err = s.Update(ctx, job.ID, func(j *models.Job) error { return j.Complete(nil) })
	var ite *models.ErrInvalidTransition
	require.True(t, errors.As(err, &ite))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.State)
	assert.Equal(t, "boom", got.Error)
}

func TestStore_UpdateUnknown(t *testing.T) {
	s := New(testutil.NewDB(t))
	_, err := s.Update(context.Background(), uuid.NewString(), func(*models.Job) error { return nil })
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_ListAndDelete(t *testing.T) {
	s := New(testutil.NewDB(t))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := newJob()
		require.NoError(t, s.Create(ctx, job))
		ids = append(ids, job.ID)
	}
	_, err := s.Update(ctx, ids[0], func(j *models.Job) error { return j.Fail(3, "x") })
	require.NoError(t, err)

	jobs, total, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, jobs, 3)
	assert.Nil(t, jobs[0].Input.Content)

	failed, total, err := s.List(ctx, Filter{States: []models.JobState{models.JobFailed}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, ids[0], failed[0].ID)

	page, total, err := s.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, page, 2)

	old, _, err := s.List(ctx, Filter{CreatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, old)

	require.NoError(t, s.Delete(ctx, ids[1]))
	assert.True(t, apperrors.IsNotFound(s.Delete(ctx, ids[1])))
	_, err = s.Get(ctx, ids[1])
	assert.True(t, apperrors.IsNotFound(err))
}
