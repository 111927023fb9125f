package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/models"
)

func TestQueue_WorkerRegistry(t *testing.T) {
	q, c := newTestQueue(t, defaultOptions())
	ctx := context.Background()

	require.NoError(t, q.Heartbeat(ctx, &models.Worker{ID: "host-a:1", Hostname: "host-a", PID: 10}))
	require.NoError(t, q.Heartbeat(ctx, &models.Worker{ID: "host-b:1", Hostname: "host-b", PID: 11}))

	workers, err := q.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	c.Advance(45 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, &models.Worker{
		ID: "host-a:1", Hostname: "host-a", PID: 10,
		Status: models.WorkerBusy, CurrentJobID: "job-1",
	}))
	c.Advance(30 * time.Second)

	workers, err = q.ActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "host-a:1", workers[0].ID)
	assert.Equal(t, models.WorkerBusy, workers[0].Status)
	assert.Equal(t, "job-1", workers[0].CurrentJobID)

	require.NoError(t, q.Deregister(ctx, "host-a:1"))
	workers, err = q.ActiveWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestQueue_Condition(t *testing.T) {
	q, c := newTestQueue(t, defaultOptions())
	ctx := context.Background()

	jobID := uuid.NewString()
	_, err := q.Enqueue(ctx, jobID)
	require.NoError(t, err)

	entry, err := q.Find(ctx, jobID)
	require.NoError(t, err)
	cond, err := q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, cond, "young entries are not stuck")

	c.Advance(2 * time.Minute)
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ConditionNoWorkers, cond)

	require.NoError(t, q.Heartbeat(ctx, &models.Worker{ID: "w1", Hostname: "h"}))
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ConditionBacklogged, cond)

	lease, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)
	entry, err = q.Find(ctx, jobID)
	require.NoError(t, err)
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, cond)

	c.Advance(time.Minute)
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ConditionStalled, cond)
}

func TestQueue_ConditionOfDueRetry(t *testing.T) {
	q, c := newTestQueue(t, defaultOptions())
	ctx := context.Background()

	jobID := uuid.NewString()
	_, err := q.Enqueue(ctx, jobID)
	require.NoError(t, err)
	lease, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = q.Ack(ctx, lease, Outcome{Err: errors.New("exit status 1")})
	require.NoError(t, err)

	entry, err := q.Find(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.QueueDelayed, entry.State)
	cond, err := q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, cond, "still backing off")

	// Backoff of 2s elapsed long ago and nobody is heartbeating.
	c.Advance(5 * time.Minute)
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ConditionNoWorkers, cond)

	require.NoError(t, q.Heartbeat(ctx, &models.Worker{ID: "w2", Hostname: "h"}))
	cond, err = q.Condition(ctx, entry, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ConditionBacklogged, cond)
}
