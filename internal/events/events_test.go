package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/models"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestLocalBus_FanOut(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()
	ctx := context.Background()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	ev := Event{JobID: "j1", State: models.JobRunning, Progress: 20}
	require.NoError(t, bus.Publish(ctx, ev))

	assert.Equal(t, ev, receive(t, a))
	assert.Equal(t, ev, receive(t, b))
}

func TestLocalBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = bus.Publish(ctx, Event{JobID: "j", Progress: i % 100})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestLocalBus_UnsubscribeOnCancelAndClose(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	other, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	_, ok := <-other
	assert.False(t, ok)

	late, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	_, ok = <-late
	assert.False(t, ok)
}

func TestFromJob(t *testing.T) {
	ev := FromJob(&models.Job{ID: "j", State: models.JobFailed, Progress: 80, Attempts: 3, Error: "boom"})
	assert.Equal(t, "j", ev.JobID)
	assert.Equal(t, models.JobFailed, ev.State)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, "boom", ev.Error)
	assert.False(t, ev.At.IsZero())
}

func TestDecode(t *testing.T) {
	payload, err := json.Marshal(Event{JobID: "j", State: models.JobCompleted, Progress: 100})
	require.NoError(t, err)

	ev, err := decode(string(payload))
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, ev.State)

	_, err = decode(`{"state":"running"}`)
	assert.Error(t, err)
	_, err = decode(`not json`)
	assert.Error(t, err)
}

func TestRedisBus_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	bus := NewRedisBus(client, "storf:test")
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, bus.Publish(ctx, Event{JobID: "j"}))
	_, err := bus.Subscribe(ctx)
	assert.Error(t, err)
}
