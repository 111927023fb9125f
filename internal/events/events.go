// Package events carries job state changes from workers to status readers
// and websocket clients.
package events

import (
	"context"
	"sync"
	"time"

	"storf/internal/models"
)

// Event is a job state change.
type Event struct {
	JobID    string          `json:"jobId"`
	State    models.JobState `json:"state"`
	Progress int             `json:"progress"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

// FromJob builds the event describing job's current state.
func FromJob(job *models.Job) Event {
	return Event{
		JobID:    job.ID,
		State:    job.State,
		Progress: job.Progress,
		Attempts: job.Attempts,
		Error:    job.Error,
		At:       time.Now().UTC(),
	}
}

// Bus delivers events to every subscriber. Delivery is best effort: a
// subscriber that does not keep up loses events rather than blocking
// publishers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel that is closed when ctx is done or the bus
	// is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

const subscriberBuffer = 64

// LocalBus is an in-process Bus.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[chan Event]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(ch)
	}()
	return ch, nil
}

func (b *LocalBus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
