package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans events out through a Redis pub/sub channel so that workers
// running in other processes reach every API instance.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan Event, subscriberBuffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer b.release(ps)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decode(msg.Payload)
				if err != nil {
					log.Printf("Events: dropping malformed message on %s: %v", b.channel, err)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) release(ps *redis.PubSub) {
	b.mu.Lock()
	delete(b.subs, ps)
	b.mu.Unlock()
	ps.Close()
}

// Close ends every subscription. The Redis client belongs to the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ps := range b.subs {
		ps.Close()
		delete(b.subs, ps)
	}
	return nil
}

func decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.JobID == "" {
		return Event{}, fmt.Errorf("event without job id")
	}
	return ev, nil
}
