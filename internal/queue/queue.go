package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"eduvision/internal/model"
)

// Queue buffers observation events between the HTTP ingest layer and the
// session manager's consume loop.
type Queue interface {
	Publish(ctx context.Context, evt model.ObservationEvent) error
	Consume(ctx context.Context) (<-chan model.ObservationEvent, error)
}

// InMemory is a bounded channel-backed queue, the default for a single
// process. Events are lost on crash; durable attendance state lives in the
// local store, not here.
type InMemory struct {
	ch chan model.ObservationEvent
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan model.ObservationEvent, size)}
}

// Publish enqueues an event.
func (q *InMemory) Publish(ctx context.Context, evt model.ObservationEvent) error {
	select {
	case q.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for the session manager loop.
func (q *InMemory) Consume(ctx context.Context) (<-chan model.ObservationEvent, error) {
	out := make(chan model.ObservationEvent)
	go func() {
		defer close(out)
		for {
			select {
			case evt := <-q.ch:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue for deployments where cameras
// publish from separate hosts.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "eduvision:observations"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an event as JSON.
func (q *RedisQueue) Publish(ctx context.Context, evt model.ObservationEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams events using BRPOP. Malformed payloads are logged and
// skipped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan model.ObservationEvent, error) {
	out := make(chan model.ObservationEvent)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err != redis.Nil {
					log.Printf("queue: brpop: %v", err)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var evt model.ObservationEvent
			if err := json.Unmarshal([]byte(res[1]), &evt); err != nil {
				log.Printf("queue: dropping malformed payload: %v", err)
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
