package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/otcollab/docengine/pkg/logger"
)

// RedisBus fans document events out across server nodes via Redis
// pub/sub, so a client attached to node A observes edits made on node
// B. Redis pub/sub is at-most-once on disconnect, not at-least-once;
// callers relying on the stronger guarantee spec.md §4.4 assumes
// should pair this with the engine's own version-gap detection
// (TooStale triggers a resync), same as any missed message would.
type RedisBus struct {
	client *redis.Client
	origin string
}

// NewRedisClient builds a Redis client for the given address,
// password, and database number. It reads no environment itself;
// cmd/server passes REDIS_ADDR and REDIS_PASSWORD through.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisBus wraps an existing client. origin identifies this server
// node in published messages (unused for correctness today, useful
// for future self-filtering and diagnostics).
func NewRedisBus(client *redis.Client, origin string) *RedisBus {
	return &RedisBus{client: client, origin: origin}
}

func (b *RedisBus) Publish(ctx context.Context, documentID string, msg Message) error {
	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Topic(documentID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, documentID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Topic(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Topic(documentID), err)
	}

	sub := &redisSubscription{pubsub: pubsub, ch: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for raw := range s.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			logger.Error("fanout: malformed message on %s: %v", raw.Channel, err)
			continue
		}
		s.ch <- msg
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
