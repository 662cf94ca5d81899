package fanout

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by all instances.
const DefaultRedisChannel = "pairchat:fanout"

// RedisBus fans out over a single Redis pub/sub channel. Only instances
// subscribed at publish time receive an event. The client is not owned by
// the bus and is left open on Close.
type RedisBus struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				log.Printf("[redis] Dropping malformed envelope: %v", err)
				continue
			}
			h(env)
		}
	}()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	log.Printf("[redis] Subscribed to fanout channel %s", b.channel)
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		// A subscription whose context ended is already closed.
		_ = sub.Close()
	}
	return nil
}
