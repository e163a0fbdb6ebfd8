package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a networked notification bus over Redis PUBLISH/SUBSCRIBE,
// grounded on gnotnek-golang-redisq's client.go redis.NewClient wiring.
// It lets multiple senpuki processes (a dispatcher and a fleet of
// worker processes on other hosts) share wake-up notifications.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus parses a redis:// or rediss:// URL the same way
// gnotnek-golang-redisq configures its client, and opens a connection.
func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("notify: redis subscribe %s: %w", topic, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case rm, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decode([]byte(rm.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { pubsub.Close() }, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
