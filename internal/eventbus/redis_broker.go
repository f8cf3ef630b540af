// redis_broker.go implements eventbus.Broker over github.com/redis/go-redis/v9
// pub/sub.
package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a Broker backed by a single Redis client connection.
type RedisBroker struct {
	client    *redis.Client
	connected atomic.Bool
}

// NewRedisBroker wraps an existing Redis client as a Broker. A background
// health probe should call SetConnected as reconnection state changes.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	b := &RedisBroker{client: client}
	b.connected.Store(true)
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) (func(), error) {
	sub := b.client.PSubscribe(ctx, pattern)
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			case <-done:
				return
			}
		}
	}()
	unsubscribe := func() {
		close(done)
		_ = sub.Close()
	}
	return unsubscribe, nil
}

func (b *RedisBroker) Connected() bool { return b.connected.Load() }

// SetConnected is called by the reconnection loop as broker availability
// changes.
func (b *RedisBroker) SetConnected(v bool) { b.connected.Store(v) }

// Ping probes the connection, updating the connected flag accordingly.
func (b *RedisBroker) Ping(ctx context.Context) error {
	err := b.client.Ping(ctx).Err()
	b.connected.Store(err == nil)
	return err
}
