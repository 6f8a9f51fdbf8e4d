package redis

import (
	"context"
	"log/slog"

	"github.com/Strob0t/AgentForge/internal/port/eventbus"
)

// Bus implements the event bus port over Redis pub/sub. Channel names
// map 1:1 to the NATS subjects used by the natsbus adapter.
type Bus struct {
	c *Client
}

// NewBus returns a Redis-backed event bus.
func NewBus(c *Client) *Bus {
	return &Bus{c: c}
}

// Publish sends a message to the given channel.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	return b.c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe registers a handler for messages on the given channel.
// The handler runs on a dedicated goroutine per subscription.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler eventbus.Handler) (func(), error) {
	ps := b.c.rdb.Subscribe(ctx, channel)

	// Force the subscription to be established before returning.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			if err := handler(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				slog.Error("bus handler failed", "channel", msg.Channel, "error", err)
			}
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			slog.Error("redis unsubscribe failed", "channel", channel, "error", err)
		}
	}, nil
}

// Close is a no-op; the underlying client is shared and closed by main.
func (b *Bus) Close() error {
	return nil
}
