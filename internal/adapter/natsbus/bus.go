// Package natsbus implements the event bus port using NATS.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentForge/internal/port/eventbus"
)

// Bus implements eventbus.Bus over core NATS publish/subscribe.
// Agent change events are fire-and-forget: a subscriber that misses a
// message converges again on the registry's next resync, so JetStream
// persistence is deliberately not used for the bus itself.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a NATS connection and initializes JetStream
// (used by the natskv cache adapter sharing this connection).
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("agentforge"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	slog.Info("nats connected", "url", url)
	return &Bus{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context for KV bucket creation.
func (b *Bus) JetStream() jetstream.JetStream {
	return b.js
}

// Publish sends a message to the given channel.
func (b *Bus) Publish(_ context.Context, channel string, data []byte) error {
	if err := b.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler eventbus.Handler) (func(), error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			slog.Error("bus handler failed", "channel", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("nats unsubscribe failed", "channel", channel, "error", err)
		}
	}, nil
}

// Close shuts down the NATS connection.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}
