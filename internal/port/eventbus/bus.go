// Package eventbus defines the cross-instance publish/subscribe port.
package eventbus

import (
	"context"
	"time"
)

// Handler processes a message received on a channel.
type Handler func(ctx context.Context, channel string, data []byte) error

// Bus is the port interface for the shared event channel that keeps
// registry instances convergent. Delivery is best-effort; the registry's
// periodic resync covers missed messages.
type Bus interface {
	// Publish sends a message to the given channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers a handler for messages on the given channel.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, channel string, handler Handler) (cancel func(), err error)

	// Close shuts down the bus connection.
	Close() error
}

// Channels carrying agent change events between service instances.
const (
	ChannelAgentUpserted = "agents.upserted"
	ChannelAgentStatus   = "agents.status"
	ChannelAgentDeleted  = "agents.deleted"
	ChannelTaskProgress  = "tasks.progress"
)

// StatusChanged is the payload published on ChannelAgentStatus.
type StatusChanged struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentDeleted is the payload published on ChannelAgentDeleted.
type AgentDeleted struct {
	AgentID string `json:"agent_id"`
}
