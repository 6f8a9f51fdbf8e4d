// Package connection defines the port for a live agent connection.
package connection

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/message"
)

// Conn is one physical duplex connection to an agent. The transport
// adapter owns the read loop; the communicator only writes.
type Conn interface {
	// Send writes one envelope to the agent.
	Send(ctx context.Context, msg message.AgentMessage) error

	// Close tears down the connection with a reason visible to the agent.
	Close(reason string) error
}
