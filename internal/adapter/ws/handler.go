// Package ws implements the WebSocket transport for agent connections.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/service"
)

// maxMessageBytes bounds a single inbound envelope.
const maxMessageBytes = 4 << 20

// Handler upgrades agent connections and pumps envelopes between the
// socket and the communicator.
type Handler struct {
	comm   *service.Communicator
	logger *slog.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(comm *service.Communicator, logger *slog.Logger) *Handler {
	return &Handler{
		comm:   comm,
		logger: logger.With("component", "ws"),
	}
}

// ServeHTTP accepts an agent connection. The agent identifies itself
// with the agent_id query parameter; unknown agents are interrogated by
// the communicator's handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	c := &agentConn{ws: ws, cancel: cancel}

	go h.serve(ctx, agentID, c)
}

// serve runs the connection lifecycle: handshake, read loop, disconnect.
// The handshake for an unknown agent waits on an envelope only the read
// loop can deliver, so admission runs concurrently with reading.
func (h *Handler) serve(ctx context.Context, agentID string, c *agentConn) {
	admitted := make(chan error, 1)
	go func() {
		err := h.comm.HandleConnection(ctx, agentID, c)
		if err != nil {
			h.logger.Warn("agent connection rejected", "agent_id", agentID, "error", err)
			c.cancel()
		}
		admitted <- err
	}()

	defer func() {
		c.cancel()
		if err := <-admitted; err == nil {
			h.comm.HandleDisconnect(context.Background(), agentID)
		}
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			h.logger.Debug("read loop ended", "agent_id", agentID, "error", err)
			return
		}

		var msg message.AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("malformed envelope", "agent_id", agentID, "error", err)
			continue
		}
		h.comm.HandleMessage(ctx, agentID, msg)
	}
}

// agentConn adapts one websocket to the connection port. Writes are
// serialized; the read loop stays with the handler.
type agentConn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	wmu    sync.Mutex
}

func (c *agentConn) Send(ctx context.Context, msg message.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *agentConn) Close(reason string) error {
	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
