package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	otelad "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/connection"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
)

// ResultHandler receives task results reported by agents.
type ResultHandler interface {
	HandleTaskResult(ctx context.Context, taskID string, result json.RawMessage, errMsg string, duration time.Duration) error
}

// commReply is what a request waiter receives: the correlated response,
// or the reason none will come.
type commReply struct {
	msg *message.AgentMessage
	err error
}

// Communicator owns the live agent connections and the request/response
// protocol on top of them. The transport adapter feeds inbound envelopes
// to HandleMessage; everything outbound goes through here.
type Communicator struct {
	registry *AgentRegistry
	bus      eventbus.Bus
	cfg      config.Communicator
	metrics  *otelad.Metrics
	logger   *slog.Logger

	onResult ResultHandler

	mu      sync.RWMutex
	conns   map[string]connection.Conn
	pending map[string]map[string]struct{} // agent id -> in-flight request ids

	replies *syncWaiter[commReply]
}

// NewCommunicator creates the communicator. metrics may be nil.
// SetResultHandler must be called before agents connect.
func NewCommunicator(registry *AgentRegistry, bus eventbus.Bus, cfg config.Communicator, metrics *otelad.Metrics, logger *slog.Logger) *Communicator {
	return &Communicator{
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "communicator"),
		conns:    make(map[string]connection.Conn),
		pending:  make(map[string]map[string]struct{}),
		replies:  newSyncWaiter[commReply]("agent response"),
	}
}

// SetResultHandler wires the orchestrator in after construction.
func (c *Communicator) SetResultHandler(h ResultHandler) {
	c.onResult = h
}

// HandleConnection admits a new agent connection. A known agent comes
// straight back to available; an unknown one must answer an info request
// within the handshake timeout or the connection is dropped.
func (c *Communicator) HandleConnection(ctx context.Context, agentID string, conn connection.Conn) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", domain.ErrValidation)
	}

	c.mu.Lock()
	if old, ok := c.conns[agentID]; ok {
		_ = old.Close("superseded by new connection")
	}
	c.conns[agentID] = conn
	c.mu.Unlock()

	if _, err := c.registry.Lookup(ctx, agentID); err == nil {
		if err := c.registry.UpdateStatus(ctx, agentID, agent.StatusAvailable); err != nil {
			c.logger.Warn("mark reconnected agent available", "agent_id", agentID, "error", err)
		}
		c.logger.Info("agent connected", "agent_id", agentID)
		return nil
	}

	req := message.New(message.KindRequest, agentID, message.TopicAgentInfoRequest, nil)
	resp, err := c.sendWithResponse(ctx, agentID, req, c.cfg.HandshakeTimeout, 1)
	if err != nil {
		c.dropConnection(agentID, "handshake failed")
		return fmt.Errorf("handshake with agent %s: %w", agentID, err)
	}

	var reg agent.RegisterRequest
	if err := json.Unmarshal(resp.Payload, &reg); err != nil {
		c.dropConnection(agentID, "malformed agent info")
		return fmt.Errorf("agent %s info payload: %w", agentID, err)
	}
	reg.ID = agentID

	if _, err := c.registry.RegisterAgent(ctx, reg); err != nil {
		c.dropConnection(agentID, "registration rejected")
		return fmt.Errorf("register connecting agent %s: %w", agentID, err)
	}
	c.logger.Info("agent connected and registered", "agent_id", agentID)
	return nil
}

// HandleDisconnect removes the connection, rejects every request still
// waiting on that agent and marks it offline.
func (c *Communicator) HandleDisconnect(ctx context.Context, agentID string) {
	c.mu.Lock()
	delete(c.conns, agentID)
	waiting := c.pending[agentID]
	delete(c.pending, agentID)
	c.mu.Unlock()

	for msgID := range waiting {
		c.replies.deliver(msgID, &commReply{
			err: fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentDisconnected),
		})
	}

	if err := c.registry.UpdateStatus(ctx, agentID, agent.StatusOffline); err != nil {
		c.logger.Warn("mark disconnected agent offline", "agent_id", agentID, "error", err)
	}
	c.logger.Info("agent disconnected", "agent_id", agentID, "rejected_requests", len(waiting))
}

// SendMessage writes one envelope to the agent, fire and forget.
func (c *Communicator) SendMessage(ctx context.Context, agentID string, msg message.AgentMessage) error {
	c.mu.RLock()
	conn, ok := c.conns[agentID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to agent %s: %w", agentID, domain.ErrAgentDisconnected)
	}

	if err := conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to agent %s: %w", agentID, domain.ErrAgentDisconnected)
	}
	if c.metrics != nil {
		c.metrics.MessagesSent.Add(ctx, 1)
	}
	return nil
}

// SendMessageWithResponse sends a request and blocks for the correlated
// response, resending up to the configured retry budget on silence.
func (c *Communicator) SendMessageWithResponse(ctx context.Context, agentID string, msg message.AgentMessage, timeout time.Duration) (*message.AgentMessage, error) {
	return c.sendWithResponse(ctx, agentID, msg, timeout, c.cfg.MaxSendRetries)
}

func (c *Communicator) sendWithResponse(ctx context.Context, agentID string, msg message.AgentMessage, timeout time.Duration, attempts int) (*message.AgentMessage, error) {
	ch := c.replies.register(msg.ID)
	c.trackPending(agentID, msg.ID)
	defer c.untrackPending(agentID, msg.ID)

	for i := 0; i < attempts; i++ {
		if err := c.SendMessage(ctx, agentID, msg); err != nil {
			c.replies.unregister(msg.ID)
			return nil, err
		}

		timer := time.NewTimer(timeout)
		select {
		case r := <-ch:
			timer.Stop()
			if r.err != nil {
				return nil, r.err
			}
			return r.msg, nil
		case <-timer.C:
			if i+1 < attempts {
				c.logger.Warn("no response, resending", "agent_id", agentID, "msg_id", msg.ID, "attempt", i+1)
			}
		case <-ctx.Done():
			timer.Stop()
			c.replies.unregister(msg.ID)
			return nil, ctx.Err()
		}
	}

	c.replies.unregister(msg.ID)
	return nil, fmt.Errorf("agent %s gave no response after %d sends: %w", agentID, attempts, domain.ErrAgentUnresponsive)
}

// DispatchTask sends a task to the agent and waits for the acceptance
// response. An explicit rejection counts as an agent failure.
func (c *Communicator) DispatchTask(ctx context.Context, agentID string, t *task.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	msg := message.New(message.KindRequest, agentID, message.TopicTaskExecute, payload)
	resp, err := c.SendMessageWithResponse(ctx, agentID, msg, c.cfg.ResponseTimeout)
	if err != nil {
		return err
	}
	if resp.Topic == message.TopicError {
		var p struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Payload, &p)
		return fmt.Errorf("agent %s rejected task %s (%s): %w", agentID, t.ID, p.Error, domain.ErrAgentFailure)
	}
	return nil
}

// Broadcast sends the message to every connected agent passing the
// filter and returns how many sends succeeded.
func (c *Communicator) Broadcast(ctx context.Context, filter func(*agent.Agent) bool, msg message.AgentMessage) int {
	c.mu.RLock()
	conns := make(map[string]connection.Conn, len(c.conns))
	for id, conn := range c.conns {
		conns[id] = conn
	}
	c.mu.RUnlock()

	count := 0
	for id, conn := range conns {
		if filter != nil {
			a, ok := c.registry.Get(id)
			if !ok || !filter(a) {
				continue
			}
		}
		m := msg
		m.ID = uuid.NewString()
		m.From = message.ServiceID
		m.To = id
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		if err := conn.Send(ctx, m); err != nil {
			c.logger.Warn("broadcast send failed", "agent_id", id, "error", err)
			continue
		}
		count++
	}
	if c.metrics != nil && count > 0 {
		c.metrics.MessagesSent.Add(ctx, int64(count))
	}
	return count
}

// HandleMessage routes one inbound envelope from the transport.
func (c *Communicator) HandleMessage(ctx context.Context, agentID string, msg message.AgentMessage) {
	switch msg.Kind {
	case message.KindResponse:
		if msg.CorrelationID == "" {
			c.logger.Warn("response without correlation id", "agent_id", agentID, "topic", msg.Topic)
			return
		}
		c.replies.deliver(msg.CorrelationID, &commReply{msg: &msg})

	case message.KindRequest:
		c.handleRequest(ctx, agentID, msg)

	case message.KindEvent:
		c.handleEvent(ctx, agentID, msg)

	default:
		c.logger.Warn("unhandled message kind", "agent_id", agentID, "kind", string(msg.Kind), "topic", msg.Topic)
	}
}

func (c *Communicator) handleRequest(ctx context.Context, agentID string, msg message.AgentMessage) {
	switch msg.Topic {
	case message.TopicAgentsList:
		agents := c.registry.FindAgents(agent.Filter{})
		payload, err := json.Marshal(agents)
		if err != nil {
			c.logger.Error("encode agents list", "error", err)
			return
		}
		c.respond(ctx, agentID, message.ResponseTo(msg, message.TopicAgentsList, payload))

	default:
		c.logger.Warn("unknown request topic", "agent_id", agentID, "topic", msg.Topic)
		c.respond(ctx, agentID, message.ErrorResponseTo(msg, "unknown topic: "+msg.Topic))
	}
}

func (c *Communicator) handleEvent(ctx context.Context, agentID string, msg message.AgentMessage) {
	switch msg.Topic {
	case message.TopicHeartbeat:
		if err := c.registry.UpdateHeartbeat(ctx, agentID); err != nil {
			c.logger.Warn("heartbeat from unknown agent", "agent_id", agentID, "error", err)
			return
		}
		ack := message.New(message.KindEvent, agentID, message.TopicHeartbeatAck, nil)
		ack.CorrelationID = msg.ID
		c.respond(ctx, agentID, ack)

	case message.TopicStatusUpdate:
		var p message.StatusUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("malformed status update", "agent_id", agentID, "error", err)
			return
		}
		if err := c.registry.UpdateStatus(ctx, agentID, agent.Status(p.Status)); err != nil {
			c.logger.Warn("apply status update", "agent_id", agentID, "error", err)
		}

	case message.TopicTaskResult:
		var p message.TaskResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("malformed task result", "agent_id", agentID, "error", err)
			return
		}
		if c.onResult == nil {
			c.logger.Error("task result with no handler wired", "task_id", p.TaskID)
			return
		}
		duration := time.Duration(p.Duration) * time.Millisecond
		if err := c.onResult.HandleTaskResult(ctx, p.TaskID, p.Result, p.Error, duration); err != nil {
			c.logger.Error("handle task result", "task_id", p.TaskID, "error", err)
		}

	case message.TopicTaskProgress:
		if err := c.bus.Publish(ctx, eventbus.ChannelTaskProgress, msg.Payload); err != nil {
			c.logger.Warn("publish task progress", "agent_id", agentID, "error", err)
		}

	case message.TopicAgentInfo:
		// Unsolicited info refreshes the registration.
		var reg agent.RegisterRequest
		if err := json.Unmarshal(msg.Payload, &reg); err != nil {
			c.logger.Warn("malformed agent info", "agent_id", agentID, "error", err)
			return
		}
		reg.ID = agentID
		if _, err := c.registry.RegisterAgent(ctx, reg); err != nil {
			c.logger.Warn("refresh agent registration", "agent_id", agentID, "error", err)
		}

	case message.TopicAgentEvent:
		c.logger.Info("agent event", "agent_id", agentID, "payload", string(msg.Payload))

	default:
		c.logger.Warn("unknown event topic", "agent_id", agentID, "topic", msg.Topic)
	}
}

// ConnectedAgents returns the ids of agents with live connections.
func (c *Communicator) ConnectedAgents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every connection.
func (c *Communicator) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]connection.Conn)
	c.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close("service shutting down"); err != nil {
			c.logger.Debug("close connection", "agent_id", id, "error", err)
		}
	}
}

func (c *Communicator) respond(ctx context.Context, agentID string, msg message.AgentMessage) {
	if err := c.SendMessage(ctx, agentID, msg); err != nil {
		c.logger.Warn("send reply", "agent_id", agentID, "topic", msg.Topic, "error", err)
	}
}

func (c *Communicator) dropConnection(agentID, reason string) {
	c.mu.Lock()
	conn, ok := c.conns[agentID]
	delete(c.conns, agentID)
	c.mu.Unlock()
	if ok {
		_ = conn.Close(reason)
	}
}

func (c *Communicator) trackPending(agentID, msgID string) {
	c.mu.Lock()
	if c.pending[agentID] == nil {
		c.pending[agentID] = make(map[string]struct{})
	}
	c.pending[agentID][msgID] = struct{}{}
	c.mu.Unlock()
}

func (c *Communicator) untrackPending(agentID, msgID string) {
	c.mu.Lock()
	if set, ok := c.pending[agentID]; ok {
		delete(set, msgID)
		if len(set) == 0 {
			delete(c.pending, agentID)
		}
	}
	c.mu.Unlock()
}
