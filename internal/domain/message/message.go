// Package message defines the wire envelope exchanged with agents.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindBroadcast Kind = "broadcast"
)

// Topics used on agent connections. Every exchange between the service
// and an agent uses one of these, wrapped in an AgentMessage.
const (
	TopicAgentInfo        = "agent:info"
	TopicAgentInfoRequest = "agent:info:request"
	TopicHeartbeat        = "heartbeat"
	TopicHeartbeatAck     = "heartbeat:ack"
	TopicStatusUpdate     = "status:update"
	TopicTaskExecute      = "task:execute"
	TopicTaskResult       = "task:result"
	TopicTaskProgress     = "task:progress"
	TopicAgentEvent       = "agent:event"
	TopicAgentsList       = "agents:list"
	TopicError            = "error"
)

// ServiceID is the From/To value identifying the orchestration service
// itself on the wire.
const ServiceID = "agentforge"

// AgentMessage is the envelope for all traffic on an agent connection.
// CorrelationID links a response back to the request it answers.
type AgentMessage struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Kind          Kind            `json:"type"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// New builds an envelope from the service to an agent.
func New(kind Kind, to, topic string, payload json.RawMessage) AgentMessage {
	return AgentMessage{
		ID:        uuid.NewString(),
		From:      ServiceID,
		To:        to,
		Kind:      kind,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ResponseTo builds a response envelope correlated to req.
func ResponseTo(req AgentMessage, topic string, payload json.RawMessage) AgentMessage {
	resp := New(KindResponse, req.From, topic, payload)
	resp.CorrelationID = req.ID
	return resp
}

// ErrorResponseTo builds an error response correlated to req.
func ErrorResponseTo(req AgentMessage, reason string) AgentMessage {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	return ResponseTo(req, TopicError, payload)
}

// StatusUpdatePayload is carried by status:update events from agents.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

// TaskResultPayload is carried by task:result events from agents.
// Error and Result are mutually exclusive.
type TaskResultPayload struct {
	TaskID   string          `json:"task_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration int64           `json:"duration_ms,omitempty"`
}

// TaskProgressPayload is carried by task:progress events from agents.
type TaskProgressPayload struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Detail   string `json:"detail,omitempty"`
}
