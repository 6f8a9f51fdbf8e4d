// Package database defines the persistent store port (interface).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/task"
)

// Store is the port interface for durable agent and task persistence.
type Store interface {
	AgentStore
	TaskStore
}

// AgentStore covers the agents collection.
type AgentStore interface {
	// GetAgent returns the agent or domain.ErrNotFound.
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)

	// ListAgents returns agents matching the filter. A zero filter
	// returns every agent.
	ListAgents(ctx context.Context, f agent.Filter) ([]agent.Agent, error)

	// UpsertAgent inserts or fully replaces the agent record keyed by id.
	UpsertAgent(ctx context.Context, a *agent.Agent) error

	// UpdateAgentStatus conditionally sets the status and returns the
	// updated record, or domain.ErrNotFound when the agent is unknown.
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status) (*agent.Agent, error)

	// UpdateAgentHeartbeat bumps last_heartbeat to now. The boolean
	// reports whether the agent was found.
	UpdateAgentHeartbeat(ctx context.Context, id string) (bool, error)

	// UpdateAgentMetrics replaces the agent's rolling metrics.
	UpdateAgentMetrics(ctx context.Context, id string, m agent.Metrics) error

	// MarkStaleAgentsOffline flips every non-offline agent whose last
	// heartbeat is older than the cutoff to offline and returns their ids.
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteAgent removes the record, or returns domain.ErrNotFound.
	DeleteAgent(ctx context.Context, id string) error
}

// TaskStore covers the tasks collection.
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask returns the task or domain.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// UpdateTask fully replaces the mutable fields of the task record.
	UpdateTask(ctx context.Context, t *task.Task) error

	// UpdateTaskStatus sets the status (and assigned agent, when non-empty).
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, assignedAgentID string) error

	// UpdateTaskResult records a terminal result. Result and errMsg are
	// mutually exclusive; completed_at is stamped.
	UpdateTaskResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error

	// ListTasksByStatus returns up to limit tasks with the status,
	// most recent first.
	ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error)

	// ListTasksByPriority returns up to limit tasks with the priority,
	// most recent first.
	ListTasksByPriority(ctx context.Context, p task.Priority, limit int) ([]task.Task, error)

	// CountTasksByStatus returns the number of stored tasks per status.
	CountTasksByStatus(ctx context.Context) (map[task.Status]int64, error)

	// PurgeExpiredTasks deletes terminal tasks completed before the
	// cutoff and returns the count removed.
	PurgeExpiredTasks(ctx context.Context, cutoff time.Time) (int64, error)
}
