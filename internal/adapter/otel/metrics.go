package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentforge"

// Metrics holds all AgentForge metric instruments.
type Metrics struct {
	TasksDispatched  metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksRetried     metric.Int64Counter
	AgentsRegistered metric.Int64Counter
	AgentsOffline    metric.Int64Counter
	MessagesSent     metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	QueueWait        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("agentforge.tasks.dispatched",
		metric.WithDescription("Number of task dispatch attempts"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentforge.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentforge.tasks.failed",
		metric.WithDescription("Number of tasks failed terminally"))
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("agentforge.tasks.retried",
		metric.WithDescription("Number of task retry attempts"))
	if err != nil {
		return nil, err
	}

	m.AgentsRegistered, err = meter.Int64Counter("agentforge.agents.registered",
		metric.WithDescription("Number of agent registrations"))
	if err != nil {
		return nil, err
	}

	m.AgentsOffline, err = meter.Int64Counter("agentforge.agents.offline",
		metric.WithDescription("Number of agents marked offline by heartbeat expiry"))
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("agentforge.messages.sent",
		metric.WithDescription("Number of envelopes sent to agents"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("agentforge.dispatch.duration_seconds",
		metric.WithDescription("Single dispatch attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.QueueWait, err = meter.Float64Histogram("agentforge.queue.wait_seconds",
		metric.WithDescription("Time from submission to first dispatch in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
