// Package agent defines the Agent domain entity.
package agent

import "time"

// Status represents the current state of an agent.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Type is the declared specialization of a worker agent.
type Type string

// Well-known agent types. The set is open: callers may register agents
// with other types and matching still works by string equality.
const (
	TypeCodeGen  Type = "code-gen"
	TypeTestGen  Type = "test-gen"
	TypeInfra    Type = "infra"
	TypeAnalysis Type = "analysis"
)

// Capability is a named, versioned skill an agent declares.
// Matching is by name only; the version is informational.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Metrics holds rolling execution statistics for an agent.
// AverageResponseMS is an exponential moving average in milliseconds.
type Metrics struct {
	TasksCompleted    int64     `json:"tasks_completed"`
	TasksFailed       int64     `json:"tasks_failed"`
	AverageResponseMS float64   `json:"average_response_ms"`
	LastActive        time.Time `json:"last_active"`
}

// Agent represents a worker process registered to execute tasks.
type Agent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	Capabilities  []Capability      `json:"capabilities"`
	Metrics       Metrics           `json:"metrics"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Region        string            `json:"region,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasCapabilities reports whether the agent declares every capability
// name in required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	names := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		names[c.Name] = struct{}{}
	}
	for _, r := range required {
		if _, ok := names[r]; !ok {
			return false
		}
	}
	return true
}

// HasTags reports whether the agent carries every tag in required.
func (a *Agent) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	tags := make(map[string]struct{}, len(a.Tags))
	for _, t := range a.Tags {
		tags[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := tags[r]; !ok {
			return false
		}
	}
	return true
}

// RegisterRequest holds the fields needed to register an agent.
// ID is optional; one is generated when absent.
type RegisterRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	Type         Type              `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Region       string            `json:"region,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Filter selects agents by attributes. Zero-value fields match anything;
// Capabilities and Tags require all listed entries.
type Filter struct {
	Type         Type
	Status       Status
	Region       string
	Capabilities []string
	Tags         []string
}

// Matches reports whether the agent satisfies every constraint in f.
func (f Filter) Matches(a *Agent) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Region != "" && a.Region != f.Region {
		return false
	}
	return a.HasCapabilities(f.Capabilities) && a.HasTags(f.Tags)
}
