package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/service"
)

const defaultListLimit = 50
const maxListLimit = 500

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Registry     *service.AgentRegistry
	Queue        *service.TaskQueue
	Orchestrator *service.Orchestrator
	Communicator *service.Communicator
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"agents":            h.Registry.Count(),
		"connected_agents":  len(h.Communicator.ConnectedAgents()),
		"active_dispatches": h.Orchestrator.ActiveAssignments(),
	})
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	a, err := h.Registry.RegisterAgent(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	f := agent.Filter{
		Type:   agent.Type(r.URL.Query().Get("type")),
		Status: agent.Status(r.URL.Query().Get("status")),
		Region: r.URL.Query().Get("region"),
	}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		f.Capabilities = strings.Split(caps, ",")
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}

	agents := h.Registry.FindAgents(f)
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Registry.Lookup(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Unregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Status string `json:"status"`
	}](w, r)
	if !ok {
		return
	}
	if body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	id := urlParam(r, "id")
	if err := h.Registry.UpdateStatus(r.Context(), id, agent.Status(body.Status)); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	a, err := h.Registry.Lookup(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.UpdateHeartbeat(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConnectedAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_ids": h.Communicator.ConnectedAgents(),
	})
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}
	t, err := h.Queue.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Queue.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Queue.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	t, err := h.Queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks filters stored tasks by status or priority, exactly one of
// which must be given.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	priority := r.URL.Query().Get("priority")
	limit := listLimit(r)

	switch {
	case status != "" && priority != "":
		writeError(w, http.StatusBadRequest, "filter by either status or priority, not both")
	case status != "":
		tasks, err := h.Queue.TasksByStatus(r.Context(), task.Status(status), limit)
		if err != nil {
			writeDomainError(w, err, "tasks not found")
			return
		}
		writeTaskList(w, tasks)
	case priority != "":
		p, err := strconv.Atoi(priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
		tasks, err := h.Queue.TasksByPriority(r.Context(), task.Priority(p), limit)
		if err != nil {
			writeDomainError(w, err, "tasks not found")
			return
		}
		writeTaskList(w, tasks)
	default:
		writeError(w, http.StatusBadRequest, "status or priority query parameter is required")
	}
}

func (h *Handlers) AggregateResults(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		TaskIDs []string `json:"task_ids"`
	}](w, r)
	if !ok {
		return
	}
	if len(body.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, "task_ids is required")
		return
	}

	results, err := h.Orchestrator.AggregateResults(r.Context(), body.TaskIDs)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ---------------------------------------------------------------------------
// Queue administration
// ---------------------------------------------------------------------------

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err, "queue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.Queue.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.Queue.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) DrainQueue(w http.ResponseWriter, r *http.Request) {
	n := h.Queue.Drain()
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func (h *Handlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Filter  *agent.Filter   `json:"filter,omitempty"`
	}](w, r)
	if !ok {
		return
	}
	if body.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	var filter func(*agent.Agent) bool
	if body.Filter != nil {
		f := *body.Filter
		filter = func(a *agent.Agent) bool { return f.Matches(a) }
	}

	msg := message.New(message.KindBroadcast, "", body.Topic, body.Payload)
	sent := h.Communicator.Broadcast(r.Context(), filter, msg)
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeTaskList(w http.ResponseWriter, tasks []task.Task) {
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}
