package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
// wsHandler serves the agent WebSocket endpoint and lives outside the
// /api/v1 group.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.Handler) {
	r.Get("/health", h.Health)
	r.Handle("/ws", wsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agents
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/connected", h.ConnectedAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.UnregisterAgent)
		r.Put("/agents/{id}/status", h.UpdateAgentStatus)
		r.Post("/agents/{id}/heartbeat", h.AgentHeartbeat)

		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks/aggregate", h.AggregateResults)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Queue administration
		r.Get("/queue/stats", h.QueueStats)
		r.Post("/queue/pause", h.PauseQueue)
		r.Post("/queue/resume", h.ResumeQueue)
		r.Post("/queue/drain", h.DrainQueue)

		// Broadcast to connected agents
		r.Post("/broadcast", h.Broadcast)
	})
}
