package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	otelad "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
)

// AgentRegistry keeps the live in-memory view of the fleet on top of the
// repository. Every instance holds its own map; convergence comes from
// bus events plus a periodic full resync, so a missed event heals within
// one sync interval.
type AgentRegistry struct {
	repo    *AgentRepository
	cfg     config.Registry
	metrics *otelad.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	agents map[string]agent.Agent

	subMu   sync.Mutex
	subs    map[int]func(agent.Agent)
	nextSub int

	cancels  []func()
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAgentRegistry creates a registry over the given repository.
// metrics may be nil.
func NewAgentRegistry(repo *AgentRepository, cfg config.Registry, metrics *otelad.Metrics, logger *slog.Logger) *AgentRegistry {
	return &AgentRegistry{
		repo:    repo,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "agent_registry"),
		agents:  make(map[string]agent.Agent),
		subs:    make(map[int]func(agent.Agent)),
		stop:    make(chan struct{}),
	}
}

// Initialize loads the current fleet, subscribes to change events and
// starts the liveness loops. Must be called once before use.
func (g *AgentRegistry) Initialize(ctx context.Context) error {
	if err := g.resync(ctx); err != nil {
		return fmt.Errorf("initial agent sync: %w", err)
	}

	subs := map[string]eventbus.Handler{
		eventbus.ChannelAgentUpserted: g.handleUpserted,
		eventbus.ChannelAgentStatus:   g.handleStatusChanged,
		eventbus.ChannelAgentDeleted:  g.handleDeleted,
	}
	for channel, handler := range subs {
		cancel, err := g.repo.Subscribe(ctx, channel, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		g.cancels = append(g.cancels, cancel)
	}

	g.wg.Add(3)
	go g.heartbeatLoop()
	go g.syncLoop()
	go g.staleSweepLoop()

	g.logger.Info("agent registry initialized", "agents", g.Count())
	return nil
}

// RegisterAgent creates or refreshes an agent record and marks it
// available. Re-registration preserves accumulated metrics.
func (g *AgentRegistry) RegisterAgent(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	if req.Name == "" || req.Type == "" {
		return nil, fmt.Errorf("%w: name and type are required", domain.ErrValidation)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	a := agent.Agent{
		ID:            id,
		Name:          req.Name,
		Type:          req.Type,
		Status:        agent.StatusAvailable,
		Capabilities:  req.Capabilities,
		Endpoint:      req.Endpoint,
		Region:        req.Region,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if prev, err := g.repo.FindByID(ctx, id); err == nil {
		a.Metrics = prev.Metrics
		a.CreatedAt = prev.CreatedAt
	}

	if err := g.repo.Upsert(ctx, &a); err != nil {
		return nil, err
	}

	g.setLocal(a)
	g.notifyRegistered(a)
	if g.metrics != nil {
		g.metrics.AgentsRegistered.Add(ctx, 1)
	}
	g.logger.Info("agent registered", "agent_id", id, "name", a.Name, "type", a.Type)
	return &a, nil
}

// Get returns the agent from the local view only.
func (g *AgentRegistry) Get(id string) (*agent.Agent, bool) {
	g.mu.RLock()
	a, ok := g.agents[id]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &a, true
}

// Lookup returns the agent, hydrating the local view from the repository
// when this instance has not seen it yet.
func (g *AgentRegistry) Lookup(ctx context.Context, id string) (*agent.Agent, error) {
	if a, ok := g.Get(id); ok {
		return a, nil
	}
	a, err := g.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	g.setLocal(*a)
	return a, nil
}

// AvailableAgents returns every agent currently marked available.
func (g *AgentRegistry) AvailableAgents() []agent.Agent {
	return g.FindAgents(agent.Filter{Status: agent.StatusAvailable})
}

// FindAgents returns the local agents matching the filter.
func (g *AgentRegistry) FindAgents(f agent.Filter) []agent.Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []agent.Agent
	for _, a := range g.agents {
		if f.Matches(&a) {
			out = append(out, a)
		}
	}
	return out
}

// FindBestAgent picks the best available agent of the given type that
// declares every required capability. Candidates are ranked by average
// response time, then fewest failures, then most completions.
func (g *AgentRegistry) FindBestAgent(taskType string, requiredCapabilities []string) (*agent.Agent, error) {
	candidates := g.FindAgents(agent.Filter{
		Type:         agent.Type(taskType),
		Status:       agent.StatusAvailable,
		Capabilities: requiredCapabilities,
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("type %q capabilities %v: %w", taskType, requiredCapabilities, domain.ErrNoAgentAvailable)
	}

	sort.Slice(candidates, func(i, j int) bool {
		mi, mj := candidates[i].Metrics, candidates[j].Metrics
		if mi.AverageResponseMS != mj.AverageResponseMS {
			return mi.AverageResponseMS < mj.AverageResponseMS
		}
		if mi.TasksFailed != mj.TasksFailed {
			return mi.TasksFailed < mj.TasksFailed
		}
		return mi.TasksCompleted > mj.TasksCompleted
	})
	return &candidates[0], nil
}

// UpdateStatus transitions the agent's status, hydrating the local view
// first when the agent is unknown to this instance.
func (g *AgentRegistry) UpdateStatus(ctx context.Context, id string, status agent.Status) error {
	if _, ok := g.Get(id); !ok {
		if _, err := g.Lookup(ctx, id); err != nil {
			return err
		}
	}
	a, err := g.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return err
	}
	g.setLocal(*a)
	return nil
}

// UpdateHeartbeat records a heartbeat. An offline agent that resumes
// heartbeating is brought back to available.
func (g *AgentRegistry) UpdateHeartbeat(ctx context.Context, id string) error {
	found, err := g.repo.UpdateHeartbeat(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("heartbeat for agent %s: %w", id, domain.ErrNotFound)
	}

	g.mu.Lock()
	a, ok := g.agents[id]
	if ok {
		a.LastHeartbeat = time.Now().UTC()
		g.agents[id] = a
	}
	g.mu.Unlock()

	if !ok {
		// Resync drops offline agents from the local view; hydrate so a
		// resumed heartbeat still flips the stored status.
		hydrated, err := g.Lookup(ctx, id)
		if err != nil {
			return err
		}
		a = *hydrated
	}

	if a.Status == agent.StatusOffline {
		return g.UpdateStatus(ctx, id, agent.StatusAvailable)
	}
	return nil
}

// UpdateMetrics replaces the agent's rolling metrics in the repository
// and the local view.
func (g *AgentRegistry) UpdateMetrics(ctx context.Context, id string, m agent.Metrics) error {
	if err := g.repo.UpdateMetrics(ctx, id, m); err != nil {
		return err
	}
	g.mu.Lock()
	if a, ok := g.agents[id]; ok {
		a.Metrics = m
		g.agents[id] = a
	}
	g.mu.Unlock()
	return nil
}

// Unregister removes the agent everywhere.
func (g *AgentRegistry) Unregister(ctx context.Context, id string) error {
	if err := g.repo.Delete(ctx, id); err != nil {
		return err
	}
	g.removeLocal(id)
	g.logger.Info("agent unregistered", "agent_id", id)
	return nil
}

// OnRegistered subscribes fn to agent registrations, local and remote.
// The returned function removes the subscription.
func (g *AgentRegistry) OnRegistered(fn func(agent.Agent)) (unsubscribe func()) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}

// Count returns the size of the local view.
func (g *AgentRegistry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.agents)
}

// Close stops the liveness loops and bus subscriptions. Idempotent.
func (g *AgentRegistry) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.wg.Wait()
		for _, cancel := range g.cancels {
			cancel()
		}
		g.logger.Info("agent registry stopped")
	})
}

// ---------------------------------------------------------------------------
// Background loops
// ---------------------------------------------------------------------------

func (g *AgentRegistry) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.expireSilentAgents()
		}
	}
}

// expireSilentAgents flips locally known agents past the heartbeat
// timeout to offline.
func (g *AgentRegistry) expireSilentAgents() {
	cutoff := time.Now().UTC().Add(-g.cfg.HeartbeatTimeout)

	g.mu.RLock()
	var expired []string
	for id, a := range g.agents {
		if a.Status != agent.StatusOffline && a.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	g.mu.RUnlock()

	ctx := context.Background()
	for _, id := range expired {
		g.logger.Warn("agent heartbeat expired", "agent_id", id)
		if err := g.UpdateStatus(ctx, id, agent.StatusOffline); err != nil {
			g.logger.Error("mark agent offline", "agent_id", id, "error", err)
			continue
		}
		if g.metrics != nil {
			g.metrics.AgentsOffline.Add(ctx, 1)
		}
	}
}

func (g *AgentRegistry) syncLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if err := g.resync(context.Background()); err != nil {
				g.logger.Error("registry resync failed", "error", err)
			}
		}
	}
}

// staleSweepLoop runs the store-side sweep that catches agents no live
// instance is tracking anymore.
func (g *AgentRegistry) staleSweepLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			cutoff := time.Now().UTC().Add(-g.cfg.HeartbeatTimeout)
			ids, err := g.repo.MarkStaleOffline(ctx, cutoff)
			if err != nil {
				g.logger.Error("stale agent sweep failed", "error", err)
				continue
			}
			for _, id := range ids {
				g.setLocalStatus(id, agent.StatusOffline)
			}
			if len(ids) > 0 && g.metrics != nil {
				g.metrics.AgentsOffline.Add(ctx, int64(len(ids)))
			}
		}
	}
}

// resync rebuilds the local view from the repository. Offline agents are
// dropped; they re-enter on their next heartbeat or registration.
func (g *AgentRegistry) resync(ctx context.Context) error {
	all, err := g.repo.List(ctx, agent.Filter{})
	if err != nil {
		return err
	}

	fresh := make(map[string]agent.Agent, len(all))
	for _, a := range all {
		if a.Status == agent.StatusOffline {
			continue
		}
		fresh[a.ID] = a
	}

	g.mu.Lock()
	g.agents = fresh
	g.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Bus event handlers
// ---------------------------------------------------------------------------

func (g *AgentRegistry) handleUpserted(_ context.Context, _ string, data []byte) error {
	var a agent.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode upserted agent event: %w", err)
	}
	g.setLocal(a)
	g.notifyRegistered(a)
	return nil
}

func (g *AgentRegistry) handleStatusChanged(_ context.Context, _ string, data []byte) error {
	var ev eventbus.StatusChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode status event: %w", err)
	}
	g.setLocalStatus(ev.AgentID, agent.Status(ev.Status))
	return nil
}

func (g *AgentRegistry) handleDeleted(_ context.Context, _ string, data []byte) error {
	var ev eventbus.AgentDeleted
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode deleted event: %w", err)
	}
	g.removeLocal(ev.AgentID)
	return nil
}

// ---------------------------------------------------------------------------
// Local view helpers
// ---------------------------------------------------------------------------

func (g *AgentRegistry) setLocal(a agent.Agent) {
	g.mu.Lock()
	g.agents[a.ID] = a
	g.mu.Unlock()
}

func (g *AgentRegistry) setLocalStatus(id string, status agent.Status) {
	g.mu.Lock()
	if a, ok := g.agents[id]; ok {
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
		g.agents[id] = a
	}
	g.mu.Unlock()
}

func (g *AgentRegistry) removeLocal(id string) {
	g.mu.Lock()
	delete(g.agents, id)
	g.mu.Unlock()
}

func (g *AgentRegistry) notifyRegistered(a agent.Agent) {
	g.subMu.Lock()
	fns := make([]func(agent.Agent), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.Unlock()

	for _, fn := range fns {
		fn(a)
	}
}
