package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/port/cache"
	"github.com/Strob0t/AgentForge/internal/port/database"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
	"github.com/Strob0t/AgentForge/internal/resilience"
)

const agentCachePrefix = "agent:"

// AgentRepository is the durable source of truth for agent records.
// Reads go through the shared cache; writes go to the store first, then
// invalidate or refresh the cache and announce the change on the bus.
// Cache and bus failures are degraded-mode events, never hard errors.
type AgentRepository struct {
	store   database.Store
	cache   cache.Cache
	bus     eventbus.Bus
	breaker *resilience.Breaker
	ttl     time.Duration
	logger  *slog.Logger
}

// NewAgentRepository wires the repository over its store, cache and bus.
func NewAgentRepository(store database.Store, c cache.Cache, bus eventbus.Bus, breaker *resilience.Breaker, ttl time.Duration, logger *slog.Logger) *AgentRepository {
	return &AgentRepository{
		store:   store,
		cache:   c,
		bus:     bus,
		breaker: breaker,
		ttl:     ttl,
		logger:  logger.With("component", "agent_repository"),
	}
}

// FindByID returns the agent from cache when fresh, falling back to the
// store and repopulating the cache on a miss.
func (r *AgentRepository) FindByID(ctx context.Context, id string) (*agent.Agent, error) {
	key := agentCachePrefix + id

	if data, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.Warn("cache read failed, falling back to store", "agent_id", id, "error", err)
	} else if ok {
		var a agent.Agent
		if err := json.Unmarshal(data, &a); err == nil {
			return &a, nil
		}
		r.logger.Warn("corrupt cache entry, evicting", "agent_id", id)
		_ = r.cache.Delete(ctx, key)
	}

	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheAgent(ctx, a)
	return a, nil
}

// List returns agents matching the filter straight from the store.
func (r *AgentRepository) List(ctx context.Context, f agent.Filter) ([]agent.Agent, error) {
	return r.store.ListAgents(ctx, f)
}

// Upsert persists the agent, refreshes the cache and publishes the full
// record on the upserted channel.
func (r *AgentRepository) Upsert(ctx context.Context, a *agent.Agent) error {
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	r.cacheAgent(ctx, a)
	r.publishJSON(ctx, eventbus.ChannelAgentUpserted, a)
	return nil
}

// UpdateStatus persists a status transition and announces it.
// The returned record reflects the new status.
func (r *AgentRepository) UpdateStatus(ctx context.Context, id string, status agent.Status) (*agent.Agent, error) {
	a, err := r.store.UpdateAgentStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	r.cacheAgent(ctx, a)
	r.publishJSON(ctx, eventbus.ChannelAgentStatus, eventbus.StatusChanged{
		AgentID:   id,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	})
	return a, nil
}

// UpdateHeartbeat bumps the agent's last heartbeat. The cached record is
// evicted rather than rewritten; the next read repopulates it.
func (r *AgentRepository) UpdateHeartbeat(ctx context.Context, id string) (bool, error) {
	found, err := r.store.UpdateAgentHeartbeat(ctx, id)
	if err != nil || !found {
		return found, err
	}
	if err := r.cache.Delete(ctx, agentCachePrefix+id); err != nil {
		r.logger.Warn("cache eviction failed", "agent_id", id, "error", err)
	}
	return true, nil
}

// UpdateMetrics replaces the agent's rolling execution metrics.
func (r *AgentRepository) UpdateMetrics(ctx context.Context, id string, m agent.Metrics) error {
	if err := r.store.UpdateAgentMetrics(ctx, id, m); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, agentCachePrefix+id); err != nil {
		r.logger.Warn("cache eviction failed", "agent_id", id, "error", err)
	}
	return nil
}

// MarkStaleOffline flips agents whose heartbeat predates the cutoff to
// offline, evicting and announcing each one. Returns the affected ids.
func (r *AgentRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.store.MarkStaleAgentsOffline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale agents offline: %w", err)
	}
	for _, id := range ids {
		if err := r.cache.Delete(ctx, agentCachePrefix+id); err != nil {
			r.logger.Warn("cache eviction failed", "agent_id", id, "error", err)
		}
		r.publishJSON(ctx, eventbus.ChannelAgentStatus, eventbus.StatusChanged{
			AgentID:   id,
			Status:    string(agent.StatusOffline),
			Timestamp: time.Now().UTC(),
		})
	}
	return ids, nil
}

// Delete removes the agent from the store, evicts it and announces the
// deletion.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, agentCachePrefix+id); err != nil {
		r.logger.Warn("cache eviction failed", "agent_id", id, "error", err)
	}
	r.publishJSON(ctx, eventbus.ChannelAgentDeleted, eventbus.AgentDeleted{AgentID: id})
	return nil
}

// Subscribe attaches a handler to a bus channel on behalf of the registry.
func (r *AgentRepository) Subscribe(ctx context.Context, channel string, h eventbus.Handler) (func(), error) {
	return r.bus.Subscribe(ctx, channel, h)
}

func (r *AgentRepository) cacheAgent(ctx context.Context, a *agent.Agent) {
	data, err := json.Marshal(a)
	if err != nil {
		r.logger.Warn("marshal agent for cache", "agent_id", a.ID, "error", err)
		return
	}
	if err := r.cache.Set(ctx, agentCachePrefix+a.ID, data, r.ttl); err != nil {
		r.logger.Warn("cache write failed", "agent_id", a.ID, "error", err)
	}
}

// publishJSON announces a change on the bus through the circuit breaker.
// Publish failures are logged and swallowed; the registry's periodic
// resync converges any instance that missed the event.
func (r *AgentRepository) publishJSON(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("marshal bus payload", "channel", channel, "error", err)
		return
	}
	err = r.breaker.Execute(func() error {
		return r.bus.Publish(ctx, channel, data)
	})
	if err != nil {
		r.logger.Warn("bus publish failed", "channel", channel, "error", err)
	}
}
