package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/message"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
	"github.com/Strob0t/AgentForge/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memStore struct {
	mu     sync.Mutex
	agents map[string]agent.Agent
	tasks  map[string]task.Task
}

func newMemStore() *memStore {
	return &memStore{
		agents: make(map[string]agent.Agent),
		tasks:  make(map[string]task.Task),
	}
}

func (s *memStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *memStore) ListAgents(_ context.Context, f agent.Filter) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.Agent
	for _, a := range s.agents {
		if f.Matches(&a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) UpsertAgent(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = *a
	return nil
}

func (s *memStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	s.agents[id] = a
	return &a, nil
}

func (s *memStore) UpdateAgentHeartbeat(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false, nil
	}
	a.LastHeartbeat = time.Now().UTC()
	s.agents[id] = a
	return true, nil
}

func (s *memStore) UpdateAgentMetrics(_ context.Context, id string, m agent.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	a.Metrics = m
	s.agents[id] = a
	return nil
}

func (s *memStore) MarkStaleAgentsOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, a := range s.agents {
		if a.Status != agent.StatusOffline && a.LastHeartbeat.Before(cutoff) {
			a.Status = agent.StatusOffline
			s.agents[id] = a
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	delete(s.agents, id)
	return nil
}

func (s *memStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *memStore) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) UpdateTaskStatus(_ context.Context, id string, status task.Status, assignedAgentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.Status = status
	if assignedAgentID != "" {
		t.AssignedAgentID = assignedAgentID
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

func (s *memStore) UpdateTaskResult(_ context.Context, id string, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.Status = task.StatusCompleted
	if errMsg != "" {
		t.Status = task.StatusFailed
	}
	t.Result = result
	t.Error = errMsg
	now := time.Now().UTC()
	t.CompletedAt = &now
	t.UpdatedAt = now
	s.tasks[id] = t
	return nil
}

func (s *memStore) ListTasksByStatus(_ context.Context, status task.Status, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.Status == status && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) ListTasksByPriority(_ context.Context, p task.Priority, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Task
	for _, t := range s.tasks {
		if t.Priority == p && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) CountTasksByStatus(_ context.Context) (map[task.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[task.Status]int64)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *memStore) PurgeExpiredTasks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) taskStatus(id string) task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

// ---------------------------------------------------------------------------
// In-memory cache
// ---------------------------------------------------------------------------

type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setErr  error
	gets    int
	hits    int
	deletes int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	delete(c.data, key)
	return nil
}

// ---------------------------------------------------------------------------
// In-memory bus
// ---------------------------------------------------------------------------

type memBus struct {
	mu        sync.Mutex
	handlers  map[string][]eventbus.Handler
	published map[string][][]byte
	pubErr    error
}

func newMemBus() *memBus {
	return &memBus{
		handlers:  make(map[string][]eventbus.Handler),
		published: make(map[string][][]byte),
	}
}

func (b *memBus) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	if b.pubErr != nil {
		err := b.pubErr
		b.mu.Unlock()
		return err
	}
	b.published[channel] = append(b.published[channel], data)
	handlers := append([]eventbus.Handler(nil), b.handlers[channel]...)
	b.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, channel, data)
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string, handler eventbus.Handler) (func(), error) {
	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], handler)
	idx := len(b.handlers[channel]) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hs, ok := b.handlers[channel]; ok && idx < len(hs) {
			hs[idx] = func(context.Context, string, []byte) error { return nil }
		}
	}, nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) publishedOn(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

// ---------------------------------------------------------------------------
// Fake connection
// ---------------------------------------------------------------------------

// fakeConn records sends and can auto-reply through the onSend hook.
type fakeConn struct {
	mu          sync.Mutex
	sent        []message.AgentMessage
	onSend      func(msg message.AgentMessage)
	sendErr     error
	closed      bool
	closeReason string
}

func (c *fakeConn) Send(_ context.Context, msg message.AgentMessage) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, msg)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent() message.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func testRegistryConfig() config.Registry {
	return config.Registry{
		HeartbeatCheckInterval: time.Hour,
		HeartbeatTimeout:       30 * time.Second,
		SyncInterval:           time.Hour,
		StaleSweepInterval:     time.Hour,
	}
}

func newTestRepository(store *memStore, c *memCache, bus *memBus) *AgentRepository {
	breaker := resilience.NewBreaker(5, time.Second)
	return NewAgentRepository(store, c, bus, breaker, time.Minute, testLogger())
}

func newTestRegistry(store *memStore, bus *memBus) *AgentRegistry {
	repo := newTestRepository(store, newMemCache(), bus)
	return NewAgentRegistry(repo, testRegistryConfig(), nil, testLogger())
}

func registerTestAgent(reg *AgentRegistry, id string, typ agent.Type, m agent.Metrics) *agent.Agent {
	a, err := reg.RegisterAgent(context.Background(), agent.RegisterRequest{
		ID:   id,
		Name: id,
		Type: typ,
		Capabilities: []agent.Capability{
			{Name: "generate", Version: "1"},
		},
	})
	if err != nil {
		panic(err)
	}
	if m != (agent.Metrics{}) {
		if err := reg.UpdateMetrics(context.Background(), id, m); err != nil {
			panic(err)
		}
	}
	return a
}
