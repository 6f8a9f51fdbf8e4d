package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/port/eventbus"
)

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

func (c *memCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *memCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func seedAgent(t *testing.T, store *memStore, id string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		ID:            id,
		Name:          id,
		Type:          agent.TypeCodeGen,
		Status:        agent.StatusAvailable,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := store.UpsertAgent(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestFindByIDPopulatesCache(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	repo := newTestRepository(store, c, newMemBus())
	ctx := context.Background()

	seedAgent(t, store, "a1")

	a, err := repo.FindByID(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1" {
		t.Errorf("unexpected agent %s", a.ID)
	}
	if !c.has("agent:a1") {
		t.Error("expected agent cached after store read")
	}

	if _, err := repo.FindByID(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if c.hitCount() != 1 {
		t.Errorf("expected second read served from cache, hits=%d", c.hitCount())
	}
}

func TestFindByIDNotFound(t *testing.T) {
	repo := newTestRepository(newMemStore(), newMemCache(), newMemBus())
	_, err := repo.FindByID(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByIDEvictsCorruptEntry(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	repo := newTestRepository(store, c, newMemBus())
	ctx := context.Background()

	seedAgent(t, store, "a1")
	c.put("agent:a1", []byte("{not json"))

	a, err := repo.FindByID(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1" {
		t.Errorf("unexpected agent %s", a.ID)
	}

	// The corrupt entry was replaced with a good one.
	var cached agent.Agent
	c.mu.Lock()
	data := c.data["agent:a1"]
	c.mu.Unlock()
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatalf("cache still corrupt: %v", err)
	}
}

func TestFindByIDSurvivesCacheOutage(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	c.getErr = errors.New("cache down")
	repo := newTestRepository(store, c, newMemBus())

	seedAgent(t, store, "a1")

	a, err := repo.FindByID(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1" {
		t.Errorf("unexpected agent %s", a.ID)
	}
}

func TestUpsertCachesAndPublishes(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	bus := newMemBus()
	repo := newTestRepository(store, c, bus)

	a := &agent.Agent{ID: "a1", Name: "a1", Type: agent.TypeCodeGen, Status: agent.StatusAvailable}
	if err := repo.Upsert(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	if !c.has("agent:a1") {
		t.Error("expected upserted agent cached")
	}
	if bus.publishedOn(eventbus.ChannelAgentUpserted) != 1 {
		t.Error("expected upsert announced on the bus")
	}
}

func TestUpdateStatusPublishesTransition(t *testing.T) {
	store := newMemStore()
	bus := newMemBus()
	repo := newTestRepository(store, newMemCache(), bus)
	ctx := context.Background()

	seedAgent(t, store, "a1")

	a, err := repo.UpdateStatus(ctx, "a1", agent.StatusBusy)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != agent.StatusBusy {
		t.Errorf("expected busy, got %s", a.Status)
	}

	bus.mu.Lock()
	events := bus.published[eventbus.ChannelAgentStatus]
	bus.mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(events))
	}
	var ev eventbus.StatusChanged
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.AgentID != "a1" || ev.Status != "busy" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestUpdateMetricsEvictsCache(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	repo := newTestRepository(store, c, newMemBus())
	ctx := context.Background()

	seedAgent(t, store, "a1")
	if _, err := repo.FindByID(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if !c.has("agent:a1") {
		t.Fatal("expected cached entry")
	}

	m := agent.Metrics{TasksCompleted: 9, AverageResponseMS: 42}
	if err := repo.UpdateMetrics(ctx, "a1", m); err != nil {
		t.Fatal(err)
	}
	if c.has("agent:a1") {
		t.Error("expected stale entry evicted")
	}

	a, err := repo.FindByID(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Metrics.TasksCompleted != 9 {
		t.Errorf("expected fresh metrics, got %+v", a.Metrics)
	}
}

func TestDeleteEvictsAndPublishes(t *testing.T) {
	store := newMemStore()
	c := newMemCache()
	bus := newMemBus()
	repo := newTestRepository(store, c, bus)
	ctx := context.Background()

	seedAgent(t, store, "a1")
	if _, err := repo.FindByID(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	if err := repo.Delete(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if c.has("agent:a1") {
		t.Error("expected deleted agent evicted")
	}
	if bus.publishedOn(eventbus.ChannelAgentDeleted) != 1 {
		t.Error("expected deletion announced")
	}
	if _, err := repo.FindByID(ctx, "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMarkStaleOfflineAnnouncesEachAgent(t *testing.T) {
	store := newMemStore()
	bus := newMemBus()
	repo := newTestRepository(store, newMemCache(), bus)
	ctx := context.Background()

	stale := seedAgent(t, store, "stale-1")
	stale.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	if err := store.UpsertAgent(ctx, stale); err != nil {
		t.Fatal(err)
	}
	stale2 := seedAgent(t, store, "stale-2")
	stale2.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	if err := store.UpsertAgent(ctx, stale2); err != nil {
		t.Fatal(err)
	}
	seedAgent(t, store, "fresh")

	ids, err := repo.MarkStaleOffline(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 stale agents, got %v", ids)
	}
	if bus.publishedOn(eventbus.ChannelAgentStatus) != 2 {
		t.Errorf("expected one status event per stale agent")
	}
}

func TestPublishFailureIsDegradedNotFatal(t *testing.T) {
	store := newMemStore()
	bus := newMemBus()
	bus.pubErr = errors.New("bus down")
	repo := newTestRepository(store, newMemCache(), bus)

	a := &agent.Agent{ID: "a1", Name: "a1", Type: agent.TypeCodeGen, Status: agent.StatusAvailable}
	if err := repo.Upsert(context.Background(), a); err != nil {
		t.Fatalf("bus outage must not fail the write, got %v", err)
	}

	got, err := store.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "a1" {
		t.Error("expected write persisted despite bus outage")
	}
}
