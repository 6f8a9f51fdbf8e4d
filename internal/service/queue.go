package service

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/database"
)

// QueueStats is a point-in-time snapshot of queue depth and task states.
type QueueStats struct {
	Waiting   int              `json:"waiting"`
	Delayed   int              `json:"delayed"`
	Active    int64            `json:"active"`
	Completed int64            `json:"completed"`
	Failed    int64            `json:"failed"`
	Paused    bool             `json:"paused"`
	ByStatus  map[string]int64 `json:"by_status"`
}

// TaskQueue is the priority queue feeding the orchestrator. Tasks are
// persisted before they are enqueued; the in-memory heaps only order
// live work, so a restart rebuilds them from the store.
type TaskQueue struct {
	store  database.TaskStore
	cfg    config.Queue
	logger *slog.Logger

	mu       sync.Mutex
	ready    readyHeap
	delayed  delayedHeap
	entries  map[string]*queueItem
	paused   bool
	seq      uint64
	onCancel func(taskID string)

	out      chan *task.Task
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type queueItem struct {
	task    *task.Task
	readyAt time.Time
	seq     uint64
	removed bool
}

// NewTaskQueue creates a queue backed by the given task store.
func NewTaskQueue(store database.TaskStore, cfg config.Queue, logger *slog.Logger) *TaskQueue {
	return &TaskQueue{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "task_queue"),
		entries: make(map[string]*queueItem),
		out:     make(chan *task.Task),
		stop:    make(chan struct{}),
	}
}

// Start recovers interrupted work and launches the dispatcher and purge
// loops.
func (q *TaskQueue) Start(ctx context.Context) error {
	if err := q.recover(ctx); err != nil {
		return err
	}
	q.wg.Add(2)
	go q.dispatchLoop()
	go q.purgeLoop()
	return nil
}

// Ready delivers tasks in dispatch order. Each received task has already
// been marked assigned in the store.
func (q *TaskQueue) Ready() <-chan *task.Task {
	return q.out
}

// OnCancel registers a callback invoked when a live task is cancelled.
func (q *TaskQueue) OnCancel(fn func(taskID string)) {
	q.mu.Lock()
	q.onCancel = fn
	q.mu.Unlock()
}

// Submit validates the request, persists a pending task and enqueues it.
func (q *TaskQueue) Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", domain.ErrValidation)
	}

	priority := task.PriorityNormal
	if req.Priority != nil {
		if *req.Priority < task.PriorityCritical || *req.Priority > task.PriorityLow {
			return nil, fmt.Errorf("%w: priority out of range", domain.ErrValidation)
		}
		priority = *req.Priority
	}

	timeout := q.cfg.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	maxAttempts := q.cfg.DefaultMaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:                   uuid.NewString(),
		Type:                 req.Type,
		Priority:             priority,
		Status:               task.StatusPending,
		Payload:              req.Payload,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxAttempts:          maxAttempts,
		Timeout:              timeout,
		Metadata:             req.Metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	q.enqueue(t, now)
	q.logger.Info("task submitted", "task_id", t.ID, "type", t.Type, "priority", int(t.Priority))
	return t, nil
}

// Requeue puts a task back after a failed attempt with exponential
// backoff derived from the attempt count.
func (q *TaskQueue) Requeue(ctx context.Context, t *task.Task) error {
	t.Status = task.StatusRetrying
	t.UpdatedAt = time.Now().UTC()
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}

	delay := q.backoff(t.Attempts)
	q.enqueue(t, time.Now().UTC().Add(delay))
	q.logger.Info("task requeued", "task_id", t.ID, "attempt", t.Attempts, "delay", delay)
	return nil
}

// backoff doubles per attempt from the configured base, capped.
func (q *TaskQueue) backoff(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempts && d < q.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	return d
}

// UpdateTask persists changed task fields and patches the live queued
// copy, so a task still sitting in the heaps is emitted with the update.
func (q *TaskQueue) UpdateTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}

	q.mu.Lock()
	if item, ok := q.entries[t.ID]; ok && !item.removed {
		*item.task = *t
	}
	q.mu.Unlock()
	return nil
}

// Get returns the live copy when the task is queued here, otherwise the
// stored record.
func (q *TaskQueue) Get(ctx context.Context, id string) (*task.Task, error) {
	q.mu.Lock()
	item, ok := q.entries[id]
	if ok && !item.removed {
		t := *item.task
		q.mu.Unlock()
		return &t, nil
	}
	q.mu.Unlock()
	return q.store.GetTask(ctx, id)
}

// Cancel removes a live task from the queue and marks it cancelled.
// Terminal tasks cannot be cancelled.
func (q *TaskQueue) Cancel(ctx context.Context, id string) error {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("cancel task %s in status %s: %w", id, t.Status, domain.ErrConflict)
	}

	q.mu.Lock()
	if item, ok := q.entries[id]; ok {
		item.removed = true
		delete(q.entries, id)
	}
	fn := q.onCancel
	q.mu.Unlock()

	if err := q.store.UpdateTaskStatus(ctx, id, task.StatusCancelled, ""); err != nil {
		return err
	}
	if fn != nil {
		fn(id)
	}
	q.logger.Info("task cancelled", "task_id", id)
	return nil
}

// TasksByStatus lists stored tasks with the given status.
func (q *TaskQueue) TasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	return q.store.ListTasksByStatus(ctx, status, limit)
}

// TasksByPriority lists stored tasks with the given priority.
func (q *TaskQueue) TasksByPriority(ctx context.Context, p task.Priority, limit int) ([]task.Task, error) {
	return q.store.ListTasksByPriority(ctx, p, limit)
}

// Stats combines live heap depth with stored status counts.
func (q *TaskQueue) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return QueueStats{}, err
	}

	// Cancelled items linger in the heaps until the dispatcher pops past
	// them; they must not count toward depth.
	q.mu.Lock()
	stats := QueueStats{Paused: q.paused}
	for _, item := range q.ready {
		if !item.removed {
			stats.Waiting++
		}
	}
	for _, item := range q.delayed {
		if !item.removed {
			stats.Delayed++
		}
	}
	q.mu.Unlock()

	stats.Active = counts[task.StatusAssigned] + counts[task.StatusInProgress]
	stats.Completed = counts[task.StatusCompleted]
	stats.Failed = counts[task.StatusFailed]
	stats.ByStatus = make(map[string]int64, len(counts))
	for s, n := range counts {
		stats.ByStatus[string(s)] = n
	}
	return stats, nil
}

// Pause stops the dispatcher from emitting tasks; submissions still land.
func (q *TaskQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume re-enables dispatching.
func (q *TaskQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
}

// Drain discards every queued task without touching stored records.
func (q *TaskQueue) Drain() int {
	q.mu.Lock()
	n := len(q.entries)
	for _, item := range q.entries {
		item.removed = true
	}
	q.entries = make(map[string]*queueItem)
	q.ready = q.ready[:0]
	q.delayed = q.delayed[:0]
	q.mu.Unlock()

	q.logger.Warn("queue drained", "discarded", n)
	return n
}

// Close stops the dispatcher and purge loops. Idempotent.
func (q *TaskQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.wg.Wait()
		q.logger.Info("task queue stopped")
	})
}

// recover re-enqueues tasks that were pending or mid-retry when the
// previous process stopped.
func (q *TaskQueue) recover(ctx context.Context) error {
	now := time.Now().UTC()
	for _, status := range []task.Status{task.StatusPending, task.StatusRetrying, task.StatusAssigned} {
		tasks, err := q.store.ListTasksByStatus(ctx, status, 10000)
		if err != nil {
			return fmt.Errorf("recover %s tasks: %w", status, err)
		}
		for i := range tasks {
			t := tasks[i]
			q.enqueue(&t, now)
		}
		if len(tasks) > 0 {
			q.logger.Info("recovered tasks", "status", string(status), "count", len(tasks))
		}
	}
	return nil
}

func (q *TaskQueue) enqueue(t *task.Task, readyAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &queueItem{task: t, readyAt: readyAt, seq: q.seq}
	q.entries[t.ID] = item
	if readyAt.After(time.Now().UTC()) {
		heap.Push(&q.delayed, item)
	} else {
		heap.Push(&q.ready, item)
	}
}

func (q *TaskQueue) dispatchLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.promoteDelayed()
			for {
				t := q.pop()
				if t == nil {
					break
				}
				if !q.emit(t) {
					return
				}
			}
		}
	}
}

// promoteDelayed moves due items from the delayed heap onto the ready heap.
func (q *TaskQueue) promoteDelayed() {
	now := time.Now().UTC()
	q.mu.Lock()
	for q.delayed.Len() > 0 {
		item := q.delayed[0]
		if item.removed {
			heap.Pop(&q.delayed)
			continue
		}
		if item.readyAt.After(now) {
			break
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, item)
	}
	q.mu.Unlock()
}

// pop removes the highest-priority ready item, skipping cancelled ones.
func (q *TaskQueue) pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil
	}
	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*queueItem)
		if item.removed {
			continue
		}
		delete(q.entries, item.task.ID)
		return item.task
	}
	return nil
}

// emit marks the task assigned and hands it to the orchestrator.
// Returns false when the queue is shutting down.
func (q *TaskQueue) emit(t *task.Task) bool {
	ctx := context.Background()
	t.Status = task.StatusAssigned
	if err := q.store.UpdateTaskStatus(ctx, t.ID, task.StatusAssigned, ""); err != nil {
		q.logger.Error("mark task assigned", "task_id", t.ID, "error", err)
	}

	select {
	case q.out <- t:
		return true
	case <-q.stop:
		return false
	}
}

func (q *TaskQueue) purgeLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-q.cfg.Retention)
			n, err := q.store.PurgeExpiredTasks(context.Background(), cutoff)
			if err != nil {
				q.logger.Error("purge expired tasks", "error", err)
				continue
			}
			if n > 0 {
				q.logger.Info("purged expired tasks", "count", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Heaps
// ---------------------------------------------------------------------------

// readyHeap orders dispatchable items by priority, then submission order.
type readyHeap []*queueItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap orders backed-off items by the time they become due.
type delayedHeap []*queueItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
