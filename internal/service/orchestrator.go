package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	otelad "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/database"
)

// responseAlpha weights the previous average in the rolling response
// time; the newest sample contributes the remainder.
const responseAlpha = 0.8

// errTaskCancelled aborts an in-flight dispatch without a terminal write;
// the cancel path has already stamped the task.
var errTaskCancelled = errors.New("task cancelled mid-dispatch")

// Dispatcher sends a task to one agent and blocks until the agent
// acknowledges acceptance.
type Dispatcher interface {
	DispatchTask(ctx context.Context, agentID string, t *task.Task) error
}

// taskOutcome carries an agent's result (or the reason there is none)
// to the goroutine awaiting it.
type taskOutcome struct {
	Result    json.RawMessage
	Err       string
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
}

// Orchestrator pulls ready tasks off the queue and drives them through
// an execution strategy, bounded by an admission semaphore. Attempts,
// retries and terminal writes all happen here; agents only ever see
// single dispatches.
type Orchestrator struct {
	registry   *AgentRegistry
	queue      *TaskQueue
	store      database.Store
	cfg        config.Orchestrator
	metrics    *otelad.Metrics
	logger     *slog.Logger
	dispatcher Dispatcher

	sem         *semaphore.Weighted
	assignments *assignmentTable
	results     *syncWaiter[taskOutcome]
	strategies  []Strategy

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewOrchestrator creates the dispatch engine. metrics may be nil.
// SetDispatcher must be called before Start.
func NewOrchestrator(registry *AgentRegistry, queue *TaskQueue, store database.Store, cfg config.Orchestrator, metrics *otelad.Metrics, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		queue:    queue,
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "orchestrator"),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		results:  newSyncWaiter[taskOutcome]("task result"),
		strategies: []Strategy{
			pipelineStrategy{},
			parallelStrategy{},
			singleAgentStrategy{},
		},
		stop: make(chan struct{}),
	}
	o.assignments = newAssignmentTable(cfg.AssignmentTimeout, cfg.SweepInterval, o.handleAssignmentExpired)
	return o
}

// SetDispatcher wires the communicator in after construction; the two
// services reference each other.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// Start begins consuming the queue's ready channel.
func (o *Orchestrator) Start() {
	o.queue.OnCancel(o.handleCancelled)
	o.wg.Add(1)
	go o.run()
}

// Close stops intake and waits for in-flight dispatches. Idempotent.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.wg.Wait()
		o.logger.Info("orchestrator stopped")
	})
}

// ActiveAssignments returns the number of dispatches awaiting a result.
func (o *Orchestrator) ActiveAssignments() int {
	return o.assignments.Count()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stop:
			return
		case t := <-o.queue.Ready():
			if err := o.sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			o.wg.Add(1)
			go func(t *task.Task) {
				defer o.wg.Done()
				defer o.sem.Release(1)
				o.process(context.Background(), t)
			}(t)
		}
	}
}

// process runs one attempt of the task. Retryable failures go back
// through the queue's backoff; everything else is terminal.
func (o *Orchestrator) process(ctx context.Context, t *task.Task) {
	if t.Attempts == 0 && o.metrics != nil {
		o.metrics.QueueWait.Record(ctx, time.Since(t.CreatedAt).Seconds())
	}

	strat := o.selectStrategy(t)
	t.Attempts++
	if err := o.queue.UpdateTask(ctx, t); err != nil {
		o.logger.Error("persist attempt count", "task_id", t.ID, "error", err)
	}

	ctx, span := otelad.StartStrategySpan(ctx, t.ID, strat.Name())
	result, err := strat.Execute(ctx, o, t)
	span.End()

	switch {
	case err == nil:
		o.complete(ctx, t, result)
	case errors.Is(err, errTaskCancelled):
		o.logger.Info("dispatch aborted by cancellation", "task_id", t.ID)
	case domain.Retryable(err) && t.Attempts < t.MaxAttempts:
		o.logger.Warn("attempt failed, requeueing",
			"task_id", t.ID, "attempt", t.Attempts, "max_attempts", t.MaxAttempts, "error", err)
		if o.metrics != nil {
			o.metrics.TasksRetried.Add(ctx, 1)
		}
		if rqErr := o.queue.Requeue(ctx, t); rqErr != nil {
			o.logger.Error("requeue failed", "task_id", t.ID, "error", rqErr)
			o.fail(ctx, t, result, err)
		}
	default:
		o.fail(ctx, t, result, err)
	}
}

func (o *Orchestrator) selectStrategy(t *task.Task) Strategy {
	for _, s := range o.strategies {
		if s.Accepts(t) {
			return s
		}
	}
	return singleAgentStrategy{}
}

func (o *Orchestrator) complete(ctx context.Context, t *task.Task, result json.RawMessage) {
	if err := o.store.UpdateTaskResult(ctx, t.ID, result, ""); err != nil {
		o.logger.Error("persist task result", "task_id", t.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.TasksCompleted.Add(ctx, 1)
	}
	o.logger.Info("task completed", "task_id", t.ID, "attempts", t.Attempts)
}

// fail writes the terminal failure. A partial result (parallel branches)
// is stored alongside the error.
func (o *Orchestrator) fail(ctx context.Context, t *task.Task, result json.RawMessage, cause error) {
	if err := o.store.UpdateTaskResult(ctx, t.ID, result, cause.Error()); err != nil {
		o.logger.Error("persist task failure", "task_id", t.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.TasksFailed.Add(ctx, 1)
	}
	o.logger.Warn("task failed", "task_id", t.ID, "attempts", t.Attempts, "error", cause)
}

// executeOnAgent performs one dispatch: pick the best agent, send, and
// block until the result, the task timeout or the assignment sweep.
func (o *Orchestrator) executeOnAgent(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	best, err := o.registry.FindBestAgent(t.Type, t.RequiredCapabilities)
	if err != nil {
		return nil, err
	}

	ch := o.results.register(t.ID)
	o.assignments.Put(t.ID, best.ID)
	if o.metrics != nil {
		o.metrics.TasksDispatched.Add(ctx, 1)
	}

	dctx, span := otelad.StartDispatchSpan(ctx, t.ID, t.Type, best.ID)
	start := time.Now()
	err = o.dispatcher.DispatchTask(dctx, best.ID, t)
	if err != nil {
		span.End()
		o.results.unregister(t.ID)
		o.assignments.Resolve(t.ID)
		return nil, fmt.Errorf("dispatch to agent %s: %w", best.ID, err)
	}

	// Accepted. Pipeline and parallel sub-tasks are not persisted, so a
	// missing row here is expected.
	if uerr := o.store.UpdateTaskStatus(dctx, t.ID, task.StatusInProgress, best.ID); uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
		o.logger.Error("mark task in progress", "task_id", t.ID, "error", uerr)
	}
	if serr := o.registry.UpdateStatus(dctx, best.ID, agent.StatusBusy); serr != nil {
		o.logger.Warn("mark agent busy", "agent_id", best.ID, "error", serr)
	}

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()
	defer span.End()

	select {
	case out := <-ch:
		if o.metrics != nil {
			o.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
		switch {
		case out.Cancelled:
			o.releaseAgent(ctx, best.ID)
			return nil, errTaskCancelled
		case out.TimedOut:
			return nil, fmt.Errorf("task %s on agent %s: %w", t.ID, best.ID, domain.ErrAssignmentTimeout)
		case out.Err != "":
			return nil, fmt.Errorf("%w: %s", domain.ErrAgentFailure, out.Err)
		}
		return out.Result, nil

	case <-timer.C:
		o.results.unregister(t.ID)
		o.assignments.Resolve(t.ID)
		o.releaseAgent(ctx, best.ID)
		return nil, fmt.Errorf("task %s on agent %s after %s: %w", t.ID, best.ID, t.Timeout, domain.ErrAssignmentTimeout)

	case <-ctx.Done():
		o.results.unregister(t.ID)
		o.assignments.Resolve(t.ID)
		o.releaseAgent(context.Background(), best.ID)
		return nil, ctx.Err()
	}
}

// HandleTaskResult processes a result reported by an agent. Results for
// terminal tasks are logged and dropped; results nobody is waiting on
// anymore are persisted directly.
func (o *Orchestrator) HandleTaskResult(ctx context.Context, taskID string, result json.RawMessage, errMsg string, duration time.Duration) error {
	if asn, ok := o.assignments.Resolve(taskID); ok {
		o.recordAgentOutcome(ctx, asn.AgentID, errMsg == "", duration)
	}

	if o.results.deliver(taskID, &taskOutcome{Result: result, Err: errMsg, Duration: duration}) {
		return nil
	}

	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Debug("result for unknown or synthetic task", "task_id", taskID)
			return nil
		}
		return err
	}
	if t.Status.IsTerminal() {
		o.logger.Warn("result for terminal task ignored", "task_id", taskID, "status", string(t.Status))
		return nil
	}
	return o.store.UpdateTaskResult(ctx, taskID, result, errMsg)
}

// recordAgentOutcome folds one execution into the agent's rolling
// metrics and frees the agent.
func (o *Orchestrator) recordAgentOutcome(ctx context.Context, agentID string, success bool, duration time.Duration) {
	a, err := o.registry.Lookup(ctx, agentID)
	if err != nil {
		o.logger.Warn("agent gone before metrics update", "agent_id", agentID, "error", err)
		return
	}

	m := a.Metrics
	if success {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	sample := float64(duration.Milliseconds())
	if m.AverageResponseMS == 0 {
		m.AverageResponseMS = sample
	} else {
		m.AverageResponseMS = responseAlpha*m.AverageResponseMS + (1-responseAlpha)*sample
	}
	m.LastActive = time.Now().UTC()

	if err := o.registry.UpdateMetrics(ctx, agentID, m); err != nil {
		o.logger.Warn("persist agent metrics", "agent_id", agentID, "error", err)
	}
	o.releaseAgent(ctx, agentID)
}

// releaseAgent returns a busy agent to the pool after a dispatch that
// will produce no further outcome for it.
func (o *Orchestrator) releaseAgent(ctx context.Context, agentID string) {
	if err := o.registry.UpdateStatus(ctx, agentID, agent.StatusAvailable); err != nil {
		o.logger.Warn("release agent", "agent_id", agentID, "error", err)
	}
}

// AggregateResults collects the stored results of the given tasks,
// skipping tasks that are unknown or still running.
func (o *Orchestrator) AggregateResults(ctx context.Context, taskIDs []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(taskIDs))
	for _, id := range taskIDs {
		t, err := o.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(t.Result) > 0 {
			out[id] = t.Result
		}
	}
	return out, nil
}

// handleAssignmentExpired fires from the assignment sweep when an agent
// went dark after accepting. A live waiter gets unblocked; an orphaned
// task is requeued or failed depending on its attempt budget.
func (o *Orchestrator) handleAssignmentExpired(a Assignment) {
	ctx := context.Background()
	o.logger.Warn("assignment expired", "task_id", a.TaskID, "agent_id", a.AgentID)
	o.releaseAgent(ctx, a.AgentID)

	if o.results.deliver(a.TaskID, &taskOutcome{TimedOut: true}) {
		return
	}

	t, err := o.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	if t.Attempts < t.MaxAttempts {
		if err := o.queue.Requeue(ctx, t); err != nil {
			o.logger.Error("requeue after expired assignment", "task_id", t.ID, "error", err)
		}
		return
	}
	o.fail(ctx, t, nil, fmt.Errorf("agent %s: %w", a.AgentID, domain.ErrAssignmentTimeout))
}

func (o *Orchestrator) handleCancelled(taskID string) {
	o.assignments.Resolve(taskID)
	o.results.deliver(taskID, &taskOutcome{Cancelled: true})
}
