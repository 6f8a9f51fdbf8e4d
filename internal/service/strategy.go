package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/task"
)

// Strategy decides how a task's payload maps onto agent dispatches.
// Selection is by payload shape; the first strategy that accepts wins,
// with single-agent as the unconditional fallback.
type Strategy interface {
	Name() string
	Accepts(t *task.Task) bool
	Execute(ctx context.Context, o *Orchestrator, t *task.Task) (json.RawMessage, error)
}

// ---------------------------------------------------------------------------
// Single agent
// ---------------------------------------------------------------------------

type singleAgentStrategy struct{}

func (singleAgentStrategy) Name() string            { return "single" }
func (singleAgentStrategy) Accepts(*task.Task) bool { return true }

func (singleAgentStrategy) Execute(ctx context.Context, o *Orchestrator, t *task.Task) (json.RawMessage, error) {
	return o.executeOnAgent(ctx, t)
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

type pipelineStrategy struct{}

func (pipelineStrategy) Name() string { return "pipeline" }

func (pipelineStrategy) Accepts(t *task.Task) bool {
	var probe struct {
		Stages json.RawMessage `json:"stages"`
	}
	return json.Unmarshal(t.Payload, &probe) == nil && probe.Stages != nil
}

// Execute runs the stages sequentially, threading each stage's result
// into the next stage's input. A stage failure aborts the pipeline; a
// retry reruns it from the first stage.
func (pipelineStrategy) Execute(ctx context.Context, o *Orchestrator, t *task.Task) (json.RawMessage, error) {
	var p task.PipelinePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil || len(p.Stages) == 0 {
		return nil, fmt.Errorf("pipeline task %s: %w", t.ID, domain.ErrBadStrategyPayload)
	}

	var prev json.RawMessage
	for i, stage := range p.Stages {
		if stage.Type == "" {
			return nil, fmt.Errorf("pipeline task %s stage %d has no type: %w", t.ID, i, domain.ErrBadStrategyPayload)
		}

		input, err := json.Marshal(task.StageInput{Payload: stage.Payload, PreviousResult: prev})
		if err != nil {
			return nil, fmt.Errorf("encode stage %d input: %w", i, err)
		}

		sub := newSubTask(t, stage.Type, stage.Capabilities, input, t.Timeout)
		sub.Metadata["stage"] = strconv.Itoa(i)

		res, err := o.executeOnAgent(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, stage.Type, err)
		}
		prev = res
	}
	return prev, nil
}

// ---------------------------------------------------------------------------
// Parallel
// ---------------------------------------------------------------------------

type parallelStrategy struct{}

func (parallelStrategy) Name() string { return "parallel" }

func (parallelStrategy) Accepts(t *task.Task) bool {
	var probe struct {
		Tasks json.RawMessage `json:"tasks"`
	}
	return json.Unmarshal(t.Payload, &probe) == nil && probe.Tasks != nil
}

// Execute fans the sub-tasks out concurrently. Every branch runs to
// completion; the marshaled sub-results are returned even when some
// branches fail, alongside the first branch error.
func (parallelStrategy) Execute(ctx context.Context, o *Orchestrator, t *task.Task) (json.RawMessage, error) {
	var p task.ParallelPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil || len(p.Tasks) == 0 {
		return nil, fmt.Errorf("parallel task %s: %w", t.ID, domain.ErrBadStrategyPayload)
	}
	for i, st := range p.Tasks {
		if st.Type == "" {
			return nil, fmt.Errorf("parallel task %s branch %d has no type: %w", t.ID, i, domain.ErrBadStrategyPayload)
		}
	}

	results := make([]task.SubResult, len(p.Tasks))
	var mu sync.Mutex
	var g errgroup.Group

	for i, st := range p.Tasks {
		g.Go(func() error {
			timeout := t.Timeout
			if st.TimeoutMS > 0 {
				timeout = time.Duration(st.TimeoutMS) * time.Millisecond
			}
			sub := newSubTask(t, st.Type, st.Capabilities, st.Payload, timeout)
			sub.Metadata["branch"] = strconv.Itoa(i)

			res, err := o.executeOnAgent(ctx, sub)
			mu.Lock()
			results[i] = task.SubResult{Index: i, Type: st.Type, Result: res}
			if err != nil {
				results[i].Error = err.Error()
			}
			mu.Unlock()
			return err
		})
	}
	branchErr := g.Wait()

	data, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode parallel results: %w", err)
	}
	if branchErr != nil {
		return data, fmt.Errorf("parallel task %s: %w", t.ID, branchErr)
	}
	return data, nil
}

// newSubTask builds an in-memory sub-task for one stage or branch.
// Sub-tasks get a single attempt; the parent owns the retry budget.
func newSubTask(parent *task.Task, taskType string, caps []string, payload json.RawMessage, timeout time.Duration) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:                   uuid.NewString(),
		Type:                 taskType,
		Priority:             parent.Priority,
		Status:               task.StatusAssigned,
		Payload:              payload,
		RequiredCapabilities: caps,
		Attempts:             1,
		MaxAttempts:          1,
		Timeout:              timeout,
		Metadata:             map[string]string{"parent_task_id": parent.ID},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
