package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/task"
)

const taskColumns = `id, type, priority, status, payload, required_capabilities, attempts, max_attempts,
	timeout_ms, assigned_agent_id, result, error, metadata, created_at, updated_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	capsJSON, err := json.Marshal(orEmptyStrings(t.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("marshal required capabilities: %w", err)
	}
	metaJSON, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, type, priority, status, payload, required_capabilities,
		                    attempts, max_attempts, timeout_ms, assigned_agent_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, now())`,
		t.ID, t.Type, int(t.Priority), string(t.Status), rawOrNil(t.Payload), capsJSON,
		t.Attempts, t.MaxAttempts, t.Timeout.Milliseconds(), t.AssignedAgentID, metaJSON, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	capsJSON, err := json.Marshal(orEmptyStrings(t.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("marshal required capabilities: %w", err)
	}
	metaJSON, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET type = $2, priority = $3, status = $4, payload = $5,
		        required_capabilities = $6, attempts = $7, max_attempts = $8, timeout_ms = $9,
		        assigned_agent_id = NULLIF($10, ''), result = $11, error = $12, metadata = $13,
		        completed_at = $14, updated_at = now()
		 WHERE id = $1`,
		t.ID, t.Type, int(t.Priority), string(t.Status), rawOrNil(t.Payload), capsJSON,
		t.Attempts, t.MaxAttempts, t.Timeout.Milliseconds(), t.AssignedAgentID,
		rawOrNil(t.Result), t.Error, metaJSON, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, assignedAgentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2,
		        assigned_agent_id = CASE WHEN $3 = '' THEN assigned_agent_id ELSE $3 END,
		        updated_at = now()
		 WHERE id = $1`, id, string(status), assignedAgentID)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateTaskResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error {
	status := task.StatusCompleted
	if errMsg != "" {
		status = task.StatusFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, result = $3, error = $4, completed_at = now(), updated_at = now()
		 WHERE id = $1`, id, string(status), rawOrNil(result), errMsg)
	if err != nil {
		return fmt.Errorf("update task result %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task result %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListTasksByPriority(ctx context.Context, p task.Priority, limit int) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE priority = $1 ORDER BY created_at DESC LIMIT $2`,
		int(p), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by priority: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[task.Status]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count tasks by status: %w", err)
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) PurgeExpiredTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks
		 WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectTasks(rows pgx.Rows) ([]task.Task, error) {
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	var priority int
	var status string
	var timeoutMS int64
	var assigned *string
	var capsJSON, metaJSON []byte
	var payload, result []byte

	err := row.Scan(&t.ID, &t.Type, &priority, &status, &payload, &capsJSON, &t.Attempts, &t.MaxAttempts,
		&timeoutMS, &assigned, &result, &t.Error, &metaJSON, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.Payload = json.RawMessage(payload)
	t.Result = json.RawMessage(result)
	if assigned != nil {
		t.AssignedAgentID = *assigned
	}
	if err := json.Unmarshal(capsJSON, &t.RequiredCapabilities); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal required capabilities: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return t, nil
}
