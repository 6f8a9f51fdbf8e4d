package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/agent"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const agentColumns = `id, name, type, status, capabilities, endpoint, region, tags, metadata,
	tasks_completed, tasks_failed, avg_response_ms, last_active, last_heartbeat, created_at, updated_at`

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, f agent.Filter) ([]agent.Agent, error) {
	// Type/status/region narrow the scan via indexes; capability and tag
	// containment is cheaper to finish in Go than in jsonb operators here.
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Region != "" {
		args = append(args, f.Region)
		query += fmt.Sprintf(" AND region = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if a.HasCapabilities(f.Capabilities) && a.HasTags(f.Tags) {
			agents = append(agents, a)
		}
	}
	return agents, rows.Err()
}

func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	capsJSON, tagsJSON, metaJSON, err := marshalAgentFields(a)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, type, status, capabilities, endpoint, region, tags, metadata,
		                     tasks_completed, tasks_failed, avg_response_ms, last_active, last_heartbeat, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status,
		   capabilities = EXCLUDED.capabilities, endpoint = EXCLUDED.endpoint,
		   region = EXCLUDED.region, tags = EXCLUDED.tags, metadata = EXCLUDED.metadata,
		   tasks_completed = EXCLUDED.tasks_completed, tasks_failed = EXCLUDED.tasks_failed,
		   avg_response_ms = EXCLUDED.avg_response_ms, last_active = EXCLUDED.last_active,
		   last_heartbeat = EXCLUDED.last_heartbeat, updated_at = now()`,
		a.ID, a.Name, string(a.Type), string(a.Status), capsJSON, a.Endpoint, a.Region, tagsJSON, metaJSON,
		a.Metrics.TasksCompleted, a.Metrics.TasksFailed, a.Metrics.AverageResponseMS,
		a.Metrics.LastActive, a.LastHeartbeat, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1
		 RETURNING `+agentColumns, id, string(status))

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update agent status %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("update agent status %s: %w", id, err)
	}
	return &a, nil
}

func (s *Store) UpdateAgentHeartbeat(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("update heartbeat %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) UpdateAgentMetrics(ctx context.Context, id string, m agent.Metrics) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET tasks_completed = $2, tasks_failed = $3, avg_response_ms = $4,
		        last_active = $5, updated_at = now()
		 WHERE id = $1`,
		id, m.TasksCompleted, m.TasksFailed, m.AverageResponseMS, m.LastActive)
	if err != nil {
		return fmt.Errorf("update agent metrics %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent metrics %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents SET status = 'offline', updated_at = now()
		 WHERE last_heartbeat < $1 AND status <> 'offline'
		 RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale agents offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete agent %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func marshalAgentFields(a *agent.Agent) (caps, tags, meta []byte, err error) {
	caps, err = json.Marshal(orEmptyCaps(a.Capabilities))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	tags, err = json.Marshal(orEmptyStrings(a.Tags))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	meta, err = json.Marshal(orEmptyMap(a.Metadata))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return caps, tags, meta, nil
}

func scanAgent(row pgx.Row) (agent.Agent, error) {
	var a agent.Agent
	var typ, status string
	var capsJSON, tagsJSON, metaJSON []byte
	err := row.Scan(&a.ID, &a.Name, &typ, &status, &capsJSON, &a.Endpoint, &a.Region, &tagsJSON, &metaJSON,
		&a.Metrics.TasksCompleted, &a.Metrics.TasksFailed, &a.Metrics.AverageResponseMS,
		&a.Metrics.LastActive, &a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return agent.Agent{}, err
	}
	a.Type = agent.Type(typ)
	a.Status = agent.Status(status)
	if err := json.Unmarshal(capsJSON, &a.Capabilities); err != nil {
		return agent.Agent{}, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &a.Tags); err != nil {
		return agent.Agent{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
		return agent.Agent{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return a, nil
}
