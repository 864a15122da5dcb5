package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

// ListAgentsByHost returns every agent record for a host.
func (r *Repository) ListAgentsByHost(ctx context.Context, hostID string) ([]domain.Agent, error) {
	const query = `SELECT host_id, host_name, env_id, deploy_id, deploy_stage, state, status, first_deploy,
		fail_count, last_error_code, start_date, stage_start_date, last_update, first_deploy_time, last_operator
		FROM agents WHERE host_id = $1 ORDER BY env_id`
	rows, err := r.pool.Query(ctx, query, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []domain.Agent
	for rows.Next() {
		var (
			a        domain.Agent
			deployID *string
		)
		if err := rows.Scan(
			&a.HostID,
			&a.HostName,
			&a.EnvID,
			&deployID,
			&a.DeployStage,
			&a.State,
			&a.Status,
			&a.FirstDeploy,
			&a.FailCount,
			&a.LastErrorCode,
			&a.StartDate,
			&a.StageStartDate,
			&a.LastUpdate,
			&a.FirstDeployTime,
			&a.LastOperator,
		); err != nil {
			return nil, err
		}
		a.DeployID = derefString(deployID)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent inserts or replaces the record for (host, env).
func (r *Repository) UpsertAgent(ctx context.Context, a domain.Agent) error {
	const query = `INSERT INTO agents (host_id, host_name, env_id, deploy_id, deploy_stage, state, status, first_deploy,
		fail_count, last_error_code, start_date, stage_start_date, last_update, first_deploy_time, last_operator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (host_id, env_id) DO UPDATE SET
			host_name = EXCLUDED.host_name,
			deploy_id = EXCLUDED.deploy_id,
			deploy_stage = EXCLUDED.deploy_stage,
			state = EXCLUDED.state,
			status = EXCLUDED.status,
			first_deploy = EXCLUDED.first_deploy,
			fail_count = EXCLUDED.fail_count,
			last_error_code = EXCLUDED.last_error_code,
			start_date = EXCLUDED.start_date,
			stage_start_date = EXCLUDED.stage_start_date,
			last_update = EXCLUDED.last_update,
			first_deploy_time = COALESCE(EXCLUDED.first_deploy_time, agents.first_deploy_time),
			last_operator = EXCLUDED.last_operator`
	_, err := r.pool.Exec(ctx, query,
		a.HostID,
		a.HostName,
		a.EnvID,
		nilIfEmpty(a.DeployID),
		string(a.DeployStage),
		string(a.State),
		string(a.Status),
		a.FirstDeploy,
		a.FailCount,
		a.LastErrorCode,
		a.StartDate,
		a.StageStartDate,
		a.LastUpdate,
		nilTime(a.FirstDeployTime),
		a.LastOperator,
	)
	return err
}

// DeleteAgent removes the record for (host, env).
func (r *Repository) DeleteAgent(ctx context.Context, hostID, envID string) error {
	const query = `DELETE FROM agents WHERE host_id = $1 AND env_id = $2`
	_, err := r.pool.Exec(ctx, query, hostID, envID)
	return err
}

// CountAgentsByEnv counts every agent bound to an environment.
func (r *Repository) CountAgentsByEnv(ctx context.Context, envID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE env_id = $1`
	return r.count(ctx, query, envID)
}

// CountNonFirstDeployAgents counts agents past their first deploy.
func (r *Repository) CountNonFirstDeployAgents(ctx context.Context, envID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE env_id = $1 AND first_deploy = FALSE`
	return r.count(ctx, query, envID)
}

// CountDeployingAgents counts agents holding an admission slot: non first
// deploy agents still installing and not paused, plus agents being stopped.
func (r *Repository) CountDeployingAgents(ctx context.Context, envID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE env_id = $1 AND (
		(deploy_stage <> 'SERVING_BUILD' AND state NOT IN ('PAUSED_BY_USER', 'PAUSED_BY_SYSTEM') AND first_deploy = FALSE)
		OR state = 'STOP')`
	return r.count(ctx, query, envID)
}

// CountSucceededAgents counts agents serving (or stopped on) the deploy.
func (r *Repository) CountSucceededAgents(ctx context.Context, envID, deployID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE env_id = $1 AND deploy_id = $2
		AND deploy_stage IN ('SERVING_BUILD', 'STOPPED') AND state <> 'PAUSED_BY_USER'`
	return r.count(ctx, query, envID, deployID)
}

// CountStuckAgents counts agents paused by the system on the deploy.
func (r *Repository) CountStuckAgents(ctx context.Context, envID, deployID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE env_id = $1 AND deploy_id = $2 AND state = 'PAUSED_BY_SYSTEM'`
	return r.count(ctx, query, envID, deployID)
}

// CountFinishedAgentsByDeploy counts agents done with the deploy either way.
func (r *Repository) CountFinishedAgentsByDeploy(ctx context.Context, deployID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE deploy_id = $1
		AND (deploy_stage = 'SERVING_BUILD' OR state IN ('PAUSED_BY_USER', 'PAUSED_BY_SYSTEM'))`
	return r.count(ctx, query, deployID)
}

// CountAgentsByDeploy counts agents assigned to the deploy.
func (r *Repository) CountAgentsByDeploy(ctx context.Context, deployID string) (int, error) {
	const query = `SELECT COUNT(1) FROM agents WHERE deploy_id = $1`
	return r.count(ctx, query, deployID)
}

func (r *Repository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GetAgentError returns the stored error message for (host, env).
func (r *Repository) GetAgentError(ctx context.Context, hostID, envID string) (*domain.AgentError, error) {
	const query = `SELECT id, host_id, host_name, env_id, message, updated_at FROM agent_errors WHERE host_id = $1 AND env_id = $2`
	var e domain.AgentError
	if err := r.pool.QueryRow(ctx, query, hostID, envID).Scan(&e.ID, &e.HostID, &e.HostName, &e.EnvID, &e.Message, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// InsertAgentError stores a new error message.
func (r *Repository) InsertAgentError(ctx context.Context, e domain.AgentError) error {
	const query = `INSERT INTO agent_errors (id, host_id, host_name, env_id, message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (host_id, env_id) DO UPDATE SET message = EXCLUDED.message, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, e.ID, e.HostID, e.HostName, e.EnvID, e.Message, e.UpdatedAt)
	return err
}

// UpdateAgentErrorMessage replaces the stored message for (host, env).
func (r *Repository) UpdateAgentErrorMessage(ctx context.Context, hostID, envID, message string, at time.Time) error {
	const query = `UPDATE agent_errors SET message = $3, updated_at = $4 WHERE host_id = $1 AND env_id = $2`
	tag, err := r.pool.Exec(ctx, query, hostID, envID, message, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetAgentCount returns the cached deploying counts for an env.
func (r *Repository) GetAgentCount(ctx context.Context, envID string) (*domain.AgentCount, error) {
	const query = `SELECT env_id, deploy_id, existing_count, active_count, refreshed_at FROM agent_counts WHERE env_id = $1`
	var (
		c        domain.AgentCount
		deployID *string
	)
	if err := r.pool.QueryRow(ctx, query, envID).Scan(&c.EnvID, &deployID, &c.ExistingCount, &c.ActiveCount, &c.RefreshedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	c.DeployID = derefString(deployID)
	return &c, nil
}

// UpsertAgentCount stores the counts snapshot for an env.
func (r *Repository) UpsertAgentCount(ctx context.Context, c domain.AgentCount) error {
	const query = `INSERT INTO agent_counts (env_id, deploy_id, existing_count, active_count, refreshed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (env_id) DO UPDATE SET
			deploy_id = EXCLUDED.deploy_id,
			existing_count = EXCLUDED.existing_count,
			active_count = EXCLUDED.active_count,
			refreshed_at = EXCLUDED.refreshed_at`
	_, err := r.pool.Exec(ctx, query, c.EnvID, nilIfEmpty(c.DeployID), c.ExistingCount, c.ActiveCount, c.RefreshedAt)
	return err
}
