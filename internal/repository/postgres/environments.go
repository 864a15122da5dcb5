package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

const environmentColumns = `e.id, e.name, e.stage, e.deploy_id, e.deploy_type, e.state, e.success_threshold,
	e.stuck_threshold_seconds, e.max_parallel, e.max_parallel_pct, e.schedule_id, e.priority, e.system_priority,
	e.accept_type, e.is_docker, e.script_variables, e.agent_configs, e.post_deploy_hooks, e.updated_at`

// GetEnvironment fetches one environment by id.
func (r *Repository) GetEnvironment(ctx context.Context, envID string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments e WHERE e.id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, envID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &env, nil
}

// ListEnvironmentsByHost returns environments a host is bound to directly.
func (r *Repository) ListEnvironmentsByHost(ctx context.Context, hostName string) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments e
		JOIN env_hosts h ON h.env_id = e.id
		WHERE h.host_name = $1
		ORDER BY e.id`
	return r.listEnvironments(ctx, query, hostName)
}

// ListEnvironmentsByGroups returns environments bound to any of the groups.
func (r *Repository) ListEnvironmentsByGroups(ctx context.Context, groups []string) ([]domain.Environment, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT ` + environmentColumns + ` FROM environments e
		JOIN env_groups g ON g.env_id = e.id
		WHERE g.group_name = ANY($1)
		ORDER BY e.id`
	return r.listEnvironments(ctx, query, groups)
}

// ListCurrentDeployIDs returns the current deploy of every environment that has one.
func (r *Repository) ListCurrentDeployIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT deploy_id FROM environments WHERE deploy_id IS NOT NULL ORDER BY deploy_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
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

func (r *Repository) listEnvironments(ctx context.Context, query string, args ...any) ([]domain.Environment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func scanEnvironment(row pgx.Row) (domain.Environment, error) {
	var (
		env            domain.Environment
		deployID       *string
		deployType     *string
		scheduleID     *string
		systemPriority *int32
		scriptVars     []byte
		agentConfigs   []byte
		hooks          []byte
	)
	if err := row.Scan(
		&env.ID,
		&env.Name,
		&env.Stage,
		&deployID,
		&deployType,
		&env.State,
		&env.SuccessThreshold,
		&env.StuckThresholdSeconds,
		&env.MaxParallel,
		&env.MaxParallelPercent,
		&scheduleID,
		&env.Priority,
		&systemPriority,
		&env.AcceptType,
		&env.IsDocker,
		&scriptVars,
		&agentConfigs,
		&hooks,
		&env.UpdatedAt,
	); err != nil {
		return domain.Environment{}, err
	}
	env.DeployID = derefString(deployID)
	env.DeployType = domain.DeployType(derefString(deployType))
	env.ScheduleID = derefString(scheduleID)
	if systemPriority != nil {
		v := int(*systemPriority)
		env.SystemPriority = &v
	}
	var err error
	if env.ScriptVariables, err = decodeStringMap(scriptVars); err != nil {
		return domain.Environment{}, fmt.Errorf("decode script variables for env %s: %w", env.ID, err)
	}
	if env.AgentConfigs, err = decodeStringMap(agentConfigs); err != nil {
		return domain.Environment{}, fmt.Errorf("decode agent configs for env %s: %w", env.ID, err)
	}
	if env.PostDeployHooks, err = decodeStrings(hooks); err != nil {
		return domain.Environment{}, fmt.Errorf("decode post deploy hooks for env %s: %w", env.ID, err)
	}
	return env, nil
}
