package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

// GetDeploy fetches a deploy by id.
func (r *Repository) GetDeploy(ctx context.Context, deployID string) (*domain.Deploy, error) {
	const query = `SELECT id, env_id, build_id, alias, deploy_type, state, success_count, stuck_count, total,
		start_date, success_date, last_update, acceptance_status, operator
		FROM deploys WHERE id = $1`
	var (
		d     domain.Deploy
		alias *string
	)
	if err := r.pool.QueryRow(ctx, query, deployID).Scan(
		&d.ID,
		&d.EnvID,
		&d.BuildID,
		&alias,
		&d.Type,
		&d.State,
		&d.SuccessCount,
		&d.StuckCount,
		&d.Total,
		&d.StartDate,
		&d.SuccessDate,
		&d.LastUpdate,
		&d.AcceptanceStatus,
		&d.Operator,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Alias = derefString(alias)
	return &d, nil
}

// UpdateDeployState overwrites the state of a deploy unconditionally.
func (r *Repository) UpdateDeployState(ctx context.Context, deployID string, state domain.DeployState, at time.Time) error {
	const query = `UPDATE deploys SET state = $2, last_update = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deployID, string(state), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateDeployStateSafely applies update only while the deploy remains in expected.
func (r *Repository) UpdateDeployStateSafely(ctx context.Context, deployID string, expected domain.DeployState, u domain.DeployUpdate) (bool, error) {
	const query = `UPDATE deploys SET
			state = $3,
			success_count = $4,
			stuck_count = $5,
			total = $6,
			last_update = $7,
			success_date = COALESCE($8, success_date),
			acceptance_status = COALESCE($9, acceptance_status)
		WHERE id = $1 AND state = $2`
	tag, err := r.pool.Exec(ctx, query,
		deployID,
		string(expected),
		string(u.State),
		u.SuccessCount,
		u.StuckCount,
		u.Total,
		u.LastUpdate,
		nilTime(u.SuccessDate),
		nilIfEmpty(string(u.AcceptanceStatus)),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetBuild fetches a build by id.
func (r *Repository) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT id, name, artifact_url, scm, scm_repo, scm_branch, scm_commit, published_at FROM builds WHERE id = $1`
	var b domain.Build
	if err := r.pool.QueryRow(ctx, query, buildID).Scan(&b.ID, &b.Name, &b.ArtifactURL, &b.SCM, &b.SCMRepo, &b.SCMBranch, &b.SCMCommit, &b.PublishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// GetSchedule fetches a canary schedule by id.
func (r *Repository) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	const query = `SELECT id, host_numbers, cooldown_minutes, current_session, total_sessions, state, state_start_time
		FROM schedules WHERE id = $1`
	var (
		s         domain.Schedule
		hosts     []int32
		cooldowns []int32
	)
	if err := r.pool.QueryRow(ctx, query, scheduleID).Scan(&s.ID, &hosts, &cooldowns, &s.CurrentSession, &s.TotalSessions, &s.State, &s.StateStartTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.HostNumbers = toInts(hosts)
	s.CooldownMinutes = toInts(cooldowns)
	return &s, nil
}

// UpdateSchedule persists the mutable schedule fields.
func (r *Repository) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	const query = `UPDATE schedules SET host_numbers = $2, cooldown_minutes = $3, current_session = $4,
		total_sessions = $5, state = $6, state_start_time = $7 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, s.ID, toInt32s(s.HostNumbers), toInt32s(s.CooldownMinutes), s.CurrentSession, s.TotalSessions, string(s.State), s.StateStartTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
