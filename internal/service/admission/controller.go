// Package admission throttles how many hosts of an environment may be
// deploying at once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/lock"
	"github.com/splax/fleetgoal/internal/metrics"
	"github.com/splax/fleetgoal/internal/repository"
)

// Gate is the canary schedule as seen by admission.
type Gate interface {
	Allows(ctx context.Context, env domain.Environment) (bool, error)
	Start(ctx context.Context, env domain.Environment) error
}

// Controller decides whether a waiting install candidate may start.
type Controller struct {
	agents   repository.AgentRepository
	counts   repository.AgentCountRepository
	locker   lock.Locker
	gate     Gate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	countTTL time.Duration
	now      func() time.Time
}

// New returns a Controller. A zero countTTL disables the count snapshot.
func New(agents repository.AgentRepository, counts repository.AgentCountRepository, locker lock.Locker, gate Gate, logger *slog.Logger, m *metrics.Metrics, countTTL time.Duration) Controller {
	return Controller{
		agents:   agents,
		counts:   counts,
		locker:   locker,
		gate:     gate,
		logger:   logger.With("component", "admission"),
		metrics:  m,
		countTTL: countTTL,
		now:      time.Now,
	}
}

// CanDeploy reports whether candidate may start installing on hostID.
// When it returns true the candidate's agent record has been persisted.
func (c Controller) CanDeploy(ctx context.Context, env domain.Environment, hostID string, candidate domain.Agent) (bool, error) {
	log := c.logger.With("env_id", env.ID, "host_id", hostID)

	if candidate.FirstDeploy {
		if err := c.agents.UpsertAgent(ctx, candidate); err != nil {
			return false, fmt.Errorf("persist first deploy agent: %w", err)
		}
		log.Debug("first deploy admitted without throttling")
		c.metrics.Admission("first_deploy")
		return true, nil
	}

	snapshot, err := c.snapshot(ctx, env.ID)
	if err != nil {
		return false, err
	}
	total, deploying, err := c.counters(ctx, env.ID, snapshot)
	if err != nil {
		return false, err
	}
	limit := ResolveParallelLimit(env, total, log)
	if deploying >= limit {
		log.Debug("parallel cap reached", "deploying", deploying, "limit", limit)
		c.metrics.Admission("cap")
		return false, nil
	}
	allowed, err := c.gate.Allows(ctx, env)
	if err != nil {
		return false, err
	}
	if !allowed {
		log.Debug("schedule refused admission")
		c.metrics.Admission("schedule")
		return false, nil
	}

	name := lock.DeployLockName(env.ID)
	handle, ok, err := c.locker.TryAcquire(ctx, name)
	if err != nil {
		c.metrics.LockAttempt("deploy", "error")
		return false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		log.Debug("deploy lock busy", "lock", name)
		c.metrics.LockAttempt("deploy", "busy")
		c.metrics.Admission("lock_busy")
		return false, nil
	}
	c.metrics.LockAttempt("deploy", "acquired")
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), handle); err != nil {
			log.Warn("release deploy lock", "lock", name, "error", err)
		}
	}()

	return c.admitLocked(ctx, env, candidate, log)
}

func (c Controller) admitLocked(ctx context.Context, env domain.Environment, candidate domain.Agent, log *slog.Logger) (bool, error) {
	snapshot, err := c.snapshot(ctx, env.ID)
	if err != nil {
		return false, err
	}
	total, deploying, err := c.counters(ctx, env.ID, snapshot)
	if err != nil {
		return false, err
	}
	limit := ResolveParallelLimit(env, total, log)
	if deploying >= limit {
		log.Debug("parallel cap reached under lock", "deploying", deploying, "limit", limit)
		c.metrics.Admission("cap")
		return false, nil
	}
	allowed, err := c.gate.Allows(ctx, env)
	if err != nil {
		return false, err
	}
	if !allowed {
		log.Debug("schedule refused admission under lock")
		c.metrics.Admission("schedule")
		return false, nil
	}
	if err := c.gate.Start(ctx, env); err != nil {
		return false, err
	}

	count := domain.AgentCount{
		EnvID:         env.ID,
		DeployID:      candidate.DeployID,
		ExistingCount: total,
		ActiveCount:   deploying + 1,
	}
	if snapshot != nil {
		count.RefreshedAt = snapshot.RefreshedAt
	} else {
		count.RefreshedAt = c.now()
	}
	if err := c.counts.UpsertAgentCount(ctx, count); err != nil {
		return false, fmt.Errorf("update agent count: %w", err)
	}
	if err := c.agents.UpsertAgent(ctx, candidate); err != nil {
		return false, fmt.Errorf("persist admitted agent: %w", err)
	}
	log.Debug("admitted", "deploying", deploying, "limit", limit)
	c.metrics.Admission("admitted")
	return true, nil
}

// snapshot returns the env's count snapshot when it is still fresh.
func (c Controller) snapshot(ctx context.Context, envID string) (*domain.AgentCount, error) {
	if c.countTTL <= 0 {
		return nil, nil
	}
	cnt, err := c.counts.GetAgentCount(ctx, envID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent count: %w", err)
	}
	if cnt.RefreshedAt.IsZero() || c.now().Sub(cnt.RefreshedAt) > c.countTTL {
		return nil, nil
	}
	return cnt, nil
}

// counters returns the non-first-deploy total and the deploying count,
// from the snapshot when present.
func (c Controller) counters(ctx context.Context, envID string, snapshot *domain.AgentCount) (int, int, error) {
	if snapshot != nil {
		return snapshot.ExistingCount, snapshot.ActiveCount, nil
	}
	total, err := c.agents.CountNonFirstDeployAgents(ctx, envID)
	if err != nil {
		return 0, 0, fmt.Errorf("count non first deploy agents: %w", err)
	}
	deploying, err := c.agents.CountDeployingAgents(ctx, envID)
	if err != nil {
		return 0, 0, fmt.Errorf("count deploying agents: %w", err)
	}
	return total, deploying, nil
}

// ResolveParallelLimit returns how many non-first-deploy hosts may be
// deploying at once, given total such hosts. The result is never below 1.
func ResolveParallelLimit(env domain.Environment, total int, logger *slog.Logger) int {
	limit := domain.DefaultMaxParallel
	byCount := env.MaxParallel > 0
	byPercent := env.MaxParallelPercent > 0
	switch {
	case byPercent && !byCount:
		limit = total * env.MaxParallelPercent / 100
	case byCount && !byPercent:
		limit = env.MaxParallel
	case byCount && byPercent:
		limit = min(env.MaxParallel, total*env.MaxParallelPercent/100)
	}

	switch {
	case limit <= 0:
		if logger != nil {
			logger.Warn("parallel limit below one, using one", "limit", limit, "max_parallel", env.MaxParallel, "max_parallel_pct", env.MaxParallelPercent, "total", total)
		}
		limit = 1
	case limit > total:
		if total > 0 && logger != nil {
			logger.Warn("parallel limit above host count, clamping", "limit", limit, "max_parallel", env.MaxParallel, "max_parallel_pct", env.MaxParallelPercent, "total", total)
		}
		limit = max(total, 1)
	}
	return limit
}
