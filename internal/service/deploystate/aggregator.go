// Package deploystate rolls per-host progress into each deploy's macro
// state.
package deploystate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/lock"
	"github.com/splax/fleetgoal/internal/metrics"
	"github.com/splax/fleetgoal/internal/notify"
	"github.com/splax/fleetgoal/internal/repository"
)

// ScheduleAdvancer moves an environment's canary schedule forward.
type ScheduleAdvancer interface {
	Advance(ctx context.Context, env domain.Environment) (domain.ScheduleState, error)
}

// CapacityReader reports how many hosts the env's cluster should have.
// A zero capacity means unknown.
type CapacityReader interface {
	Capacity(ctx context.Context, env domain.Environment) (int, error)
}

// Aggregator transitions deploys under the per-deploy transition lock.
type Aggregator struct {
	deploys   repository.DeployRepository
	envs      repository.EnvironmentRepository
	agents    repository.AgentRepository
	builds    repository.BuildRepository
	schedules ScheduleAdvancer
	capacity  CapacityReader
	locker    lock.Locker
	notifier  notify.Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns an Aggregator.
func New(deploys repository.DeployRepository, envs repository.EnvironmentRepository, agents repository.AgentRepository, builds repository.BuildRepository, schedules ScheduleAdvancer, locker lock.Locker, notifier notify.Notifier, logger *slog.Logger, m *metrics.Metrics) Aggregator {
	return Aggregator{
		deploys:   deploys,
		envs:      envs,
		agents:    agents,
		builds:    builds,
		schedules: schedules,
		locker:    locker,
		notifier:  notifier,
		logger:    logger.With("component", "deploystate"),
		metrics:   m,
		now:       time.Now,
	}
}

// WithCapacityReader returns a copy that consults r before proposing
// SUCCEEDING.
func (a Aggregator) WithCapacityReader(r CapacityReader) Aggregator {
	a.capacity = r
	return a
}

// Transition re-evaluates a deploy. env may be nil, in which case it is
// loaded. A busy lock means another replica is on it and is not an error.
func (a Aggregator) Transition(ctx context.Context, deployID string, env *domain.Environment) error {
	name := lock.TransitionLockName(deployID)
	handle, ok, err := a.locker.TryAcquire(ctx, name)
	if err != nil {
		a.metrics.LockAttempt("transition", "error")
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		a.metrics.LockAttempt("transition", "busy")
		a.logger.Debug("transition lock busy", "deploy_id", deployID)
		return nil
	}
	a.metrics.LockAttempt("transition", "acquired")
	defer func() {
		if err := a.locker.Release(context.WithoutCancel(ctx), handle); err != nil {
			a.logger.Warn("release transition lock", "lock", name, "error", err)
		}
	}()
	return a.transition(ctx, deployID, env)
}

func (a Aggregator) transition(ctx context.Context, deployID string, env *domain.Environment) error {
	log := a.logger.With("deploy_id", deployID)

	dep, err := a.deploys.GetDeploy(ctx, deployID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Error("deploy does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get deploy: %w", err)
	}
	if !dep.State.IsActive() {
		log.Debug("deploy not active", "state", dep.State)
		return nil
	}

	if env == nil {
		env, err = a.envs.GetEnvironment(ctx, dep.EnvID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Error("environment of deploy does not exist", "env_id", dep.EnvID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get environment: %w", err)
		}
	}
	log = log.With("env_id", env.ID)

	now := a.now()
	if env.DeployID != deployID {
		final := domain.FinalState(dep.State)
		log.Warn("superseded deploy not final, finalizing", "state", dep.State, "final_state", final)
		if err := a.deploys.UpdateDeployState(ctx, deployID, final, now); err != nil {
			return fmt.Errorf("finalize deploy: %w", err)
		}
		a.metrics.DeployTransition(string(dep.State), string(final))
		return nil
	}

	sched, err := a.schedules.Advance(ctx, *env)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	counts, err := a.count(ctx, env.ID, deployID)
	if err != nil {
		return err
	}
	capacity := 0
	if a.capacity != nil {
		capacity, err = a.capacity.Capacity(ctx, *env)
		if err != nil {
			log.Warn("cluster capacity unavailable", "error", err)
			capacity = 0
		}
	}

	d := Decide(*dep, *env, counts, sched, capacity, now)
	if !d.Changed(*dep) {
		return nil
	}
	ok, err := a.deploys.UpdateDeployStateSafely(ctx, deployID, dep.State, d.Update)
	if err != nil {
		return fmt.Errorf("update deploy state: %w", err)
	}
	if !ok {
		log.Warn("deploy changed concurrently, skipping update", "expected_state", dep.State)
		return nil
	}
	if d.Update.State != dep.State {
		log.Info("deploy state changed", "from", dep.State, "to", d.Update.State,
			"succeeded", counts.Succeeded, "stuck", counts.Stuck, "total", counts.Total)
		a.metrics.DeployTransition(string(dep.State), string(d.Update.State))
	}

	a.announce(ctx, log, *env, *dep, d)
	return nil
}

func (a Aggregator) count(ctx context.Context, envID, deployID string) (Counts, error) {
	var c Counts
	var err error
	if c.Total, err = a.agents.CountAgentsByEnv(ctx, envID); err != nil {
		return c, fmt.Errorf("count agents: %w", err)
	}
	if c.Succeeded, err = a.agents.CountSucceededAgents(ctx, envID, deployID); err != nil {
		return c, fmt.Errorf("count succeeded agents: %w", err)
	}
	if c.Stuck, err = a.agents.CountStuckAgents(ctx, envID, deployID); err != nil {
		return c, fmt.Errorf("count stuck agents: %w", err)
	}
	return c, nil
}

// announce emits notifications for a persisted decision. Delivery
// failures are logged only.
func (a Aggregator) announce(ctx context.Context, log *slog.Logger, env domain.Environment, dep domain.Deploy, d Decision) {
	if a.notifier == nil {
		return
	}
	base := notify.Event{
		EnvID:     env.ID,
		EnvName:   env.Name,
		StageName: env.Stage,
		DeployID:  dep.ID,
		State:     string(d.Update.State),
		Operator:  dep.Operator,
		At:        a.now(),
	}
	send := func(ev notify.Event) {
		if err := a.notifier.Notify(ctx, ev); err != nil {
			log.Error("notify", "kind", ev.Kind, "error", err)
		}
	}

	if d.FirstSuccess && len(env.PostDeployHooks) > 0 {
		ev := base
		ev.Kind = notify.KindPostDeployHooks
		ev.Hooks = append([]string(nil), env.PostDeployHooks...)
		send(ev)
		log.Info("submitted post deploy hooks", "hooks", len(env.PostDeployHooks))
	}

	if !ShouldNotify(dep.State, d.Update.State, dep.SuccessDate) {
		return
	}
	build := domain.Build{ID: dep.BuildID}
	if b, err := a.builds.GetBuild(ctx, dep.BuildID); err == nil {
		build = *b
	} else {
		log.Warn("build lookup for notification failed", "build_id", dep.BuildID, "error", err)
	}
	ev := base
	ev.Kind = notify.KindDeployState
	ev.Message = finishMessage(env, dep, build, d.Update.State)
	send(ev)

	if d.Update.State == domain.DeployStateSucceeding && dep.SuccessDate == nil {
		ev := base
		ev.Kind = notify.KindDeploySucceeded
		ev.Message = fmt.Sprintf("%s/%s now serving %s", env.Name, env.Stage, build.ShortCommit())
		send(ev)
	}
}
