// Package schedule paces a rollout into canary sessions separated by
// cooldown windows.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

// Scheduler drives the canary schedule attached to an environment.
type Scheduler struct {
	schedules repository.ScheduleRepository
	agents    repository.AgentRepository
	logger    *slog.Logger
	now       func() time.Time
}

// New returns a Scheduler.
func New(schedules repository.ScheduleRepository, agents repository.AgentRepository, logger *slog.Logger) Scheduler {
	return Scheduler{
		schedules: schedules,
		agents:    agents,
		logger:    logger.With("component", "schedule"),
		now:       time.Now,
	}
}

func (s Scheduler) load(ctx context.Context, env domain.Environment) (*domain.Schedule, error) {
	if env.ScheduleID == "" {
		return nil, nil
	}
	sc, err := s.schedules.GetSchedule(ctx, env.ScheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("environment references missing schedule", "env_id", env.ID, "schedule_id", env.ScheduleID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", env.ScheduleID, err)
	}
	return sc, nil
}

// Allows reports whether the schedule admits one more host for the
// environment's current deploy.
func (s Scheduler) Allows(ctx context.Context, env domain.Environment) (bool, error) {
	sc, err := s.load(ctx, env)
	if err != nil {
		return false, err
	}
	if sc == nil {
		return true, nil
	}
	switch sc.State {
	case domain.ScheduleCoolingDown:
		s.logger.Debug("schedule cooling down", "env_id", env.ID, "session", sc.CurrentSession)
		return false, nil
	case domain.ScheduleFinal, domain.ScheduleNotStarted:
		return true, nil
	}
	assigned, err := s.agents.CountAgentsByDeploy(ctx, env.DeployID)
	if err != nil {
		return false, fmt.Errorf("count agents by deploy: %w", err)
	}
	budget := sc.SessionBudget()
	if assigned < budget {
		return true, nil
	}
	s.logger.Debug("session budget used", "env_id", env.ID, "session", sc.CurrentSession, "budget", budget, "assigned", assigned)
	return false, nil
}

// Start moves a NOT_STARTED schedule into its first session. It is a
// no-op for any other state.
func (s Scheduler) Start(ctx context.Context, env domain.Environment) error {
	sc, err := s.load(ctx, env)
	if err != nil || sc == nil {
		return err
	}
	if sc.State != domain.ScheduleNotStarted {
		return nil
	}
	sc.State = domain.ScheduleRunning
	sc.CurrentSession = 1
	sc.StateStartTime = s.now()
	if err := s.schedules.UpdateSchedule(ctx, *sc); err != nil {
		return fmt.Errorf("start schedule %s: %w", sc.ID, err)
	}
	s.logger.Info("schedule started", "env_id", env.ID, "schedule_id", sc.ID)
	return nil
}

// Advance performs at most one schedule transition and returns the
// resulting state. Environments without a schedule report FINAL.
func (s Scheduler) Advance(ctx context.Context, env domain.Environment) (domain.ScheduleState, error) {
	sc, err := s.load(ctx, env)
	if err != nil {
		return "", err
	}
	if sc == nil {
		return domain.ScheduleFinal, nil
	}
	now := s.now()
	switch sc.State {
	case domain.ScheduleCoolingDown:
		if now.Sub(sc.StateStartTime) < sc.CurrentCooldown() {
			return sc.State, nil
		}
		if sc.CurrentSession >= sc.TotalSessions {
			sc.State = domain.ScheduleFinal
			s.logger.Info("schedule entering final session", "env_id", env.ID, "schedule_id", sc.ID)
		} else {
			sc.State = domain.ScheduleRunning
			sc.CurrentSession++
			s.logger.Info("schedule cooldown over", "env_id", env.ID, "schedule_id", sc.ID, "session", sc.CurrentSession)
		}
	case domain.ScheduleRunning:
		finished, err := s.agents.CountFinishedAgentsByDeploy(ctx, env.DeployID)
		if err != nil {
			return "", fmt.Errorf("count finished agents: %w", err)
		}
		if finished < sc.SessionBudget() {
			return sc.State, nil
		}
		sc.State = domain.ScheduleCoolingDown
		s.logger.Info("schedule session finished, cooling down", "env_id", env.ID, "schedule_id", sc.ID, "session", sc.CurrentSession)
	default:
		return sc.State, nil
	}
	sc.StateStartTime = now
	if err := s.schedules.UpdateSchedule(ctx, *sc); err != nil {
		return "", fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	return sc.State, nil
}
