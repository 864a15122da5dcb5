package repository

import (
	"context"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
)

// EnvironmentRepository reads environment goals.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, envID string) (*domain.Environment, error)
	ListEnvironmentsByHost(ctx context.Context, hostName string) ([]domain.Environment, error)
	ListEnvironmentsByGroups(ctx context.Context, groups []string) ([]domain.Environment, error)
	ListCurrentDeployIDs(ctx context.Context) ([]string, error)
}

// AgentRepository persists per (host, env) agent records and the counts
// derived from them.
type AgentRepository interface {
	ListAgentsByHost(ctx context.Context, hostID string) ([]domain.Agent, error)
	UpsertAgent(ctx context.Context, agent domain.Agent) error
	DeleteAgent(ctx context.Context, hostID, envID string) error
	CountAgentsByEnv(ctx context.Context, envID string) (int, error)
	CountNonFirstDeployAgents(ctx context.Context, envID string) (int, error)
	CountDeployingAgents(ctx context.Context, envID string) (int, error)
	CountSucceededAgents(ctx context.Context, envID, deployID string) (int, error)
	CountStuckAgents(ctx context.Context, envID, deployID string) (int, error)
	CountFinishedAgentsByDeploy(ctx context.Context, deployID string) (int, error)
	CountAgentsByDeploy(ctx context.Context, deployID string) (int, error)
}

// AgentErrorRepository keeps the last error message per (host, env).
type AgentErrorRepository interface {
	GetAgentError(ctx context.Context, hostID, envID string) (*domain.AgentError, error)
	InsertAgentError(ctx context.Context, agentErr domain.AgentError) error
	UpdateAgentErrorMessage(ctx context.Context, hostID, envID, message string, at time.Time) error
}

// AgentCountRepository caches per-env deploying counts.
type AgentCountRepository interface {
	GetAgentCount(ctx context.Context, envID string) (*domain.AgentCount, error)
	UpsertAgentCount(ctx context.Context, count domain.AgentCount) error
}

// DeployRepository reads and transitions deploys.
type DeployRepository interface {
	GetDeploy(ctx context.Context, deployID string) (*domain.Deploy, error)
	UpdateDeployState(ctx context.Context, deployID string, state domain.DeployState, at time.Time) error
	// UpdateDeployStateSafely applies update only while the deploy is still
	// in expected. It returns false when the condition did not hold.
	UpdateDeployStateSafely(ctx context.Context, deployID string, expected domain.DeployState, update domain.DeployUpdate) (bool, error)
}

// BuildRepository reads builds.
type BuildRepository interface {
	GetBuild(ctx context.Context, buildID string) (*domain.Build, error)
}

// ScheduleRepository reads and updates canary schedules.
type ScheduleRepository interface {
	GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule domain.Schedule) error
}

// HostRepository tracks hosts and their group membership.
type HostRepository interface {
	UpsertHost(ctx context.Context, host domain.Host) error
	ListGroupsByHost(ctx context.Context, hostID string) ([]string, error)
	RemoveHostFromGroup(ctx context.Context, hostID, group string) error
}
