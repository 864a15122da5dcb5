package domain

import "time"

// Environment is the desired deploy goal for one (service, stage) pair.
type Environment struct {
	ID                    string
	Name                  string
	Stage                 string
	DeployID              string
	DeployType            DeployType
	State                 EnvState
	SuccessThreshold      int
	StuckThresholdSeconds int
	MaxParallel           int
	MaxParallelPercent    int
	ScheduleID            string
	Priority              int
	SystemPriority        *int
	AcceptType            AcceptType
	IsDocker              bool
	ScriptVariables       map[string]string
	AgentConfigs          map[string]string
	PostDeployHooks       []string
	UpdatedAt             time.Time
}

// HasGoal reports whether a deploy has been assigned to the environment.
func (e Environment) HasGoal() bool {
	return e.DeployID != ""
}
