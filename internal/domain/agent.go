package domain

import "time"

// Agent is the server's belief about one host's progress in one environment.
type Agent struct {
	HostID          string
	HostName        string
	EnvID           string
	DeployID        string
	DeployStage     DeployStage
	State           AgentState
	Status          AgentStatus
	FirstDeploy     bool
	FailCount       int
	LastErrorCode   int
	StartDate       time.Time
	StageStartDate  time.Time
	LastUpdate      time.Time
	FirstDeployTime *time.Time
	LastOperator    string
}

// SameProgress reports whether two records carry identical progress fields,
// in which case rewriting b over a is a no-op.
func SameProgress(a, b Agent) bool {
	return a.HostID == b.HostID &&
		a.DeployID == b.DeployID &&
		a.EnvID == b.EnvID &&
		a.FailCount == b.FailCount &&
		a.Status == b.Status &&
		a.LastErrorCode == b.LastErrorCode &&
		a.State == b.State &&
		a.DeployStage == b.DeployStage
}

// AgentError keeps the last error message an agent reported for an env.
type AgentError struct {
	ID        string
	HostID    string
	HostName  string
	EnvID     string
	Message   string
	UpdatedAt time.Time
}

// AgentCount is a short-lived snapshot of per-env deploying counts used by
// admission to avoid recounting on every ping.
type AgentCount struct {
	EnvID         string
	DeployID      string
	ExistingCount int
	ActiveCount   int
	RefreshedAt   time.Time
}
