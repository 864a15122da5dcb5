package domain

// PingReport is an agent's self-report for one environment.
type PingReport struct {
	EnvID        string      `json:"envId"`
	DeployID     string      `json:"deployId"`
	DeployStage  DeployStage `json:"deployStage"`
	AgentStatus  AgentStatus `json:"agentStatus"`
	FailCount    int         `json:"failCount"`
	ErrorCode    int         `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	DeployAlias  string      `json:"deployAlias,omitempty"`
}

// PingRequest is what an agent sends on every poll.
type PingRequest struct {
	HostID       string       `json:"hostId"`
	HostName     string       `json:"hostName,omitempty"`
	HostIP       string       `json:"hostIp,omitempty"`
	Groups       []string     `json:"groups,omitempty"`
	AgentVersion string       `json:"agentVersion,omitempty"`
	Reports      []PingReport `json:"reports,omitempty"`
}

// BuildInfo is the build metadata attached to a goal at download time.
type BuildInfo struct {
	ID          string `json:"buildId"`
	Name        string `json:"buildName"`
	ArtifactURL string `json:"artifactUrl"`
	SCMBranch   string `json:"scmBranch,omitempty"`
	SCMCommit   string `json:"scmCommit,omitempty"`
}

// DeployGoal tells an agent which deploy and stage to work on.
type DeployGoal struct {
	EnvID           string            `json:"envId"`
	EnvName         string            `json:"envName"`
	StageName       string            `json:"stageName"`
	DeployID        string            `json:"deployId"`
	DeployAlias     string            `json:"deployAlias,omitempty"`
	DeployType      DeployType        `json:"deployType,omitempty"`
	DeployStage     DeployStage       `json:"deployStage"`
	FirstDeploy     bool              `json:"firstDeploy"`
	IsDocker        bool              `json:"isDocker"`
	Build           *BuildInfo        `json:"build,omitempty"`
	ScriptVariables map[string]string `json:"scriptVariables,omitempty"`
	AgentConfigs    map[string]string `json:"agentConfigs,omitempty"`
}

// PingResponse carries at most one goal back to the agent.
type PingResponse struct {
	OpCode     OpCode      `json:"opCode"`
	DeployGoal *DeployGoal `json:"deployGoal,omitempty"`
}

// NoopResponse is returned when the agent has nothing to do.
func NoopResponse() PingResponse {
	return PingResponse{OpCode: OpCodeNoop}
}
