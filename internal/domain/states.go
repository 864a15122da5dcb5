package domain

// DeployType enumerates the kinds of deploy an environment can carry.
type DeployType string

const (
	DeployTypeRegular  DeployType = "REGULAR"
	DeployTypeHotfix   DeployType = "HOTFIX"
	DeployTypeRollback DeployType = "ROLLBACK"
	DeployTypeRestart  DeployType = "RESTART"
	DeployTypeStop     DeployType = "STOP"
)

// DeployStage is the step an agent is executing for a deploy.
type DeployStage string

const (
	StageUnknown      DeployStage = "UNKNOWN"
	StagePreDownload  DeployStage = "PRE_DOWNLOAD"
	StageDownloading  DeployStage = "DOWNLOADING"
	StagePostDownload DeployStage = "POST_DOWNLOAD"
	StageStaging      DeployStage = "STAGING"
	StagePreRestart   DeployStage = "PRE_RESTART"
	StageRestarting   DeployStage = "RESTARTING"
	StagePostRestart  DeployStage = "POST_RESTART"
	StageServingBuild DeployStage = "SERVING_BUILD"
	StageStopping     DeployStage = "STOPPING"
	StageStopped      DeployStage = "STOPPED"
)

// AgentState is the server-side control state of one agent record.
type AgentState string

const (
	AgentStateNormal         AgentState = "NORMAL"
	AgentStateStop           AgentState = "STOP"
	AgentStatePausedByUser   AgentState = "PAUSED_BY_USER"
	AgentStatePausedBySystem AgentState = "PAUSED_BY_SYSTEM"
	AgentStateReset          AgentState = "RESET"
	AgentStateDelete         AgentState = "DELETE"
)

// AgentStatus is the outcome an agent reports for its current stage.
type AgentStatus string

const (
	AgentStatusUnknown              AgentStatus = "UNKNOWN"
	AgentStatusSucceeded            AgentStatus = "SUCCEEDED"
	AgentStatusRetryableAgentFailed AgentStatus = "RETRYABLE_AGENT_FAILED"
	AgentStatusScriptFailed         AgentStatus = "SCRIPT_FAILED"
	AgentStatusAbortedByService     AgentStatus = "ABORTED_BY_SERVICE"
	AgentStatusAbortedByServer      AgentStatus = "ABORTED_BY_SERVER"
	AgentStatusScriptTimeout        AgentStatus = "SCRIPT_TIMEOUT"
	AgentStatusTooManyRetry         AgentStatus = "TOO_MANY_RETRY"
	AgentStatusAgentFailed          AgentStatus = "AGENT_FAILED"
	AgentStatusRuntimeMismatch      AgentStatus = "RUNTIME_MISMATCH"
)

// IsFatal reports whether the status means the agent must not be retried.
func (s AgentStatus) IsFatal() bool {
	switch s {
	case AgentStatusScriptTimeout, AgentStatusTooManyRetry, AgentStatusAgentFailed, AgentStatusRuntimeMismatch:
		return true
	default:
		return false
	}
}

// DeployState is the macro state of a deploy across the fleet.
type DeployState string

const (
	DeployStateRunning    DeployState = "RUNNING"
	DeployStateFailing    DeployState = "FAILING"
	DeployStateSucceeding DeployState = "SUCCEEDING"
	DeployStateSucceeded  DeployState = "SUCCEEDED"
	DeployStateAborted    DeployState = "ABORTED"
)

// IsActive reports whether the deploy still needs aggregation.
func (s DeployState) IsActive() bool {
	switch s {
	case DeployStateRunning, DeployStateFailing, DeployStateSucceeding:
		return true
	default:
		return false
	}
}

// EnvState marks whether an environment accepts new work.
type EnvState string

const (
	EnvStateNormal EnvState = "NORMAL"
	EnvStatePaused EnvState = "PAUSED"
)

// AcceptType controls how a succeeding deploy is accepted.
type AcceptType string

const (
	AcceptTypeAuto   AcceptType = "AUTO"
	AcceptTypeManual AcceptType = "MANUAL"
)

// AcceptanceStatus is recorded on a deploy once it first succeeds.
type AcceptanceStatus string

const (
	AcceptancePendingDeploy AcceptanceStatus = "PENDING_DEPLOY"
	AcceptanceOutstanding   AcceptanceStatus = "OUTSTANDING"
	AcceptanceAccepted      AcceptanceStatus = "ACCEPTED"
	AcceptanceRejected      AcceptanceStatus = "REJECTED"
	AcceptanceTerminated    AcceptanceStatus = "TERMINATED"
)

// ScheduleState is the canary schedule lifecycle.
type ScheduleState string

const (
	ScheduleNotStarted  ScheduleState = "NOT_STARTED"
	ScheduleRunning     ScheduleState = "RUNNING"
	ScheduleCoolingDown ScheduleState = "COOLING_DOWN"
	ScheduleFinal       ScheduleState = "FINAL"
)

// OpCode is the instruction returned to an agent.
type OpCode string

const (
	OpCodeNoop     OpCode = "NOOP"
	OpCodeDeploy   OpCode = "DEPLOY"
	OpCodeRollback OpCode = "ROLLBACK"
	OpCodeRestart  OpCode = "RESTART"
	OpCodeStop     OpCode = "STOP"
	OpCodeDelete   OpCode = "DELETE"
)

// Deploy priorities. Lower values are served first.
const (
	PriorityHigher = 600
	PriorityHigh   = 800
	PriorityNormal = 1000
	PriorityLow    = 2000
	PriorityLower  = 3000

	PriorityHotfix   = PriorityHigher - 20
	PriorityRollback = PriorityHigher - 10
)

const (
	// SystemOperator is stamped on records written by reconciliation.
	SystemOperator = "system"
	// NullHostGroup stands in for hosts that report no group.
	NullHostGroup = "NULL"
	// DefaultMaxParallel is used when an environment sets no parallelism.
	DefaultMaxParallel = 1
	// MaxThreshold is the fixed-point scale of success thresholds.
	MaxThreshold = 10000
)

// FirstStage is where every install starts.
func FirstStage() DeployStage { return StagePreDownload }

// DownloadStage is the stage at which build metadata is handed to agents.
func DownloadStage() DeployStage { return StageDownloading }

// installPath returns a fresh copy of the install and shutdown stage order.
func installPath() map[DeployStage]DeployStage {
	return map[DeployStage]DeployStage{
		StageUnknown:      StagePreDownload,
		StagePreDownload:  StageDownloading,
		StageDownloading:  StagePostDownload,
		StagePostDownload: StageStaging,
		StageStaging:      StagePreRestart,
		StagePreRestart:   StageRestarting,
		StageRestarting:   StagePostRestart,
		StagePostRestart:  StageServingBuild,
		StageServingBuild: StageServingBuild,
		StageStopping:     StageStopped,
		StageStopped:      StageStopped,
	}
}

// stageTransitions builds the per deploy type stage table. Every type
// follows the same install path in a table of its own. The result is only
// read through NextStage.
func stageTransitions() map[DeployType]map[DeployStage]DeployStage {
	types := []DeployType{DeployTypeRegular, DeployTypeHotfix, DeployTypeRollback, DeployTypeRestart, DeployTypeStop}
	table := make(map[DeployType]map[DeployStage]DeployStage, len(types))
	for _, t := range types {
		table[t] = installPath()
	}
	return table
}

var transitions = stageTransitions()

// NextStage returns the stage that follows current for the deploy type.
// Unknown deploy types follow the regular table.
func NextStage(t DeployType, current DeployStage) DeployStage {
	table, ok := transitions[t]
	if !ok {
		table = transitions[DeployTypeRegular]
	}
	if next, ok := table[current]; ok {
		return next
	}
	return FirstStage()
}

// OpCodeFor maps a deploy type to the opcode sent to agents.
func OpCodeFor(t DeployType) OpCode {
	switch t {
	case DeployTypeRollback:
		return OpCodeRollback
	case DeployTypeRestart:
		return OpCodeRestart
	case DeployTypeStop:
		return OpCodeStop
	default:
		return OpCodeDeploy
	}
}

// FinalState maps a deploy state to the terminal state it settles into
// once superseded.
func FinalState(s DeployState) DeployState {
	switch s {
	case DeployStateRunning, DeployStateFailing:
		return DeployStateAborted
	case DeployStateSucceeding:
		return DeployStateSucceeded
	default:
		return s
	}
}
