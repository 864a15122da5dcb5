package deploystate

import (
	"fmt"

	"github.com/splax/fleetgoal/internal/domain"
)

func deployAction(t domain.DeployType) string {
	switch t {
	case domain.DeployTypeRollback:
		return "rollback to"
	case domain.DeployTypeRestart:
		return "restart of"
	default:
		return "deploy of"
	}
}

// finishMessage renders the operator message for a state change.
func finishMessage(env domain.Environment, dep domain.Deploy, build domain.Build, state domain.DeployState) string {
	action := deployAction(dep.Type)
	if state == domain.DeployStateSucceeding {
		return fmt.Sprintf("%s/%s: %s %s/%s completed successfully.",
			env.Name, env.Stage, action, build.SCMBranch, build.ShortCommit())
	}
	if dep.SuccessDate != nil {
		return fmt.Sprintf("%s/%s: can not deploy to all the newly provisioned hosts.", env.Name, env.Stage)
	}
	return fmt.Sprintf("%s/%s: %s %s/%s failed.",
		env.Name, env.Stage, action, build.SCMBranch, build.ShortCommit())
}
