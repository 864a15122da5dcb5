package goal

import "github.com/splax/fleetgoal/internal/domain"

// proposeState returns the state an agent record should carry after a
// report, assuming the record is not picked as the host's goal.
func proposeState(report domain.PingReport, agent *domain.Agent) domain.AgentState {
	status := report.AgentStatus
	if agent != nil {
		switch agent.State {
		case domain.AgentStateStop:
			if agent.DeployStage == domain.StageStopping && status.IsFatal() {
				return domain.AgentStatePausedBySystem
			}
			return domain.AgentStateStop
		case domain.AgentStatePausedByUser, domain.AgentStateReset:
			return agent.State
		}
	}
	switch {
	case status == domain.AgentStatusSucceeded:
		return domain.AgentStateNormal
	case status.IsFatal():
		return domain.AgentStatePausedBySystem
	case agent != nil:
		return agent.State
	default:
		return domain.AgentStateNormal
	}
}

func (s *Session) fromReport(report domain.PingReport, agent *domain.Agent) domain.Agent {
	now := s.now
	rec := domain.Agent{
		HostID:         s.hostID,
		HostName:       s.hostName,
		EnvID:          report.EnvID,
		DeployID:       report.DeployID,
		DeployStage:    report.DeployStage,
		State:          proposeState(report, agent),
		Status:         report.AgentStatus,
		FailCount:      report.FailCount,
		LastErrorCode:  report.ErrorCode,
		StartDate:      now,
		StageStartDate: now,
		LastUpdate:     now,
		LastOperator:   domain.SystemOperator,
	}
	if agent != nil {
		rec.FirstDeploy = agent.FirstDeploy
		rec.StartDate = agent.StartDate
		rec.FirstDeployTime = agent.FirstDeployTime
	}
	if report.DeployStage == domain.StageServingBuild {
		rec.FirstDeploy = false
		if rec.FirstDeployTime == nil {
			rec.FirstDeployTime = &now
		}
	}
	return rec
}

func (s *Session) nextStage(env domain.Environment, report domain.PingReport, agent *domain.Agent) domain.Agent {
	rec := s.fromReport(report, agent)
	rec.DeployStage = domain.NextStage(env.DeployType, report.DeployStage)
	rec.Status = domain.AgentStatusUnknown
	rec.State = domain.AgentStateNormal
	rec.LastErrorCode = 0
	rec.FailCount = 0
	return rec
}

func (s *Session) fromScratch(env domain.Environment, agent *domain.Agent) domain.Agent {
	return domain.Agent{
		HostID:         s.hostID,
		HostName:       s.hostName,
		EnvID:          env.ID,
		DeployID:       env.DeployID,
		DeployStage:    domain.NextStage(env.DeployType, domain.StageUnknown),
		State:          domain.AgentStateNormal,
		Status:         domain.AgentStatusUnknown,
		FirstDeploy:    s.isFirstDeploy(env, agent),
		StartDate:      s.now,
		StageStartDate: s.now,
		LastUpdate:     s.now,
		LastOperator:   domain.SystemOperator,
	}
}

func (s *Session) stopRecord(env domain.Environment, agent domain.Agent) domain.Agent {
	return domain.Agent{
		HostID:         s.hostID,
		HostName:       s.hostName,
		EnvID:          env.ID,
		DeployID:       env.DeployID,
		DeployStage:    domain.StageStopping,
		State:          domain.AgentStateStop,
		Status:         domain.AgentStatusUnknown,
		FirstDeploy:    agent.FirstDeploy,
		StartDate:      s.now,
		StageStartDate: s.now,
		LastUpdate:     s.now,
		LastOperator:   domain.SystemOperator,
	}
}

func (s *Session) nextStopStage(report domain.PingReport, agent domain.Agent) domain.Agent {
	rec := s.fromReport(report, &agent)
	rec.State = domain.AgentStateStop
	rec.DeployStage = domain.NextStage(domain.DeployTypeStop, agent.DeployStage)
	rec.Status = domain.AgentStatusUnknown
	rec.LastErrorCode = 0
	rec.FailCount = 0
	return rec
}

// isFirstDeploy is true when the host has never had a record for the env
// nor for any env sharing its name.
func (s *Session) isFirstDeploy(env domain.Environment, agent *domain.Agent) bool {
	if agent != nil {
		return agent.FirstDeploy
	}
	_, seen := s.envNames[env.Name]
	return !seen
}
