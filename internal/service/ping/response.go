package ping

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/service/goal"
)

func (h Handler) installResponse(ctx context.Context, c goal.InstallCandidate) (domain.PingResponse, error) {
	env, rec := c.Env, c.Agent

	op := domain.OpCodeFor(env.DeployType)
	if rec.State == domain.AgentStateStop && rec.DeployStage == domain.StageStopping {
		op = domain.OpCodeStop
	}

	g := &domain.DeployGoal{
		EnvID:       env.ID,
		EnvName:     env.Name,
		StageName:   env.Stage,
		DeployID:    env.DeployID,
		DeployType:  env.DeployType,
		DeployStage: rec.DeployStage,
		FirstDeploy: rec.FirstDeploy,
		IsDocker:    env.IsDocker,
	}
	// The agent knows a rollback by the deploy it originally ran.
	if c.Report != nil && c.Report.DeployAlias != "" {
		g.DeployID = c.Report.DeployAlias
		g.DeployAlias = env.DeployID
	}

	if rec.DeployStage == domain.DownloadStage() {
		info, err := h.buildInfo(ctx, g.DeployID)
		if err != nil {
			return domain.PingResponse{}, err
		}
		g.Build = info
	}
	if rec.DeployStage == domain.FirstStage() && len(env.ScriptVariables) > 0 {
		g.ScriptVariables = maps.Clone(env.ScriptVariables)
	}
	g.AgentConfigs = stageConfigs(env.AgentConfigs, rec.DeployStage)

	return domain.PingResponse{OpCode: op, DeployGoal: g}, nil
}

func (h Handler) buildInfo(ctx context.Context, deployID string) (*domain.BuildInfo, error) {
	dep, err := h.stores.Deploys.GetDeploy(ctx, deployID)
	if err != nil {
		return nil, fmt.Errorf("get deploy %s: %w", deployID, err)
	}
	b, err := h.stores.Builds.GetBuild(ctx, dep.BuildID)
	if err != nil {
		return nil, fmt.Errorf("get build %s: %w", dep.BuildID, err)
	}
	return &domain.BuildInfo{
		ID:          b.ID,
		Name:        b.Name,
		ArtifactURL: b.ArtifactURL,
		SCMBranch:   b.SCMBranch,
		SCMCommit:   b.SCMCommit,
	}, nil
}

// stageConfigs strips the "<STAGE>." prefix from keys meant for stage and
// passes unprefixed keys through. Keys that end up empty are dropped.
func stageConfigs(configs map[string]string, stage domain.DeployStage) map[string]string {
	if len(configs) == 0 {
		return nil
	}
	prefix := string(stage) + "."
	var out map[string]string
	for k, v := range configs {
		name := strings.TrimPrefix(k, prefix)
		if name == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = v
	}
	return out
}

func deleteResponse(c goal.UninstallCandidate) domain.PingResponse {
	return domain.PingResponse{
		OpCode: domain.OpCodeDelete,
		DeployGoal: &domain.DeployGoal{
			EnvID:       c.Report.EnvID,
			EnvName:     c.Env.Name,
			StageName:   c.Env.Stage,
			DeployID:    c.Report.DeployID,
			DeployType:  c.Env.DeployType,
			DeployStage: c.Report.DeployStage,
		},
	}
}
