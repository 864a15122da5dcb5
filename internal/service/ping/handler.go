// Package ping turns an agent's poll into at most one deploy goal.
package ping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/metrics"
	"github.com/splax/fleetgoal/internal/repository"
	"github.com/splax/fleetgoal/internal/service/goal"
)

// ErrMissingHostID is returned for requests without a host id.
var ErrMissingHostID = errors.New("missing host id")

const unknownAgentVersion = "UNKNOWN"

// Stores groups the repositories the ping path reads and writes.
type Stores struct {
	Envs        repository.EnvironmentRepository
	Agents      repository.AgentRepository
	AgentErrors repository.AgentErrorRepository
	Hosts       repository.HostRepository
	Deploys     repository.DeployRepository
	Builds      repository.BuildRepository
}

// Analyzer runs the per-env case analysis.
type Analyzer interface {
	Analyze(ctx context.Context, in goal.Input) (*goal.Result, error)
}

// Admitter decides whether a waiting candidate may start.
type Admitter interface {
	CanDeploy(ctx context.Context, env domain.Environment, hostID string, candidate domain.Agent) (bool, error)
}

// Trigger queues an out-of-band deploy transition.
type Trigger interface {
	Enqueue(deployID string) bool
}

// Handler serves agent pings.
type Handler struct {
	stores   Stores
	analyst  Analyzer
	admitter Admitter
	trigger  Trigger
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New returns a Handler. trigger may be nil.
func New(stores Stores, analyst Analyzer, admitter Admitter, trigger Trigger, logger *slog.Logger, m *metrics.Metrics) Handler {
	return Handler{
		stores:   stores,
		analyst:  analyst,
		admitter: admitter,
		trigger:  trigger,
		logger:   logger.With("component", "ping"),
		metrics:  m,
		now:      time.Now,
	}
}

// Ping records the host's reports and returns the next instruction.
func (h Handler) Ping(ctx context.Context, req domain.PingRequest) (domain.PingResponse, error) {
	start := h.now()
	req, err := h.normalize(req)
	if err != nil {
		return domain.PingResponse{}, err
	}
	log := h.logger.With("host_id", req.HostID, "host_name", req.HostName)

	if err := h.updateHost(ctx, log, req); err != nil {
		return domain.PingResponse{}, err
	}

	reports := make(map[string]domain.PingReport, len(req.Reports))
	for _, r := range req.Reports {
		reports[r.EnvID] = r
	}

	hostEnvs, err := h.stores.Envs.ListEnvironmentsByHost(ctx, req.HostName)
	if err != nil {
		return domain.PingResponse{}, fmt.Errorf("list host environments: %w", err)
	}
	groupEnvs, err := h.stores.Envs.ListEnvironmentsByGroups(ctx, req.Groups)
	if err != nil {
		return domain.PingResponse{}, fmt.Errorf("list group environments: %w", err)
	}
	envs := convergeEnvs(log, hostEnvs, groupEnvs)

	records, err := h.stores.Agents.ListAgentsByHost(ctx, req.HostID)
	if err != nil {
		return domain.PingResponse{}, fmt.Errorf("list agents: %w", err)
	}
	agents := make(map[string]domain.Agent, len(records))
	for _, a := range records {
		agents[a.EnvID] = a
	}

	res, err := h.analyst.Analyze(ctx, goal.Input{
		HostID:   req.HostID,
		HostName: req.HostName,
		Envs:     envs,
		Reports:  reports,
		Agents:   agents,
	})
	if err != nil {
		return domain.PingResponse{}, fmt.Errorf("analyze host: %w", err)
	}

	var (
		resp   *domain.PingResponse
		chosen *goal.InstallCandidate
	)
	for i := range res.Installs {
		c := &res.Installs[i]
		clog := log.With("env_id", c.Env.ID, "deploy_id", c.Agent.DeployID)
		if c.NeedWait {
			ok, err := h.admitter.CanDeploy(ctx, c.Env, req.HostID, c.Agent)
			if err != nil {
				return domain.PingResponse{}, fmt.Errorf("admit host to %s: %w", c.Env.ID, err)
			}
			if !ok {
				if c.Agent.FirstDeploy {
					clog.Debug("host waits for first deploy")
					break
				}
				clog.Debug("host waits, trying next environment")
				continue
			}
			clog.Debug("host admitted")
		} else {
			clog.Debug("host in the middle of deploy")
		}
		r, err := h.installResponse(ctx, *c)
		if err != nil {
			return domain.PingResponse{}, err
		}
		res.Updates[c.Env.ID] = c.Agent
		resp, chosen = &r, c
		break
	}

	for _, envID := range res.Deletes {
		log.Info("deleting obsolete agent record", "env_id", envID)
		if err := h.stores.Agents.DeleteAgent(ctx, req.HostID, envID); err != nil {
			return domain.PingResponse{}, fmt.Errorf("delete agent %s: %w", envID, err)
		}
	}
	if err := h.writeUpdates(ctx, res); err != nil {
		return domain.PingResponse{}, err
	}

	out := domain.NoopResponse()
	switch {
	case resp != nil:
		out = *resp
		log.Info("returning install goal", "op_code", out.OpCode, "env_id", chosen.Env.ID, "deploy_stage", out.DeployGoal.DeployStage)
	case len(res.Uninstalls) > 0:
		out = deleteResponse(res.Uninstalls[0])
		log.Info("returning uninstall goal", "env_id", out.DeployGoal.EnvID)
	default:
		log.Debug("nothing to do")
	}
	h.kick(res)
	h.metrics.ObservePing(string(out.OpCode), h.now().Sub(start))
	return out, nil
}

func (h Handler) normalize(req domain.PingRequest) (domain.PingRequest, error) {
	if strings.TrimSpace(req.HostID) == "" {
		return req, ErrMissingHostID
	}
	if req.HostName == "" {
		h.logger.Warn("host has no name, using id", "host_id", req.HostID)
		req.HostName = req.HostID
	}
	if len(req.Groups) == 0 {
		req.Groups = []string{domain.NullHostGroup}
	}
	if req.AgentVersion == "" {
		req.AgentVersion = unknownAgentVersion
	}
	return req, nil
}

// updateHost records the host and drops group memberships it no longer
// reports.
func (h Handler) updateHost(ctx context.Context, log *slog.Logger, req domain.PingRequest) error {
	err := h.stores.Hosts.UpsertHost(ctx, domain.Host{
		ID:           req.HostID,
		Name:         req.HostName,
		IP:           req.HostIP,
		Groups:       req.Groups,
		State:        domain.HostStateActive,
		AgentVersion: req.AgentVersion,
		LastPing:     h.now(),
	})
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	recorded, err := h.stores.Hosts.ListGroupsByHost(ctx, req.HostID)
	if err != nil {
		return fmt.Errorf("list host groups: %w", err)
	}
	current := make(map[string]struct{}, len(req.Groups))
	for _, g := range req.Groups {
		current[g] = struct{}{}
	}
	for _, g := range recorded {
		if _, ok := current[g]; ok {
			continue
		}
		log.Warn("removing host from group", "group", g)
		if err := h.stores.Hosts.RemoveHostFromGroup(ctx, req.HostID, g); err != nil {
			return fmt.Errorf("remove host from group %s: %w", g, err)
		}
	}
	return nil
}

// convergeEnvs keys envs by id. An env bound to the host directly wins
// over a group env of the same name; within one list the first env of a
// name wins.
func convergeEnvs(log *slog.Logger, hostEnvs, groupEnvs []domain.Environment) map[string]domain.Environment {
	byHost := byName(log, hostEnvs)
	byGroup := byName(log, groupEnvs)
	out := make(map[string]domain.Environment, len(byHost)+len(byGroup))
	for name, env := range byHost {
		out[env.ID] = env
		if g, ok := byGroup[name]; ok {
			log.Debug("host env shadows group env", "env_name", name, "stage", env.Stage, "shadowed_stage", g.Stage)
			delete(byGroup, name)
		}
	}
	for _, env := range byGroup {
		out[env.ID] = env
	}
	return out
}

func byName(log *slog.Logger, envs []domain.Environment) map[string]domain.Environment {
	out := make(map[string]domain.Environment, len(envs))
	for _, env := range envs {
		if kept, ok := out[env.Name]; ok {
			log.Error("conflicting environments for host, ignoring later one",
				"env_name", env.Name, "kept_stage", kept.Stage, "ignored_stage", env.Stage)
			continue
		}
		out[env.Name] = env
	}
	return out
}

// writeUpdates persists agent records and their error messages, stopping
// at the first failure.
func (h Handler) writeUpdates(ctx context.Context, res *goal.Result) error {
	for envID, a := range res.Updates {
		if a.LastErrorCode != 0 {
			if err := h.recordError(ctx, a, res.ErrorMessages[envID]); err != nil {
				return fmt.Errorf("record agent error %s: %w", envID, err)
			}
		}
		if err := h.stores.Agents.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("update agent %s: %w", envID, err)
		}
	}
	return nil
}

func (h Handler) recordError(ctx context.Context, a domain.Agent, message string) error {
	existing, err := h.stores.AgentErrors.GetAgentError(ctx, a.HostID, a.EnvID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return h.stores.AgentErrors.InsertAgentError(ctx, domain.AgentError{
			ID:        uuid.NewString(),
			HostID:    a.HostID,
			HostName:  a.HostName,
			EnvID:     a.EnvID,
			Message:   message,
			UpdatedAt: h.now(),
		})
	case err != nil:
		return err
	case existing.Message != message:
		return h.stores.AgentErrors.UpdateAgentErrorMessage(ctx, a.HostID, a.EnvID, message, h.now())
	}
	return nil
}

// kick asks for a transition of every current deploy this ping moved.
func (h Handler) kick(res *goal.Result) {
	if h.trigger == nil {
		return
	}
	seen := make(map[string]struct{}, len(res.Updates))
	for _, a := range res.Updates {
		if a.DeployID == "" {
			continue
		}
		if _, ok := seen[a.DeployID]; ok {
			continue
		}
		seen[a.DeployID] = struct{}{}
		h.trigger.Enqueue(a.DeployID)
	}
}
