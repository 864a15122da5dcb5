// Package goal decides, for one pinging host, what each of its
// environments should do next.
package goal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

// InstallCandidate is an agent record the host could be told to work on.
type InstallCandidate struct {
	Env      domain.Environment
	Agent    domain.Agent
	Report   *domain.PingReport
	NeedWait bool
}

// UninstallCandidate is a reported env that no longer targets the host.
type UninstallCandidate struct {
	Env    domain.Environment
	Agent  domain.Agent
	Report domain.PingReport
}

// Result is the outcome of analysing one ping.
type Result struct {
	// Updates holds agent records to persist, keyed by env ID.
	Updates       map[string]domain.Agent
	ErrorMessages map[string]string
	Deletes       []string
	Installs      []InstallCandidate
	Uninstalls    []UninstallCandidate
}

// Input is everything known about a host at ping time, keyed by env ID.
type Input struct {
	HostID   string
	HostName string
	Envs     map[string]domain.Environment
	Reports  map[string]domain.PingReport
	Agents   map[string]domain.Agent
}

// Analyst runs the per-env case analysis for a host.
type Analyst struct {
	envs    repository.EnvironmentRepository
	deploys repository.DeployRepository
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an Analyst. deploys is only read to resolve rollback aliases.
func New(envs repository.EnvironmentRepository, deploys repository.DeployRepository, logger *slog.Logger) Analyst {
	return Analyst{
		envs:    envs,
		deploys: deploys,
		logger:  logger.With("component", "goal"),
		now:     time.Now,
	}
}

// Analyze processes every env in the union of bound envs, reports and
// agent records, in env ID order, and returns the sorted candidates.
func (a Analyst) Analyze(ctx context.Context, in Input) (*Result, error) {
	s, err := a.NewSession(ctx, in.HostID, in.HostName, in.Envs, in.Agents)
	if err != nil {
		return nil, err
	}
	for _, envID := range unionIDs(in) {
		var env *domain.Environment
		if e, ok := in.Envs[envID]; ok {
			env = &e
		}
		var report *domain.PingReport
		if r, ok := in.Reports[envID]; ok {
			report = &r
		}
		var agent *domain.Agent
		if ag, ok := in.Agents[envID]; ok {
			agent = &ag
		}
		if err := s.Process(ctx, envID, env, report, agent); err != nil {
			return nil, err
		}
	}
	return s.Result(), nil
}

func unionIDs(in Input) []string {
	set := make(map[string]struct{}, len(in.Envs)+len(in.Reports)+len(in.Agents))
	for id := range in.Envs {
		set[id] = struct{}{}
	}
	for id := range in.Reports {
		set[id] = struct{}{}
	}
	for id := range in.Agents {
		set[id] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session accumulates the analysis of one ping.
type Session struct {
	analyst  Analyst
	logger   *slog.Logger
	hostID   string
	hostName string
	now      time.Time

	// envNames holds the names of every env the host has a record for.
	envNames  map[string]struct{}
	// agentEnvs resolves env details for the host's existing records.
	agentEnvs map[string]domain.Environment

	updates       map[string]*domain.Agent
	errorMessages map[string]string
	deletes       []string
	installs      []InstallCandidate
	uninstalls    []UninstallCandidate
}

// NewSession prepares an analysis for a host. Envs of existing agent
// records that are not bound to the host are looked up by ID.
func (a Analyst) NewSession(ctx context.Context, hostID, hostName string, envs map[string]domain.Environment, agents map[string]domain.Agent) (*Session, error) {
	s := &Session{
		analyst:       a,
		logger:        a.logger.With("host_id", hostID),
		hostID:        hostID,
		hostName:      hostName,
		now:           a.now(),
		envNames:      make(map[string]struct{}),
		agentEnvs:     make(map[string]domain.Environment),
		updates:       make(map[string]*domain.Agent),
		errorMessages: make(map[string]string),
	}
	for envID := range agents {
		env, ok := envs[envID]
		if !ok {
			found, err := a.envs.GetEnvironment(ctx, envID)
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get environment %s: %w", envID, err)
			}
			env = *found
		}
		s.agentEnvs[envID] = env
		s.envNames[env.Name] = struct{}{}
	}
	return s, nil
}

// Process runs the case analysis for one env. Any of env, report and
// agent may be nil.
func (s *Session) Process(ctx context.Context, envID string, env *domain.Environment, report *domain.PingReport, agent *domain.Agent) error {
	log := s.logger.With("env_id", envID)

	// The report refreshes the stored record whether or not the env ends up
	// as the host's goal.
	var update *domain.Agent
	if report != nil {
		rec := s.fromReport(*report, agent)
		update = &rec
		s.track(envID, report, update, agent)
	}

	if env != nil && !env.HasGoal() {
		if report != nil {
			log.Error("report for environment without a deploy", "deploy_id", report.DeployID)
		} else {
			log.Debug("environment has no deploy yet")
		}
		return nil
	}

	if env != nil && env.State != domain.EnvStateNormal && !s.isFirstDeploy(*env, agent) {
		log.Debug("environment on hold", "env_state", env.State)
		return nil
	}

	if agent != nil && agent.State == domain.AgentStatePausedByUser {
		log.Debug("agent paused by user")
		return nil
	}

	if agent != nil && agent.State == domain.AgentStateStop {
		if agent.DeployStage == domain.StageStopped {
			log.Debug("agent already stopped")
			return nil
		}
		if env != nil {
			s.processStop(log, *env, report, *agent)
			return nil
		}
	}

	switch {
	case env != nil && report != nil:
		return s.processReported(ctx, log, *env, report, update, agent)
	case env != nil:
		rec := s.fromScratch(*env, agent)
		// First deploys still go through admission, which admits them at once.
		needWait := agent == nil || agent.DeployStage == domain.StageServingBuild
		log.Debug("no report, installing from scratch", "deploy_id", env.DeployID, "need_wait", needWait)
		s.addInstall(*env, rec, nil, needWait)
	case report != nil && report.EnvID != "":
		update.State = domain.AgentStateDelete
		s.track(envID, report, update, agent)
		log.Debug("env retired from host, uninstalling")
		s.uninstalls = append(s.uninstalls, UninstallCandidate{
			Env:    s.agentEnvs[report.EnvID],
			Agent:  *update,
			Report: *report,
		})
	case agent != nil:
		log.Warn("obsolete agent record, deleting")
		s.deletes = append(s.deletes, agent.EnvID)
	}
	return nil
}

func (s *Session) processStop(log *slog.Logger, env domain.Environment, report *domain.PingReport, agent domain.Agent) {
	if agent.DeployStage != domain.StageStopping {
		log.Debug("agent marked STOP, starting graceful shutdown", "stage", agent.DeployStage)
		s.addInstall(env, s.stopRecord(env, agent), report, false)
		return
	}
	if report == nil {
		return
	}
	switch {
	case report.AgentStatus.IsFatal():
		log.Debug("agent failed to stop", "status", report.AgentStatus)
	case report.AgentStatus == domain.AgentStatusSucceeded:
		log.Debug("agent stopped")
		s.addInstall(env, s.nextStopStage(*report, agent), report, false)
	default:
		log.Debug("agent still stopping")
		s.addInstall(env, agent, report, false)
	}
}

func (s *Session) processReported(ctx context.Context, log *slog.Logger, env domain.Environment, report *domain.PingReport, update *domain.Agent, agent *domain.Agent) error {
	if err := s.transformRollback(ctx, log, env, report, update); err != nil {
		return err
	}
	s.track(env.ID, report, update, agent)

	if env.DeployID != report.DeployID {
		log.Debug("new deploy for host", "deploy_id", env.DeployID, "reported_deploy_id", report.DeployID)
		s.installFromScratch(env, report, agent)
		return nil
	}

	switch {
	case update.State == domain.AgentStateReset:
		log.Debug("agent reset, restarting deploy from the first stage")
		s.installFromScratch(env, report, agent)
	case report.DeployStage == domain.StageServingBuild:
		log.Debug("host serving goal deploy")
	case report.AgentStatus == domain.AgentStatusSucceeded:
		rec := s.nextStage(env, *report, agent)
		log.Debug("stage succeeded, advancing", "stage", report.DeployStage, "next_stage", rec.DeployStage)
		s.addInstall(env, rec, report, false)
	case update.State == domain.AgentStatePausedBySystem:
		log.Debug("fatal failure, pausing agent", "stage", report.DeployStage, "status", report.AgentStatus)
	default:
		log.Debug("retrying stage", "stage", update.DeployStage, "status", report.AgentStatus)
		s.addInstall(env, *update, report, false)
	}
	return nil
}

// track queues update for writing unless it matches the stored record.
func (s *Session) track(envID string, report *domain.PingReport, update, agent *domain.Agent) {
	if report.EnvID == "" {
		return
	}
	// Kept even when the write is suppressed, since the record may still
	// be written as the chosen candidate.
	if report.ErrorMessage != "" {
		s.errorMessages[envID] = report.ErrorMessage
	}
	if agent != nil && domain.SameProgress(*agent, *update) {
		return
	}
	s.updates[envID] = update
}

func (s *Session) installFromScratch(env domain.Environment, report *domain.PingReport, agent *domain.Agent) {
	needWait := agent == nil || agent.DeployStage == domain.StageServingBuild
	s.addInstall(env, s.fromScratch(env, agent), report, needWait)
}

// transformRollback rewrites a report for the deploy being rolled back to
// so the in-flight work counts as progress on the rollback deploy.
func (s *Session) transformRollback(ctx context.Context, log *slog.Logger, env domain.Environment, report *domain.PingReport, update *domain.Agent) error {
	if env.DeployID == report.DeployID || env.DeployType != domain.DeployTypeRollback {
		return nil
	}
	dep, err := s.analyst.deploys.GetDeploy(ctx, env.DeployID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("rollback deploy missing", "deploy_id", env.DeployID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get deploy %s: %w", env.DeployID, err)
	}
	if dep.Alias == "" || report.DeployID != dep.Alias {
		return nil
	}
	log.Debug("reported deploy is the rollback target", "alias", dep.Alias, "deploy_id", env.DeployID)
	report.DeployID = env.DeployID
	report.DeployAlias = dep.Alias
	update.DeployID = env.DeployID
	return nil
}

func (s *Session) addInstall(env domain.Environment, rec domain.Agent, report *domain.PingReport, needWait bool) {
	s.installs = append(s.installs, InstallCandidate{Env: env, Agent: rec, Report: report, NeedWait: needWait})
}

// Result returns the analysis with install candidates in priority order.
func (s *Session) Result() *Result {
	res := &Result{
		Updates:       make(map[string]domain.Agent, len(s.updates)),
		ErrorMessages: s.errorMessages,
		Deletes:       s.deletes,
		Installs:      append([]InstallCandidate(nil), s.installs...),
		Uninstalls:    s.uninstalls,
	}
	for envID, rec := range s.updates {
		res.Updates[envID] = *rec
	}
	SortCandidates(res.Installs)
	return res
}
