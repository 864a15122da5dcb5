package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

type agentKey struct {
	hostID string
	envID  string
}

// Store is an in-process implementation of every repository. It backs
// single-replica development servers and tests.
type Store struct {
	mu sync.RWMutex

	envs        map[string]domain.Environment
	envHosts    map[string]map[string]struct{} // host name -> env ids
	envGroups   map[string]map[string]struct{} // group -> env ids
	agents      map[agentKey]domain.Agent
	agentErrors map[agentKey]domain.AgentError
	counts      map[string]domain.AgentCount
	deploys     map[string]domain.Deploy
	builds      map[string]domain.Build
	schedules   map[string]domain.Schedule
	hosts       map[string]domain.Host
	hostGroups  map[string]map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		envs:        make(map[string]domain.Environment),
		envHosts:    make(map[string]map[string]struct{}),
		envGroups:   make(map[string]map[string]struct{}),
		agents:      make(map[agentKey]domain.Agent),
		agentErrors: make(map[agentKey]domain.AgentError),
		counts:      make(map[string]domain.AgentCount),
		deploys:     make(map[string]domain.Deploy),
		builds:      make(map[string]domain.Build),
		schedules:   make(map[string]domain.Schedule),
		hosts:       make(map[string]domain.Host),
		hostGroups:  make(map[string]map[string]struct{}),
	}
}

var (
	_ repository.EnvironmentRepository = (*Store)(nil)
	_ repository.AgentRepository       = (*Store)(nil)
	_ repository.AgentErrorRepository  = (*Store)(nil)
	_ repository.AgentCountRepository  = (*Store)(nil)
	_ repository.DeployRepository      = (*Store)(nil)
	_ repository.BuildRepository       = (*Store)(nil)
	_ repository.ScheduleRepository    = (*Store)(nil)
	_ repository.HostRepository        = (*Store)(nil)
)

// PutEnvironment stores or replaces an environment.
func (s *Store) PutEnvironment(env domain.Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.ID] = env
}

// BindHost attaches an environment to a host name.
func (s *Store) BindHost(envID, hostName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bind(s.envHosts, hostName, envID)
}

// BindGroup attaches an environment to a host group.
func (s *Store) BindGroup(envID, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bind(s.envGroups, group, envID)
}

// PutDeploy stores or replaces a deploy.
func (s *Store) PutDeploy(d domain.Deploy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploys[d.ID] = d
}

// PutBuild stores or replaces a build.
func (s *Store) PutBuild(b domain.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[b.ID] = b
}

// PutSchedule stores or replaces a schedule.
func (s *Store) PutSchedule(sc domain.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = sc
}

// Agent returns the stored record for (host, env).
func (s *Store) Agent(hostID, envID string) (domain.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentKey{hostID, envID}]
	return a, ok
}

// Host returns the stored host.
func (s *Store) Host(hostID string) (domain.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostID]
	return h, ok
}

func bind(index map[string]map[string]struct{}, key, envID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[envID] = struct{}{}
}

// GetEnvironment implements repository.EnvironmentRepository.
func (s *Store) GetEnvironment(_ context.Context, envID string) (*domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envs[envID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &env, nil
}

// ListEnvironmentsByHost implements repository.EnvironmentRepository.
func (s *Store) ListEnvironmentsByHost(_ context.Context, hostName string) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEnvs(s.envHosts[hostName]), nil
}

// ListEnvironmentsByGroups implements repository.EnvironmentRepository.
func (s *Store) ListEnvironmentsByGroups(_ context.Context, groups []string) ([]domain.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, g := range groups {
		for id := range s.envGroups[g] {
			ids[id] = struct{}{}
		}
	}
	return s.collectEnvs(ids), nil
}

// ListCurrentDeployIDs implements repository.EnvironmentRepository.
func (s *Store) ListCurrentDeployIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, env := range s.envs {
		if env.DeployID != "" {
			ids = append(ids, env.DeployID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) collectEnvs(ids map[string]struct{}) []domain.Environment {
	envs := make([]domain.Environment, 0, len(ids))
	for id := range ids {
		if env, ok := s.envs[id]; ok {
			envs = append(envs, env)
		}
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs
}

// ListAgentsByHost implements repository.AgentRepository.
func (s *Store) ListAgentsByHost(_ context.Context, hostID string) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agents []domain.Agent
	for k, a := range s.agents {
		if k.hostID == hostID {
			agents = append(agents, a)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].EnvID < agents[j].EnvID })
	return agents, nil
}

// UpsertAgent implements repository.AgentRepository.
func (s *Store) UpsertAgent(_ context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey{a.HostID, a.EnvID}
	if prev, ok := s.agents[key]; ok && a.FirstDeployTime == nil {
		a.FirstDeployTime = prev.FirstDeployTime
	}
	s.agents[key] = a
	return nil
}

// DeleteAgent implements repository.AgentRepository.
func (s *Store) DeleteAgent(_ context.Context, hostID, envID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentKey{hostID, envID})
	return nil
}

func (s *Store) countAgents(match func(domain.Agent) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.agents {
		if match(a) {
			n++
		}
	}
	return n
}

// CountAgentsByEnv implements repository.AgentRepository.
func (s *Store) CountAgentsByEnv(_ context.Context, envID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool { return a.EnvID == envID }), nil
}

// CountNonFirstDeployAgents implements repository.AgentRepository.
func (s *Store) CountNonFirstDeployAgents(_ context.Context, envID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool { return a.EnvID == envID && !a.FirstDeploy }), nil
}

// CountDeployingAgents implements repository.AgentRepository.
func (s *Store) CountDeployingAgents(_ context.Context, envID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool {
		if a.EnvID != envID {
			return false
		}
		if a.State == domain.AgentStateStop {
			return true
		}
		paused := a.State == domain.AgentStatePausedByUser || a.State == domain.AgentStatePausedBySystem
		return a.DeployStage != domain.StageServingBuild && !paused && !a.FirstDeploy
	}), nil
}

// CountSucceededAgents implements repository.AgentRepository.
func (s *Store) CountSucceededAgents(_ context.Context, envID, deployID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool {
		done := a.DeployStage == domain.StageServingBuild || a.DeployStage == domain.StageStopped
		return a.EnvID == envID && a.DeployID == deployID && done && a.State != domain.AgentStatePausedByUser
	}), nil
}

// CountStuckAgents implements repository.AgentRepository.
func (s *Store) CountStuckAgents(_ context.Context, envID, deployID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool {
		return a.EnvID == envID && a.DeployID == deployID && a.State == domain.AgentStatePausedBySystem
	}), nil
}

// CountFinishedAgentsByDeploy implements repository.AgentRepository.
func (s *Store) CountFinishedAgentsByDeploy(_ context.Context, deployID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool {
		if a.DeployID != deployID {
			return false
		}
		return a.DeployStage == domain.StageServingBuild ||
			a.State == domain.AgentStatePausedByUser ||
			a.State == domain.AgentStatePausedBySystem
	}), nil
}

// CountAgentsByDeploy implements repository.AgentRepository.
func (s *Store) CountAgentsByDeploy(_ context.Context, deployID string) (int, error) {
	return s.countAgents(func(a domain.Agent) bool { return a.DeployID == deployID }), nil
}

// GetAgentError implements repository.AgentErrorRepository.
func (s *Store) GetAgentError(_ context.Context, hostID, envID string) (*domain.AgentError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agentErrors[agentKey{hostID, envID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

// InsertAgentError implements repository.AgentErrorRepository.
func (s *Store) InsertAgentError(_ context.Context, e domain.AgentError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentErrors[agentKey{e.HostID, e.EnvID}] = e
	return nil
}

// UpdateAgentErrorMessage implements repository.AgentErrorRepository.
func (s *Store) UpdateAgentErrorMessage(_ context.Context, hostID, envID, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := agentKey{hostID, envID}
	e, ok := s.agentErrors[key]
	if !ok {
		return repository.ErrNotFound
	}
	e.Message = message
	e.UpdatedAt = at
	s.agentErrors[key] = e
	return nil
}

// GetAgentCount implements repository.AgentCountRepository.
func (s *Store) GetAgentCount(_ context.Context, envID string) (*domain.AgentCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counts[envID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// UpsertAgentCount implements repository.AgentCountRepository.
func (s *Store) UpsertAgentCount(_ context.Context, c domain.AgentCount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[c.EnvID] = c
	return nil
}

// GetDeploy implements repository.DeployRepository.
func (s *Store) GetDeploy(_ context.Context, deployID string) (*domain.Deploy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deploys[deployID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// UpdateDeployState implements repository.DeployRepository.
func (s *Store) UpdateDeployState(_ context.Context, deployID string, state domain.DeployState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[deployID]
	if !ok {
		return repository.ErrNotFound
	}
	d.State = state
	d.LastUpdate = at
	s.deploys[deployID] = d
	return nil
}

// UpdateDeployStateSafely implements repository.DeployRepository.
func (s *Store) UpdateDeployStateSafely(_ context.Context, deployID string, expected domain.DeployState, u domain.DeployUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deploys[deployID]
	if !ok || d.State != expected {
		return false, nil
	}
	d.State = u.State
	d.SuccessCount = u.SuccessCount
	d.StuckCount = u.StuckCount
	d.Total = u.Total
	d.LastUpdate = u.LastUpdate
	if u.SuccessDate != nil {
		at := *u.SuccessDate
		d.SuccessDate = &at
	}
	if u.AcceptanceStatus != "" {
		d.AcceptanceStatus = u.AcceptanceStatus
	}
	s.deploys[deployID] = d
	return true, nil
}

// GetBuild implements repository.BuildRepository.
func (s *Store) GetBuild(_ context.Context, buildID string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

// GetSchedule implements repository.ScheduleRepository.
func (s *Store) GetSchedule(_ context.Context, scheduleID string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sc, nil
}

// UpdateSchedule implements repository.ScheduleRepository.
func (s *Store) UpdateSchedule(_ context.Context, sc domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return repository.ErrNotFound
	}
	s.schedules[sc.ID] = sc
	return nil
}

// UpsertHost implements repository.HostRepository.
func (s *Store) UpsertHost(_ context.Context, host domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host.ID] = host
	for _, g := range host.Groups {
		bind(s.hostGroups, host.ID, g)
	}
	return nil
}

// ListGroupsByHost implements repository.HostRepository.
func (s *Store) ListGroupsByHost(_ context.Context, hostID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]string, 0, len(s.hostGroups[hostID]))
	for g := range s.hostGroups[hostID] {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups, nil
}

// RemoveHostFromGroup implements repository.HostRepository.
func (s *Store) RemoveHostFromGroup(_ context.Context, hostID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hostGroups[hostID], group)
	return nil
}
