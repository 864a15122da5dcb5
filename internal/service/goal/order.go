package goal

import (
	"sort"

	"github.com/splax/fleetgoal/internal/domain"
)

// SortKey orders install candidates: STOP records first, then lower
// effective priority, then candidates that need no admission.
type SortKey struct {
	Stop     bool
	Priority int
	NeedWait bool
}

// Less reports whether k sorts before o.
func (k SortKey) Less(o SortKey) bool {
	if k.Stop != o.Stop {
		return k.Stop
	}
	if k.Priority != o.Priority {
		return k.Priority < o.Priority
	}
	return !k.NeedWait && o.NeedWait
}

// Key returns the candidate's sort key.
func (c InstallCandidate) Key() SortKey {
	return SortKey{
		Stop:     c.Agent.State == domain.AgentStateStop,
		Priority: EffectivePriority(c.Env, c.Agent.FirstDeploy),
		NeedWait: c.NeedWait,
	}
}

// EffectivePriority is the env's priority as used for ordering. Hotfixes
// and rollbacks jump ahead, except on a host's first deploy.
func EffectivePriority(env domain.Environment, firstDeploy bool) int {
	if env.DeployType == "" {
		return domain.PriorityNormal
	}
	if env.SystemPriority != nil {
		return *env.SystemPriority
	}
	configured := env.Priority
	if configured <= 0 {
		configured = domain.PriorityNormal
	}
	if firstDeploy {
		return configured
	}
	switch env.DeployType {
	case domain.DeployTypeHotfix:
		return domain.PriorityHotfix
	case domain.DeployTypeRollback:
		return domain.PriorityRollback
	default:
		return configured
	}
}

// SortCandidates orders candidates in place, keeping input order for
// equal keys.
func SortCandidates(cs []InstallCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Key().Less(cs[j].Key())
	})
}
