// Package cache wraps deploy and build reads with a bounded TTL cache.
// Only immutable or slowly changing lookups go through it; agent records
// and counts are always read from the store.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/metrics"
	"github.com/splax/fleetgoal/internal/repository"
)

// Config sizes the caches. A zero Size disables caching.
type Config struct {
	Size int
	TTL  time.Duration
}

// Deploys is a read-through cache in front of a DeployRepository. Writes
// pass through and evict the cached entry.
type Deploys struct {
	repository.DeployRepository

	lru     *expirable.LRU[string, domain.Deploy]
	metrics *metrics.Metrics
}

// NewDeploys wraps repo.
func NewDeploys(repo repository.DeployRepository, cfg Config, m *metrics.Metrics) *Deploys {
	d := &Deploys{DeployRepository: repo, metrics: m}
	if cfg.Size > 0 {
		d.lru = expirable.NewLRU[string, domain.Deploy](cfg.Size, nil, cfg.TTL)
	}
	return d
}

var _ repository.DeployRepository = (*Deploys)(nil)

// GetDeploy returns the cached deploy or loads it.
func (d *Deploys) GetDeploy(ctx context.Context, deployID string) (*domain.Deploy, error) {
	if d.lru != nil {
		if v, ok := d.lru.Get(deployID); ok {
			d.metrics.CacheLookup("deploy", true)
			return &v, nil
		}
		d.metrics.CacheLookup("deploy", false)
	}
	dep, err := d.DeployRepository.GetDeploy(ctx, deployID)
	if err != nil {
		return nil, err
	}
	if d.lru != nil {
		d.lru.Add(deployID, *dep)
	}
	return dep, nil
}

// UpdateDeployState evicts the entry and writes through.
func (d *Deploys) UpdateDeployState(ctx context.Context, deployID string, state domain.DeployState, at time.Time) error {
	d.evict(deployID)
	return d.DeployRepository.UpdateDeployState(ctx, deployID, state, at)
}

// UpdateDeployStateSafely evicts the entry and writes through.
func (d *Deploys) UpdateDeployStateSafely(ctx context.Context, deployID string, expected domain.DeployState, update domain.DeployUpdate) (bool, error) {
	d.evict(deployID)
	return d.DeployRepository.UpdateDeployStateSafely(ctx, deployID, expected, update)
}

func (d *Deploys) evict(deployID string) {
	if d.lru != nil {
		d.lru.Remove(deployID)
	}
}

// Builds is a read-through cache in front of a BuildRepository.
type Builds struct {
	repo    repository.BuildRepository
	lru     *expirable.LRU[string, domain.Build]
	metrics *metrics.Metrics
}

// NewBuilds wraps repo.
func NewBuilds(repo repository.BuildRepository, cfg Config, m *metrics.Metrics) *Builds {
	b := &Builds{repo: repo, metrics: m}
	if cfg.Size > 0 {
		b.lru = expirable.NewLRU[string, domain.Build](cfg.Size, nil, cfg.TTL)
	}
	return b
}

var _ repository.BuildRepository = (*Builds)(nil)

// GetBuild returns the cached build or loads it.
func (b *Builds) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	if b.lru != nil {
		if v, ok := b.lru.Get(buildID); ok {
			b.metrics.CacheLookup("build", true)
			return &v, nil
		}
		b.metrics.CacheLookup("build", false)
	}
	build, err := b.repo.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if b.lru != nil {
		b.lru.Add(buildID, *build)
	}
	return build, nil
}
