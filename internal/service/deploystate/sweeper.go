package deploystate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/repository"
)

// DefaultSweepSpec runs a sweep every thirty seconds.
const DefaultSweepSpec = "@every 30s"

// Transitioner re-evaluates one deploy.
type Transitioner interface {
	Transition(ctx context.Context, deployID string, env *domain.Environment) error
}

// Sweeper periodically transitions every current deploy and runs
// opportunistic transitions queued by the ping path.
type Sweeper struct {
	envs     repository.EnvironmentRepository
	target   Transitioner
	spec     string
	logger   *slog.Logger
	cron     *cron.Cron
	queue    chan string
	pending  *xsync.Map[string, struct{}]
	sweeping atomic.Bool
	wg       sync.WaitGroup
	stop     context.CancelFunc
}

// NewSweeper returns a Sweeper. An empty spec means DefaultSweepSpec.
func NewSweeper(envs repository.EnvironmentRepository, target Transitioner, spec string, queueSize int, logger *slog.Logger) *Sweeper {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Sweeper{
		envs:    envs,
		target:  target,
		spec:    spec,
		logger:  logger.With("component", "sweeper"),
		cron:    cron.New(),
		queue:   make(chan string, queueSize),
		pending: xsync.NewMap[string, struct{}](),
	}
}

// Sweep transitions every deploy that is current for its environment.
// Failures are logged per deploy and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ids, err := s.envs.ListCurrentDeployIDs(ctx)
	if err != nil {
		return fmt.Errorf("list current deploys: %w", err)
	}
	if len(ids) == 0 {
		s.logger.Debug("no active deploys")
		return nil
	}
	// Replicas sweep in different orders so they contend less on locks.
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.target.Transition(ctx, id, nil); err != nil {
			failed++
			s.logger.Error("transition deploy", "deploy_id", id, "error", err)
		}
	}
	s.logger.Debug("sweep finished", "deploys", len(ids), "failed", failed)
	return nil
}

// Enqueue asks for an out-of-band transition of deployID. It never
// blocks; a deploy already queued is not queued twice.
func (s *Sweeper) Enqueue(deployID string) bool {
	if deployID == "" {
		return false
	}
	if _, loaded := s.pending.LoadOrStore(deployID, struct{}{}); loaded {
		return false
	}
	select {
	case s.queue <- deployID:
		return true
	default:
		s.pending.Delete(deployID)
		s.logger.Debug("transition queue full", "deploy_id", deployID)
		return false
	}
}

// Start schedules the periodic sweep and the queue worker.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	err := s.cron.AddFunc(s.spec, func() {
		if !s.sweeping.CompareAndSwap(false, true) {
			s.logger.Warn("previous sweep still running, skipping")
			return
		}
		defer s.sweeping.Store(false)
		if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule sweep %q: %w", s.spec, err)
	}
	s.stop = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(ctx)
	}()
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.spec)
	return nil
}

func (s *Sweeper) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.pending.Delete(id)
			if err := s.target.Transition(ctx, id, nil); err != nil {
				s.logger.Error("transition deploy", "deploy_id", id, "error", err)
			}
		}
	}
}

// Stop halts the schedule and waits for the queue worker.
func (s *Sweeper) Stop() {
	s.cron.Stop()
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}
