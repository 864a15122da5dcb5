package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/splax/fleetgoal/internal/app/migrate"
	"github.com/splax/fleetgoal/internal/cache"
	httpx "github.com/splax/fleetgoal/internal/http"
	"github.com/splax/fleetgoal/internal/lock"
	"github.com/splax/fleetgoal/internal/metrics"
	"github.com/splax/fleetgoal/internal/notify"
	"github.com/splax/fleetgoal/internal/repository"
	"github.com/splax/fleetgoal/internal/repository/memory"
	"github.com/splax/fleetgoal/internal/repository/postgres"
	"github.com/splax/fleetgoal/internal/service/admission"
	"github.com/splax/fleetgoal/internal/service/deploystate"
	"github.com/splax/fleetgoal/internal/service/goal"
	"github.com/splax/fleetgoal/internal/service/ping"
	"github.com/splax/fleetgoal/internal/service/schedule"
	"github.com/splax/fleetgoal/internal/ws"
	"github.com/splax/fleetgoal/pkg/config"
	"github.com/splax/fleetgoal/pkg/logger"
)

// store is everything the orchestrator persists.
type store interface {
	repository.EnvironmentRepository
	repository.AgentRepository
	repository.AgentErrorRepository
	repository.AgentCountRepository
	repository.DeployRepository
	repository.BuildRepository
	repository.ScheduleRepository
	repository.HostRepository
}

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("fleetgoal", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fleetgoal exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) error {
	m := metrics.Default()

	var (
		repo     store
		pool     *pgxpool.Pool
		dbHealth func(context.Context) error
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return err
		}
		if err := runner.Ensure(ctx); err != nil {
			return err
		}
		repo = postgres.New(pool)
		dbHealth = pool.Ping
	case config.BackendMemory:
		log.Warn("using in-memory store, state is lost on restart")
		repo = memory.New()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("fleetgoal"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Drain()
	}

	locker, closeLocker, err := newLocker(ctx, cfg, pool, nc)
	if err != nil {
		return err
	}
	defer closeLocker()
	log.Info("lock backend ready", "backend", cfg.LockBackend)

	hub := ws.NewHub()
	defer hub.Close()
	sinks := notify.Multi{notify.NewLog(log), notify.NewHubNotifier(hub)}
	if nc != nil {
		sinks = append(sinks, notify.NewNATSPublisher(nc, cfg.NATSSubject))
	}
	notifier := notify.NewAsync(sinks, cfg.NotifyWorkers, cfg.NotifyQueueSize, log, m)
	defer notifier.Close()

	deploys := cache.NewDeploys(repo, cache.Config{Size: cfg.DeployCacheSize, TTL: cfg.CacheTTL}, m)
	builds := cache.NewBuilds(repo, cache.Config{Size: cfg.BuildCacheSize, TTL: cfg.CacheTTL}, m)

	scheduler := schedule.New(repo, repo, log)
	aggregator := deploystate.New(repo, repo, repo, builds, scheduler, locker, notifier, log, m)
	sweeper := deploystate.NewSweeper(repo, aggregator, cfg.SweepSchedule, cfg.TransitionQueue, log)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	controller := admission.New(repo, repo, locker, scheduler, log, m, cfg.AgentCountTTL)
	analyst := goal.New(repo, deploys, log)
	pinger := ping.New(ping.Stores{
		Envs:        repo,
		Agents:      repo,
		AgentErrors: repo,
		Hosts:       repo,
		Deploys:     deploys,
		Builds:      builds,
	}, analyst, controller, sweeper, log, m)

	router := httpx.NewRouter(log, pinger, hub, dbHealth)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("fleetgoal server starting", "addr", cfg.Addr, "store", cfg.StoreBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("fleetgoal server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func newLocker(ctx context.Context, cfg config.ServerConfig, pool *pgxpool.Pool, nc *nats.Conn) (lock.Locker, func(), error) {
	noop := func() {}
	switch cfg.LockBackend {
	case config.BackendPostgres:
		if pool == nil {
			return nil, noop, errors.New("postgres lock backend needs the postgres store")
		}
		return lock.NewPostgres(pool), noop, nil
	case config.BackendRedis:
		r, err := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL)
		if err != nil {
			return nil, noop, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.BackendNATS:
		if nc == nil {
			return nil, noop, errors.New("nats lock backend needs NATS_URL")
		}
		n, err := lock.NewNATS(ctx, nc, cfg.NATSLockBucket, cfg.LockTTL)
		if err != nil {
			return nil, noop, err
		}
		return n, noop, nil
	case config.BackendMemory:
		return lock.NewMemory(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}
