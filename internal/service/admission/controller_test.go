package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/lock"
	"github.com/splax/fleetgoal/internal/repository/memory"
	"github.com/splax/fleetgoal/internal/service/schedule"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGate struct {
	allow   bool
	started int
}

func (g *fakeGate) Allows(context.Context, domain.Environment) (bool, error) { return g.allow, nil }

func (g *fakeGate) Start(context.Context, domain.Environment) error {
	g.started++
	return nil
}

func newTestController(store *memory.Store, locker lock.Locker, gate Gate, ttl time.Duration) Controller {
	c := New(store, store, locker, gate, quietLogger(), nil, ttl)
	c.now = func() time.Time { return t0 }
	return c
}

func testEnv() domain.Environment {
	return domain.Environment{ID: "env-1", Name: "svc", Stage: "prod", DeployID: "d-2", DeployType: domain.DeployTypeRegular, MaxParallel: 2}
}

// seedServing stores n non-first-deploy hosts serving the previous deploy.
func seedServing(store *memory.Store, n int) {
	for i := 0; i < n; i++ {
		_ = store.UpsertAgent(context.Background(), domain.Agent{
			HostID:      fmt.Sprintf("h-%02d", i),
			EnvID:       "env-1",
			DeployID:    "d-1",
			DeployStage: domain.StageServingBuild,
			State:       domain.AgentStateNormal,
		})
	}
}

func candidateFor(hostID string) domain.Agent {
	return domain.Agent{
		HostID:      hostID,
		EnvID:       "env-1",
		DeployID:    "d-2",
		DeployStage: domain.StagePreDownload,
		State:       domain.AgentStateNormal,
		Status:      domain.AgentStatusUnknown,
	}
}

func TestResolveParallelLimit(t *testing.T) {
	cases := []struct {
		name    string
		count   int
		percent int
		total   int
		want    int
	}{
		{name: "defaults to one", total: 10, want: 1},
		{name: "count only", count: 3, total: 10, want: 3},
		{name: "percent only", percent: 25, total: 10, want: 2},
		{name: "both takes min", count: 5, percent: 30, total: 10, want: 3},
		{name: "both count smaller", count: 2, percent: 90, total: 10, want: 2},
		{name: "percent rounds to zero", percent: 5, total: 10, want: 1},
		{name: "count above total clamps", count: 50, total: 10, want: 10},
		{name: "no hosts", count: 4, total: 0, want: 1},
		{name: "negative count ignored", count: -3, percent: 50, total: 10, want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := domain.Environment{MaxParallel: tc.count, MaxParallelPercent: tc.percent}
			if got := ResolveParallelLimit(env, tc.total, quietLogger()); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestCanDeployFirstDeployBypassesCapAndSchedule(t *testing.T) {
	store := memory.New()
	gate := &fakeGate{allow: false}
	c := newTestController(store, lock.NewMemory(), gate, 0)

	cand := candidateFor("h-new")
	cand.FirstDeploy = true
	ok, err := c.CanDeploy(context.Background(), testEnv(), "h-new", cand)
	if err != nil || !ok {
		t.Fatalf("expected first deploy to be admitted, ok=%v err=%v", ok, err)
	}
	if _, found := store.Agent("h-new", "env-1"); !found {
		t.Fatalf("expected candidate to be persisted")
	}
}

func TestCanDeployRespectsCap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 10)
	c := newTestController(store, lock.NewMemory(), &fakeGate{allow: true}, 0)
	env := testEnv()

	for _, host := range []string{"h-00", "h-01"} {
		ok, err := c.CanDeploy(ctx, env, host, candidateFor(host))
		if err != nil || !ok {
			t.Fatalf("expected %s admitted, ok=%v err=%v", host, ok, err)
		}
	}
	ok, err := c.CanDeploy(ctx, env, "h-02", candidateFor("h-02"))
	if err != nil {
		t.Fatalf("can deploy: %v", err)
	}
	if ok {
		t.Fatalf("expected third host to wait for the cap")
	}
	if a, _ := store.Agent("h-02", "env-1"); a.DeployID != "d-1" {
		t.Fatalf("refused candidate must not be persisted, got %+v", a)
	}
}

func TestCanDeployRefusedBySchedule(t *testing.T) {
	store := memory.New()
	seedServing(store, 4)
	gate := &fakeGate{allow: false}
	c := newTestController(store, lock.NewMemory(), gate, 0)

	ok, err := c.CanDeploy(context.Background(), testEnv(), "h-00", candidateFor("h-00"))
	if err != nil || ok {
		t.Fatalf("expected schedule refusal, ok=%v err=%v", ok, err)
	}
	if gate.started != 0 {
		t.Fatalf("schedule must not start on refusal")
	}
}

func TestCanDeployLockBusy(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 4)
	locker := lock.NewMemory()
	if _, ok, _ := locker.TryAcquire(ctx, lock.DeployLockName("env-1")); !ok {
		t.Fatalf("setup: acquire lock")
	}
	c := newTestController(store, locker, &fakeGate{allow: true}, 0)

	ok, err := c.CanDeploy(ctx, testEnv(), "h-00", candidateFor("h-00"))
	if err != nil || ok {
		t.Fatalf("expected busy lock to refuse without error, ok=%v err=%v", ok, err)
	}
}

func TestCanDeployReleasesLock(t *testing.T) {
	store := memory.New()
	seedServing(store, 4)
	locker := lock.NewMemory()
	c := newTestController(store, locker, &fakeGate{allow: true}, 0)

	if ok, err := c.CanDeploy(context.Background(), testEnv(), "h-00", candidateFor("h-00")); err != nil || !ok {
		t.Fatalf("expected admission, ok=%v err=%v", ok, err)
	}
	if locker.Held(lock.DeployLockName("env-1")) {
		t.Fatalf("expected deploy lock to be released")
	}
}

func TestCanDeployStartsSchedule(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 4)
	env := testEnv()
	env.ScheduleID = "s-1"
	store.PutEnvironment(env)
	store.PutSchedule(domain.Schedule{ID: "s-1", HostNumbers: []int{1, 3}, CooldownMinutes: []int{5, 5}, TotalSessions: 2, State: domain.ScheduleNotStarted})

	sched := schedule.New(store, store, quietLogger())
	c := newTestController(store, lock.NewMemory(), sched, 0)

	if ok, err := c.CanDeploy(ctx, env, "h-00", candidateFor("h-00")); err != nil || !ok {
		t.Fatalf("expected admission, ok=%v err=%v", ok, err)
	}
	sc, _ := store.GetSchedule(ctx, "s-1")
	if sc.State != domain.ScheduleRunning || sc.CurrentSession != 1 {
		t.Fatalf("expected schedule running session 1, got %+v", sc)
	}
	if ok, _ := c.CanDeploy(ctx, env, "h-01", candidateFor("h-01")); ok {
		t.Fatalf("expected session budget of one host to refuse the second host")
	}
}

func TestCanDeployUsesFreshCountSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 10)
	_ = store.UpsertAgentCount(ctx, domain.AgentCount{EnvID: "env-1", ExistingCount: 10, ActiveCount: 2, RefreshedAt: t0.Add(-10 * time.Second)})
	c := newTestController(store, lock.NewMemory(), &fakeGate{allow: true}, time.Minute)

	ok, err := c.CanDeploy(ctx, testEnv(), "h-00", candidateFor("h-00"))
	if err != nil || ok {
		t.Fatalf("expected snapshot active count to hold the cap, ok=%v err=%v", ok, err)
	}
}

func TestCanDeployRecountsExpiredSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 10)
	_ = store.UpsertAgentCount(ctx, domain.AgentCount{EnvID: "env-1", ExistingCount: 10, ActiveCount: 2, RefreshedAt: t0.Add(-2 * time.Minute)})
	c := newTestController(store, lock.NewMemory(), &fakeGate{allow: true}, time.Minute)

	ok, err := c.CanDeploy(ctx, testEnv(), "h-00", candidateFor("h-00"))
	if err != nil || !ok {
		t.Fatalf("expected recount to admit, ok=%v err=%v", ok, err)
	}
	cnt, _ := store.GetAgentCount(ctx, "env-1")
	if cnt.ActiveCount != 1 || cnt.ExistingCount != 10 || !cnt.RefreshedAt.Equal(t0) || cnt.DeployID != "d-2" {
		t.Fatalf("unexpected snapshot after admission: %+v", cnt)
	}
}

func TestCanDeployConcurrentNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedServing(store, 20)
	locker := lock.NewMemory()
	env := testEnv()
	env.MaxParallel = 3
	c := newTestController(store, locker, &fakeGate{allow: true}, 0)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(host string) {
				defer wg.Done()
				if a, _ := store.Agent(host, "env-1"); a.DeployID == "d-2" {
					return
				}
				ok, err := c.CanDeploy(ctx, env, host, candidateFor(host))
				if err != nil {
					t.Errorf("can deploy %s: %v", host, err)
					return
				}
				if ok {
					admitted.Add(1)
				}
			}(fmt.Sprintf("h-%02d", i))
		}
		wg.Wait()
	}
	deploying, _ := store.CountDeployingAgents(ctx, "env-1")
	if deploying > 3 || int(admitted.Load()) != deploying {
		t.Fatalf("expected at most 3 deploying hosts, deploying=%d admitted=%d", deploying, admitted.Load())
	}
	if deploying != 3 {
		t.Fatalf("expected the cap to be filled after retries, got %d", deploying)
	}
}
