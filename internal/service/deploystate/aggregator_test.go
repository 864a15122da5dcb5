package deploystate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/fleetgoal/internal/domain"
	"github.com/splax/fleetgoal/internal/lock"
	"github.com/splax/fleetgoal/internal/notify"
	"github.com/splax/fleetgoal/internal/repository/memory"
	"github.com/splax/fleetgoal/internal/service/schedule"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixedCapacity int

func (c fixedCapacity) Capacity(context.Context, domain.Environment) (int, error) { return int(c), nil }

type fixture struct {
	store  *memory.Store
	locker *lock.Memory
	rec    *recorder
	agg    Aggregator
	now    time.Time
}

func newFixture(t *testing.T, env domain.Environment, dep domain.Deploy) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), locker: lock.NewMemory(), rec: &recorder{}, now: t0}
	f.store.PutEnvironment(env)
	f.store.PutDeploy(dep)
	f.store.PutBuild(domain.Build{ID: dep.BuildID, SCMBranch: "main", SCMCommit: "0123456789"})
	sched := schedule.New(f.store, f.store, quietLogger())
	f.agg = New(f.store, f.store, f.store, f.store, sched, f.locker, f.rec, quietLogger(), nil)
	f.agg.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedHosts(t *testing.T, envID, deployID string, n int, stage domain.DeployStage, state domain.AgentState) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.store.UpsertAgent(context.Background(), domain.Agent{
			HostID:      fmt.Sprintf("%s-%s-%03d", stage, state, i),
			EnvID:       envID,
			DeployID:    deployID,
			DeployStage: stage,
			State:       state,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (f *fixture) deploy(t *testing.T, id string) domain.Deploy {
	t.Helper()
	d, err := f.store.GetDeploy(context.Background(), id)
	if err != nil {
		t.Fatalf("get deploy: %v", err)
	}
	return *d
}

func baseEnv() domain.Environment {
	return domain.Environment{
		ID:                    "env-1",
		Name:                  "svc",
		Stage:                 "prod",
		DeployID:              "d-1",
		SuccessThreshold:      9500,
		StuckThresholdSeconds: 600,
		AcceptType:            domain.AcceptTypeAuto,
		PostDeployHooks:       []string{"smoke-test"},
	}
}

func baseDeploy() domain.Deploy {
	return domain.Deploy{ID: "d-1", EnvID: "env-1", BuildID: "b-1", Type: domain.DeployTypeRegular, State: domain.DeployStateRunning, LastUpdate: t0}
}

func TestTransitionSucceedsOnceAndStampsDate(t *testing.T) {
	f := newFixture(t, baseEnv(), baseDeploy())
	f.seedHosts(t, "env-1", "d-1", 95, domain.StageServingBuild, domain.AgentStateNormal)
	f.seedHosts(t, "env-1", "d-1", 5, domain.StageDownloading, domain.AgentStateNormal)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got := f.deploy(t, "d-1")
	if got.State != domain.DeployStateSucceeding {
		t.Fatalf("state = %s, want SUCCEEDING", got.State)
	}
	if got.SuccessDate == nil || !got.SuccessDate.Equal(t0) {
		t.Fatalf("success date = %v, want %v", got.SuccessDate, t0)
	}
	if got.AcceptanceStatus != domain.AcceptanceAccepted {
		t.Fatalf("acceptance = %s", got.AcceptanceStatus)
	}
	if got.SuccessCount != 95 || got.Total != 100 {
		t.Fatalf("counts = %d/%d", got.SuccessCount, got.Total)
	}
	want := []string{notify.KindPostDeployHooks, notify.KindDeployState, notify.KindDeploySucceeded}
	if k := f.rec.kinds(); fmt.Sprint(k) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", k, want)
	}
	if msg := f.rec.events[1].Message; msg != "svc/prod: deploy of main/0123456 completed successfully." {
		t.Fatalf("message = %q", msg)
	}

	// A host joining and finishing changes counts but neither the date nor the events.
	f.now = t0.Add(time.Minute)
	f.seedHosts(t, "env-1", "d-1", 1, domain.StageStopped, domain.AgentStateNormal)
	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got = f.deploy(t, "d-1")
	if got.State != domain.DeployStateSucceeding {
		t.Fatalf("state = %s, want SUCCEEDING", got.State)
	}
	if !got.SuccessDate.Equal(t0) {
		t.Fatalf("success date moved to %v", got.SuccessDate)
	}
	if got.Total != 101 {
		t.Fatalf("total = %d, want 101", got.Total)
	}
	if n := len(f.rec.kinds()); n != 3 {
		t.Fatalf("expected no new events, got %d", n)
	}
}

func TestTransitionFailsWithoutProgress(t *testing.T) {
	dep := baseDeploy()
	dep.SuccessCount = 10
	dep.LastUpdate = t0.Add(-20 * time.Minute)
	f := newFixture(t, baseEnv(), dep)
	f.seedHosts(t, "env-1", "d-1", 10, domain.StageServingBuild, domain.AgentStateNormal)
	f.seedHosts(t, "env-1", "d-1", 10, domain.StageStaging, domain.AgentStateNormal)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got := f.deploy(t, "d-1")
	if got.State != domain.DeployStateFailing {
		t.Fatalf("state = %s, want FAILING", got.State)
	}
	if !got.LastUpdate.Equal(dep.LastUpdate) {
		t.Fatalf("last update = %v, want unchanged %v", got.LastUpdate, dep.LastUpdate)
	}
	if k := f.rec.kinds(); len(k) != 1 || k[0] != notify.KindDeployState {
		t.Fatalf("events = %v", k)
	}
	if msg := f.rec.events[0].Message; msg != "svc/prod: deploy of main/0123456 failed." {
		t.Fatalf("message = %q", msg)
	}
}

func TestTransitionKeepsStateDuringCooldown(t *testing.T) {
	env := baseEnv()
	env.ScheduleID = "s-1"
	dep := baseDeploy()
	dep.SuccessCount = 2
	dep.LastUpdate = t0.Add(-20 * time.Minute)
	f := newFixture(t, env, dep)
	f.store.PutSchedule(domain.Schedule{
		ID:              "s-1",
		HostNumbers:     []int{2, 18},
		CooldownMinutes: []int{30, 30},
		CurrentSession:  1,
		TotalSessions:   2,
		State:           domain.ScheduleCoolingDown,
		StateStartTime:  t0.Add(-5 * time.Minute),
	})
	f.seedHosts(t, "env-1", "d-1", 2, domain.StageServingBuild, domain.AgentStateNormal)
	f.seedHosts(t, "env-1", "d-1", 18, domain.StagePreDownload, domain.AgentStateNormal)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got := f.deploy(t, "d-1")
	if got.State != domain.DeployStateRunning {
		t.Fatalf("state = %s, want RUNNING", got.State)
	}
	if got.Total != 20 {
		t.Fatalf("total = %d, want 20", got.Total)
	}
}

func TestTransitionFinalizesSupersededDeploy(t *testing.T) {
	env := baseEnv()
	env.DeployID = "d-2"
	f := newFixture(t, env, baseDeploy())

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := f.deploy(t, "d-1"); got.State != domain.DeployStateAborted {
		t.Fatalf("state = %s, want ABORTED", got.State)
	}
	if k := f.rec.kinds(); len(k) != 0 {
		t.Fatalf("unexpected events %v", k)
	}
}

func TestTransitionIgnoresInactiveAndMissingDeploys(t *testing.T) {
	dep := baseDeploy()
	dep.State = domain.DeployStateSucceeded
	f := newFixture(t, baseEnv(), dep)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition inactive: %v", err)
	}
	if err := f.agg.Transition(context.Background(), "missing", nil); err != nil {
		t.Fatalf("transition missing: %v", err)
	}
	if got := f.deploy(t, "d-1"); got.State != domain.DeployStateSucceeded || !got.LastUpdate.Equal(t0) {
		t.Fatalf("inactive deploy modified: %+v", got)
	}
}

func TestTransitionSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, baseEnv(), baseDeploy())
	f.seedHosts(t, "env-1", "d-1", 3, domain.StageServingBuild, domain.AgentStateNormal)

	h, ok, err := f.locker.TryAcquire(context.Background(), lock.TransitionLockName("d-1"))
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := f.deploy(t, "d-1"); got.State != domain.DeployStateRunning {
		t.Fatalf("state changed while locked: %s", got.State)
	}
	_ = f.locker.Release(context.Background(), h)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := f.deploy(t, "d-1"); got.State != domain.DeployStateSucceeding {
		t.Fatalf("state = %s, want SUCCEEDING", got.State)
	}
	if f.locker.Held(lock.TransitionLockName("d-1")) {
		t.Fatalf("transition lock not released")
	}
}

func TestTransitionHonorsCapacityGuard(t *testing.T) {
	f := newFixture(t, baseEnv(), baseDeploy())
	f.agg = f.agg.WithCapacityReader(fixedCapacity(4))

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := f.deploy(t, "d-1"); got.State != domain.DeployStateRunning {
		t.Fatalf("state = %s, want RUNNING", got.State)
	}
	if k := f.rec.kinds(); len(k) != 0 {
		t.Fatalf("unexpected events %v", k)
	}
}

func TestTransitionWritesNothingWhenUnchanged(t *testing.T) {
	dep := baseDeploy()
	dep.SuccessCount = 1
	dep.Total = 4
	f := newFixture(t, baseEnv(), dep)
	f.seedHosts(t, "env-1", "d-1", 1, domain.StageServingBuild, domain.AgentStateNormal)
	f.seedHosts(t, "env-1", "d-1", 3, domain.StageStaging, domain.AgentStateNormal)
	f.now = t0.Add(time.Minute)

	if err := f.agg.Transition(context.Background(), "d-1", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got := f.deploy(t, "d-1"); !got.LastUpdate.Equal(t0) {
		t.Fatalf("deploy rewritten: last update %v", got.LastUpdate)
	}
}

type flakyTarget struct {
	mu   sync.Mutex
	seen []string
}

func (f *flakyTarget) Transition(_ context.Context, id string, _ *domain.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	if id == "d-bad" {
		return errors.New("boom")
	}
	return nil
}

func TestSweepContinuesPastFailures(t *testing.T) {
	store := memory.New()
	for _, id := range []string{"a", "b", "c"} {
		store.PutEnvironment(domain.Environment{ID: "env-" + id, DeployID: "d-" + id})
		store.PutDeploy(domain.Deploy{ID: "d-" + id, EnvID: "env-" + id, State: domain.DeployStateRunning})
	}
	store.PutEnvironment(domain.Environment{ID: "env-bad", DeployID: "d-bad"})
	store.PutDeploy(domain.Deploy{ID: "d-bad", EnvID: "env-bad", State: domain.DeployStateFailing})

	target := &flakyTarget{}
	s := NewSweeper(store, target, "", 0, quietLogger())
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(target.seen) != 4 {
		t.Fatalf("transitioned %v, want all four deploys", target.seen)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	s := NewSweeper(memory.New(), &flakyTarget{}, "", 4, quietLogger())
	if !s.Enqueue("d-1") {
		t.Fatalf("first enqueue refused")
	}
	if s.Enqueue("d-1") {
		t.Fatalf("duplicate enqueue accepted")
	}
	if s.Enqueue("") {
		t.Fatalf("empty id accepted")
	}
}

func TestStartDrainsQueue(t *testing.T) {
	target := &flakyTarget{}
	s := NewSweeper(memory.New(), target, "@every 1h", 4, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	s.Enqueue("d-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		target.mu.Lock()
		n := len(target.seen)
		target.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued transition never ran")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(memory.New(), &flakyTarget{}, "not a schedule", 1, quietLogger())
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatalf("expected error for invalid schedule")
	}
}
