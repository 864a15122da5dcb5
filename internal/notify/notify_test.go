package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type fakeBroadcaster struct {
	envID   string
	payload []byte
}

func (f *fakeBroadcaster) Broadcast(envID string, payload []byte) {
	f.envID = envID
	f.payload = payload
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestAsyncDeliversQueuedEventsOnClose(t *testing.T) {
	sink := &collector{}
	a := NewAsync(sink, 2, 16, quietLogger(), nil)
	for i := 0; i < 5; i++ {
		if err := a.Notify(context.Background(), Event{Kind: KindDeployState, DeployID: "d-1"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	a.Close()
	if len(sink.events) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(sink.events))
	}
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	blocking := Func(func(context.Context, Event) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	a := NewAsync(blocking, 1, 1, quietLogger(), nil)
	for i := 0; i < 10; i++ {
		_ = a.Notify(context.Background(), Event{Kind: KindDeployState})
	}
	close(release)
	a.Close()
	if delivered >= 10 || delivered == 0 {
		t.Fatalf("expected some events to be dropped, delivered=%d", delivered)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	sink := &collector{}
	m := Multi{Func(func(context.Context, Event) error { return boom }), sink}
	err := m.Notify(context.Background(), Event{Kind: KindDeploySucceeded})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected delivery to continue after a failure")
	}
}

func TestHubNotifierEncodesEvent(t *testing.T) {
	b := &fakeBroadcaster{}
	n := NewHubNotifier(b)
	ev := Event{Kind: KindPostDeployHooks, EnvID: "env-1", DeployID: "d-1", Hooks: []string{"https://hooks.example/a"}}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if b.envID != "env-1" {
		t.Fatalf("expected broadcast to env-1, got %q", b.envID)
	}
	var decoded Event
	if err := json.Unmarshal(b.payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != KindPostDeployHooks || len(decoded.Hooks) != 1 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}
