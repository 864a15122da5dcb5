package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryTryAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	h, ok, err := m.TryAcquire(ctx, DeployLockName("env-1"))
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "DEPLOY-env-1"); ok {
		t.Fatalf("expected second acquire to be refused")
	}
	if _, ok, _ := m.TryAcquire(ctx, DeployLockName("env-2")); !ok {
		t.Fatalf("expected other env lock to be free")
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Held("DEPLOY-env-1") {
		t.Fatalf("expected lock to be released")
	}
	if err := m.Release(ctx, h); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestMemoryStaleHandleDoesNotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	name := TransitionLockName("d-1")

	first, _, _ := m.TryAcquire(ctx, name)
	if err := m.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := m.TryAcquire(ctx, name); !ok {
		t.Fatalf("expected reacquire")
	}
	if err := m.Release(ctx, first); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected stale release to fail, got %v", err)
	}
	if !m.Held(name) {
		t.Fatalf("expected new holder to keep the lock")
	}
}

func TestMemoryConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.TryAcquire(ctx, "STATE_TRANSITION-d"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestReleaseZeroHandle(t *testing.T) {
	if err := NewMemory().Release(context.Background(), Handle{}); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}
