package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("FLEETGOAL_TEST_DURATION", "45s")
	if got := GetDuration("FLEETGOAL_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Fatalf("got %v, want 45s", got)
	}
	t.Setenv("FLEETGOAL_TEST_DURATION", "soon")
	if got := GetDuration("FLEETGOAL_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("invalid value should fall back, got %v", got)
	}
	if got := GetDuration("FLEETGOAL_TEST_UNSET", 3*time.Minute); got != 3*time.Minute {
		t.Fatalf("unset value should fall back, got %v", got)
	}
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SWEEP_SCHEDULE", "@every 1m")
	t.Setenv("AGENT_COUNT_TTL", "2s")

	cfg := LoadServerConfig()
	if cfg.LockBackend != BackendRedis || cfg.RedisDB != 3 {
		t.Fatalf("lock settings not loaded: %+v", cfg)
	}
	if cfg.SweepSchedule != "@every 1m" || cfg.AgentCountTTL != 2*time.Second {
		t.Fatalf("schedule settings not loaded: %+v", cfg)
	}
	if cfg.StoreBackend != BackendPostgres || cfg.LockTTL != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
