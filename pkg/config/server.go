package config

import "time"

// ServerConfig holds runtime configuration for the orchestrator.
type ServerConfig struct {
	Environment     string
	Addr            string
	LogLevel        string
	StoreBackend    string
	DatabaseURL     string
	LockBackend     string
	LockTTL         time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	NATSURL         string
	NATSLockBucket  string
	NATSSubject     string
	DeployCacheSize int
	BuildCacheSize  int
	CacheTTL        time.Duration
	AgentCountTTL   time.Duration
	SweepSchedule   string
	TransitionQueue int
	NotifyWorkers   int
	NotifyQueueSize int
	ShutdownTimeout time.Duration
}

// Store and lock backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
)

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("FLEETGOAL_ADDR", ":8080"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		StoreBackend:    GetString("STORE_BACKEND", BackendPostgres),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://fleetgoal:fleetgoal@db:5432/fleetgoal?sslmode=disable"),
		LockBackend:     GetString("LOCK_BACKEND", BackendPostgres),
		LockTTL:         GetDuration("LOCK_TTL", 30*time.Second),
		RedisAddr:       GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   GetString("REDIS_PASSWORD", ""),
		RedisDB:         GetInt("REDIS_DB", 0),
		NATSURL:         GetString("NATS_URL", ""),
		NATSLockBucket:  GetString("NATS_LOCK_BUCKET", "fleetgoal_locks"),
		NATSSubject:     GetString("NATS_SUBJECT", "fleetgoal.events"),
		DeployCacheSize: GetInt("DEPLOY_CACHE_SIZE", 1024),
		BuildCacheSize:  GetInt("BUILD_CACHE_SIZE", 1024),
		CacheTTL:        GetDuration("CACHE_TTL", 10*time.Second),
		AgentCountTTL:   GetDuration("AGENT_COUNT_TTL", 5*time.Second),
		SweepSchedule:   GetString("SWEEP_SCHEDULE", "@every 30s"),
		TransitionQueue: GetInt("TRANSITION_QUEUE_SIZE", 256),
		NotifyWorkers:   GetInt("NOTIFY_WORKERS", 2),
		NotifyQueueSize: GetInt("NOTIFY_QUEUE_SIZE", 512),
		ShutdownTimeout: GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
