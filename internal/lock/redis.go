package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with expiring SET NX leases. The TTL bounds how
// long a crashed holder can block others.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, prefix: "fleetgoal:lock:", ttl: ttl}, nil
}

var _ Locker = (*Redis)(nil)

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, name string) (Handle, bool, error) {
	key := r.prefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return Handle{}, false, fmt.Errorf("redis setnx %s: %w", name, err)
	}
	if !ok {
		return Handle{}, false, nil
	}
	h := Handle{Name: name, Token: token}
	h.release = func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis release %s: %w", name, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}
	return h, true, nil
}

// Release implements Locker.
func (r *Redis) Release(ctx context.Context, h Handle) error {
	return releaseHandle(ctx, h)
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
