package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS implements Locker on a JetStream key-value bucket. Create fails
// when the key exists, and the bucket TTL expires abandoned locks.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS opens or creates the lock bucket on nc.
func NewNATS(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NATS, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		Storage: jetstream.MemoryStorage,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("lock bucket %s: %w", bucket, err)
	}
	return &NATS{kv: kv}, nil
}

// NewNATSFromKV wraps an existing bucket.
func NewNATSFromKV(kv jetstream.KeyValue) *NATS {
	return &NATS{kv: kv}
}

var _ Locker = (*NATS)(nil)

// TryAcquire implements Locker.
func (n *NATS) TryAcquire(ctx context.Context, name string) (Handle, bool, error) {
	token := uuid.NewString()
	rev, err := n.kv.Create(ctx, name, []byte(token))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return Handle{}, false, nil
		}
		return Handle{}, false, fmt.Errorf("create lock key %s: %w", name, err)
	}
	h := Handle{Name: name, Token: token}
	h.release = func(ctx context.Context) error {
		err := n.kv.Delete(ctx, name, jetstream.LastRevision(rev))
		if err == nil || errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("delete lock key %s: %w", name, err)
	}
	return h, true, nil
}

// Release implements Locker.
func (n *NATS) Release(ctx context.Context, h Handle) error {
	return releaseHandle(ctx, h)
}
