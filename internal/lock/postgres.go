package lock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Locker with session level advisory locks. Each held
// lock pins one pooled connection until it is released.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns an advisory lock backend on pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Locker = (*Postgres)(nil)

// TryAcquire implements Locker.
func (p *Postgres) TryAcquire(ctx context.Context, name string) (Handle, bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return Handle{}, false, fmt.Errorf("acquire connection: %w", err)
	}
	const query = `SELECT pg_try_advisory_lock(hashtext($1))`
	var ok bool
	if err := conn.QueryRow(ctx, query, name).Scan(&ok); err != nil {
		conn.Release()
		return Handle{}, false, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return Handle{}, false, nil
	}
	h := Handle{Name: name, Token: uuid.NewString()}
	h.release = func(ctx context.Context) error {
		defer conn.Release()
		const unlock = `SELECT pg_advisory_unlock(hashtext($1))`
		var released bool
		if err := conn.QueryRow(ctx, unlock, name).Scan(&released); err != nil {
			// The session may still hold the lock; drop the connection so
			// the server frees it.
			_ = conn.Conn().Close(context.Background())
			return fmt.Errorf("advisory unlock %s: %w", name, err)
		}
		if !released {
			return ErrNotHeld
		}
		return nil
	}
	return h, true, nil
}

// Release implements Locker.
func (p *Postgres) Release(ctx context.Context, h Handle) error {
	return releaseHandle(ctx, h)
}
