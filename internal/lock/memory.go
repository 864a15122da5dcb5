package lock

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Memory is an in-process Locker for single replica deployments and tests.
type Memory struct {
	held *xsync.Map[string, string]
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: xsync.NewMap[string, string]()}
}

var _ Locker = (*Memory)(nil)

// TryAcquire implements Locker.
func (m *Memory) TryAcquire(_ context.Context, name string) (Handle, bool, error) {
	token := uuid.NewString()
	if _, loaded := m.held.LoadOrStore(name, token); loaded {
		return Handle{}, false, nil
	}
	h := Handle{Name: name, Token: token}
	h.release = func(context.Context) error {
		released := false
		m.held.Compute(name, func(cur string, loaded bool) (string, xsync.ComputeOp) {
			if loaded && cur == token {
				released = true
				return "", xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		if !released {
			return ErrNotHeld
		}
		return nil
	}
	return h, true, nil
}

// Release implements Locker.
func (m *Memory) Release(ctx context.Context, h Handle) error {
	return releaseHandle(ctx, h)
}

// Held reports whether name is currently locked.
func (m *Memory) Held(name string) bool {
	_, ok := m.held.Load(name)
	return ok
}
