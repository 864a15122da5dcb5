// Package lock provides the non-blocking named locks that serialize
// admission per environment and state transitions per deploy.
package lock

import (
	"context"
	"errors"
)

// ErrNotHeld is returned when releasing a handle the caller no longer owns.
var ErrNotHeld = errors.New("lock: not held")

// Handle identifies one successful acquisition.
type Handle struct {
	Name  string
	Token string

	release func(context.Context) error
}

// Locker acquires named locks without waiting. TryAcquire reports false
// when another holder owns the lock; contention is never an error.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (Handle, bool, error)
	Release(ctx context.Context, h Handle) error
}

// DeployLockName is the lock guarding admission for an environment.
func DeployLockName(envID string) string {
	return "DEPLOY-" + envID
}

// TransitionLockName is the lock guarding state transitions of a deploy.
func TransitionLockName(deployID string) string {
	return "STATE_TRANSITION-" + deployID
}

func releaseHandle(ctx context.Context, h Handle) error {
	if h.release == nil {
		return ErrNotHeld
	}
	return h.release(ctx)
}
