package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rezkam/jobstore/internal/domain"
)

// releaseTimeout bounds the lock release issued on the way out of a critical
// section whose context was already cancelled.
const releaseTimeout = 5 * time.Second

// withLock runs fn inside the named cluster-wide critical section. The lock
// is released on every exit path, including cancellation mid-section: the
// release uses a detached context so a cancelled caller does not leave the
// lock to TTL expiry.
func withLock(ctx context.Context, locks LockManager, lockType domain.LockType, fn func(ctx context.Context) error) error {
	if err := locks.Acquire(ctx, lockType); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := locks.Release(releaseCtx, lockType); err != nil {
			slog.ErrorContext(releaseCtx, "failed to release lock", "lock_type", lockType, "error", err)
		}
	}()
	return fn(ctx)
}
