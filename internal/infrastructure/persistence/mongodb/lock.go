package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rezkam/jobstore/internal/domain"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can stall the
	// cluster: the TTL index reaps the lock document within one period.
	DefaultLockTTL = 30 * time.Second

	// defaultLockPoll is the sleep between acquisition attempts while the
	// lock is held elsewhere.
	defaultLockPoll = time.Second
)

// lockStore is the single-document lock protocol. Separated from the
// manager so the polling loop can be tested without a database.
type lockStore interface {
	// tryAcquire atomically claims the lock if it is absent or expired.
	tryAcquire(ctx context.Context, id lockID, owner string, now, expireAt time.Time) (bool, error)
	// release deletes the lock only if owner still holds it.
	release(ctx context.Context, id lockID, owner string) (bool, error)
}

type mongoLockStore struct {
	col   *mongo.Collection
	retry *Retryer
}

func (s *mongoLockStore) tryAcquire(ctx context.Context, id lockID, owner string, now, expireAt time.Time) (bool, error) {
	// Upsert with an "absent or expired" filter: if the document exists
	// unexpired the filter matches nothing and the upsert collides with the
	// _id unique index, which is the "lock held" signal.
	filter := bson.M{"_id": id, "expire_at": bson.M{"$lt": now}}
	update := bson.M{"$set": bson.M{
		"owner":       owner,
		"acquired_at": now,
		"expire_at":   expireAt,
	}}

	acquired := false
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			acquired = false
			return nil
		}
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *mongoLockStore) release(ctx context.Context, id lockID, owner string) (bool, error) {
	var deleted bool
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		res, err := s.col.DeleteOne(ctx, bson.M{"_id": id, "owner": owner})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount > 0
		return nil
	})
	return deleted, err
}

// LockManager is the cluster-wide, non-reentrant mutex over the locks
// collection. The actual mutex lives in the database; the manager only
// keeps per-process bookkeeping of which lock types it believes it holds.
//
// If a holder crashes, the TTL index removes its lock document within one
// TTL period. A critical section may therefore be re-executed by another
// instance after expiry; all store critical sections are idempotent keyed
// upserts or conditional transitions, which tolerates that.
type LockManager struct {
	store        lockStore
	instanceName string
	owner        string
	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time

	contended metric.Int64Counter

	mu   sync.Mutex
	held map[domain.LockType]bool
}

// NewLockManager builds the mutex for one scheduler instance. The owner is
// the physical instance id, so a restarted instance can reclaim (or expire)
// its own stale locks.
func NewLockManager(locks *mongo.Collection, retry *Retryer, instanceName, instanceID string, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	contended, err := otel.Meter("github.com/rezkam/jobstore/internal/infrastructure/persistence/mongodb").
		Int64Counter("jobstore.lock.contended", metric.WithDescription("Lock acquisition attempts that found the lock held"))
	if err != nil {
		slog.Warn("failed to create lock contention counter", "error", err)
	}
	return &LockManager{
		contended:    contended,
		store:        &mongoLockStore{col: locks, retry: retry},
		instanceName: instanceName,
		owner:        instanceID,
		ttl:          ttl,
		pollInterval: defaultLockPoll,
		now:          func() time.Time { return time.Now().UTC() },
		held:         make(map[domain.LockType]bool),
	}
}

// Acquire blocks until the named lock is claimed or ctx is cancelled.
// The mutex is not reentrant: re-acquiring a held lock blocks until the
// TTL expires the previous claim.
func (m *LockManager) Acquire(ctx context.Context, lockType domain.LockType) error {
	id := lockID{InstanceName: m.instanceName, LockType: string(lockType)}

	for {
		now := m.now()
		acquired, err := m.store.tryAcquire(ctx, id, m.owner, now, now.Add(m.ttl))
		if err != nil {
			return domain.NewPersistenceError("lock acquire", err)
		}
		if acquired {
			m.mu.Lock()
			m.held[lockType] = true
			m.mu.Unlock()
			return nil
		}
		if m.contended != nil {
			m.contended.Add(ctx, 1)
		}

		timer := time.NewTimer(m.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release gives up the named lock. If the document was already reaped by
// the TTL index the release is a no-op; a lock now owned by another
// instance is left alone.
func (m *LockManager) Release(ctx context.Context, lockType domain.LockType) error {
	m.mu.Lock()
	wasHeld := m.held[lockType]
	delete(m.held, lockType)
	m.mu.Unlock()

	if !wasHeld {
		slog.WarnContext(ctx, "releasing lock that was not held locally", "lock_type", lockType)
	}

	id := lockID{InstanceName: m.instanceName, LockType: string(lockType)}
	deleted, err := m.store.release(ctx, id, m.owner)
	if err != nil {
		return domain.NewPersistenceError("lock release", err)
	}
	if !deleted && wasHeld {
		slog.WarnContext(ctx, "lock document expired before release", "lock_type", lockType, "ttl", m.ttl)
	}
	return nil
}

// String identifies the manager in logs.
func (m *LockManager) String() string {
	return fmt.Sprintf("lock-manager(%s/%s)", m.instanceName, m.owner)
}
