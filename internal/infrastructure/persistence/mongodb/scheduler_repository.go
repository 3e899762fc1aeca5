package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/jobstore/internal/domain"
)

// SchedulerRepository tracks the physical scheduler instances registered
// against one logical cluster, with their last reported lifecycle state.
type SchedulerRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewSchedulerRepository(col *mongo.Collection, retry *Retryer, instanceName string) *SchedulerRepository {
	return &SchedulerRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *SchedulerRepository) id(instID string) instanceID {
	return instanceID{InstanceName: r.instanceName, InstanceID: instID}
}

// Save registers the instance with the given state, replacing any previous
// registration of the same instance id.
func (r *SchedulerRepository) Save(ctx context.Context, instID string, state domain.SchedulerState, checkIn time.Time) error {
	doc := schedulerDocument{
		ID:          r.id(instID),
		State:       string(state),
		LastCheckIn: utc(checkIn),
	}
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, mongoReplaceUpsert())
		return err
	})
	return domain.NewPersistenceError("scheduler save", err)
}

// UpdateState moves the registration to a new lifecycle state and bumps the
// check-in time. Unknown instances surface domain.ErrNotFound.
func (r *SchedulerRepository) UpdateState(ctx context.Context, instID string, state domain.SchedulerState, checkIn time.Time) error {
	update := bson.M{"$set": bson.M{
		"state":         string(state),
		"last_check_in": utc(checkIn),
	}}
	var matched int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.UpdateOne(ctx, bson.M{"_id": r.id(instID)}, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return domain.NewPersistenceError("scheduler update state", err)
	}
	if matched == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns all registrations of the cluster.
func (r *SchedulerRepository) List(ctx context.Context) ([]*domain.SchedulerEntry, error) {
	var entries []*domain.SchedulerEntry
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		cursor, err := r.col.Find(ctx, bson.M{"_id.instance_name": r.instanceName})
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		entries = entries[:0]
		for cursor.Next(ctx) {
			var doc schedulerDocument
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			entries = append(entries, &domain.SchedulerEntry{
				InstanceID:  doc.ID.InstanceID,
				State:       domain.SchedulerState(doc.State),
				LastCheckIn: utc(doc.LastCheckIn),
			})
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, domain.NewPersistenceError("scheduler list", err)
	}
	return entries, nil
}

// Delete removes the registration and reports whether it existed.
func (r *SchedulerRepository) Delete(ctx context.Context, instID string) (bool, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteOne(ctx, bson.M{"_id": r.id(instID)})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("scheduler delete", err)
	}
	return deleted > 0, nil
}

func (r *SchedulerRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, bson.M{"_id.instance_name": r.instanceName})
		return err
	})
	return domain.NewPersistenceError("scheduler delete all", err)
}
