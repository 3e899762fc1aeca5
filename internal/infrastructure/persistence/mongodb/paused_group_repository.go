package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/jobstore/internal/domain"
)

// PausedGroupRepository tracks the set of paused trigger group names,
// including the sentinel that marks a scheduler-wide pause. Membership is a
// plain document per group, so Add and Remove are idempotent.
type PausedGroupRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewPausedGroupRepository(col *mongo.Collection, retry *Retryer, instanceName string) *PausedGroupRepository {
	return &PausedGroupRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *PausedGroupRepository) id(group string) groupID {
	return groupID{InstanceName: r.instanceName, Group: group}
}

// Add marks the group paused. Adding an already-paused group is a no-op.
func (r *PausedGroupRepository) Add(ctx context.Context, group string) error {
	doc := pausedGroupDocument{ID: r.id(group)}
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, mongoReplaceUpsert())
		return err
	})
	return domain.NewPersistenceError("paused group add", err)
}

// Remove unmarks the group and reports whether it was paused.
func (r *PausedGroupRepository) Remove(ctx context.Context, group string) (bool, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteOne(ctx, bson.M{"_id": r.id(group)})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("paused group remove", err)
	}
	return deleted > 0, nil
}

// Contains reports whether the group is currently paused.
func (r *PausedGroupRepository) Contains(ctx context.Context, group string) (bool, error) {
	var n int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.col.CountDocuments(ctx, bson.M{"_id": r.id(group)})
		return err
	})
	if err != nil {
		return false, domain.NewPersistenceError("paused group contains", err)
	}
	return n > 0, nil
}

// List returns all paused group names, sorted.
func (r *PausedGroupRepository) List(ctx context.Context) ([]string, error) {
	groups, err := distinctGroups(ctx, r.col, r.retry, bson.M{"_id.instance_name": r.instanceName})
	if err != nil {
		return nil, domain.NewPersistenceError("paused group list", err)
	}
	return groups, nil
}

func (r *PausedGroupRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, bson.M{"_id.instance_name": r.instanceName})
		return err
	})
	return domain.NewPersistenceError("paused group delete all", err)
}
