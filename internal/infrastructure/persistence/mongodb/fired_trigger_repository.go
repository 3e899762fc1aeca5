package mongodb

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/jobstore/internal/domain"
)

// FiredTriggerRepository persists in-flight execution records. A fired
// record exists from the moment a trigger transitions to executing until
// completion is reported; leftovers after a crash drive recovery.
type FiredTriggerRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewFiredTriggerRepository(col *mongo.Collection, retry *Retryer, instanceName string) *FiredTriggerRepository {
	return &FiredTriggerRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *FiredTriggerRepository) scoped(extra bson.M) bson.M {
	filter := bson.M{"_id.instance_name": r.instanceName}
	for k, v := range extra {
		filter[k] = v
	}
	return filter
}

// Insert records a new in-flight execution.
func (r *FiredTriggerRepository) Insert(ctx context.Context, fired *domain.FiredTrigger) error {
	doc := firedToDocument(r.instanceName, fired)
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.InsertOne(ctx, doc)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return domain.NewPersistenceError("fired trigger insert", err)
}

// GetByInstance returns the fired records left behind by one physical
// instance id, the crash-recovery input.
func (r *FiredTriggerRepository) GetByInstance(ctx context.Context, instanceID string) ([]*domain.FiredTrigger, error) {
	var fired []*domain.FiredTrigger
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		cursor, err := r.col.Find(ctx, r.scoped(bson.M{"instance_id": instanceID}))
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		fired = fired[:0]
		for cursor.Next(ctx) {
			var doc firedTriggerDocument
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			fired = append(fired, firedFromDocument(doc))
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, domain.NewPersistenceError("fired trigger get by instance", err)
	}
	return fired, nil
}

// DeleteByPrefix removes the fired records whose id starts with the given
// "name:group:instance:" prefix, covering every firing of one trigger by one
// instance regardless of which nanosecond suffix the firing minted.
func (r *FiredTriggerRepository) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	filter := r.scoped(bson.M{
		"_id.fired_instance_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)},
	})
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteMany(ctx, filter)
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError("fired trigger delete by prefix", err)
	}
	return deleted, nil
}

// DeleteByInstance clears every record a physical instance left behind,
// used after its recovery completes.
func (r *FiredTriggerRepository) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteMany(ctx, r.scoped(bson.M{"instance_id": instanceID}))
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError("fired trigger delete by instance", err)
	}
	return deleted, nil
}

func (r *FiredTriggerRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, r.scoped(nil))
		return err
	})
	return domain.NewPersistenceError("fired trigger delete all", err)
}
