package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rezkam/jobstore/internal/domain"
)

// TriggerRepository persists triggers and implements the conditional state
// transitions the fire protocol depends on. Every multi-writer update is a
// compare-and-set on the current state so a lost race surfaces as matched=0
// instead of a silent overwrite.
type TriggerRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewTriggerRepository(col *mongo.Collection, retry *Retryer, instanceName string) *TriggerRepository {
	return &TriggerRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *TriggerRepository) id(key domain.Key) entityID {
	return entityID{InstanceName: r.instanceName, Group: key.Group, Name: key.Name}
}

func (r *TriggerRepository) scoped(extra bson.M) bson.M {
	filter := bson.M{"_id.instance_name": r.instanceName}
	for k, v := range extra {
		filter[k] = v
	}
	return filter
}

func (r *TriggerRepository) findOne(ctx context.Context, filter bson.M) (*domain.Trigger, error) {
	var doc triggerDocument
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.col.FindOne(ctx, filter).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("trigger get", err)
	}
	return triggerFromDocument(doc)
}

func (r *TriggerRepository) findMany(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*domain.Trigger, error) {
	var triggers []*domain.Trigger
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		cursor, err := r.col.Find(ctx, filter, opts...)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		triggers = triggers[:0]
		for cursor.Next(ctx) {
			var doc triggerDocument
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			trg, err := triggerFromDocument(doc)
			if err != nil {
				return err
			}
			triggers = append(triggers, trg)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, domain.NewPersistenceError("trigger find", err)
	}
	return triggers, nil
}

func (r *TriggerRepository) count(ctx context.Context, op string, filter bson.M) (int64, error) {
	var n int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.col.CountDocuments(ctx, filter)
		return err
	})
	if err != nil {
		return 0, domain.NewPersistenceError(op, err)
	}
	return n, nil
}

// Get returns the trigger or domain.ErrNotFound.
func (r *TriggerRepository) Get(ctx context.Context, key domain.Key) (*domain.Trigger, error) {
	return r.findOne(ctx, bson.M{"_id": r.id(key)})
}

func (r *TriggerRepository) Exists(ctx context.Context, key domain.Key) (bool, error) {
	n, err := r.count(ctx, "trigger exists", bson.M{"_id": r.id(key)})
	return n > 0, err
}

// Save inserts the trigger, or replaces it when replace is set.
func (r *TriggerRepository) Save(ctx context.Context, trigger *domain.Trigger, replace bool) error {
	doc, err := triggerToDocument(r.instanceName, trigger)
	if err != nil {
		return domain.NewPersistenceError("trigger save", err)
	}
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		if replace {
			_, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, mongoReplaceUpsert())
			return err
		}
		_, err := r.col.InsertOne(ctx, doc)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return domain.NewPersistenceError("trigger save", err)
}

// Update overwrites an existing trigger without any state precondition.
func (r *TriggerRepository) Update(ctx context.Context, trigger *domain.Trigger) error {
	doc, err := triggerToDocument(r.instanceName, trigger)
	if err != nil {
		return domain.NewPersistenceError("trigger update", err)
	}
	var matched int64
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return domain.NewPersistenceError("trigger update", err)
	}
	if matched == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateIfState overwrites the trigger only while it is still in expected.
// Returns false when another instance transitioned it first.
func (r *TriggerRepository) UpdateIfState(ctx context.Context, trigger *domain.Trigger, expected domain.TriggerState) (bool, error) {
	doc, err := triggerToDocument(r.instanceName, trigger)
	if err != nil {
		return false, domain.NewPersistenceError("trigger cas update", err)
	}
	filter := bson.M{"_id": doc.ID, "state": string(expected)}

	var matched int64
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.ReplaceOne(ctx, filter, doc)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("trigger cas update", err)
	}
	return matched > 0, nil
}

// Delete removes the trigger and reports whether it existed.
func (r *TriggerRepository) Delete(ctx context.Context, key domain.Key) (bool, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteOne(ctx, bson.M{"_id": r.id(key)})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("trigger delete", err)
	}
	return deleted > 0, nil
}

func (r *TriggerRepository) Keys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	keys, err := findKeys(ctx, r.col, r.retry, r.scoped(groupFilter(matcher)))
	if err != nil {
		return nil, domain.NewPersistenceError("trigger keys", err)
	}
	return keys, nil
}

func (r *TriggerRepository) GroupNames(ctx context.Context) ([]string, error) {
	names, err := distinctGroups(ctx, r.col, r.retry, r.scoped(nil))
	if err != nil {
		return nil, domain.NewPersistenceError("trigger group names", err)
	}
	return names, nil
}

func (r *TriggerRepository) Count(ctx context.Context) (int64, error) {
	return r.count(ctx, "trigger count", r.scoped(nil))
}

// GetByJobKey returns all triggers pointing at one job.
func (r *TriggerRepository) GetByJobKey(ctx context.Context, jobKey domain.Key) ([]*domain.Trigger, error) {
	return r.findMany(ctx, r.scoped(bson.M{"job_key": keyDoc{Group: jobKey.Group, Name: jobKey.Name}}))
}

func (r *TriggerRepository) CountByJobKey(ctx context.Context, jobKey domain.Key) (int64, error) {
	return r.count(ctx, "trigger count by job", r.scoped(bson.M{"job_key": keyDoc{Group: jobKey.Group, Name: jobKey.Name}}))
}

// GetByCalendar returns all triggers referencing the named calendar.
func (r *TriggerRepository) GetByCalendar(ctx context.Context, calendarName string) ([]*domain.Trigger, error) {
	return r.findMany(ctx, r.scoped(bson.M{"calendar_name": calendarName}))
}

func (r *TriggerRepository) CountByCalendar(ctx context.Context, calendarName string) (int64, error) {
	return r.count(ctx, "trigger count by calendar", r.scoped(bson.M{"calendar_name": calendarName}))
}

// GetState reads just the state field of one trigger.
func (r *TriggerRepository) GetState(ctx context.Context, key domain.Key) (domain.TriggerState, error) {
	var doc struct {
		State string `bson:"state"`
	}
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		opts := options.FindOne().SetProjection(bson.M{"state": 1})
		return r.col.FindOne(ctx, bson.M{"_id": r.id(key)}, opts).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", domain.NewPersistenceError("trigger get state", err)
	}
	return domain.TriggerState(doc.State), nil
}

// UpdateStateIf moves one trigger from any of the expected states to the
// target state. Returns true when a document transitioned.
func (r *TriggerRepository) UpdateStateIf(ctx context.Context, key domain.Key, to domain.TriggerState, from ...domain.TriggerState) (bool, error) {
	filter := bson.M{"_id": r.id(key)}
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": statesToStrings(from)}
	}

	var matched int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"state": string(to)}})
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("trigger update state", err)
	}
	return matched > 0, nil
}

// UpdateStateByGroupIf bulk-transitions the matcher's triggers that are in
// any of the expected states and returns how many moved.
func (r *TriggerRepository) UpdateStateByGroupIf(ctx context.Context, matcher domain.GroupMatcher, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	filter := r.scoped(groupFilter(matcher))
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": statesToStrings(from)}
	}
	return r.updateStateMany(ctx, "trigger update state by group", filter, to)
}

// UpdateStateByJobKeyIf bulk-transitions one job's triggers.
func (r *TriggerRepository) UpdateStateByJobKeyIf(ctx context.Context, jobKey domain.Key, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	filter := r.scoped(bson.M{"job_key": keyDoc{Group: jobKey.Group, Name: jobKey.Name}})
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": statesToStrings(from)}
	}
	return r.updateStateMany(ctx, "trigger update state by job", filter, to)
}

// UpdateStateAll transitions every trigger of the instance that is in any of
// the expected states.
func (r *TriggerRepository) UpdateStateAll(ctx context.Context, to domain.TriggerState, from ...domain.TriggerState) (int64, error) {
	filter := r.scoped(nil)
	if len(from) > 0 {
		filter["state"] = bson.M{"$in": statesToStrings(from)}
	}
	return r.updateStateMany(ctx, "trigger update state all", filter, to)
}

func (r *TriggerRepository) updateStateMany(ctx context.Context, op string, filter bson.M, to domain.TriggerState) (int64, error) {
	var modified int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"state": string(to)}})
		if err != nil {
			return err
		}
		modified = res.ModifiedCount
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError(op, err)
	}
	return modified, nil
}

// AcquireCandidateKeys lists the keys of waiting triggers due no later than
// noLaterThan, ordered by fire time ascending then priority descending.
// Triggers already misfired past the floor are excluded unless their policy
// ignores misfires; the sweeper handles those instead.
func (r *TriggerRepository) AcquireCandidateKeys(ctx context.Context, noLaterThan, misfireFloor time.Time, limit int) ([]domain.Key, error) {
	filter := r.scoped(bson.M{
		"state":          string(domain.StateWaiting),
		"next_fire_time": bson.M{"$lte": utc(noLaterThan)},
		"$or": bson.A{
			bson.M{"misfire_instruction": domain.MisfireIgnorePolicy},
			bson.M{"next_fire_time": bson.M{"$gte": utc(misfireFloor)}},
		},
	})
	opts := options.Find().
		SetSort(bson.D{{Key: "next_fire_time", Value: 1}, {Key: "priority", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	keys, err := findKeys(ctx, r.col, r.retry, filter, opts)
	if err != nil {
		return nil, domain.NewPersistenceError("trigger acquire candidates", err)
	}
	return keys, nil
}

func (r *TriggerRepository) misfireFilter(before time.Time) bson.M {
	// A trigger has misfired when its fire time slipped past the threshold
	// window while still waiting, and its policy does not opt out.
	return r.scoped(bson.M{
		"state":               string(domain.StateWaiting),
		"next_fire_time":      bson.M{"$lt": utc(before)},
		"misfire_instruction": bson.M{"$ne": domain.MisfireIgnorePolicy},
	})
}

// CountMisfired counts waiting triggers whose fire time slipped before the
// cutoff and whose policy does not ignore misfires.
func (r *TriggerRepository) CountMisfired(ctx context.Context, before time.Time) (int64, error) {
	return r.count(ctx, "trigger count misfired", r.misfireFilter(before))
}

// MisfiredKeys returns up to limit misfired trigger keys, oldest first then
// priority descending, so repeated sweeps drain in a stable order.
func (r *TriggerRepository) MisfiredKeys(ctx context.Context, before time.Time, limit int) ([]domain.Key, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "next_fire_time", Value: 1}, {Key: "priority", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	keys, err := findKeys(ctx, r.col, r.retry, r.misfireFilter(before), opts)
	if err != nil {
		return nil, domain.NewPersistenceError("trigger misfired keys", err)
	}
	return keys, nil
}

// DeleteByState removes every trigger of the instance in the given state.
func (r *TriggerRepository) DeleteByState(ctx context.Context, state domain.TriggerState) (int64, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteMany(ctx, r.scoped(bson.M{"state": string(state)}))
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return 0, domain.NewPersistenceError("trigger delete by state", err)
	}
	return deleted, nil
}

func (r *TriggerRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, r.scoped(nil))
		return err
	})
	return domain.NewPersistenceError("trigger delete all", err)
}
