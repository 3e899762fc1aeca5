package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/jobstore/internal/domain"
)

// JobRepository persists job definitions, scoped to one instance name.
type JobRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewJobRepository(col *mongo.Collection, retry *Retryer, instanceName string) *JobRepository {
	return &JobRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *JobRepository) id(key domain.Key) entityID {
	return entityID{InstanceName: r.instanceName, Group: key.Group, Name: key.Name}
}

func (r *JobRepository) scoped(extra bson.M) bson.M {
	filter := bson.M{"_id.instance_name": r.instanceName}
	for k, v := range extra {
		filter[k] = v
	}
	return filter
}

// Get returns the job or domain.ErrNotFound.
func (r *JobRepository) Get(ctx context.Context, key domain.Key) (*domain.JobDetail, error) {
	var doc jobDocument
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.col.FindOne(ctx, bson.M{"_id": r.id(key)}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("job get", err)
	}
	return jobFromDocument(doc), nil
}

func (r *JobRepository) Exists(ctx context.Context, key domain.Key) (bool, error) {
	var n int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.col.CountDocuments(ctx, bson.M{"_id": r.id(key)})
		return err
	})
	if err != nil {
		return false, domain.NewPersistenceError("job exists", err)
	}
	return n > 0, nil
}

// Save inserts the job, or replaces it when replace is set. A conflicting
// insert surfaces domain.ErrAlreadyExists.
func (r *JobRepository) Save(ctx context.Context, job *domain.JobDetail, replace bool) error {
	doc := jobToDocument(r.instanceName, job)
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		if replace {
			opts := mongoReplaceUpsert()
			_, err := r.col.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
			return err
		}
		_, err := r.col.InsertOne(ctx, doc)
		return err
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrAlreadyExists
	}
	return domain.NewPersistenceError("job save", err)
}

// UpdateData writes back the job's data map after an execution.
func (r *JobRepository) UpdateData(ctx context.Context, key domain.Key, data domain.DataMap) error {
	var matched int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.UpdateOne(ctx, bson.M{"_id": r.id(key)}, bson.M{"$set": bson.M{"data": data}})
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return domain.NewPersistenceError("job update data", err)
	}
	if matched == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the job and reports whether it existed.
func (r *JobRepository) Delete(ctx context.Context, key domain.Key) (bool, error) {
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
		return false, domain.NewPersistenceError("job delete", err)
	}
	return deleted > 0, nil
}

// Keys lists the job keys whose group the matcher selects.
func (r *JobRepository) Keys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	keys, err := findKeys(ctx, r.col, r.retry, r.scoped(groupFilter(matcher)))
	if err != nil {
		return nil, domain.NewPersistenceError("job keys", err)
	}
	return keys, nil
}

func (r *JobRepository) GroupNames(ctx context.Context) ([]string, error) {
	names, err := distinctGroups(ctx, r.col, r.retry, r.scoped(nil))
	if err != nil {
		return nil, domain.NewPersistenceError("job group names", err)
	}
	return names, nil
}

func (r *JobRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.col.CountDocuments(ctx, r.scoped(nil))
		return err
	})
	if err != nil {
		return 0, domain.NewPersistenceError("job count", err)
	}
	return n, nil
}

func (r *JobRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, r.scoped(nil))
		return err
	})
	return domain.NewPersistenceError("job delete all", err)
}
