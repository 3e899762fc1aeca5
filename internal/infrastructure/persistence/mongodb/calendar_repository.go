package mongodb

import (
	"context"
	"errors"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/rezkam/jobstore/internal/domain"
)

// CalendarRepository persists named exclusion calendars.
type CalendarRepository struct {
	col          *mongo.Collection
	retry        *Retryer
	instanceName string
}

func NewCalendarRepository(col *mongo.Collection, retry *Retryer, instanceName string) *CalendarRepository {
	return &CalendarRepository{col: col, retry: retry, instanceName: instanceName}
}

func (r *CalendarRepository) id(name string) namedID {
	return namedID{InstanceName: r.instanceName, Name: name}
}

// Get returns the calendar or domain.ErrNotFound.
func (r *CalendarRepository) Get(ctx context.Context, name string) (*domain.Calendar, error) {
	var doc calendarDocument
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		return r.col.FindOne(ctx, bson.M{"_id": r.id(name)}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("calendar get", err)
	}
	return calendarFromDocument(doc), nil
}

// Save inserts the calendar, or replaces it when replace is set.
func (r *CalendarRepository) Save(ctx context.Context, cal *domain.Calendar, replace bool) error {
	doc := calendarToDocument(r.instanceName, cal)
	err := r.retry.Do(ctx, func(ctx context.Context) error {
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
	return domain.NewPersistenceError("calendar save", err)
}

// Delete removes the calendar and reports whether it existed.
func (r *CalendarRepository) Delete(ctx context.Context, name string) (bool, error) {
	var deleted int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.col.DeleteOne(ctx, bson.M{"_id": r.id(name)})
		if err != nil {
			return err
		}
		deleted = res.DeletedCount
		return nil
	})
	if err != nil {
		return false, domain.NewPersistenceError("calendar delete", err)
	}
	return deleted > 0, nil
}

// Names lists all calendar names of the instance, sorted.
func (r *CalendarRepository) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		values, err := r.col.Distinct(ctx, "_id.name", bson.M{"_id.instance_name": r.instanceName})
		if err != nil {
			return err
		}
		names = names[:0]
		for _, v := range values {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewPersistenceError("calendar names", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *CalendarRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.col.CountDocuments(ctx, bson.M{"_id.instance_name": r.instanceName})
		return err
	})
	if err != nil {
		return 0, domain.NewPersistenceError("calendar count", err)
	}
	return n, nil
}

func (r *CalendarRepository) DeleteAll(ctx context.Context) error {
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.col.DeleteMany(ctx, bson.M{"_id.instance_name": r.instanceName})
		return err
	})
	return domain.NewPersistenceError("calendar delete all", err)
}
