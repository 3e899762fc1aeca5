package mongodb

import (
	"context"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rezkam/jobstore/internal/domain"
)

func mongoReplaceUpsert() *options.ReplaceOptions {
	return options.Replace().SetUpsert(true)
}

// keyProjection holds just the composite id of a job or trigger document.
type keyProjection struct {
	ID entityID `bson:"_id"`
}

// findKeys runs a projected query returning only composite keys, preserving
// any sort the options request.
func findKeys(ctx context.Context, col *mongo.Collection, retry *Retryer, filter bson.M, opts ...*options.FindOptions) ([]domain.Key, error) {
	opts = append(opts, options.Find().SetProjection(bson.M{"_id": 1}))

	var keys []domain.Key
	err := retry.Do(ctx, func(ctx context.Context) error {
		cursor, err := col.Find(ctx, filter, opts...)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		keys = keys[:0]
		for cursor.Next(ctx) {
			var doc keyProjection
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			keys = append(keys, domain.Key{Group: doc.ID.Group, Name: doc.ID.Name})
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// distinctGroups lists the distinct group names matched by filter, sorted.
func distinctGroups(ctx context.Context, col *mongo.Collection, retry *Retryer, filter bson.M) ([]string, error) {
	var names []string
	err := retry.Do(ctx, func(ctx context.Context) error {
		values, err := col.Distinct(ctx, "_id.group", filter)
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
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func statesToStrings(states []domain.TriggerState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
