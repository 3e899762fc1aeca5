package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collections groups the typed collection handles of one store instance.
type Collections struct {
	Jobs       *mongo.Collection
	Triggers   *mongo.Collection
	Calendars  *mongo.Collection
	Locks      *mongo.Collection
	Fired      *mongo.Collection
	Paused     *mongo.Collection
	Schedulers *mongo.Collection
}

// NewCollections resolves the prefixed collection handles.
func NewCollections(db *mongo.Database, prefix string) *Collections {
	return &Collections{
		Jobs:       collection(db, prefix, jobsCollection),
		Triggers:   collection(db, prefix, triggersCollection),
		Calendars:  collection(db, prefix, calendarsCollection),
		Locks:      collection(db, prefix, locksCollection),
		Fired:      collection(db, prefix, firedCollection),
		Paused:     collection(db, prefix, pausedCollection),
		Schedulers: collection(db, prefix, schedulersCollection),
	}
}

// EnsureIndexes creates the indexes the store's queries depend on.
// CreateMany is idempotent: identical existing indexes are left alone.
func (c *Collections) EnsureIndexes(ctx context.Context) error {
	// The acquisition index: eligible triggers ordered by fire time
	// ascending, then priority descending for ties.
	_, err := c.Triggers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "_id.instance_name", Value: 1},
				{Key: "state", Value: 1},
				{Key: "next_fire_time", Value: 1},
				{Key: "priority", Value: -1},
			},
			Options: options.Index().SetName("trigger_acquisition"),
		},
		{
			Keys: bson.D{
				{Key: "_id.instance_name", Value: 1},
				{Key: "job_key", Value: 1},
			},
			Options: options.Index().SetName("trigger_job_key"),
		},
		{
			Keys: bson.D{
				{Key: "_id.instance_name", Value: 1},
				{Key: "calendar_name", Value: 1},
			},
			Options: options.Index().SetName("trigger_calendar"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create trigger indexes: %w", err)
	}

	// TTL reaping of orphaned lock documents: expire as soon as expire_at
	// passes.
	_, err = c.Locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().SetName("lock_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create lock TTL index: %w", err)
	}

	_, err = c.Fired.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "_id.instance_name", Value: 1},
			{Key: "instance_id", Value: 1},
		},
		Options: options.Index().SetName("fired_instance"),
	})
	if err != nil {
		return fmt.Errorf("failed to create fired-trigger index: %w", err)
	}

	return nil
}
