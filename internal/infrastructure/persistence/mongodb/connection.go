// Package mongodb implements the job store's persistence layer on MongoDB:
// typed collection handles, index bootstrap, a transient-error retry policy,
// the cluster-wide lock, and one repository per entity.
package mongodb

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rezkam/jobstore/internal/config"
)

// Connect opens a client against the configured deployment, verifies the
// connection, and returns the database named in the connection string.
func Connect(ctx context.Context, cfg *config.Config) (*mongo.Database, error) {
	opts := options.Client().ApplyURI(cfg.ConnectionString)
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client.Database(cfg.DatabaseName()), nil
}

// Collection base names. The configured prefix is prepended to each.
const (
	jobsCollection       = "jobs"
	triggersCollection   = "triggers"
	calendarsCollection  = "calendars"
	locksCollection      = "locks"
	firedCollection      = "fired_triggers"
	pausedCollection     = "paused_trigger_groups"
	schedulersCollection = "schedulers"
)

func collection(db *mongo.Database, prefix, base string) *mongo.Collection {
	return db.Collection(prefix + base)
}
