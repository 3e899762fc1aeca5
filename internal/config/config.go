// Package config binds the store's configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/jobstore/internal/env"
)

// Config holds the job store configuration. InstanceName is the logical
// cluster identity; every scheduler instance sharing it shares scheduling
// state. InstanceID identifies this physical process and must be stable
// across restarts for crash recovery to find its fired-trigger records.
type Config struct {
	// ConnectionString points at the MongoDB deployment; the database name
	// is taken from the URL path.
	ConnectionString string `env:"JOBSTORE_CONNECTION_STRING"`

	// CollectionPrefix is prepended to every collection name.
	CollectionPrefix string `env:"JOBSTORE_COLLECTION_PREFIX" default:"quartz"`

	// UseTLS enables transport encryption to the database.
	UseTLS bool `env:"JOBSTORE_USE_TLS" default:"false"`

	// OTelEnabled exports logs and metrics over OTLP; disabled, logs go to
	// stdout and metrics are dropped.
	OTelEnabled bool `env:"JOBSTORE_OTEL_ENABLED" default:"false"`

	InstanceID   string `env:"JOBSTORE_INSTANCE_ID"`
	InstanceName string `env:"JOBSTORE_INSTANCE_NAME"`

	// MisfireThreshold separates "late but acceptable" fires from misfires.
	MisfireThreshold time.Duration `env:"JOBSTORE_MISFIRE_THRESHOLD" default:"60s"`

	// DBRetryInterval is the minimum sweeper sleep after a failed pass.
	DBRetryInterval time.Duration `env:"JOBSTORE_DB_RETRY_INTERVAL" default:"15s"`

	// MaxMisfiresPerPass bounds a single misfire sweep batch.
	MaxMisfiresPerPass int `env:"JOBSTORE_MAX_MISFIRES_PER_PASS" default:"20"`

	// RetryableActionErrorLogThreshold logs every Nth repeated sweeper
	// failure instead of all of them.
	RetryableActionErrorLogThreshold int `env:"JOBSTORE_RETRYABLE_ACTION_ERROR_LOG_THRESHOLD" default:"4"`
}

// Load parses environment variables into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the required fields. Called automatically by env.Load.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("JOBSTORE_CONNECTION_STRING is required")
	}
	if _, err := url.Parse(c.ConnectionString); err != nil {
		return fmt.Errorf("JOBSTORE_CONNECTION_STRING is not a valid URL: %w", err)
	}
	if c.DatabaseName() == "" {
		return fmt.Errorf("JOBSTORE_CONNECTION_STRING must carry a database name in its path")
	}
	if c.InstanceName == "" {
		return fmt.Errorf("JOBSTORE_INSTANCE_NAME is required")
	}
	if c.InstanceID == "" {
		return fmt.Errorf("JOBSTORE_INSTANCE_ID is required")
	}
	if c.MisfireThreshold <= 0 {
		return fmt.Errorf("JOBSTORE_MISFIRE_THRESHOLD must be positive")
	}
	if c.MaxMisfiresPerPass <= 0 {
		return fmt.Errorf("JOBSTORE_MAX_MISFIRES_PER_PASS must be positive")
	}
	return nil
}

// DatabaseName extracts the database name from the connection string path.
func (c *Config) DatabaseName() string {
	u, err := url.Parse(c.ConnectionString)
	if err != nil {
		return ""
	}
	if len(u.Path) <= 1 {
		return ""
	}
	return u.Path[1:]
}

// NewInstanceID generates a process-unique instance id for deployments that
// do not pin one. Recovery of interrupted firings requires a stable id, so
// production clusters should configure JOBSTORE_INSTANCE_ID explicitly.
func NewInstanceID() string {
	return uuid.NewString()
}
