package dbosruntime

import "errors"

// Config holds DBOS runtime configuration
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for DBOS state storage.
	// Required. Also hosts the ContentId ledger.
	DatabaseURL string

	// AppName identifies the worker in DBOS
	AppName string

	// QueueName is the queue ingest workflows are enqueued on
	// Optional. Defaults to "default"
	QueueName string

	// Concurrency is the number of concurrent ingest workers per queue
	// Optional. Defaults to 4
	Concurrency int

	// ApplicationVersion overrides the binary hash so a CLI and a worker can
	// share workflows
	ApplicationVersion string
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.AppName == "" {
		c.AppName = "camera-trap-worker"
	}
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Validate reports a configuration that cannot start a runtime.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}
	return nil
}
