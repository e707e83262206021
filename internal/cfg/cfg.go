package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds loglimit-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds           int
	ShutdownBudgetSeconds  int
	APIPort                int
	DatabaseURL            string
	DBMaxConns             int
	ApplySchema            bool
	AlertChannel           string
	ChannelsFile           string
	FanoutWorkers          int
	FanoutQueueSize        int
	FanoutConcurrency      int
	DispatchTimeoutSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store, no listener)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum connections in the database pool (1..1000)")
	fs.BoolVar(&c.ApplySchema, "apply-schema", false, "create tables, functions and the alert trigger at startup")
	fs.StringVar(&c.AlertChannel, "alert-channel", "log_alert", "PostgreSQL NOTIFY channel carrying limit alerts")
	fs.StringVar(&c.ChannelsFile, "channels-file", "", "YAML file with notification channel settings (empty = log-only channels)")
	fs.IntVar(&c.FanoutWorkers, "fanout-workers", 4, "alerts fanned out concurrently (1..64)")
	fs.IntVar(&c.FanoutQueueSize, "fanout-queue-size", 256, "alerts buffered ahead of the fan-out workers (1..65536)")
	fs.IntVar(&c.FanoutConcurrency, "fanout-concurrency", 16, "subscribers handled concurrently per alert (1..256)")
	fs.IntVar(&c.DispatchTimeoutSeconds, "dispatch-timeout-seconds", 10, "timeout for one notification send (1..300)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns <= 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..1000)", c.DBMaxConns))
	}

	// Schema bootstrap needs somewhere to apply it
	if c.ApplySchema && c.DatabaseURL == "" {
		errs = append(errs, errors.New("APPLY_SCHEMA requires DATABASE_URL"))
	}

	// Postgres truncates identifiers at 63 bytes
	if c.AlertChannel == "" || len(c.AlertChannel) > 63 {
		errs = append(errs, fmt.Errorf("invalid ALERT_CHANNEL %q (must be 1..63 bytes)", c.AlertChannel))
	}

	if c.FanoutWorkers <= 0 || c.FanoutWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid FANOUT_WORKERS %d (must be 1..64)", c.FanoutWorkers))
	}
	if c.FanoutQueueSize <= 0 || c.FanoutQueueSize > 65536 {
		errs = append(errs, fmt.Errorf("invalid FANOUT_QUEUE_SIZE %d (must be 1..65536)", c.FanoutQueueSize))
	}
	if c.FanoutConcurrency <= 0 || c.FanoutConcurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid FANOUT_CONCURRENCY %d (must be 1..256)", c.FanoutConcurrency))
	}
	if c.DispatchTimeoutSeconds <= 0 || c.DispatchTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEOUT_SECONDS %d (must be 1..300)", c.DispatchTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
