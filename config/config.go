// Package config defines the process-wide configuration for the sqlgrid
// coordinator. All tunables that the original design kept in global flags
// live here and are threaded explicitly through constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultCopyFlushThreshold is how many bytes of COPY data a connection is
// allowed to buffer before a blocking flush is forced. Throughput degrades
// below 4MB due to time spent in networking system calls.
const DefaultCopyFlushThreshold = 8 * 1024 * 1024

// Config carries every tunable of the coordinator process.
type Config struct {
	// CoordinatorID identifies this coordinator in prepared transaction
	// names. It must be stable across restarts, or recovery will not
	// recognize its own transactions.
	CoordinatorID string

	// NodeUser and NodeDatabase are used when connecting to worker nodes.
	NodeUser     string
	NodeDatabase string

	// CatalogDSN points at the database holding the recovery records and
	// the advisory recovery lock.
	CatalogDSN string

	// NodesFile is a JSON file listing the cluster's worker nodes.
	NodesFile string

	// CopyFlushThreshold caps the bytes buffered per connection during a
	// bulk copy before a blocking flush is forced.
	CopyFlushThreshold int

	// LogRemoteCommands logs every command sent to a remote node.
	// GrepRemoteCommands restricts that logging to commands matching the
	// given LIKE pattern; empty matches everything.
	LogRemoteCommands  bool
	GrepRemoteCommands string

	// RecoveryInterval is how often the periodic recovery pass runs.
	RecoveryInterval time.Duration

	// HTTPListenAddr serves the on-demand recovery and health endpoints.
	HTTPListenAddr string

	// PrometheusPort exposes /metrics. Zero disables telemetry.
	PrometheusPort int

	LogLevel  string
	LogFormat string
	LogOutput string
}

// FromEnv builds a Config from SQLGRID_* environment variables, applying
// defaults for everything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		CoordinatorID:      envString("SQLGRID_COORDINATOR_ID", "sqlgrid"),
		NodeUser:           envString("SQLGRID_NODE_USER", "sqlgrid"),
		NodeDatabase:       envString("SQLGRID_NODE_DATABASE", "sqlgrid"),
		CatalogDSN:         os.Getenv("SQLGRID_CATALOG_DSN"),
		NodesFile:          envString("SQLGRID_NODES_FILE", "nodes.json"),
		CopyFlushThreshold: DefaultCopyFlushThreshold,
		GrepRemoteCommands: os.Getenv("SQLGRID_GREP_REMOTE_COMMANDS"),
		RecoveryInterval:   time.Minute,
		HTTPListenAddr:     envString("SQLGRID_HTTP_LISTEN_ADDR", "localhost:8080"),
		LogLevel:           envString("SQLGRID_LOG_LEVEL", "info"),
		LogFormat:          envString("SQLGRID_LOG_FORMAT", "json"),
		LogOutput:          envString("SQLGRID_LOG_OUTPUT", "stdout"),
	}

	var err error
	if cfg.CopyFlushThreshold, err = envInt("SQLGRID_COPY_FLUSH_THRESHOLD", cfg.CopyFlushThreshold); err != nil {
		return Config{}, err
	}
	if cfg.PrometheusPort, err = envInt("SQLGRID_PROMETHEUS_PORT", 0); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SQLGRID_LOG_REMOTE_COMMANDS"); v != "" {
		cfg.LogRemoteCommands, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SQLGRID_LOG_REMOTE_COMMANDS %q: %w", v, err)
		}
	}
	if v := os.Getenv("SQLGRID_RECOVERY_INTERVAL"); v != "" {
		cfg.RecoveryInterval, err = time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SQLGRID_RECOVERY_INTERVAL %q: %w", v, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside a recovery pass.
func (c Config) Validate() error {
	if c.CoordinatorID == "" {
		return fmt.Errorf("coordinator id must not be empty")
	}
	for _, r := range c.CoordinatorID {
		if r == '_' {
			return fmt.Errorf("coordinator id %q must not contain underscores: they delimit transaction name fields", c.CoordinatorID)
		}
	}
	if c.CopyFlushThreshold <= 0 {
		return fmt.Errorf("copy flush threshold must be positive, got %d", c.CopyFlushThreshold)
	}
	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("recovery interval must be positive, got %s", c.RecoveryInterval)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
