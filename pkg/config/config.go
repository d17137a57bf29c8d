// Package config holds the runtime configuration: typed sub-configs with
// built-in defaults, optionally overridden by a YAML file merged on top.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the complete runtime configuration.
type Config struct {
	Connection *ConnectionConfig `yaml:"connection"`
	Cleanup    *CleanupConfig    `yaml:"cleanup"`
	Sync       *SyncConfig       `yaml:"sync"`
	Events     *EventsConfig     `yaml:"events"`
	Registry   *RegistryConfig   `yaml:"registry"`
	Store      *StoreConfig      `yaml:"store"`
}

// Default returns a Config populated with every built-in default.
func Default() *Config {
	return &Config{
		Connection: DefaultConnectionConfig(),
		Cleanup:    DefaultCleanupConfig(),
		Sync:       DefaultSyncConfig(),
		Events:     DefaultEventsConfig(),
		Registry:   DefaultRegistryConfig(),
		Store:      DefaultStoreConfig(),
	}
}

// validConflictStrategies are the recognized default strategies. "custom"
// is intentionally absent: a custom resolver must be registered per
// component and cannot be the global default.
var validConflictStrategies = map[string]bool{
	"local_wins":      true,
	"global_wins":     true,
	"last_write_wins": true,
	"merge":           true,
	"merge_priority":  true,
	"manual":          true,
}

// Validate checks cross-field consistency and value ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.Connection.HeartbeatInterval <= 0 {
		problems = append(problems, "connection.heartbeat_interval must be positive")
	}
	if c.Connection.IdleTimeout <= c.Connection.HeartbeatInterval {
		problems = append(problems, "connection.idle_timeout must exceed heartbeat_interval")
	}
	if c.Connection.SendQueueSize <= 0 {
		problems = append(problems, "connection.send_queue_size must be positive")
	}
	if c.Connection.MaxConnections <= 0 {
		problems = append(problems, "connection.max_connections must be positive")
	}
	if c.Cleanup.MaxBatch <= 0 {
		problems = append(problems, "cleanup.max_batch must be positive")
	}
	if !validConflictStrategies[c.Sync.ConflictStrategy] {
		problems = append(problems, fmt.Sprintf("sync.conflict_strategy %q is not recognized", c.Sync.ConflictStrategy))
	}
	if c.Sync.MaxHistory <= 0 {
		problems = append(problems, "sync.max_history must be positive")
	}
	if c.Events.MaxQueue <= 0 {
		problems = append(problems, "events.max_queue must be positive")
	}
	if c.Events.BatchSize <= 0 {
		problems = append(problems, "events.batch_size must be positive")
	}
	if c.Registry.MaxCascadeDepth <= 0 {
		problems = append(problems, "registry.max_cascade_depth must be positive")
	}
	if c.Store.Enabled && c.Store.DSN == "" && os.Getenv("LIVEWIRE_STORE_DSN") == "" {
		problems = append(problems, "store.enabled requires store.dsn or LIVEWIRE_STORE_DSN")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// StoreDSN resolves the sink DSN, preferring the config value over the
// environment.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return os.Getenv("LIVEWIRE_STORE_DSN")
}
