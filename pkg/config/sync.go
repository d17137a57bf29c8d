package config

import "time"

// SyncConfig controls the per-instance state synchronization engine.
type SyncConfig struct {
	// EnableOptimistic accepts client-tagged optimistic operations.
	// When disabled they are rejected outright.
	EnableOptimistic bool `yaml:"enable_optimistic"`

	// ConflictStrategy is the default resolution strategy name
	// (local_wins, global_wins, last_write_wins, merge, merge_priority,
	// manual, custom).
	ConflictStrategy string `yaml:"conflict_strategy"`

	// DebounceInterval coalesces outbound broadcasts per (component, path).
	// Commits are never debounced.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// MaxHistory bounds the per-instance operation ring.
	MaxHistory int `yaml:"max_history"`

	// ToleranceWindow is the interval within which two operations on
	// overlapping paths count as a conflict.
	ToleranceWindow time.Duration `yaml:"tolerance_window"`

	// AutoResolveDelay is the wait before non-critical conflicts are
	// auto-resolved.
	AutoResolveDelay time.Duration `yaml:"auto_resolve_delay"`

	// MaxConflictHistory bounds the retained conflict ledger.
	MaxConflictHistory int `yaml:"max_conflict_history"`
}

// DefaultSyncConfig returns the built-in sync defaults.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		EnableOptimistic:   true,
		ConflictStrategy:   "last_write_wins",
		DebounceInterval:   100 * time.Millisecond,
		MaxHistory:         50,
		ToleranceWindow:    1 * time.Second,
		AutoResolveDelay:   5 * time.Second,
		MaxConflictHistory: 1000,
	}
}
