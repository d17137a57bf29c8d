package config

import "time"

// CleanupConfig controls the garbage-collection subsystem.
type CleanupConfig struct {
	// GCInterval is how often the idle sweep runs.
	GCInterval time.Duration `yaml:"gc_interval"`

	// StaleThreshold is the inactivity age after which a component is
	// unmounted by the idle sweep.
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// MaxBatch caps the number of targets processed per sweep cycle.
	MaxBatch int `yaml:"max_batch"`

	// EnableWeakRef enables liveness-flag sweeping of tracked targets
	// whose owners dropped them.
	EnableWeakRef bool `yaml:"enable_weakref"`

	// EmergencyBudget is the hard wall-clock bound for shutdown cleanup.
	EmergencyBudget time.Duration `yaml:"emergency_budget"`
}

// DefaultCleanupConfig returns the built-in cleanup defaults.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		GCInterval:      5 * time.Minute,
		StaleThreshold:  30 * time.Minute,
		MaxBatch:        50,
		EnableWeakRef:   true,
		EmergencyBudget: 2 * time.Second,
	}
}
