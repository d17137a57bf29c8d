package config

import "time"

// RegistryConfig controls component lifecycle management.
type RegistryConfig struct {
	// ActionTimeout is the default budget for an action handler.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// DependencyTimeout is the default budget for async dependency
	// resolution when the dependency declares none.
	DependencyTimeout time.Duration `yaml:"dependency_timeout"`

	// MaxCascadeDepth bounds dependency.updated propagation.
	MaxCascadeDepth int `yaml:"max_cascade_depth"`
}

// DefaultRegistryConfig returns the built-in registry defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		ActionTimeout:     5 * time.Second,
		DependencyTimeout: 30 * time.Second,
		MaxCascadeDepth:   10,
	}
}
