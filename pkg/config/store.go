package config

// StoreConfig selects the optional durable sink. The runtime is fully
// functional in memory; when enabled, committed operations and conflicts
// are mirrored to Postgres best-effort.
type StoreConfig struct {
	// Enabled turns the Postgres sink on.
	Enabled bool `yaml:"enabled"`

	// DSN is the Postgres connection string. Read from LIVEWIRE_STORE_DSN
	// when empty.
	DSN string `yaml:"dsn"`
}

// DefaultStoreConfig returns the built-in store defaults (disabled).
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{}
}
