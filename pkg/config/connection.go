package config

import "time"

// ConnectionConfig controls the connection multiplexer: heartbeats, idle
// detection, reconnect grace, and per-connection queue bounds.
type ConnectionConfig struct {
	// HeartbeatInterval is how often the server sends a heartbeat frame.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// IdleTimeout closes a connection that produced no inbound frame for
	// this long. Should be a small multiple of HeartbeatInterval.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// GracePeriod is how long components owned by a gracefully closed
	// connection survive to tolerate quick reconnects. Abnormal closes
	// clean up immediately.
	GracePeriod time.Duration `yaml:"grace_period"`

	// SendQueueSize bounds the per-connection outbound queue. When full,
	// the oldest non-critical frame is dropped.
	SendQueueSize int `yaml:"send_queue_size"`

	// MaxConnections caps concurrently accepted connections.
	MaxConnections int `yaml:"max_connections"`

	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// DrainTimeout is the grace given to outstanding replies when a
	// connection transitions to closing.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConnectionConfig returns the built-in connection defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		GracePeriod:       30 * time.Second,
		SendQueueSize:     64,
		MaxConnections:    1000,
		WriteTimeout:      10 * time.Second,
		DrainTimeout:      2 * time.Second,
	}
}
