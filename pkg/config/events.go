package config

import "time"

// EventsConfig controls the hierarchical event engine.
type EventsConfig struct {
	// MaxQueue bounds the priority queue. On overflow the oldest
	// low-priority event is dropped to the dead-letter ring.
	MaxQueue int `yaml:"max_queue"`

	// ProcessingTimeout bounds a single dispatch (middleware + listeners).
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// BatchSize is the number of events drained per processing pass.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is the maximum wait before a partial batch is processed.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// MaxHistory bounds the processed-event ring kept for diagnostics.
	MaxHistory int `yaml:"max_history"`

	// DeadLetter bounds the ring of dropped or failed events.
	DeadLetter int `yaml:"dead_letter"`
}

// DefaultEventsConfig returns the built-in event engine defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		MaxQueue:          1000,
		ProcessingTimeout: 5 * time.Second,
		BatchSize:         10,
		BatchTimeout:      50 * time.Millisecond,
		MaxHistory:        100,
		DeadLetter:        50,
	}
}
