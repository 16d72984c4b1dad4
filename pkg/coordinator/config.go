package coordinator

import (
	"time"

	"github.com/tandem-dev/tandem/pkg/conflict"
)

// Config controls coordinator behaviour.
type Config struct {
	// ResolutionStrategy settles version collisions detected during
	// ApplyOperation.
	ResolutionStrategy conflict.Strategy `mapstructure:"resolution_strategy"`

	// SnapshotQueueSize bounds the pending snapshot task channel.
	SnapshotQueueSize int `mapstructure:"snapshot_queue_size" validate:"gt=0"`

	// SnapshotTimeout bounds one snapshot capture.
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout" validate:"gt=0"`

	// EventQueueSize bounds the observer dispatch channel. Events are
	// dropped, with a warning, when dispatch cannot keep up.
	EventQueueSize int `mapstructure:"event_queue_size" validate:"gt=0"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		ResolutionStrategy: conflict.LastWriterWins,
		SnapshotQueueSize:  256,
		SnapshotTimeout:    30 * time.Second,
		EventQueueSize:     1024,
	}
}
