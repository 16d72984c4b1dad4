package lock

import "time"

// Config controls lock manager behaviour.
type Config struct {
	// DefaultTimeout is the hold duration granted when a request does
	// not ask for one.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`

	// MaxLockDuration caps the hold duration of any grant or extension.
	MaxLockDuration time.Duration `mapstructure:"max_lock_duration" validate:"gt=0"`

	// MaxLocksPerUser limits active locks per user across documents.
	MaxLocksPerUser int `mapstructure:"max_locks_per_user" validate:"gt=0"`

	// MaxLocksPerDocument limits active locks on a single document.
	MaxLocksPerDocument int `mapstructure:"max_locks_per_document" validate:"gt=0"`

	// EnableQueuing allows requests with Wait set to queue behind
	// conflicting locks.
	EnableQueuing bool `mapstructure:"enable_queuing"`

	// QueueTimeout bounds how long a queued request waits for a signal.
	QueueTimeout time.Duration `mapstructure:"queue_timeout" validate:"gt=0"`

	// MaxQueueDepth limits waiters per document.
	MaxQueueDepth int `mapstructure:"max_queue_depth" validate:"gt=0"`

	// SweepInterval is the cadence of the expiry and queue sweepers.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns the default lock manager configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      5 * time.Minute,
		MaxLockDuration:     time.Hour,
		MaxLocksPerUser:     10,
		MaxLocksPerDocument: 50,
		EnableQueuing:       true,
		QueueTimeout:        30 * time.Second,
		MaxQueueDepth:       1024,
		SweepInterval:       time.Second,
	}
}
