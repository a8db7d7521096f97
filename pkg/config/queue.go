package config

import (
	"fmt"
	"time"
)

// QueueConfig contains transaction queue configuration. These values control
// how transactions are admitted, scheduled, retried, and dead-lettered.
type QueueConfig struct {
	// MaxConcurrentProcessing caps the number of transactions in the
	// processing partition at any instant.
	MaxConcurrentProcessing int `yaml:"max_concurrent_processing"`

	// BatchSize is the maximum number of pending transactions moved to
	// processing on a single dispatch tick (further capped by free slots).
	BatchSize int `yaml:"batch_size"`

	// DispatchInterval is the scheduler tick period.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// ProcessingTimeout bounds a single processing task. A task that does
	// not finish within this window is treated as failed; the underlying
	// processor is not forcibly terminated.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// RetryDelay is the base delay before the first retry. Subsequent
	// retries back off exponentially: min(RetryDelay * 2^retryCount, MaxRetryDelay).
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxRetryDelay caps the exponential backoff.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// DefaultMaxRetries is applied to transactions constructed through
	// NewQueuedTransaction. Explicit values (including zero) are honored.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	// CompletedRetention is how long completed transactions are kept before
	// the cleanup loop evicts them.
	CompletedRetention time.Duration `yaml:"completed_retention"`

	// CleanupInterval is how often the completed-partition cleanup runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// GracefulShutdownTimeout is the max time Shutdown waits for in-flight
	// processing to drain.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrentProcessing: 10,
		BatchSize:               5,
		DispatchInterval:        100 * time.Millisecond,
		ProcessingTimeout:       30 * time.Second,
		RetryDelay:              1 * time.Second,
		MaxRetryDelay:           30 * time.Second,
		DefaultMaxRetries:       3,
		CompletedRetention:      24 * time.Hour,
		CleanupInterval:         5 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks invariants the scheduler depends on.
func (c *QueueConfig) Validate() error {
	if c.MaxConcurrentProcessing < 1 {
		return NewValidationError("queue", "max_concurrent_processing",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.MaxConcurrentProcessing))
	}
	if c.BatchSize < 1 {
		return NewValidationError("queue", "batch_size",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.BatchSize))
	}
	if c.RetryDelay < 0 {
		return NewValidationError("queue", "retry_delay",
			fmt.Errorf("%w: must be >= 0, got %v", ErrInvalidValue, c.RetryDelay))
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return NewValidationError("queue", "max_retry_delay",
			fmt.Errorf("%w: must be >= retry_delay (%v), got %v", ErrInvalidValue, c.RetryDelay, c.MaxRetryDelay))
	}
	if c.ProcessingTimeout < time.Second {
		return NewValidationError("queue", "processing_timeout",
			fmt.Errorf("%w: must be >= 1s, got %v", ErrInvalidValue, c.ProcessingTimeout))
	}
	if c.DispatchInterval <= 0 {
		return NewValidationError("queue", "dispatch_interval",
			fmt.Errorf("%w: must be > 0, got %v", ErrInvalidValue, c.DispatchInterval))
	}
	return nil
}
