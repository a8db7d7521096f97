package config

import (
	"fmt"
	"time"
)

// BusConfig contains event bus configuration.
type BusConfig struct {
	// DispatchInterval is the dispatch loop tick period.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// MaxBatch is the maximum number of events drained per tick.
	MaxBatch int `yaml:"max_batch"`

	// HistoryTTL is the maximum age of an event in history before the
	// cleanup loop evicts it.
	HistoryTTL time.Duration `yaml:"history_ttl"`

	// CleanupInterval is how often the history cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// ThroughputWindow is the sliding window for the throughput metric.
	ThroughputWindow time.Duration `yaml:"throughput_window"`
}

// DefaultBusConfig returns the built-in event bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		DispatchInterval: 50 * time.Millisecond,
		MaxBatch:         10,
		HistoryTTL:       24 * time.Hour,
		CleanupInterval:  5 * time.Minute,
		ThroughputWindow: 30 * time.Second,
	}
}

// Validate checks bus configuration invariants.
func (c *BusConfig) Validate() error {
	if c.DispatchInterval <= 0 {
		return NewValidationError("bus", "dispatch_interval",
			fmt.Errorf("%w: must be > 0, got %v", ErrInvalidValue, c.DispatchInterval))
	}
	if c.MaxBatch < 1 {
		return NewValidationError("bus", "max_batch",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.MaxBatch))
	}
	if c.HistoryTTL <= 0 {
		return NewValidationError("bus", "history_ttl",
			fmt.Errorf("%w: must be > 0, got %v", ErrInvalidValue, c.HistoryTTL))
	}
	return nil
}

// HubConfig contains connection hub configuration.
type HubConfig struct {
	// HeartbeatInterval is how often ping frames are broadcast to
	// authenticated connections.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LivenessTimeout is the max silence after which a connection is no
	// longer considered live for delivery purposes.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// ReapTimeout is the max silence after which the reaper removes a
	// connection entirely.
	ReapTimeout time.Duration `yaml:"reap_timeout"`

	// ReapInterval is how often the stale-connection reaper runs.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// BufferCap is the per-user offline buffer capacity. On overflow the
	// oldest event is dropped.
	BufferCap int `yaml:"buffer_cap"`

	// BufferTTL is the maximum age of a buffered event.
	BufferTTL time.Duration `yaml:"buffer_ttl"`

	// BufferCleanupInterval is how often expired buffered events are dropped.
	BufferCleanupInterval time.Duration `yaml:"buffer_cleanup_interval"`

	// StaleSubscriptionThreshold is the max inactivity before an orphaned
	// subscription (no remaining connection) is removed by the reaper.
	StaleSubscriptionThreshold time.Duration `yaml:"stale_subscription_threshold"`

	// WriteTimeout bounds a single send to a connection sink.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultHubConfig returns the built-in connection hub defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		HeartbeatInterval:          30 * time.Second,
		LivenessTimeout:            30 * time.Second,
		ReapTimeout:                60 * time.Second,
		ReapInterval:               5 * time.Minute,
		BufferCap:                  100,
		BufferTTL:                  24 * time.Hour,
		BufferCleanupInterval:      5 * time.Minute,
		StaleSubscriptionThreshold: 1 * time.Hour,
		WriteTimeout:               5 * time.Second,
	}
}

// Validate checks hub configuration invariants.
func (c *HubConfig) Validate() error {
	if c.BufferCap < 1 {
		return NewValidationError("hub", "buffer_cap",
			fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, c.BufferCap))
	}
	if c.LivenessTimeout <= 0 {
		return NewValidationError("hub", "liveness_timeout",
			fmt.Errorf("%w: must be > 0, got %v", ErrInvalidValue, c.LivenessTimeout))
	}
	if c.ReapTimeout < c.LivenessTimeout {
		return NewValidationError("hub", "reap_timeout",
			fmt.Errorf("%w: must be >= liveness_timeout (%v), got %v", ErrInvalidValue, c.LivenessTimeout, c.ReapTimeout))
	}
	if c.WriteTimeout <= 0 {
		return NewValidationError("hub", "write_timeout",
			fmt.Errorf("%w: must be > 0, got %v", ErrInvalidValue, c.WriteTimeout))
	}
	return nil
}
