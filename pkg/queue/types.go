// Package queue provides the in-memory transaction queue: priority
// scheduling with bounded concurrency, per-item timeouts, exponential
// backoff retries, and dead-letter routing, emitting lifecycle events to
// the event bus.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/flowpay/realtime/pkg/events"
)

// Sentinel errors for queue operations.
var (
	// ErrInvalidItem indicates a transaction is missing required fields or
	// carries an out-of-range priority.
	ErrInvalidItem = errors.New("invalid transaction")

	// ErrShuttingDown indicates the queue no longer accepts enqueues.
	ErrShuttingDown = errors.New("queue is shutting down")

	// ErrProcessingTimeout indicates a processing task exceeded its timeout.
	ErrProcessingTimeout = errors.New("processing timeout")
)

// Status is a transaction's lifecycle state.
type Status string

// Transaction statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// QueuedTransaction is a unit of work admitted to the queue. Fields mutate
// only through the documented lifecycle transitions; Get returns snapshots.
type QueuedTransaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	TransactionData map[string]any  `json:"transactionData,omitempty"`
	Priority        events.Priority `json:"priority"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
	Status          Status          `json:"status"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Processor handles a transaction. Processors must be idempotent or
// side-effect-safe under duplicate invocation: a timed-out invocation may
// still be running when the retry starts.
type Processor interface {
	Process(ctx context.Context, tx QueuedTransaction) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, tx QueuedTransaction) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, tx QueuedTransaction) error {
	return f(ctx, tx)
}

// Emitter is the slice of the event bus the queue needs for lifecycle
// events. Implemented by events.Bus.
type Emitter interface {
	EmitTransactionEvent(t events.EventType, userID string, data map[string]any, priority events.Priority)
}

// Metrics is a value-copy snapshot of queue metrics.
type Metrics struct {
	TotalQueued    int64 `json:"total_queued"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalRetried   int64 `json:"total_retried"`
	DeadLettered   int64 `json:"dead_lettered"`

	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"dead_letter"`

	AvgProcessingMs float64 `json:"avg_processing_ms"`
	Throughput      float64 `json:"throughput_per_sec"`
	HealthScore     float64 `json:"health_score"`
	Paused          bool    `json:"paused"`
}
