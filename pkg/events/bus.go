package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpay/realtime/pkg/config"
)

// Dispatcher receives dispatched events. Implemented by hub.ConnectionHub.
type Dispatcher interface {
	ProcessEvent(e Event) error
}

// busItem wraps a queued event with its one-shot retry state.
type busItem struct {
	ev      Event
	retried bool
}

// Bus is the in-memory event bus. Emit is non-blocking; a tick-driven
// dispatch loop drains pending events in priority order and hands them to
// the Dispatcher. Every emitted event is retained in a bounded history.
//
// Ordering contract: within a batch all higher-priority events are
// dispatched before any lower-priority event, and the sort is stable, so
// events of equal priority reach the dispatcher in arrival order.
type Bus struct {
	cfg        *config.BusConfig
	dispatcher Dispatcher

	mu        sync.RWMutex
	pending   []busItem
	history   map[string]Event
	paused    bool
	accepting bool

	metrics busMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewBus creates an event bus that dispatches into d.
func NewBus(cfg *config.BusConfig, d Dispatcher) *Bus {
	return &Bus{
		cfg:        cfg,
		dispatcher: d,
		history:    make(map[string]Event),
		accepting:  true,
		stopCh:     make(chan struct{}),
		metrics:    newBusMetrics(cfg.ThroughputWindow),
	}
}

// Start launches the dispatch and history cleanup loops.
// Safe to call once; subsequent calls are no-ops.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(2)
	go b.runDispatch(ctx)
	go b.runCleanup(ctx)

	slog.Info("Event bus started",
		"dispatch_interval", b.cfg.DispatchInterval,
		"max_batch", b.cfg.MaxBatch)
}

// Shutdown stops accepting new events and waits for the loops to exit.
// Pending events that were never dispatched remain queued for inspection.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.accepting = false
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	slog.Info("Event bus stopped")
}

// Pause suspends the dispatch loop. Emit is still accepted.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume re-enables the dispatch loop.
func (b *Bus) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Paused reports whether dispatch is currently suspended.
func (b *Bus) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}

// Emit places an event on the dispatch queue. Missing id, timestamp, or
// priority are filled with defaults. Expired events are recorded in history
// but never queued; the skip is logged at debug level.
func (b *Bus) Emit(e Event) {
	now := time.Now()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if !e.Metadata.Priority.Valid() {
		e.Metadata.Priority = PriorityMedium
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.accepting {
		return
	}

	b.history[e.ID] = e
	b.metrics.emitted(e.Type)

	if e.Expired(now) {
		slog.Debug("Skipping expired event", "event_id", e.ID, "type", e.Type)
		return
	}
	b.pending = append(b.pending, busItem{ev: e})
}

// EmitToUser emits an event addressed to a specific user, generating a
// correlation id when absent.
func (b *Bus) EmitToUser(userID string, e Event) {
	e.UserID = userID
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	b.Emit(e)
}

// EmitTransactionEvent emits a transaction lifecycle event. An invalid
// priority defaults to high.
func (b *Bus) EmitTransactionEvent(t EventType, userID string, data map[string]any, priority Priority) {
	if !priority.Valid() {
		priority = PriorityHigh
	}
	b.Emit(New(t, userID, data, priority))
}

// EmitBalanceUpdate emits a medium-priority balance_updated event.
func (b *Bus) EmitBalanceUpdate(userID string, data map[string]any) {
	b.Emit(New(EventBalanceUpdated, userID, data, PriorityMedium))
}

// EmitSystemAlert emits a system alert. With no affected users a single
// broadcast event is emitted under the "system" sentinel; otherwise one
// event per affected user.
func (b *Bus) EmitSystemAlert(message, severity string, affectedUsers []string) {
	data := map[string]any{
		"message":  message,
		"severity": severity,
	}
	if len(affectedUsers) == 0 {
		b.Emit(New(EventSystemAlert, SystemUserID, data, PriorityCritical))
		return
	}
	correlationID := uuid.New().String()
	for _, userID := range affectedUsers {
		e := New(EventSystemAlert, userID, data, PriorityCritical)
		e.CorrelationID = correlationID
		b.Emit(e)
	}
}

// runDispatch is the tick-driven dispatch loop.
func (b *Bus) runDispatch(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.dispatchBatch()
		}
	}
}

// dispatchBatch drains up to MaxBatch items and dispatches them in priority
// order. Dispatch is serialized to preserve per-user FIFO within priority;
// concurrent Emit calls are never blocked since the queue lock is released
// before dispatching.
func (b *Bus) dispatchBatch() {
	b.mu.Lock()
	if b.paused || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	n := min(len(b.pending), b.cfg.MaxBatch)
	batch := make([]busItem, n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0:0], b.pending[n:]...)
	b.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].ev.Metadata.Priority.Score() > batch[j].ev.Metadata.Priority.Score()
	})

	now := time.Now()
	for _, item := range batch {
		if item.ev.Expired(now) {
			slog.Debug("Dropping expired event at dispatch", "event_id", item.ev.ID)
			continue
		}

		start := time.Now()
		err := b.dispatcher.ProcessEvent(item.ev)
		elapsed := time.Since(start)

		b.mu.Lock()
		if err != nil {
			b.metrics.failed(item.ev.Type)
			if item.ev.Metadata.Retryable && !item.retried && !item.ev.Expired(time.Now()) {
				// One retry: re-insert at the front so it leads the next batch.
				b.pending = append([]busItem{{ev: item.ev, retried: true}}, b.pending...)
				slog.Warn("Event dispatch failed, requeued for retry",
					"event_id", item.ev.ID, "type", item.ev.Type, "error", err)
			} else {
				slog.Warn("Event dispatch failed, dropping",
					"event_id", item.ev.ID, "type", item.ev.Type, "error", err)
			}
		} else {
			b.metrics.processed(item.ev.Type, elapsed)
		}
		b.mu.Unlock()
	}
}

// runCleanup evicts history entries older than HistoryTTL.
func (b *Bus) runCleanup(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.cleanupHistory()
		}
	}
}

func (b *Bus) cleanupHistory() {
	cutoff := time.Now().Add(-b.cfg.HistoryTTL)

	b.mu.Lock()
	removed := 0
	for id, e := range b.history {
		if e.Timestamp.Before(cutoff) {
			delete(b.history, id)
			removed++
		}
	}
	b.mu.Unlock()

	if removed > 0 {
		slog.Info("Event history cleanup", "removed", removed)
	}
}

// Metrics returns a value-copy snapshot of bus metrics. Takes the write
// lock: the snapshot prunes the throughput window in place.
func (b *Bus) Metrics() BusMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics.snapshot(len(b.pending), len(b.history))
}

// Health returns a 0-100 score derived from error rate and queue depth.
func (b *Bus) Health() float64 {
	m := b.Metrics()
	return healthScore(m.TotalErrors, m.TotalProcessed, m.QueueDepth)
}
