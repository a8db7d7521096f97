package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/events"
)

// defaultMaxRetries is applied by NewQueuedTransaction.
const defaultMaxRetries = 3

// throughputWindow is the sliding window for the throughput metric.
const throughputWindow = 5 * time.Second

// NewQueuedTransaction constructs a pending transaction with defaults
// applied: medium priority and 3 max retries.
func NewQueuedTransaction(id, userID string, data map[string]any, priority events.Priority) QueuedTransaction {
	if !priority.Valid() {
		priority = events.PriorityMedium
	}
	return QueuedTransaction{
		ID:              id,
		UserID:          userID,
		TransactionData: data,
		Priority:        priority,
		MaxRetries:      defaultMaxRetries,
		Status:          StatusPending,
		ScheduledAt:     time.Now(),
	}
}

// TransactionQueue schedules transactions across a bounded pool of
// concurrent processing tasks with priority, retry, and dead-letter
// semantics. All partition state is owned by the queue and mutated only
// under its lock; the dispatch loop is the single admission path from
// pending to processing.
type TransactionQueue struct {
	emitter Emitter

	mu           sync.Mutex
	cfg          config.QueueConfig
	processors   []Processor
	pending      txHeap
	pendingIndex map[string]*txItem
	processing   map[string]*QueuedTransaction
	completed    map[string]*QueuedTransaction
	deadLetter   map[string]*QueuedTransaction
	seq          uint64
	paused       bool
	shuttingDown bool

	totalQueued    int64
	totalCompleted int64
	totalFailed    int64
	totalRetried   int64
	deadLettered   int64
	emaMs          float64
	completions    []time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // dispatcher + cleanup loops
	taskWG   sync.WaitGroup // in-flight processing tasks
	started  bool
	baseCtx  context.Context
}

// New creates a transaction queue. The configuration is validated; the
// emitter receives lifecycle events and may not be nil.
func New(cfg *config.QueueConfig, emitter Emitter, processors ...Processor) (*TransactionQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TransactionQueue{
		emitter:      emitter,
		cfg:          *cfg,
		processors:   processors,
		pendingIndex: make(map[string]*txItem),
		processing:   make(map[string]*QueuedTransaction),
		completed:    make(map[string]*QueuedTransaction),
		deadLetter:   make(map[string]*QueuedTransaction),
		stopCh:       make(chan struct{}),
		baseCtx:      context.Background(),
	}, nil
}

// Start launches the dispatch and cleanup loops. Safe to call once;
// subsequent calls are no-ops.
func (q *TransactionQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.baseCtx = ctx
	interval := q.cfg.DispatchInterval
	q.mu.Unlock()

	q.wg.Add(2)
	go q.runDispatch(ctx, interval)
	go q.runCleanup(ctx)

	slog.Info("Transaction queue started",
		"max_concurrent", q.cfg.MaxConcurrentProcessing,
		"batch_size", q.cfg.BatchSize,
		"dispatch_interval", interval)
}

// Shutdown stops accepting enqueues, stops the loops, then waits up to the
// graceful shutdown timeout for in-flight processing to drain. Remaining
// items stay in the processing partition for post-mortem inspection.
func (q *TransactionQueue) Shutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	grace := q.cfg.GracefulShutdownTimeout
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()

	done := make(chan struct{})
	go func() {
		q.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Transaction queue stopped gracefully")
	case <-time.After(grace):
		q.mu.Lock()
		remaining := len(q.processing)
		q.mu.Unlock()
		slog.Warn("Transaction queue shutdown grace period exceeded",
			"still_processing", remaining)
	}
}

// Enqueue admits a pending transaction to the scheduler. The transaction
// must carry an id, a user id, a valid priority, and a non-negative retry
// budget.
func (q *TransactionQueue) Enqueue(tx QueuedTransaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if tx.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidItem)
	}
	if !tx.Priority.Valid() {
		return fmt.Errorf("%w: priority %q out of range", ErrInvalidItem, tx.Priority)
	}
	if tx.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >= 0", ErrInvalidItem)
	}

	tx.Status = StatusPending
	if tx.ScheduledAt.IsZero() {
		tx.ScheduledAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return ErrShuttingDown
	}
	q.pushPendingLocked(&tx)
	q.totalQueued++
	return nil
}

// Cancel removes a pending transaction. Returns false if the transaction is
// already processing, terminal, or unknown. Cancelled transactions remain
// queryable in the completed partition.
func (q *TransactionQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.pendingIndex[id]
	if !ok {
		return false
	}
	heap.Remove(&q.pending, item.index)
	delete(q.pendingIndex, id)

	item.tx.Status = StatusCancelled
	q.completed[id] = item.tx
	return true
}

// Get returns an immutable snapshot of the transaction, searching all
// partitions.
func (q *TransactionQueue) Get(id string) (QueuedTransaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.pendingIndex[id]; ok {
		return *item.tx, true
	}
	for _, part := range []map[string]*QueuedTransaction{q.processing, q.completed, q.deadLetter} {
		if tx, ok := part[id]; ok {
			return *tx, true
		}
	}
	return QueuedTransaction{}, false
}

// Pause suspends the dispatch loop. In-flight processing continues to
// completion.
func (q *TransactionQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables the dispatch loop.
func (q *TransactionQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Paused reports whether dispatch is currently suspended.
func (q *TransactionQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// RegisterProcessor appends a processor to the invocation chain.
func (q *TransactionQueue) RegisterProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors = append(q.processors, p)
}

// UnregisterProcessor removes a previously registered processor.
func (q *TransactionQueue) UnregisterProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.processors[:0]
	for _, existing := range q.processors {
		if !sameProcessor(existing, p) {
			kept = append(kept, existing)
		}
	}
	q.processors = kept
}

// UpdateConfiguration validates and swaps the queue configuration. The
// dispatch interval of an already-running loop is not changed.
func (q *TransactionQueue) UpdateConfiguration(cfg *config.QueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = *cfg
	return nil
}

// Metrics returns a value-copy snapshot of queue metrics.
func (q *TransactionQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.pruneCompletionsLocked(now)

	m := Metrics{
		TotalQueued:     q.totalQueued,
		TotalCompleted:  q.totalCompleted,
		TotalFailed:     q.totalFailed,
		TotalRetried:    q.totalRetried,
		DeadLettered:    q.deadLettered,
		Pending:         q.pending.Len(),
		Processing:      len(q.processing),
		Completed:       len(q.completed),
		DeadLetter:      len(q.deadLetter),
		AvgProcessingMs: q.emaMs,
		Throughput:      float64(len(q.completions)) / throughputWindow.Seconds(),
		Paused:          q.paused,
	}
	m.HealthScore = q.healthScoreLocked()
	return m
}

// Health returns the current 0-100 health score.
func (q *TransactionQueue) Health() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.healthScoreLocked()
}

// healthScoreLocked derives health from the failure rate (up to a 60-point
// penalty) and the pending backlog (up to 40, saturating past ~50 items).
// Consumers treat <60 as degraded and <40 as critical.
func (q *TransactionQueue) healthScoreLocked() float64 {
	score := 100.0
	if attempts := q.totalCompleted + q.totalFailed; attempts > 0 {
		score -= 60 * float64(q.totalFailed) / float64(attempts)
	}
	depth := float64(q.pending.Len())
	score -= 40 * depth / (depth + 50)
	if score < 0 {
		score = 0
	}
	return score
}

// runDispatch is the tick-driven scheduler loop.
func (q *TransactionQueue) runDispatch(ctx context.Context, interval time.Duration) {
	defer q.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchTick()
		}
	}
}

// dispatchTick moves up to min(free slots, batch size) ready pending
// transactions into processing and launches their tasks. The
// transaction_processing event is emitted here, in pop (priority) order,
// before the concurrent tasks start.
func (q *TransactionQueue) dispatchTick() {
	now := time.Now()

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	slots := q.cfg.MaxConcurrentProcessing - len(q.processing)
	if slots <= 0 {
		q.mu.Unlock()
		return
	}
	n := min(slots, q.cfg.BatchSize)

	batch := q.popReadyLocked(n, now)
	for _, tx := range batch {
		processedAt := time.Now()
		tx.Status = StatusProcessing
		tx.ProcessedAt = &processedAt
		q.processing[tx.ID] = tx
	}
	q.mu.Unlock()

	for _, tx := range batch {
		q.emitLifecycle(events.EventTransactionProcessing, *tx)
		q.taskWG.Add(1)
		go q.runTask(tx)
	}
}

// popReadyLocked pops up to n ready transactions in priority order,
// re-pushing retry items whose re-admission time has not yet arrived.
func (q *TransactionQueue) popReadyLocked(n int, now time.Time) []*QueuedTransaction {
	var ready []*QueuedTransaction
	var deferred []*txItem
	for len(ready) < n && q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*txItem)
		if item.tx.ScheduledAt.After(now) {
			deferred = append(deferred, item)
			continue
		}
		delete(q.pendingIndex, item.tx.ID)
		ready = append(ready, item.tx)
	}
	for _, item := range deferred {
		heap.Push(&q.pending, item)
		q.pendingIndex[item.tx.ID] = item
	}
	return ready
}

// runTask executes one processing attempt, racing the processor chain
// against the processing timeout. A timed-out chain keeps running in the
// background; its eventual outcome is ignored.
func (q *TransactionQueue) runTask(tx *QueuedTransaction) {
	defer q.taskWG.Done()

	q.mu.Lock()
	procs := make([]Processor, len(q.processors))
	copy(procs, q.processors)
	timeout := q.cfg.ProcessingTimeout
	snapshot := *tx
	q.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(q.baseCtx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- runProcessors(taskCtx, procs, snapshot)
	}()

	var err error
	select {
	case err = <-done:
	case <-taskCtx.Done():
		err = fmt.Errorf("%w after %v", ErrProcessingTimeout, timeout)
	}
	elapsed := time.Since(start)
	q.observeProcessing(elapsed)

	if err != nil {
		q.handleFailure(tx, err)
		return
	}
	q.handleSuccess(tx)
}

// runProcessors invokes the chain sequentially; the first error aborts the
// remainder.
func runProcessors(ctx context.Context, procs []Processor, tx QueuedTransaction) error {
	for _, p := range procs {
		if err := p.Process(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (q *TransactionQueue) handleSuccess(tx *QueuedTransaction) {
	q.mu.Lock()
	completedAt := time.Now()
	tx.Status = StatusCompleted
	tx.CompletedAt = &completedAt
	delete(q.processing, tx.ID)
	q.completed[tx.ID] = tx
	q.totalCompleted++
	q.completions = append(q.completions, completedAt)
	q.pruneCompletionsLocked(completedAt)
	snapshot := *tx
	q.mu.Unlock()

	q.emitLifecycle(events.EventTransactionCompleted, snapshot)
	slog.Debug("Transaction completed",
		"transaction_id", snapshot.ID, "user_id", snapshot.UserID, "retries", snapshot.RetryCount)
}

// handleFailure applies the retry policy: exponential backoff re-admission
// while the retry budget lasts, dead-letter otherwise.
func (q *TransactionQueue) handleFailure(tx *QueuedTransaction, procErr error) {
	q.mu.Lock()
	tx.ErrorMessage = procErr.Error()
	delete(q.processing, tx.ID)
	q.totalFailed++

	if tx.RetryCount < tx.MaxRetries {
		delay := retryDelay(&q.cfg, tx.RetryCount)
		tx.RetryCount++
		tx.Status = StatusPending
		tx.ScheduledAt = time.Now().Add(delay)
		q.pushPendingLocked(tx)
		q.totalRetried++
		snapshot := *tx
		q.mu.Unlock()

		q.emitLifecycle(events.EventTransactionFailed, snapshot)
		slog.Warn("Transaction failed, retry scheduled",
			"transaction_id", snapshot.ID, "retry", snapshot.RetryCount,
			"max_retries", snapshot.MaxRetries, "delay", delay, "error", procErr)
		return
	}

	tx.Status = StatusFailed
	q.deadLetter[tx.ID] = tx
	q.deadLettered++
	snapshot := *tx
	q.mu.Unlock()

	q.emitLifecycle(events.EventTransactionFailed, snapshot)
	slog.Error("Transaction dead-lettered",
		"transaction_id", snapshot.ID, "retries", snapshot.RetryCount, "error", procErr)
}

// retryDelay computes min(RetryDelay * 2^retryCount, MaxRetryDelay).
func retryDelay(cfg *config.QueueConfig, retryCount int) time.Duration {
	delay := cfg.RetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	return min(delay, cfg.MaxRetryDelay)
}

// emitLifecycle publishes a transaction lifecycle event carrying the
// transaction state. The event inherits the transaction's priority.
func (q *TransactionQueue) emitLifecycle(t events.EventType, tx QueuedTransaction) {
	if q.emitter == nil {
		return
	}
	data := map[string]any{
		"transactionId": tx.ID,
		"status":        string(tx.Status),
		"retryCount":    tx.RetryCount,
	}
	if tx.ErrorMessage != "" {
		data["errorMessage"] = tx.ErrorMessage
	}
	q.emitter.EmitTransactionEvent(t, tx.UserID, data, tx.Priority)
}

// runCleanup evicts completed transactions past the retention window.
func (q *TransactionQueue) runCleanup(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.cleanupCompleted()
		}
	}
}

func (q *TransactionQueue) cleanupCompleted() {
	cutoff := time.Now().Add(-q.cfg.CompletedRetention)

	q.mu.Lock()
	removed := 0
	for id, tx := range q.completed {
		reference := tx.ScheduledAt
		if tx.CompletedAt != nil {
			reference = *tx.CompletedAt
		}
		if reference.Before(cutoff) {
			delete(q.completed, id)
			removed++
		}
	}
	q.mu.Unlock()

	if removed > 0 {
		slog.Info("Completed-transaction cleanup", "removed", removed)
	}
}

// pushPendingLocked admits a transaction to the pending heap. The single
// admission path keeps the pending partition under one owner.
func (q *TransactionQueue) pushPendingLocked(tx *QueuedTransaction) {
	q.seq++
	item := &txItem{tx: tx, seq: q.seq}
	heap.Push(&q.pending, item)
	q.pendingIndex[tx.ID] = item
}

// observeProcessing folds a task duration into the EMA (α=0.1).
func (q *TransactionQueue) observeProcessing(elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sample := float64(elapsed.Milliseconds())
	if q.emaMs == 0 {
		q.emaMs = sample
	} else {
		q.emaMs = 0.9*q.emaMs + 0.1*sample
	}
}

func (q *TransactionQueue) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(q.completions) && q.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		q.completions = append(q.completions[:0:0], q.completions[i:]...)
	}
}

// sameProcessor compares processors by identity. Function and pointer
// processors compare by code/data pointer; comparable values by equality.
func sameProcessor(a, b Processor) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() != bv.Kind() {
		return false
	}
	switch av.Kind() {
	case reflect.Func, reflect.Pointer:
		return av.Pointer() == bv.Pointer()
	}
	return av.Comparable() && bv.Comparable() && av.Equal(bv)
}
