package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/events"
)

// TokenValidator checks an authentication token for a user. Token issuance
// and verification are boundary concerns; the default accepts any non-empty
// token (development mode).
type TokenValidator func(userID, token string) bool

// bufferedEvent is an offline-buffered event with its buffering instant.
type bufferedEvent struct {
	ev events.Event
	at time.Time
}

// ConnectionHub tracks client connections and their subscriptions, matches
// events against subscriptions, and fans out framed messages. Events for
// users with no live connection are held in bounded per-user FIFO buffers
// and flushed in order on the next successful authentication.
//
// Locking follows a snapshot-then-send discipline: connection pointers are
// collected under the lock, and potentially slow sink writes happen after
// release so sends never stall register/unregister operations.
type ConnectionHub struct {
	cfg       *config.HubConfig
	validator TokenValidator

	mu        sync.RWMutex
	conns     map[string]*Connection            // connectionID → connection
	userConns map[string]map[string]*Connection // userID → connectionID → connection
	subs      map[string]*Subscription          // subscriptionID → subscription
	buffers   map[string][]bufferedEvent        // userID → FIFO buffer

	eventsBuffered  int64
	heartbeatsSent  int64
	lastHeartbeatAt time.Time

	// Updated from send paths that hold no hub lock.
	eventsDelivered atomic.Int64
	sendFailures    atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewConnectionHub creates a connection hub. A nil validator accepts any
// non-empty token.
func NewConnectionHub(cfg *config.HubConfig, validator TokenValidator) *ConnectionHub {
	if validator == nil {
		validator = func(_, token string) bool { return token != "" }
	}
	return &ConnectionHub{
		cfg:       cfg,
		validator: validator,
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]*Connection),
		subs:      make(map[string]*Subscription),
		buffers:   make(map[string][]bufferedEvent),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat, reaper, and buffer cleanup loops.
func (h *ConnectionHub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.runMaintenance(ctx)

	slog.Info("Connection hub started",
		"heartbeat_interval", h.cfg.HeartbeatInterval,
		"buffer_cap", h.cfg.BufferCap)
}

// Shutdown stops the maintenance loops and closes every connection sink.
func (h *ConnectionHub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.sink.Close()
	}
	slog.Info("Connection hub stopped")
}

// AddConnection registers a new, unauthenticated connection. Buffered
// events for the user are held until authentication succeeds.
func (h *ConnectionHub) AddConnection(connectionID, userID string, metadata map[string]any, sink Sink) *Connection {
	now := time.Now()
	c := &Connection{
		ID:                uuid.New().String(),
		UserID:            userID,
		ConnectionID:      connectionID,
		SubscribedEvents:  make(map[events.EventType]bool),
		LastPing:          now,
		ConnectionStarted: now,
		Metadata:          metadata,
		sink:              sink,
	}

	h.mu.Lock()
	h.conns[connectionID] = c
	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[string]*Connection)
	}
	h.userConns[userID][connectionID] = c
	h.mu.Unlock()

	slog.Debug("Connection added", "connection_id", connectionID, "user_id", userID)
	return c
}

// Authenticate validates the token and, on success, marks the connection
// authenticated and flushes the user's offline buffer to it in original
// enqueue order. The buffer is cleared once flushed.
func (h *ConnectionHub) Authenticate(connectionID, token string) bool {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if !h.validator(c.UserID, token) {
		h.mu.Unlock()
		slog.Warn("Authentication failed", "connection_id", connectionID, "user_id", c.UserID)
		return false
	}
	c.IsAuthenticated = true
	c.LastPing = time.Now()

	buffered := h.buffers[c.UserID]
	delete(h.buffers, c.UserID)

	// The connection's send mutex is taken before the hub lock is released:
	// a concurrent delivery that now sees the connection as live queues
	// behind the flush, so buffered events reach the sink first.
	c.sendMu.Lock()
	h.mu.Unlock()

	for _, be := range buffered {
		_ = h.write(c, NewMessage(MessageEvent, be.ev))
	}
	c.sendMu.Unlock()

	if len(buffered) > 0 {
		slog.Info("Flushed offline buffer",
			"user_id", c.UserID, "connection_id", connectionID, "events", len(buffered))
	}
	return true
}

// RemoveConnection unregisters a connection and closes the sink. The
// connection's subscriptions are left in place: they keep matching events
// into the user's offline buffer, and the reaper removes them once orphaned
// past the staleness threshold, same as for reaped connections.
func (h *ConnectionHub) RemoveConnection(connectionID string) {
	h.mu.Lock()
	c, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connectionID)
	if uc := h.userConns[c.UserID]; uc != nil {
		delete(uc, connectionID)
		if len(uc) == 0 {
			delete(h.userConns, c.UserID)
		}
	}
	h.mu.Unlock()

	_ = c.sink.Close()
	slog.Debug("Connection removed", "connection_id", connectionID, "user_id", c.UserID)
}

// Subscribe creates a subscription for the connection's user. Requires an
// authenticated connection. Returns the subscription id.
func (h *ConnectionHub) Subscribe(connectionID string, eventTypes []events.EventType, filters []events.Filter) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connectionID]
	if !ok {
		return "", ErrConnectionNotFound
	}
	if !c.IsAuthenticated {
		return "", ErrNotAuthenticated
	}

	now := time.Now()
	sub := &Subscription{
		ID:           uuid.New().String(),
		UserID:       c.UserID,
		EventTypes:   make(map[events.EventType]bool, len(eventTypes)),
		Channels:     map[Channel]bool{ChannelWebSocket: true},
		Filters:      filters,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		connectionID: connectionID,
	}
	for _, t := range eventTypes {
		sub.EventTypes[t] = true
		c.SubscribedEvents[t] = true
	}
	h.subs[sub.ID] = sub
	return sub.ID, nil
}

// Unsubscribe removes event types from the connection and from every
// subscription it owns. Subscriptions left with no event types are removed.
func (h *ConnectionHub) Unsubscribe(connectionID string, eventTypes []events.EventType) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	for _, t := range eventTypes {
		delete(c.SubscribedEvents, t)
	}
	for id, sub := range h.subs {
		if sub.connectionID != connectionID {
			continue
		}
		for _, t := range eventTypes {
			delete(sub.EventTypes, t)
		}
		if len(sub.EventTypes) == 0 {
			delete(h.subs, id)
		} else {
			sub.LastActivity = time.Now()
		}
	}
	return nil
}

// Touch refreshes the connection's liveness timestamp. Called by the
// transport on ping/pong traffic.
func (h *ConnectionHub) Touch(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connectionID]; ok {
		c.LastPing = time.Now()
	}
}

// ProcessEvent matches the event against active subscriptions and delivers
// a framed message to every live authenticated connection of each matching
// user. Matching users with no live connection receive a buffered copy, as
// does the addressed user when they have no live connection at all: the
// events are owed to them and replay in order after their next
// authenticated connection, subscription or not.
func (h *ConnectionHub) ProcessEvent(e events.Event) error {
	now := time.Now()

	h.mu.Lock()
	matchedUsers := make(map[string]bool)
	for _, sub := range h.subs {
		if sub.MatchesEvent(e) {
			matchedUsers[sub.UserID] = true
			sub.LastActivity = now
		}
	}

	msg := NewMessage(MessageEvent, e)
	var targets []*Connection
	for userID := range matchedUsers {
		live := h.liveConnectionsLocked(userID, now)
		if len(live) == 0 {
			h.bufferLocked(userID, e, now)
			continue
		}
		targets = append(targets, live...)
	}
	if e.UserID != "" && e.UserID != events.SystemUserID && !matchedUsers[e.UserID] &&
		len(h.liveConnectionsLocked(e.UserID, now)) == 0 {
		h.bufferLocked(e.UserID, e, now)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.send(c, msg)
	}
	return nil
}

// Broadcast sends a message to every authenticated connection accepted by
// the predicate. A nil predicate accepts all.
func (h *ConnectionHub) Broadcast(msg Message, predicate func(*Connection) bool) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.IsAuthenticated && (predicate == nil || predicate(c)) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, msg)
	}
}

// SendToUser sends a message to every live authenticated connection of the
// user. Returns the number of connections the message was sent to.
func (h *ConnectionHub) SendToUser(userID string, msg Message) int {
	now := time.Now()
	h.mu.RLock()
	targets := h.liveConnectionsLocked(userID, now)
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, msg)
	}
	return len(targets)
}

// SendToConnection sends a message to a specific connection.
func (h *ConnectionHub) SendToConnection(connectionID string, msg Message) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	return h.send(c, msg)
}

// Connection returns the connection registered under the transport id.
func (h *ConnectionHub) Connection(connectionID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connectionID]
	return c, ok
}

// BufferedEventCount returns the number of buffered events for a user.
func (h *ConnectionHub) BufferedEventCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffers[userID])
}

// Metrics returns a value-copy snapshot of hub metrics.
func (h *ConnectionHub) Metrics() HubMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	authenticated := 0
	for _, c := range h.conns {
		if c.IsAuthenticated {
			authenticated++
		}
	}
	bufferedEvents := 0
	for _, b := range h.buffers {
		bufferedEvents += len(b)
	}
	return HubMetrics{
		ActiveConnections:        len(h.conns),
		AuthenticatedConnections: authenticated,
		ActiveSubscriptions:      len(h.subs),
		BufferedUsers:            len(h.buffers),
		BufferedEvents:           bufferedEvents,
		EventsDelivered:          h.eventsDelivered.Load(),
		EventsBuffered:           h.eventsBuffered,
		SendFailures:             h.sendFailures.Load(),
		HeartbeatsSent:           h.heartbeatsSent,
		LastHeartbeatAt:          h.lastHeartbeatAt,
	}
}

// Health returns a 0-100 score derived from the send failure rate.
func (h *ConnectionHub) Health() float64 {
	m := h.Metrics()
	score := 100.0
	if total := m.EventsDelivered + m.SendFailures; total > 0 {
		score -= 60 * float64(m.SendFailures) / float64(total)
	}
	if score < 0 {
		score = 0
	}
	return score
}

// liveConnectionsLocked returns the user's authenticated connections whose
// last ping is within the liveness timeout. Exactly-at-threshold counts as
// alive. Caller holds at least a read lock.
func (h *ConnectionHub) liveConnectionsLocked(userID string, now time.Time) []*Connection {
	var live []*Connection
	for _, c := range h.userConns[userID] {
		if c.IsAuthenticated && now.Sub(c.LastPing) <= h.cfg.LivenessTimeout {
			live = append(live, c)
		}
	}
	return live
}

// bufferLocked appends an event to the user's offline buffer, dropping the
// oldest entry on overflow. Caller holds the write lock.
func (h *ConnectionHub) bufferLocked(userID string, e events.Event, now time.Time) {
	buf := h.buffers[userID]
	if len(buf) >= h.cfg.BufferCap {
		buf = buf[1:]
	}
	h.buffers[userID] = append(buf, bufferedEvent{ev: e, at: now})
	h.eventsBuffered++
}

// send writes a framed message to a connection with the hub write timeout.
// Fire-and-forget: failures are logged and counted, never propagated to
// other recipients. Writes to the same connection are serialized by the
// connection's send mutex so an authentication flush cannot be overtaken.
func (h *ConnectionHub) send(c *Connection, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return h.write(c, msg)
}

// write performs the sink write and accounting. Caller holds c.sendMu.
func (h *ConnectionHub) write(c *Connection, msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()

	err := c.sink.Send(ctx, msg)
	if err != nil {
		h.sendFailures.Add(1)
		slog.Warn("Failed to send to connection",
			"connection_id", c.ConnectionID, "user_id", c.UserID, "type", msg.Type, "error", err)
	} else if msg.Type == MessageEvent {
		h.eventsDelivered.Add(1)
	}
	return err
}

// runMaintenance drives the heartbeat, reaper, and buffer cleanup tickers.
func (h *ConnectionHub) runMaintenance(ctx context.Context) {
	defer h.wg.Done()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	reaper := time.NewTicker(h.cfg.ReapInterval)
	defer reaper.Stop()
	cleaner := time.NewTicker(h.cfg.BufferCleanupInterval)
	defer cleaner.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.sendHeartbeats()
		case <-reaper.C:
			h.reapStale()
		case <-cleaner.C:
			h.cleanupBuffers()
		}
	}
}

// sendHeartbeats broadcasts a ping to all authenticated connections.
func (h *ConnectionHub) sendHeartbeats() {
	msg := NewMessage(MessagePing, nil)
	h.Broadcast(msg, nil)

	h.mu.Lock()
	h.heartbeatsSent++
	h.lastHeartbeatAt = time.Now()
	h.mu.Unlock()
}

// reapStale removes connections silent past the reap timeout and
// subscriptions orphaned past the staleness threshold.
func (h *ConnectionHub) reapStale() {
	now := time.Now()

	h.mu.Lock()
	var stale []*Connection
	for id, c := range h.conns {
		if now.Sub(c.LastPing) > h.cfg.ReapTimeout {
			stale = append(stale, c)
			delete(h.conns, id)
			if uc := h.userConns[c.UserID]; uc != nil {
				delete(uc, id)
				if len(uc) == 0 {
					delete(h.userConns, c.UserID)
				}
			}
		}
	}
	staleSubs := 0
	for id, sub := range h.subs {
		_, connAlive := h.conns[sub.connectionID]
		if !connAlive && now.Sub(sub.LastActivity) > h.cfg.StaleSubscriptionThreshold {
			delete(h.subs, id)
			staleSubs++
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		_ = c.sink.Close()
		slog.Info("Reaped stale connection",
			"connection_id", c.ConnectionID, "user_id", c.UserID, "last_ping", c.LastPing)
	}
	if staleSubs > 0 {
		slog.Info("Removed stale subscriptions", "count", staleSubs)
	}
}

// cleanupBuffers drops buffered events past their TTL and empty buffers.
func (h *ConnectionHub) cleanupBuffers() {
	cutoff := time.Now().Add(-h.cfg.BufferTTL)

	h.mu.Lock()
	dropped := 0
	for userID, buf := range h.buffers {
		kept := buf[:0]
		for _, be := range buf {
			if be.at.After(cutoff) {
				kept = append(kept, be)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(h.buffers, userID)
		} else {
			h.buffers[userID] = kept
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		slog.Info("Offline buffer cleanup", "dropped", dropped)
	}
}
