package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/events"
)

// memSink records sent messages; fails when failing is set.
type memSink struct {
	mu       sync.Mutex
	messages []Message
	failing  bool
	closed   bool
}

func (s *memSink) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("write failed")
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) eventPayloads() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, m := range s.messages {
		if m.Type == MessageEvent {
			out = append(out, m.Payload.(events.Event))
		}
	}
	return out
}

func (s *memSink) count(t MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Type == t {
			n++
		}
	}
	return n
}

func testHubConfig() *config.HubConfig {
	cfg := config.DefaultHubConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.ReapInterval = time.Hour
	cfg.BufferCleanupInterval = time.Hour
	cfg.WriteTimeout = time.Second
	return cfg
}

func newTestHub() *ConnectionHub {
	return NewConnectionHub(testHubConfig(), nil)
}

// addAuthed registers and authenticates a connection with a fresh sink.
func addAuthed(t *testing.T, h *ConnectionHub, connectionID, userID string) *memSink {
	t.Helper()
	sink := &memSink{}
	h.AddConnection(connectionID, userID, nil, sink)
	require.True(t, h.Authenticate(connectionID, "token"))
	return sink
}

func TestAddConnectionStartsUnauthenticated(t *testing.T) {
	h := newTestHub()
	sink := &memSink{}

	c := h.AddConnection("conn-1", "u1", map[string]any{"agent": "cli"}, sink)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "u1", c.UserID)
	assert.False(t, c.IsAuthenticated)

	got, ok := h.Connection("conn-1")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestAuthenticate(t *testing.T) {
	h := NewConnectionHub(testHubConfig(), func(userID, token string) bool {
		return token == "secret"
	})
	h.AddConnection("conn-1", "u1", nil, &memSink{})

	assert.False(t, h.Authenticate("conn-1", "wrong"))
	assert.False(t, h.Authenticate("missing", "secret"))
	assert.True(t, h.Authenticate("conn-1", "secret"))

	c, _ := h.Connection("conn-1")
	assert.True(t, c.IsAuthenticated)
}

func TestDefaultValidatorRejectsEmptyToken(t *testing.T) {
	h := newTestHub()
	h.AddConnection("conn-1", "u1", nil, &memSink{})

	assert.False(t, h.Authenticate("conn-1", ""))
	assert.True(t, h.Authenticate("conn-1", "anything"))
}

func TestAuthenticateFlushesBufferInOrder(t *testing.T) {
	h := newTestHub()

	first := events.New(events.EventBalanceUpdated, "u1", map[string]any{"n": 1}, events.PriorityMedium)
	second := events.New(events.EventAccountCreated, "u1", map[string]any{"n": 2}, events.PriorityMedium)
	now := time.Now()
	h.mu.Lock()
	h.bufferLocked("u1", first, now)
	h.bufferLocked("u1", second, now)
	h.mu.Unlock()

	sink := addAuthed(t, h, "conn-1", "u1")

	delivered := sink.eventPayloads()
	require.Len(t, delivered, 2)
	assert.Equal(t, first.ID, delivered[0].ID)
	assert.Equal(t, second.ID, delivered[1].ID)
	assert.Equal(t, 0, h.BufferedEventCount("u1"))
}

func TestRemoveConnectionCleansUp(t *testing.T) {
	h := newTestHub()
	sink := &memSink{}
	h.AddConnection("conn-1", "u1", nil, sink)
	require.True(t, h.Authenticate("conn-1", "token"))

	subID, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, subID)

	h.RemoveConnection("conn-1")

	_, ok := h.Connection("conn-1")
	assert.False(t, ok)
	assert.True(t, sink.closed)

	m := h.Metrics()
	assert.Equal(t, 0, m.ActiveConnections)
	assert.Equal(t, 1, m.ActiveSubscriptions, "subscriptions outlive the connection until the stale threshold")

	// Idempotent.
	assert.NotPanics(t, func() { h.RemoveConnection("conn-1") })
}

func TestAuthenticateFlushOrderedBeforeLiveDelivery(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newTestHub()
		// A second live connection keeps the subscription matched while
		// conn-new authenticates mid-delivery.
		addAuthed(t, h, "conn-old", "u1")
		_, err := h.Subscribe("conn-old", []events.EventType{events.EventBalanceUpdated}, nil)
		require.NoError(t, err)

		var buffered []string
		now := time.Now()
		h.mu.Lock()
		for j := 0; j < 3; j++ {
			e := events.New(events.EventBalanceUpdated, "u1", map[string]any{"n": j}, events.PriorityMedium)
			buffered = append(buffered, e.ID)
			h.bufferLocked("u1", e, now)
		}
		h.mu.Unlock()

		sink := &memSink{}
		h.AddConnection("conn-new", "u1", nil, sink)

		live := events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityMedium)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Authenticate("conn-new", "token")
		}()
		go func() {
			defer wg.Done()
			_ = h.ProcessEvent(live)
		}()
		wg.Wait()

		c, ok := h.Connection("conn-new")
		require.True(t, ok)
		require.True(t, c.IsAuthenticated)

		got := sink.eventPayloads()
		require.GreaterOrEqual(t, len(got), 3)
		for j, id := range buffered {
			require.Equal(t, id, got[j].ID, "buffered events must reach the sink before any live delivery")
		}
	}
}

func TestRemoveConnectionKeepsSubscriptionForReconnect(t *testing.T) {
	h := newTestHub()
	addAuthed(t, h, "conn-1", "u1")
	_, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	h.RemoveConnection("conn-1")

	e := events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityMedium)
	require.NoError(t, h.ProcessEvent(e))
	assert.Equal(t, 1, h.BufferedEventCount("u1"))

	sink := addAuthed(t, h, "conn-2", "u1")

	delivered := sink.eventPayloads()
	require.Len(t, delivered, 1)
	assert.Equal(t, e.ID, delivered[0].ID)
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	h := newTestHub()
	h.AddConnection("conn-1", "u1", nil, &memSink{})

	_, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = h.Subscribe("missing", []events.EventType{events.EventBalanceUpdated}, nil)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	h := newTestHub()
	addAuthed(t, h, "conn-1", "u1")

	_, err := h.Subscribe("conn-1",
		[]events.EventType{events.EventBalanceUpdated, events.EventAccountCreated}, nil)
	require.NoError(t, err)

	c, _ := h.Connection("conn-1")
	assert.True(t, c.SubscribedEvents[events.EventBalanceUpdated])
	assert.True(t, c.SubscribedEvents[events.EventAccountCreated])

	require.NoError(t, h.Unsubscribe("conn-1", []events.EventType{events.EventBalanceUpdated}))
	assert.False(t, c.SubscribedEvents[events.EventBalanceUpdated])
	assert.Equal(t, 1, h.Metrics().ActiveSubscriptions)

	// Removing the last type removes the subscription record.
	require.NoError(t, h.Unsubscribe("conn-1", []events.EventType{events.EventAccountCreated}))
	assert.Equal(t, 0, h.Metrics().ActiveSubscriptions)

	assert.ErrorIs(t, h.Unsubscribe("missing", nil), ErrConnectionNotFound)
}

func TestProcessEventDeliversToLiveConnections(t *testing.T) {
	h := newTestHub()
	sink := addAuthed(t, h, "conn-1", "u1")
	_, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	e := events.New(events.EventBalanceUpdated, "u1", map[string]any{"balance": 7}, events.PriorityMedium)
	require.NoError(t, h.ProcessEvent(e))

	delivered := sink.eventPayloads()
	require.Len(t, delivered, 1)
	assert.Equal(t, e.ID, delivered[0].ID)
	assert.Equal(t, int64(1), h.Metrics().EventsDelivered)
}

func TestProcessEventIgnoresNonMatchingWhileOnline(t *testing.T) {
	h := newTestHub()
	sink := addAuthed(t, h, "conn-1", "u1")
	other := addAuthed(t, h, "conn-2", "u2") // online, no subscriptions
	_, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	// Wrong type, then a user with no subscription.
	require.NoError(t, h.ProcessEvent(events.New(events.EventAccountCreated, "u1", nil, events.PriorityMedium)))
	require.NoError(t, h.ProcessEvent(events.New(events.EventBalanceUpdated, "u2", nil, events.PriorityMedium)))

	assert.Empty(t, sink.eventPayloads())
	assert.Empty(t, other.eventPayloads(), "online users only receive subscribed types")
	assert.Equal(t, 0, h.BufferedEventCount("u1"))
	assert.Equal(t, 0, h.BufferedEventCount("u2"), "nothing is buffered while the user is online")
}

func TestOfflineDeliveryWithoutPriorSubscription(t *testing.T) {
	h := newTestHub()

	var ids []string
	for i := 0; i < 3; i++ {
		e := events.New(events.EventBalanceUpdated, "u2", map[string]any{"n": i}, events.PriorityMedium)
		ids = append(ids, e.ID)
		require.NoError(t, h.ProcessEvent(e))
	}
	assert.Equal(t, 3, h.BufferedEventCount("u2"), "events for an absent user are buffered without a subscription")

	sink := addAuthed(t, h, "conn-2", "u2")

	delivered := sink.eventPayloads()
	require.Len(t, delivered, 3)
	for i, id := range ids {
		assert.Equal(t, id, delivered[i].ID)
	}
	assert.Equal(t, 0, h.BufferedEventCount("u2"))
}

func TestProcessEventBuffersForOfflineUser(t *testing.T) {
	h := newTestHub()
	sink := addAuthed(t, h, "conn-1", "u1")
	_, err := h.Subscribe("conn-1", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	// Age the connection past liveness so the user counts as offline.
	h.mu.Lock()
	h.conns["conn-1"].LastPing = time.Now().Add(-h.cfg.LivenessTimeout - time.Second)
	h.mu.Unlock()

	require.NoError(t, h.ProcessEvent(events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityMedium)))

	assert.Empty(t, sink.eventPayloads())
	assert.Equal(t, 1, h.BufferedEventCount("u1"))
}

func TestOfflineBufferDropsOldestAtCapacity(t *testing.T) {
	cfg := testHubConfig()
	cfg.BufferCap = 3
	h := NewConnectionHub(cfg, nil)

	now := time.Now()
	h.mu.Lock()
	var ids []string
	for i := 0; i < 4; i++ {
		e := events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityMedium)
		ids = append(ids, e.ID)
		h.bufferLocked("u1", e, now)
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	buf := h.buffers["u1"]
	require.Len(t, buf, 3)
	assert.Equal(t, ids[1], buf[0].ev.ID, "oldest entry evicted on overflow")
	assert.Equal(t, ids[3], buf[2].ev.ID)
}

func TestLivenessBoundaryExactlyAtThreshold(t *testing.T) {
	h := newTestHub()
	addAuthed(t, h, "conn-1", "u1")

	now := time.Now()
	h.mu.Lock()
	h.conns["conn-1"].LastPing = now.Add(-h.cfg.LivenessTimeout)
	live := h.liveConnectionsLocked("u1", now)
	h.mu.Unlock()
	assert.Len(t, live, 1, "exactly at the threshold counts as alive")

	h.mu.Lock()
	h.conns["conn-1"].LastPing = now.Add(-h.cfg.LivenessTimeout - time.Nanosecond)
	live = h.liveConnectionsLocked("u1", now)
	h.mu.Unlock()
	assert.Empty(t, live, "strictly past the threshold is stale")
}

func TestSystemAlertBroadcastMatching(t *testing.T) {
	h := newTestHub()
	sinkA := addAuthed(t, h, "conn-a", "alice")
	sinkB := addAuthed(t, h, "conn-b", "bob")
	sinkC := addAuthed(t, h, "conn-c", "carol")

	_, err := h.Subscribe("conn-a", []events.EventType{events.EventSystemAlert}, nil)
	require.NoError(t, err)
	_, err = h.Subscribe("conn-b", []events.EventType{events.EventSystemAlert}, nil)
	require.NoError(t, err)
	// carol is not subscribed to alerts.
	_, err = h.Subscribe("conn-c", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	alert := events.New(events.EventSystemAlert, events.SystemUserID, map[string]any{"message": "maintenance"}, events.PriorityCritical)
	require.NoError(t, h.ProcessEvent(alert))

	assert.Len(t, sinkA.eventPayloads(), 1)
	assert.Len(t, sinkB.eventPayloads(), 1)
	assert.Empty(t, sinkC.eventPayloads())
}

func TestBroadcastPredicate(t *testing.T) {
	h := newTestHub()
	sinkA := addAuthed(t, h, "conn-a", "alice")
	sinkB := addAuthed(t, h, "conn-b", "bob")
	unauthSink := &memSink{}
	h.AddConnection("conn-u", "carol", nil, unauthSink)

	h.Broadcast(NewMessage(MessagePing, nil), func(c *Connection) bool {
		return c.UserID == "alice"
	})
	assert.Equal(t, 1, sinkA.count(MessagePing))
	assert.Equal(t, 0, sinkB.count(MessagePing))

	h.Broadcast(NewMessage(MessagePing, nil), nil)
	assert.Equal(t, 2, sinkA.count(MessagePing))
	assert.Equal(t, 1, sinkB.count(MessagePing))
	assert.Equal(t, 0, unauthSink.count(MessagePing), "unauthenticated connections never receive broadcasts")
}

func TestSendToUserCountsLiveConnections(t *testing.T) {
	h := newTestHub()
	addAuthed(t, h, "conn-1", "u1")
	addAuthed(t, h, "conn-2", "u1")

	n := h.SendToUser("u1", NewMessage(MessagePong, nil))
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, h.SendToUser("nobody", NewMessage(MessagePong, nil)))
}

func TestSendToConnection(t *testing.T) {
	h := newTestHub()
	sink := addAuthed(t, h, "conn-1", "u1")

	require.NoError(t, h.SendToConnection("conn-1", NewMessage(MessageError, map[string]any{"code": "bad_request"})))
	assert.Equal(t, 1, sink.count(MessageError))

	assert.ErrorIs(t, h.SendToConnection("missing", NewMessage(MessageError, nil)), ErrConnectionNotFound)
}

func TestSendFailuresCountedNotPropagated(t *testing.T) {
	h := newTestHub()
	good := addAuthed(t, h, "conn-good", "u1")
	h.AddConnection("conn-bad", "u1", nil, &memSink{failing: true})
	require.True(t, h.Authenticate("conn-bad", "token"))

	_, err := h.Subscribe("conn-good", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)

	require.NoError(t, h.ProcessEvent(events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityMedium)))

	assert.Len(t, good.eventPayloads(), 1, "one failing connection does not block the others")
	m := h.Metrics()
	assert.Equal(t, int64(1), m.SendFailures)
	assert.Less(t, h.Health(), 100.0)
}

func TestReapStaleConnectionsAndSubscriptions(t *testing.T) {
	h := newTestHub()
	staleSink := &memSink{}
	h.AddConnection("conn-stale", "u1", nil, staleSink)
	require.True(t, h.Authenticate("conn-stale", "token"))
	_, err := h.Subscribe("conn-stale", []events.EventType{events.EventBalanceUpdated}, nil)
	require.NoError(t, err)
	addAuthed(t, h, "conn-live", "u2")

	h.mu.Lock()
	h.conns["conn-stale"].LastPing = time.Now().Add(-h.cfg.ReapTimeout - time.Minute)
	for _, sub := range h.subs {
		sub.LastActivity = time.Now().Add(-h.cfg.StaleSubscriptionThreshold - time.Minute)
	}
	h.mu.Unlock()

	h.reapStale()

	_, ok := h.Connection("conn-stale")
	assert.False(t, ok)
	assert.True(t, staleSink.closed)
	_, ok = h.Connection("conn-live")
	assert.True(t, ok)
	assert.Equal(t, 0, h.Metrics().ActiveSubscriptions, "orphaned stale subscription reaped with its connection")
}

func TestCleanupBuffersDropsExpired(t *testing.T) {
	h := newTestHub()

	h.mu.Lock()
	h.buffers["u1"] = []bufferedEvent{
		{ev: events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityLow), at: time.Now().Add(-h.cfg.BufferTTL - time.Hour)},
		{ev: events.New(events.EventBalanceUpdated, "u1", nil, events.PriorityLow), at: time.Now()},
	}
	h.buffers["u2"] = []bufferedEvent{
		{ev: events.New(events.EventBalanceUpdated, "u2", nil, events.PriorityLow), at: time.Now().Add(-h.cfg.BufferTTL - time.Hour)},
	}
	h.mu.Unlock()

	h.cleanupBuffers()

	assert.Equal(t, 1, h.BufferedEventCount("u1"))
	assert.Equal(t, 0, h.BufferedEventCount("u2"))
	h.mu.RLock()
	_, exists := h.buffers["u2"]
	h.mu.RUnlock()
	assert.False(t, exists, "empty buffers are removed")
}

func TestHeartbeatUpdatesMetrics(t *testing.T) {
	h := newTestHub()
	sink := addAuthed(t, h, "conn-1", "u1")

	h.sendHeartbeats()

	assert.Equal(t, 1, sink.count(MessagePing))
	m := h.Metrics()
	assert.Equal(t, int64(1), m.HeartbeatsSent)
	assert.False(t, m.LastHeartbeatAt.IsZero())
}

func TestTouchRefreshesLiveness(t *testing.T) {
	h := newTestHub()
	addAuthed(t, h, "conn-1", "u1")

	h.mu.Lock()
	h.conns["conn-1"].LastPing = time.Now().Add(-time.Hour)
	h.mu.Unlock()

	h.Touch("conn-1")

	c, _ := h.Connection("conn-1")
	assert.WithinDuration(t, time.Now(), c.LastPing, time.Second)
}

func TestShutdownClosesSinks(t *testing.T) {
	h := newTestHub()
	h.Start(context.Background())
	sink := addAuthed(t, h, "conn-1", "u1")

	h.Shutdown()
	assert.True(t, sink.closed)
	assert.NotPanics(t, func() { h.Shutdown() })
}
