// Package hub tracks persistent client connections, matches domain events
// against subscriptions, fans them out to live authenticated connections,
// and buffers events for offline users.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpay/realtime/pkg/events"
)

// Sentinel errors for hub operations.
var (
	// ErrConnectionNotFound indicates the connection id is not registered.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrNotAuthenticated indicates the operation requires an authenticated
	// connection.
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// MessageType identifies the kind of framed message sent to a client.
type MessageType string

// Message types.
const (
	MessageEvent       MessageType = "event"
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessagePing        MessageType = "ping"
	MessagePong        MessageType = "pong"
	MessageError       MessageType = "error"
	MessageAuth        MessageType = "auth"
)

// Message is the framed envelope delivered to clients.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"messageId"`
}

// NewMessage frames a payload with a fresh message id and timestamp.
func NewMessage(t MessageType, payload any) Message {
	return Message{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
		MessageID: uuid.New().String(),
	}
}

// Channel is a delivery channel requested by a subscription. Only
// ChannelWebSocket is delivered by the hub; others are accepted and ignored.
type Channel string

// Subscription delivery channels.
const (
	ChannelWebSocket Channel = "websocket"
	ChannelWebhook   Channel = "webhook"
	ChannelSSE       Channel = "sse"
	ChannelPush      Channel = "push"
)

// Sink is the transport half of a connection. Implementations must be safe
// for concurrent Send calls; the hub bounds each call with its write timeout.
type Sink interface {
	Send(ctx context.Context, m Message) error
	Close() error
}

// Connection represents a single client connection. Fields are mutated only
// under the hub lock.
type Connection struct {
	ID                string
	UserID            string
	ConnectionID      string
	IsAuthenticated   bool
	SubscribedEvents  map[events.EventType]bool
	LastPing          time.Time
	ConnectionStarted time.Time
	Metadata          map[string]any

	sink Sink

	// sendMu serializes sink writes so the authentication flush and live
	// deliveries cannot interleave on one connection.
	sendMu sync.Mutex
}

// Subscription records a user's interest in a set of event types, optionally
// narrowed by structured filters.
type Subscription struct {
	ID           string
	UserID       string
	EventTypes   map[events.EventType]bool
	Channels     map[Channel]bool
	Filters      []events.Filter
	IsActive     bool
	CreatedAt    time.Time
	LastActivity time.Time

	// connectionID is the connection that created the subscription; used by
	// Unsubscribe and the reaper to tie subscription lifetime to it.
	connectionID string
}

// MatchesEvent reports whether the subscription should receive the event:
// active, type subscribed, user matches (or the "system" broadcast sentinel
// applies), and every filter passes.
func (s *Subscription) MatchesEvent(e events.Event) bool {
	if !s.IsActive {
		return false
	}
	if !s.EventTypes[e.Type] {
		return false
	}
	// System alerts broadcast across users; everything else is per-user.
	systemBroadcast := e.UserID == events.SystemUserID && e.Type == events.EventSystemAlert
	if !systemBroadcast && s.UserID != e.UserID {
		return false
	}
	for _, f := range s.Filters {
		if !f.Matches(e) {
			return false
		}
	}
	return true
}

// HubMetrics is a value-copy snapshot of connection hub metrics.
type HubMetrics struct {
	ActiveConnections        int       `json:"active_connections"`
	AuthenticatedConnections int       `json:"authenticated_connections"`
	ActiveSubscriptions      int       `json:"active_subscriptions"`
	BufferedUsers            int       `json:"buffered_users"`
	BufferedEvents           int       `json:"buffered_events"`
	EventsDelivered          int64     `json:"events_delivered"`
	EventsBuffered           int64     `json:"events_buffered"`
	SendFailures             int64     `json:"send_failures"`
	HeartbeatsSent           int64     `json:"heartbeats_sent"`
	LastHeartbeatAt          time.Time `json:"last_heartbeat_at"`
}
