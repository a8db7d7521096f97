// Package events provides the domain event model and the in-memory event
// bus that delivers events to the connection hub with priority batching,
// TTL handling, and a bounded queryable history.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of domain event.
type EventType string

// Domain event types.
const (
	EventTransactionCreated    EventType = "transaction_created"
	EventTransactionProcessing EventType = "transaction_processing"
	EventTransactionCompleted  EventType = "transaction_completed"
	EventTransactionFailed     EventType = "transaction_failed"
	EventBalanceUpdated        EventType = "balance_updated"
	EventCurrencyConverted     EventType = "currency_converted"
	EventAccountCreated        EventType = "account_created"
	EventExchangeRateUpdated   EventType = "exchange_rate_updated"
	EventSystemAlert           EventType = "system_alert"
	EventPerformanceMetric     EventType = "performance_metric"
)

// allEventTypes is the closed set of valid event types.
var allEventTypes = map[EventType]bool{
	EventTransactionCreated:    true,
	EventTransactionProcessing: true,
	EventTransactionCompleted:  true,
	EventTransactionFailed:     true,
	EventBalanceUpdated:        true,
	EventCurrencyConverted:     true,
	EventAccountCreated:        true,
	EventExchangeRateUpdated:   true,
	EventSystemAlert:           true,
	EventPerformanceMetric:     true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return allEventTypes[t]
}

// TransactionLifecycle reports whether t is a transaction lifecycle type.
func (t EventType) TransactionLifecycle() bool {
	switch t {
	case EventTransactionCreated, EventTransactionProcessing,
		EventTransactionCompleted, EventTransactionFailed:
		return true
	}
	return false
}

// Priority orders events for dispatch. Higher scores dispatch first.
type Priority string

// Priority levels.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Score returns the numeric dispatch priority: critical=4 ... low=1.
// Unknown priorities score 0 and sort last.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Score() > 0
}

// SystemUserID is the reserved sentinel for broadcast system alerts. Events
// addressed to it match every active subscription containing system_alert,
// regardless of the subscriber's user id.
const SystemUserID = "system"

// Metadata carries event routing and lifecycle attributes.
type Metadata struct {
	Source    string     `json:"source"`
	Version   string     `json:"version"`
	Priority  Priority   `json:"priority"`
	Retryable bool       `json:"retryable"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

// Event is an immutable domain event. Once constructed, no field mutates;
// the bus and hub pass events by value.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	UserID        string         `json:"userId"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      Metadata       `json:"metadata"`
}

// New constructs an event with a fresh id and timestamp.
func New(t EventType, userID string, data map[string]any, priority Priority) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now(),
		Metadata: Metadata{
			Source:   "realtime-core",
			Version:  "1.0",
			Priority: priority,
		},
	}
}

// Expired reports whether the event's TTL has passed at the given instant.
func (e Event) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt != nil && now.After(*e.Metadata.ExpiresAt)
}

// Lookup resolves a dotted field path against the event, e.g.
// "metadata.source" or "data.merchantId". The second return is false when
// the path does not resolve.
func (e Event) Lookup(path string) (any, bool) {
	head, rest, nested := cutPath(path)

	switch head {
	case "id":
		return terminal(e.ID, nested)
	case "type":
		return terminal(string(e.Type), nested)
	case "userId":
		return terminal(e.UserID, nested)
	case "timestamp":
		return terminal(e.Timestamp, nested)
	case "correlationId":
		return terminal(e.CorrelationID, nested)
	case "data":
		if !nested {
			return e.Data, e.Data != nil
		}
		return lookupMap(e.Data, rest)
	case "metadata":
		if !nested {
			return e.Metadata, true
		}
		return e.Metadata.lookup(rest)
	}
	return nil, false
}

func (m Metadata) lookup(path string) (any, bool) {
	head, _, nested := cutPath(path)
	if nested {
		return nil, false
	}
	switch head {
	case "source":
		return m.Source, true
	case "version":
		return m.Version, true
	case "priority":
		return string(m.Priority), true
	case "retryable":
		return m.Retryable, true
	case "expiresAt":
		if m.ExpiresAt == nil {
			return nil, false
		}
		return *m.ExpiresAt, true
	case "tags":
		return m.Tags, true
	}
	return nil, false
}

// lookupMap walks the remaining dotted path through nested maps.
func lookupMap(m map[string]any, path string) (any, bool) {
	head, rest, nested := cutPath(path)
	v, ok := m[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return v, true
	}
	child, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupMap(child, rest)
}

func cutPath(path string) (head, rest string, nested bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

func terminal(v any, nested bool) (any, bool) {
	if nested {
		return nil, false
	}
	return v, true
}
