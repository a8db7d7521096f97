package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeValid(t *testing.T) {
	assert.True(t, EventTransactionCompleted.Valid())
	assert.True(t, EventSystemAlert.Valid())
	assert.False(t, EventType("transaction_exploded").Valid())
	assert.False(t, EventType("").Valid())
}

func TestEventTypeTransactionLifecycle(t *testing.T) {
	assert.True(t, EventTransactionCreated.TransactionLifecycle())
	assert.True(t, EventTransactionProcessing.TransactionLifecycle())
	assert.True(t, EventTransactionCompleted.TransactionLifecycle())
	assert.True(t, EventTransactionFailed.TransactionLifecycle())
	assert.False(t, EventBalanceUpdated.TransactionLifecycle())
	assert.False(t, EventSystemAlert.TransactionLifecycle())
}

func TestPriorityScore(t *testing.T) {
	assert.Equal(t, 4, PriorityCritical.Score())
	assert.Equal(t, 3, PriorityHigh.Score())
	assert.Equal(t, 2, PriorityMedium.Score())
	assert.Equal(t, 1, PriorityLow.Score())
	assert.Equal(t, 0, Priority("urgent").Score())

	assert.True(t, PriorityLow.Valid())
	assert.False(t, Priority("").Valid())
}

func TestNewEventDefaults(t *testing.T) {
	e := New(EventBalanceUpdated, "u1", map[string]any{"balance": 42}, PriorityMedium)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventBalanceUpdated, e.Type)
	assert.Equal(t, "u1", e.UserID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, PriorityMedium, e.Metadata.Priority)
	assert.Equal(t, "realtime-core", e.Metadata.Source)
}

func TestEventExpired(t *testing.T) {
	now := time.Now()

	e := New(EventBalanceUpdated, "u1", nil, PriorityLow)
	assert.False(t, e.Expired(now), "no TTL means never expired")

	past := now.Add(-time.Minute)
	e.Metadata.ExpiresAt = &past
	assert.True(t, e.Expired(now))

	future := now.Add(time.Minute)
	e.Metadata.ExpiresAt = &future
	assert.False(t, e.Expired(now))
}

func TestEventLookup(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Event{
		ID:            "ev-1",
		Type:          EventTransactionCompleted,
		UserID:        "u1",
		CorrelationID: "corr-1",
		Data: map[string]any{
			"merchantId": "m-77",
			"amounts": map[string]any{
				"gross": 100.5,
			},
		},
		Metadata: Metadata{
			Source:    "payroll",
			Version:   "1.0",
			Priority:  PriorityHigh,
			Retryable: true,
			ExpiresAt: &expires,
			Tags:      []string{"batch"},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"id", "ev-1", true},
		{"type", "transaction_completed", true},
		{"userId", "u1", true},
		{"correlationId", "corr-1", true},
		{"data.merchantId", "m-77", true},
		{"data.amounts.gross", 100.5, true},
		{"metadata.source", "payroll", true},
		{"metadata.priority", "high", true},
		{"metadata.retryable", true, true},
		{"metadata.expiresAt", expires, true},
		{"data.missing", nil, false},
		{"data.merchantId.sub", nil, false},
		{"metadata.source.sub", nil, false},
		{"id.sub", nil, false},
		{"nonsense", nil, false},
		{"", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := e.Lookup(tc.path)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestEventLookupNilExpiresAt(t *testing.T) {
	e := New(EventBalanceUpdated, "u1", nil, PriorityLow)
	_, ok := e.Lookup("metadata.expiresAt")
	assert.False(t, ok, "unset TTL does not resolve")
}
