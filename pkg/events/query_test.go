package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedHistory inserts events directly into the bus history.
func seedHistory(b *Bus, evs ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range evs {
		b.history[e.ID] = e
	}
}

func TestQueryFilters(t *testing.T) {
	b, _ := newTestBus()
	base := time.Now()

	payroll := Event{
		ID: "e1", Type: EventTransactionCompleted, UserID: "alice",
		Timestamp: base.Add(-3 * time.Minute),
		Metadata:  Metadata{Source: "payroll", Priority: PriorityHigh, Tags: []string{"batch", "salary"}},
	}
	adhoc := Event{
		ID: "e2", Type: EventTransactionCompleted, UserID: "bob",
		Timestamp: base.Add(-2 * time.Minute),
		Metadata:  Metadata{Source: "adhoc", Priority: PriorityMedium},
	}
	alert := Event{
		ID: "e3", Type: EventSystemAlert, UserID: SystemUserID,
		Timestamp: base.Add(-1 * time.Minute),
		Metadata:  Metadata{Source: "monitor", Priority: PriorityCritical},
	}
	seedHistory(b, payroll, adhoc, alert)

	tests := []struct {
		name   string
		filter HistoryFilter
		want   []string
	}{
		{"no filter returns all, newest first", HistoryFilter{}, []string{"e3", "e2", "e1"}},
		{"by event type", HistoryFilter{EventTypes: []EventType{EventTransactionCompleted}}, []string{"e2", "e1"}},
		{"by user", HistoryFilter{UserIDs: []string{"alice"}}, []string{"e1"}},
		{"by priority", HistoryFilter{Priorities: []Priority{PriorityCritical}}, []string{"e3"}},
		{"by source", HistoryFilter{Source: "payroll"}, []string{"e1"}},
		{"by tag", HistoryFilter{Tags: []string{"salary"}}, []string{"e1"}},
		{"by missing tag", HistoryFilter{Tags: []string{"refund"}}, nil},
		{"limit", HistoryFilter{Limit: 2}, []string{"e3", "e2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := b.Query(tc.filter)
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if tc.want == nil {
				assert.Empty(t, ids)
				return
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestQueryTimeRange(t *testing.T) {
	b, _ := newTestBus()
	base := time.Now()

	early := Event{ID: "early", Type: EventBalanceUpdated, UserID: "u1", Timestamp: base.Add(-time.Hour)}
	late := Event{ID: "late", Type: EventBalanceUpdated, UserID: "u1", Timestamp: base}
	seedHistory(b, early, late)

	start := base.Add(-30 * time.Minute)
	got := b.Query(HistoryFilter{StartTime: &start})
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ID)

	end := base.Add(-30 * time.Minute)
	got = b.Query(HistoryFilter{EndTime: &end})
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].ID)
}

func TestQueryDefaultLimit(t *testing.T) {
	b, _ := newTestBus()

	evs := make([]Event, 0, defaultQueryLimit+20)
	for i := 0; i < defaultQueryLimit+20; i++ {
		e := New(EventBalanceUpdated, "u1", nil, PriorityLow)
		evs = append(evs, e)
	}
	seedHistory(b, evs...)

	got := b.Query(HistoryFilter{})
	assert.Len(t, got, defaultQueryLimit)
}
