package events

import (
	"sort"
	"time"
)

// defaultQueryLimit caps history queries that do not specify a limit.
const defaultQueryLimit = 100

// HistoryFilter narrows a history query. Zero-valued fields match everything.
type HistoryFilter struct {
	EventTypes []EventType
	UserIDs    []string
	Priorities []Priority
	StartTime  *time.Time
	EndTime    *time.Time
	Source     string
	Tags       []string
	Limit      int
}

// Query scans the event history and returns matching events in descending
// timestamp order, capped at the filter limit (default 100).
func (b *Bus) Query(f HistoryFilter) []Event {
	b.mu.RLock()
	matched := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (f HistoryFilter) matches(e Event) bool {
	if len(f.EventTypes) > 0 && !containsEventType(f.EventTypes, e.Type) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.UserID) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, e.Metadata.Priority) {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Source != "" && e.Metadata.Source != f.Source {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(e.Metadata.Tags, tag) {
			return false
		}
	}
	return true
}

func containsEventType(s []EventType, t EventType) bool {
	for _, v := range s {
		if v == t {
			return true
		}
	}
	return false
}

func containsPriority(s []Priority, p Priority) bool {
	for _, v := range s {
		if v == p {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
