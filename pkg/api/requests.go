package api

import "github.com/flowpay/realtime/pkg/events"

// EmitEventRequest is the body of POST /api/realtime/events.
type EmitEventRequest struct {
	Type     events.EventType `json:"type"`
	UserID   string           `json:"userId"`
	Data     map[string]any   `json:"data"`
	Priority events.Priority  `json:"priority"`
}

// EmitAlertRequest is the body of POST /api/realtime/events/alert.
type EmitAlertRequest struct {
	Message       string   `json:"message"`
	Severity      string   `json:"severity"`
	AffectedUsers []string `json:"affectedUsers"`
}

// EnqueueRequest is the body of POST /api/realtime/queue.
type EnqueueRequest struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	TransactionData map[string]any  `json:"transactionData"`
	Priority        events.Priority `json:"priority"`
	// MaxRetries overrides the default retry budget when set; zero is a
	// valid override (single attempt, straight to dead-letter on failure).
	MaxRetries *int           `json:"maxRetries"`
	Metadata   map[string]any `json:"metadata"`
}
