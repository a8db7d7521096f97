package api

import (
	"github.com/flowpay/realtime/pkg/events"
	"github.com/flowpay/realtime/pkg/hub"
	"github.com/flowpay/realtime/pkg/queue"
)

// ComponentHealth is one component's slice of the composite health report.
type ComponentHealth struct {
	Score   float64 `json:"score"`
	Status  string  `json:"status"`
	Metrics any     `json:"metrics,omitempty"`
}

// HealthResponse is returned by GET /api/realtime/health.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Score      float64                    `json:"score"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components"`
}

// EventAcceptedResponse is returned by the emit endpoints.
type EventAcceptedResponse struct {
	EventID string `json:"eventId,omitempty"`
	Status  string `json:"status"`
}

// EventHistoryResponse is returned by GET /api/realtime/events/history.
type EventHistoryResponse struct {
	Events []events.Event `json:"events"`
	Count  int            `json:"count"`
}

// QueueStatusResponse is returned by GET /api/realtime/queue.
type QueueStatusResponse struct {
	Paused  bool          `json:"paused"`
	Metrics queue.Metrics `json:"metrics"`
}

// EnqueueResponse is returned by POST /api/realtime/queue.
type EnqueueResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// CancelResponse is returned by POST /api/realtime/queue/:id/cancel.
type CancelResponse struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// WebSocketStatusResponse is returned by GET /api/realtime/websocket.
type WebSocketStatusResponse struct {
	Health  float64        `json:"health"`
	Metrics hub.HubMetrics `json:"metrics"`
}
