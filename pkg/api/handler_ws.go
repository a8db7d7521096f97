package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/flowpay/realtime/pkg/events"
	"github.com/flowpay/realtime/pkg/hub"
)

// clientMessage is the frame clients send over the WebSocket.
type clientMessage struct {
	Type       hub.MessageType `json:"type"`
	Token      string          `json:"token,omitempty"`
	EventTypes []string        `json:"eventTypes,omitempty"`
	Filters    []events.Filter `json:"filters,omitempty"`
}

// websocketStatusHandler handles GET /api/realtime/websocket.
func (s *Server) websocketStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &WebSocketStatusResponse{
		Health:  s.hub.Health(),
		Metrics: s.hub.Metrics(),
	})
}

// wsHandler upgrades HTTP connections to WebSocket and registers them with
// the connection hub.
func (s *Server) wsHandler(c *echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId query parameter is required")
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		// No allowlist configured: accept all origins (development mode).
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// handleConnection blocks until the WebSocket closes.
	s.handleConnection(c.Request().Context(), conn, userID, c.Request().RemoteAddr)
	return nil
}

// handleConnection manages the lifecycle of a single WebSocket connection:
// registration with the hub, the hello frame, and the client read loop.
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID, remoteAddr string) {
	connID := uuid.New().String()
	sink := &wsSink{conn: conn}

	s.hub.AddConnection(connID, userID, map[string]any{"remoteAddr": remoteAddr}, sink)
	defer s.hub.RemoveConnection(connID)

	wsConnectionsActive.Inc()
	defer wsConnectionsActive.Dec()

	s.sendFrame(connID, hub.NewMessage(hub.MessageAuth, map[string]any{
		"status":        "connected",
		"connectionId":  connID,
		"authenticated": false,
	}))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored; the deferred cleanup runs.
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
				"error": "invalid message: " + err.Error(),
			}))
			continue
		}

		s.handleClientMessage(ctx, connID, &msg)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, connID string, msg *clientMessage) {
	switch msg.Type {
	case hub.MessageAuth:
		ok := s.hub.Authenticate(connID, msg.Token)
		s.sendFrame(connID, hub.NewMessage(hub.MessageAuth, map[string]any{
			"authenticated": ok,
		}))

	case hub.MessageSubscribe:
		types, err := parseEventTypes(msg.EventTypes)
		if err != nil {
			s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
				"error": err.Error(),
			}))
			return
		}
		subID, err := s.hub.Subscribe(connID, types, msg.Filters)
		if err != nil {
			s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
				"error": err.Error(),
			}))
			return
		}
		s.sendFrame(connID, hub.NewMessage(hub.MessageSubscribe, map[string]any{
			"subscriptionId": subID,
			"eventTypes":     msg.EventTypes,
		}))

	case hub.MessageUnsubscribe:
		types, err := parseEventTypes(msg.EventTypes)
		if err != nil {
			s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
				"error": err.Error(),
			}))
			return
		}
		if err := s.hub.Unsubscribe(connID, types); err != nil {
			s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
				"error": err.Error(),
			}))
			return
		}
		s.sendFrame(connID, hub.NewMessage(hub.MessageUnsubscribe, map[string]any{
			"eventTypes": msg.EventTypes,
		}))

	case hub.MessagePing:
		s.hub.Touch(connID)
		s.sendFrame(connID, hub.NewMessage(hub.MessagePong, nil))

	case hub.MessagePong:
		// Reply to a server heartbeat: refresh liveness, no response frame.
		s.hub.Touch(connID)

	default:
		s.sendFrame(connID, hub.NewMessage(hub.MessageError, map[string]string{
			"error": "unknown message type: " + string(msg.Type),
		}))
	}
}

// sendFrame delivers a control frame through the hub so writes share the
// hub's timeout and failure accounting.
func (s *Server) sendFrame(connID string, msg hub.Message) {
	if err := s.hub.SendToConnection(connID, msg); err != nil {
		slog.Debug("WebSocket frame not delivered", "connection_id", connID, "error", err)
	}
}

func parseEventTypes(raw []string) ([]events.EventType, error) {
	if len(raw) == 0 {
		return nil, errors.New("eventTypes is required")
	}
	types := make([]events.EventType, 0, len(raw))
	for _, r := range raw {
		t := events.EventType(r)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type: %s", t)
		}
		types = append(types, t)
	}
	return types, nil
}
