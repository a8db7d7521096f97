package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/flowpay/realtime/pkg/events"
)

// emitEventHandler handles POST /api/realtime/events.
func (s *Server) emitEventHandler(c *echo.Context) error {
	var req EmitEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown event type: "+string(req.Type))
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = events.PriorityMedium
	}
	if !priority.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown priority: "+string(priority))
	}

	e := events.New(req.Type, req.UserID, req.Data, priority)
	s.bus.Emit(e)
	eventsEmittedTotal.WithLabelValues(string(req.Type)).Inc()

	return c.JSON(http.StatusAccepted, &EventAcceptedResponse{EventID: e.ID, Status: "accepted"})
}

// emitTransactionEventHandler handles POST /api/realtime/events/transaction.
// Only transaction lifecycle types are accepted.
func (s *Server) emitTransactionEventHandler(c *echo.Context) error {
	var req EmitEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Type.TransactionLifecycle() {
		return echo.NewHTTPError(http.StatusBadRequest,
			"type must be a transaction lifecycle event, got "+string(req.Type))
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	s.bus.EmitTransactionEvent(req.Type, req.UserID, req.Data, req.Priority)
	eventsEmittedTotal.WithLabelValues(string(req.Type)).Inc()

	return c.JSON(http.StatusAccepted, &EventAcceptedResponse{Status: "accepted"})
}

// emitAlertHandler handles POST /api/realtime/events/alert.
func (s *Server) emitAlertHandler(c *echo.Context) error {
	var req EmitAlertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	severity := req.Severity
	if severity == "" {
		severity = "info"
	}

	s.bus.EmitSystemAlert(req.Message, severity, req.AffectedUsers)
	eventsEmittedTotal.WithLabelValues(string(events.EventSystemAlert)).Inc()

	return c.JSON(http.StatusAccepted, &EventAcceptedResponse{Status: "accepted"})
}

// eventHistoryHandler handles GET /api/realtime/events/history.
func (s *Server) eventHistoryHandler(c *echo.Context) error {
	var filter events.HistoryFilter

	if v := c.QueryParam("eventTypes"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			t := events.EventType(strings.TrimSpace(raw))
			if !t.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown event type: "+string(t))
			}
			filter.EventTypes = append(filter.EventTypes, t)
		}
	}
	if v := c.QueryParam("userIds"); v != "" {
		filter.UserIDs = strings.Split(v, ",")
	}
	if v := c.QueryParam("priorities"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			p := events.Priority(strings.TrimSpace(raw))
			if !p.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown priority: "+string(p))
			}
			filter.Priorities = append(filter.Priorities, p)
		}
	}
	if v := c.QueryParam("startTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid startTime: must be RFC3339")
		}
		filter.StartTime = &t
	}
	if v := c.QueryParam("endTime"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid endTime: must be RFC3339")
		}
		filter.EndTime = &t
	}
	filter.Source = c.QueryParam("source")
	if v := c.QueryParam("tags"); v != "" {
		filter.Tags = strings.Split(v, ",")
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a positive integer")
		}
		filter.Limit = n
	}

	matched := s.bus.Query(filter)
	return c.JSON(http.StatusOK, &EventHistoryResponse{Events: matched, Count: len(matched)})
}
