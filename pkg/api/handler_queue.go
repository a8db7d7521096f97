package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/flowpay/realtime/pkg/queue"
)

// queueStatusHandler handles GET /api/realtime/queue.
func (s *Server) queueStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &QueueStatusResponse{
		Paused:  s.queue.Paused(),
		Metrics: s.queue.Metrics(),
	})
}

// enqueueHandler handles POST /api/realtime/queue.
func (s *Server) enqueueHandler(c *echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	tx := queue.NewQueuedTransaction(req.ID, req.UserID, req.TransactionData, req.Priority)
	if req.MaxRetries != nil {
		tx.MaxRetries = *req.MaxRetries
	}
	tx.Metadata = req.Metadata

	if err := s.queue.Enqueue(tx); err != nil {
		return mapServiceError(err)
	}
	transactionsEnqueuedTotal.Inc()

	return c.JSON(http.StatusAccepted, &EnqueueResponse{
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		Message:       "transaction queued",
	})
}

// pauseQueueHandler handles POST /api/realtime/queue/pause.
func (s *Server) pauseQueueHandler(c *echo.Context) error {
	s.queue.Pause()
	return c.JSON(http.StatusOK, map[string]string{"message": "queue paused"})
}

// resumeQueueHandler handles POST /api/realtime/queue/resume.
func (s *Server) resumeQueueHandler(c *echo.Context) error {
	s.queue.Resume()
	return c.JSON(http.StatusOK, map[string]string{"message": "queue resumed"})
}

// getTransactionHandler handles GET /api/realtime/queue/:id.
func (s *Server) getTransactionHandler(c *echo.Context) error {
	id := c.Param("id")
	tx, ok := s.queue.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "transaction not found: "+id)
	}
	return c.JSON(http.StatusOK, tx)
}

// cancelTransactionHandler handles POST /api/realtime/queue/:id/cancel.
// Only pending transactions can be cancelled; anything already picked up,
// finished, or dead-lettered gets a conflict.
func (s *Server) cancelTransactionHandler(c *echo.Context) error {
	id := c.Param("id")
	if s.queue.Cancel(id) {
		return c.JSON(http.StatusOK, &CancelResponse{
			TransactionID: id,
			Message:       "transaction cancelled",
		})
	}
	if tx, ok := s.queue.Get(id); ok {
		return echo.NewHTTPError(http.StatusConflict,
			"transaction is "+string(tx.Status)+", not in a cancellable state")
	}
	return echo.NewHTTPError(http.StatusNotFound, "transaction not found: "+id)
}
