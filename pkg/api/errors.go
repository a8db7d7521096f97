package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/hub"
	"github.com/flowpay/realtime/pkg/queue"
)

// mapServiceError maps core-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *config.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, queue.ErrInvalidItem) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, queue.ErrShuttingDown) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue is shutting down")
	}
	if errors.Is(err, hub.ErrConnectionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	if errors.Is(err, hub.ErrNotAuthenticated) {
		return echo.NewHTTPError(http.StatusForbidden, "connection not authenticated")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
