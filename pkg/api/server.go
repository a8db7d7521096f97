// Package api is the HTTP adapter over the realtime core: the
// administrative REST surface under /api/realtime, the WebSocket endpoint
// that feeds the connection hub, and operational Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/events"
	"github.com/flowpay/realtime/pkg/hub"
	"github.com/flowpay/realtime/pkg/queue"
)

// Server is the HTTP server for the realtime service.
type Server struct {
	cfg   *config.Config
	queue *queue.TransactionQueue
	bus   *events.Bus
	hub   *hub.ConnectionHub

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, q *queue.TransactionQueue, b *events.Bus, h *hub.ConnectionHub) *Server {
	s := &Server{
		cfg:   cfg,
		queue: q,
		bus:   b,
		hub:   h,
		echo:  echo.New(),
	}
	registerMetrics()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(requestMetrics())

	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	rt := e.Group("/api/realtime")
	rt.GET("/health", s.healthHandler)

	rt.POST("/events", s.emitEventHandler)
	rt.POST("/events/transaction", s.emitTransactionEventHandler)
	rt.POST("/events/alert", s.emitAlertHandler)
	rt.GET("/events/history", s.eventHistoryHandler)

	rt.GET("/queue", s.queueStatusHandler)
	rt.POST("/queue", s.enqueueHandler)
	rt.POST("/queue/pause", s.pauseQueueHandler)
	rt.POST("/queue/resume", s.resumeQueueHandler)
	rt.GET("/queue/:id", s.getTransactionHandler)
	rt.POST("/queue/:id/cancel", s.cancelTransactionHandler)

	rt.GET("/websocket", s.websocketStatusHandler)
	rt.GET("/ws", s.wsHandler)
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
