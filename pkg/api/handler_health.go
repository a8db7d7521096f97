package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowpay/realtime/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	healthStatusCritical = "critical"
)

// componentGrade maps a 0-100 score to a status string.
func componentGrade(score float64) string {
	switch {
	case score >= 80:
		return healthStatusHealthy
	case score >= 60:
		return healthStatusDegraded
	}
	return healthStatusCritical
}

// healthHandler handles GET /api/realtime/health. The composite score
// weights the queue at 0.4 and the bus and hub at 0.3 each.
func (s *Server) healthHandler(c *echo.Context) error {
	tq := s.queue.Health()
	eb := s.bus.Health()
	ch := s.hub.Health()
	score := 0.4*tq + 0.3*eb + 0.3*ch
	status := componentGrade(score)

	httpStatus := http.StatusOK
	if status == healthStatusCritical {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Score:   score,
		Version: version.GitCommit,
		Components: map[string]ComponentHealth{
			"transaction_queue": {Score: tq, Status: componentGrade(tq), Metrics: s.queue.Metrics()},
			"event_bus":         {Score: eb, Status: componentGrade(eb), Metrics: s.bus.Metrics()},
			"connection_hub":    {Score: ch, Status: componentGrade(ch), Metrics: s.hub.Metrics()},
		},
	})
}
