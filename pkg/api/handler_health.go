package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/llmbatch/llmbatch/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is the state of one dependency.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Unauthenticated; checks the broker and
// the event store. The upstream LLM endpoints are deliberately not probed,
// their outages are per-task failures, not process unhealthiness.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	check := func(name string, probe healthChecker) {
		if probe == nil {
			return
		}
		if err := probe(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks[name] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
			return
		}
		checks[name] = HealthCheck{Status: healthStatusHealthy}
	}
	check("broker", s.brokerHealth)
	check("event_store", s.storeHealth)

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// tokenHandler handles GET /token. Reaching it means bearerAuth passed.
func (s *Server) tokenHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"isValid": true})
}
