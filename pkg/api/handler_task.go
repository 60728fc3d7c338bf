package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/llmbatch/llmbatch/pkg/models"
)

// submitTaskHandler handles POST /api/v1/tasks.
func (s *Server) submitTaskHandler(c *echo.Context) error {
	var sub models.TaskSubmission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a task submission")
	}

	receipt, err := s.tasks.Submit(c.Request().Context(), &sub)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, receipt)
}

// getTaskHandler handles GET /api/v1/tasks/:message_id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	messageID := c.Param("message_id")
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}

	ev, err := s.tasks.Get(c.Request().Context(), messageID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

// deleteTaskHandler handles DELETE /api/v1/tasks/:message_id.
func (s *Server) deleteTaskHandler(c *echo.Context) error {
	messageID := c.Param("message_id")
	if messageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}

	if err := s.tasks.Delete(c.Request().Context(), messageID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// globalStatsHandler handles GET /api/v1/tasks/stats.
func (s *Server) globalStatsHandler(c *echo.Context) error {
	stats, err := s.tasks.Stats(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
