// Package api exposes the HTTP surface: batch upload and inspection, task
// operations, usage stats and health. Handlers validate transport concerns
// and delegate everything else to the services layer.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/llmbatch/llmbatch/pkg/models"
	"github.com/llmbatch/llmbatch/pkg/services"
)

// BatchService is the batch-facing slice of the services layer.
type BatchService interface {
	Upload(ctx context.Context, batchID, filename string, data []byte) (*services.UploadReceipt, error)
	Get(ctx context.Context, batchID string) (*models.BatchStats, error)
	List(ctx context.Context) (*models.BatchList, error)
	Delete(ctx context.Context, batchID string) error
	Tasks(ctx context.Context, batchID, statusFilter string, page, pageSize int) (*models.TaskPage, error)
	Export(ctx context.Context, batchID, statusFilter string) (services.ExportScroll, []*models.Event, error)
	Usage(ctx context.Context, batchID, timeRange, interval string) (*models.UsageStats, error)
}

// TaskService is the single-task slice of the services layer.
type TaskService interface {
	Submit(ctx context.Context, sub *models.TaskSubmission) (*services.SubmitReceipt, error)
	Get(ctx context.Context, messageID string) (*models.Event, error)
	Delete(ctx context.Context, messageID string) error
	Stats(ctx context.Context) (*models.BatchStats, error)
}

// healthChecker reports liveness of one dependency.
type healthChecker func(ctx context.Context) error

// Server hosts the HTTP API.
type Server struct {
	secretKey string

	batches BatchService
	tasks   TaskService

	brokerHealth healthChecker
	storeHealth  healthChecker

	echo *echo.Echo
	http *http.Server
}

// NewServer wires routes and middleware. secretKey guards everything except
// /health.
func NewServer(secretKey string, batches BatchService, tasks TaskService, brokerHealth, storeHealth healthChecker) *Server {
	s := &Server{
		secretKey:    secretKey,
		batches:      batches,
		tasks:        tasks,
		brokerHealth: brokerHealth,
		storeHealth:  storeHealth,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/token", s.tokenHandler, s.bearerAuth)

	g := e.Group("/api/v1", s.bearerAuth)
	g.POST("/batches", s.uploadBatchHandler)
	g.GET("/batches", s.listBatchesHandler)
	g.GET("/batches/:id", s.getBatchHandler)
	g.DELETE("/batches/:id", s.deleteBatchHandler)
	g.GET("/batches/:id/tasks", s.listBatchTasksHandler)
	g.GET("/batches/:id/tasks/export", s.exportBatchTasksHandler)
	g.GET("/batches/:id/stats", s.batchStatsHandler)

	g.POST("/tasks", s.submitTaskHandler)
	g.GET("/tasks/stats", s.globalStatsHandler)
	g.GET("/tasks/:message_id", s.getTaskHandler)
	g.DELETE("/tasks/:message_id", s.deleteTaskHandler)

	s.echo = e
	return s
}

// Handler exposes the routing tree so tests can mount the API on their own
// listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	slog.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
