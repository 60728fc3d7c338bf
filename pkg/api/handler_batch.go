package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/llmbatch/llmbatch/pkg/models"
)

// maxUploadBytes bounds a single batch file upload.
const maxUploadBytes = 512 << 20

// uploadBatchHandler handles POST /api/v1/batches.
func (s *Server) uploadBatchHandler(c *echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	if fh.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "batch file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded file")
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read uploaded file")
	}
	if int64(len(data)) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "batch file too large")
	}

	receipt, err := s.batches.Upload(c.Request().Context(), c.QueryParam("batch_id"), fh.Filename, data)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, receipt)
}

// listBatchesHandler handles GET /api/v1/batches.
func (s *Server) listBatchesHandler(c *echo.Context) error {
	list, err := s.batches.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getBatchHandler handles GET /api/v1/batches/:id.
func (s *Server) getBatchHandler(c *echo.Context) error {
	batchID := c.Param("id")
	if batchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch id is required")
	}

	stats, err := s.batches.Get(c.Request().Context(), batchID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// deleteBatchHandler handles DELETE /api/v1/batches/:id.
func (s *Server) deleteBatchHandler(c *echo.Context) error {
	batchID := c.Param("id")
	if batchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch id is required")
	}

	if err := s.batches.Delete(c.Request().Context(), batchID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listBatchTasksHandler handles GET /api/v1/batches/:id/tasks.
func (s *Server) listBatchTasksHandler(c *echo.Context) error {
	batchID := c.Param("id")

	page := 1
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	pageSize := 0
	if v := c.QueryParam("page_size"); v != "" {
		ps, err := strconv.Atoi(v)
		if err != nil || ps < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "page_size must be a positive integer")
		}
		pageSize = ps
	}

	result, err := s.batches.Tasks(c.Request().Context(), batchID, c.QueryParam("task_status"), page, pageSize)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// exportBatchTasksHandler handles GET /api/v1/batches/:id/tasks/export. The
// full batch is streamed as NDJSON chunks so arbitrarily large batches never
// materialize in memory.
func (s *Server) exportBatchTasksHandler(c *echo.Context) error {
	batchID := c.Param("id")
	ctx := c.Request().Context()

	scroll, chunk, err := s.batches.Export(ctx, batchID, c.QueryParam("task_status"))
	if err != nil {
		return mapServiceError(err)
	}
	// Release the cursor even when the client disconnects mid-stream; the
	// request context is dead by then, so use a fresh one.
	defer scroll.Close(context.Background())

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", batchID+"_tasks.ndjson"))
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	for chunk != nil {
		if err := enc.Encode(&models.ExportChunk{Tasks: chunk, Total: scroll.Total()}); err != nil {
			// Client went away; nothing useful left to write.
			return nil
		}
		if f, ok := resp.(http.Flusher); ok {
			f.Flush()
		}

		chunk, err = scroll.Next(ctx)
		if err != nil {
			// Headers are committed, the best we can do is stop.
			return nil
		}
	}
	return nil
}

// batchStatsHandler handles GET /api/v1/batches/:id/stats.
func (s *Server) batchStatsHandler(c *echo.Context) error {
	stats, err := s.batches.Usage(c.Request().Context(), c.Param("id"),
		c.QueryParam("time_range"), c.QueryParam("interval"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
